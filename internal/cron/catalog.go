package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StateAccessor gives a running payload access to its job's persisted custom
// state. Reads are plain; writes go through the registry under a short lease
// on the job record.
type StateAccessor interface {
	ReadState(ctx context.Context, job string) ([]byte, error)
	WriteState(ctx context.Context, job string, state []byte) error
}

// RunContext is handed to a payload function for one execution.
type RunContext struct {
	// Job is the owning job name (the run's parent).
	Job string
	// Task is the catalog task name.
	Task string
	// Args is the opaque argument blob from the job spec.
	Args []byte

	// States is non-nil for engine-executed runs; payloads that keep state
	// between iterations read and write it here.
	States StateAccessor
}

// RunFunc is a payload implementation. It must honor ctx cancellation:
// termination requests (lifetime exceeded, explicit Terminate) cancel ctx.
type RunFunc func(ctx context.Context, rc RunContext) error

// JobType describes one registered job kind: its default cadence and the
// payload to execute. Built-in system jobs register themselves into a
// Catalog at process initialization.
type JobType struct {
	Name        string
	Periodicity time.Duration
	Lifetime    time.Duration

	// RandomizeStart spreads the very first run uniformly over one
	// periodicity window so a fleet restart doesn't thundering-herd the
	// store. Later runs follow Periodicity as usual.
	RandomizeStart bool

	Run RunFunc
}

// Catalog maps task names to job types. Registration happens once during
// startup; lookups are concurrent afterwards.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]JobType
}

func NewCatalog() *Catalog {
	return &Catalog{types: map[string]JobType{}}
}

func (c *Catalog) Register(jt JobType) error {
	if jt.Name == "" {
		return fmt.Errorf("job type name is required")
	}
	if jt.Run == nil {
		return fmt.Errorf("job type %q has no payload", jt.Name)
	}
	if jt.Periodicity <= 0 {
		return fmt.Errorf("job type %q: periodicity must be > 0", jt.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.types[jt.Name]; dup {
		return fmt.Errorf("job type %q already registered", jt.Name)
	}
	c.types[jt.Name] = jt
	return nil
}

// MustRegister panics on registration failure. Intended for built-in job
// wiring where a failure is a programming error.
func (c *Catalog) MustRegister(jt JobType) {
	if err := c.Register(jt); err != nil {
		panic(err)
	}
}

func (c *Catalog) Lookup(name string) (JobType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jt, ok := c.types[name]
	return jt, ok
}

// Names returns all registered type names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.types))
	for n := range c.types {
		names = append(names, n)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}
