package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDueToRun(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	base := JobRecord{
		Name: "j",
		Spec: JobSpec{TaskName: "noop", Periodicity: time.Hour},
	}

	tests := []struct {
		name string
		mut  func(r *JobRecord)
		want bool
	}{
		{
			name: "never ran",
			mut:  func(r *JobRecord) {},
			want: true,
		},
		{
			name: "disabled is never due",
			mut:  func(r *JobRecord) { r.Disabled = true },
			want: false,
		},
		{
			name: "periodicity not yet expired",
			mut:  func(r *JobRecord) { r.LastRunTime = now.Add(-30 * time.Minute) },
			want: false,
		},
		{
			name: "periodicity expired",
			mut:  func(r *JobRecord) { r.LastRunTime = now.Add(-2 * time.Hour) },
			want: true,
		},
		{
			name: "exactly at the boundary is not yet due",
			mut:  func(r *JobRecord) { r.LastRunTime = now.Add(-time.Hour) },
			want: false,
		},
		{
			name: "start time in the future gates the first run",
			mut:  func(r *JobRecord) { r.Spec.StartTime = now.Add(time.Minute) },
			want: false,
		},
		{
			name: "start time reached",
			mut:  func(r *JobRecord) { r.Spec.StartTime = now },
			want: true,
		},
		{
			name: "outstanding run blocks without overruns",
			mut: func(r *JobRecord) {
				r.LastRunTime = now.Add(-2 * time.Hour)
				r.CurrentTaskID = "t-1"
			},
			want: false,
		},
		{
			name: "outstanding run allowed with overruns",
			mut: func(r *JobRecord) {
				r.LastRunTime = now.Add(-2 * time.Hour)
				r.CurrentTaskID = "t-1"
				r.Spec.AllowOverruns = true
			},
			want: true,
		},
		{
			name: "cron schedule not yet due",
			mut: func(r *JobRecord) {
				r.Spec.Schedule = "0 0 * * *" // daily at midnight
				r.LastRunTime = now.Add(-time.Hour)
			},
			want: false,
		},
		{
			name: "cron schedule expired",
			mut: func(r *JobRecord) {
				r.Spec.Schedule = "0 0 * * *"
				r.LastRunTime = now.Add(-48 * time.Hour)
			},
			want: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := base
			tc.mut(&rec)
			assert.Equal(t, tc.want, rec.DueToRun(now))
		})
	}
}

func TestJobSpecEqual(t *testing.T) {
	a := JobSpec{
		TaskName:    "noop",
		TaskArgs:    []byte(`{"n":1}`),
		Periodicity: time.Hour,
		Lifetime:    10 * time.Minute,
		StartTime:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, a.Equal(a))

	b := a
	b.TaskArgs = []byte(`{"n":2}`)
	assert.False(t, a.Equal(b))

	c := a
	c.StartTime = a.StartTime.In(time.FixedZone("X", 3600))
	assert.True(t, a.Equal(c), "start time comparison must be instant-based")
}

func TestParseSchedule(t *testing.T) {
	sched, err := ParseSchedule("@daily")
	require.NoError(t, err)

	from := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), sched.Next(from))

	_, err = ParseSchedule("not a schedule")
	require.Error(t, err)
}

func TestCatalogRegister(t *testing.T) {
	c := NewCatalog()
	jt := JobType{Name: "x", Periodicity: time.Hour, Run: func(ctx context.Context, rc RunContext) error { return nil }}
	require.NoError(t, c.Register(jt))
	require.Error(t, c.Register(jt), "duplicate registration must fail")

	require.Error(t, c.Register(JobType{Name: "", Periodicity: time.Hour, Run: jt.Run}))
	require.Error(t, c.Register(JobType{Name: "y", Periodicity: 0, Run: jt.Run}))
	require.Error(t, c.Register(JobType{Name: "z", Periodicity: time.Hour}))

	_, ok := c.Lookup("x")
	assert.True(t, ok)
	assert.Equal(t, []string{"x"}, c.Names())
}
