package backup

import (
	"context"
	"errors"
	"testing"

	"github.com/MacJediWizard/ec2-home-backup/internal/targets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls [][]targets.Target
	err   error
}

func (f *fakeRunner) Run(_ context.Context, tags []targets.Target) (*RunResult, error) {
	f.calls = append(f.calls, tags)
	return &RunResult{Tags: targets.Names(tags)}, f.err
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{expr: "0 2 * * *"},
		{expr: "30 0 2 * * *"},
		{expr: "@daily"},
		{expr: "@every 6h"},
		{expr: "not a schedule", wantErr: true},
		{expr: "61 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_TickReloadsTargets(t *testing.T) {
	runner := &fakeRunner{}
	loads := 0
	source := func() ([]targets.Target, error) {
		loads++
		if loads == 1 {
			return []targets.Target{{Name: "web-01", Row: 2}}, nil
		}
		return []targets.Target{{Name: "web-01", Row: 2}, {Name: "web-02", Row: 3}}, nil
	}

	var results []*RunResult
	s := NewScheduler(runner, source, func(r *RunResult, err error) {
		assert.NoError(t, err)
		results = append(results, r)
	}, zerolog.Nop())
	s.ctx = context.Background()

	s.tick()
	s.tick()

	require.Len(t, runner.calls, 2)
	assert.Len(t, runner.calls[0], 1)
	assert.Len(t, runner.calls[1], 2)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"web-01", "web-02"}, results[1].Tags)
}

func TestScheduler_TickSourceError(t *testing.T) {
	runner := &fakeRunner{}
	var gotErr error
	s := NewScheduler(runner, func() ([]targets.Target, error) {
		return nil, targets.ErrFileAccess
	}, func(_ *RunResult, err error) {
		gotErr = err
	}, zerolog.Nop())
	s.ctx = context.Background()

	s.tick()
	assert.Empty(t, runner.calls)
	assert.ErrorIs(t, gotErr, targets.ErrFileAccess)
}

func TestScheduler_TickRunError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("instance i-1 failed")}
	var gotErr error
	s := NewScheduler(runner, func() ([]targets.Target, error) {
		return []targets.Target{{Name: "web-01"}}, nil
	}, func(_ *RunResult, err error) {
		gotErr = err
	}, zerolog.Nop())
	s.ctx = context.Background()

	s.tick()
	assert.EqualError(t, gotErr, "instance i-1 failed")
}

func TestScheduler_TickAfterCancel(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, func() ([]targets.Target, error) {
		return []targets.Target{{Name: "web-01"}}, nil
	}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.ctx = ctx

	s.tick()
	assert.Empty(t, runner.calls)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, func() ([]targets.Target, error) { return nil, nil }, nil, zerolog.Nop())

	require.Error(t, s.Start(context.Background(), "bogus"))

	require.NoError(t, s.Start(context.Background(), "@daily"))
	assert.Error(t, s.Start(context.Background(), "@daily"))

	<-s.Stop().Done()
	// Stopping twice is harmless.
	<-s.Stop().Done()
}
