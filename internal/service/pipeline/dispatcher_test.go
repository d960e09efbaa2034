package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Drain(ctx)
}

func TestDispatcherRunsJobs(t *testing.T) {
	d := NewDispatcher(10, 3, time.Second, testutil.TestLogger())
	d.Start(context.Background())

	var ran atomic.Int32
	for range 10 {
		require.True(t, d.Submit(Job{Name: "count", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	drain(t, d)
	assert.Equal(t, int32(10), ran.Load(), "drain waits for queued jobs")
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1, time.Second, testutil.TestLogger())
	release := make(chan struct{})
	started := make(chan struct{})
	d.Start(context.Background())

	require.True(t, d.Submit(Job{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.True(t, d.Submit(Job{Name: "queued", Run: func(context.Context) error { return nil }}))
	assert.Equal(t, 1, d.Len())

	assert.False(t, d.Submit(Job{Name: "overflow", Run: func(context.Context) error { return nil }}))
	assert.Equal(t, int64(1), d.Dropped())

	close(release)
	drain(t, d)
	assert.False(t, d.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }}), "draining dispatcher rejects jobs")
	assert.Equal(t, int64(2), d.Dropped())
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	d := NewDispatcher(10, 1, 20*time.Millisecond, testutil.TestLogger())
	d.Start(context.Background())

	var timedOut atomic.Bool
	var after atomic.Bool
	d.Submit(Job{Name: "panics", Run: func(context.Context) error { panic("boom") }})
	d.Submit(Job{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }})
	d.Submit(Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		timedOut.Store(true)
		return ctx.Err()
	}})
	d.Submit(Job{Name: "after", Run: func(context.Context) error {
		after.Store(true)
		return nil
	}})
	drain(t, d)

	assert.True(t, timedOut.Load(), "each job has its own timeout")
	assert.True(t, after.Load(), "the worker survives panics and failures")
}

func TestDispatcherDoubleStartIsNoop(t *testing.T) {
	d := NewDispatcher(1, 2, time.Second, testutil.TestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.Start(ctx)
	assert.True(t, d.started.Load())

	// Canceling the start context does not abort queued work.
	cancel()
	var ran atomic.Bool
	d.Submit(Job{Name: "x", Run: func(ctx context.Context) error {
		ran.Store(ctx.Err() == nil)
		return nil
	}})
	drain(t, d)
	assert.True(t, ran.Load())
}

func TestDrainTimeoutCancelsRemainingJobs(t *testing.T) {
	d := NewDispatcher(5, 1, time.Minute, testutil.TestLogger())
	d.Start(context.Background())

	started := make(chan struct{})
	var canceled atomic.Bool
	d.Submit(Job{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Drain(ctx)
	<-d.done
	assert.True(t, canceled.Load())
}

func TestDrainWithoutStart(t *testing.T) {
	d := NewDispatcher(1, 1, time.Second, testutil.TestLogger())
	d.Drain(context.Background())
	assert.False(t, d.Submit(Job{Name: "x"}))
}

type recordingLearner struct {
	mu   sync.Mutex
	seen []uuid.UUID
	err  error
}

func (r *recordingLearner) LearnFromFeedback(_ context.Context, rec model.FeedbackRecord) ([]model.KnowledgeUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rec.ID)
	return []model.KnowledgeUpdate{{ID: uuid.New()}}, r.err
}

type staticConfigs struct {
	cfg model.LearningConfiguration
	err error
}

func (s staticConfigs) Configuration(context.Context, string) (model.LearningConfiguration, error) {
	return s.cfg, s.err
}

func TestFeedbackTrigger(t *testing.T) {
	tests := []struct {
		name    string
		configs ConfigSource
		want    bool
	}{
		{"no configuration source", nil, true},
		{"feedback trigger enabled", staticConfigs{cfg: model.LearningConfiguration{Triggers: []string{"feedback"}}}, true},
		{"only conversation trigger", staticConfigs{cfg: model.LearningConfiguration{Triggers: []string{"conversation"}}}, false},
		{"no triggers listed", staticConfigs{}, true},
		{"configuration unavailable", staticConfigs{err: model.ErrConfigurationUnavailable}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(4, 1, time.Second, testutil.TestLogger())
			d.Start(context.Background())
			learner := &recordingLearner{}
			trig := NewFeedbackTrigger(d, learner, tt.configs, testutil.TestLogger())

			rec := model.FeedbackRecord{ID: uuid.New(), AgentID: "support"}
			trig.OnFeedback(rec)
			drain(t, d)

			if tt.want {
				assert.Equal(t, []uuid.UUID{rec.ID}, learner.seen)
			} else {
				assert.Empty(t, learner.seen)
			}
		})
	}
}
