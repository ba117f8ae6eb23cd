package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbu1984/chunkd/internal/logging"
)

type staticLister struct {
	ids []string
	err error
}

func (l staticLister) ListStale(context.Context, time.Time) ([]string, error) {
	return l.ids, l.err
}

type recordingReaper struct {
	mu      sync.Mutex
	seen    []string
	refuse  map[string]bool
	failing map[string]bool
}

func (r *recordingReaper) Expire(_ context.Context, id string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, id)
	if r.failing[id] {
		return false, errors.New("disk error")
	}
	return !r.refuse[id], nil
}

func (r *recordingReaper) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestSweepOnce(t *testing.T) {
	reaper := &recordingReaper{
		refuse:  map[string]bool{"touched.bin": true},
		failing: map[string]bool{"broken.bin": true},
	}
	lister := staticLister{ids: []string{"a.bin", "touched.bin", "broken.bin", "b.bin"}}

	removed := SweepOnce(context.Background(), lister, reaper, time.Now(), logging.Discard())

	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"a.bin", "touched.bin", "broken.bin", "b.bin"}, reaper.Seen())
}

func TestSweepOnceListError(t *testing.T) {
	reaper := &recordingReaper{}
	removed := SweepOnce(context.Background(), staticLister{err: errors.New("locked")}, reaper, time.Now(), logging.Discard())

	assert.Zero(t, removed)
	assert.Empty(t, reaper.Seen())
}

func TestExpirationSchedulerRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reaper := &recordingReaper{}

	done := make(chan error, 1)
	go func() {
		done <- StartExpirationScheduler(ctx, staticLister{ids: []string{"a.bin"}}, reaper, time.Hour, 10*time.Millisecond, logging.Discard())
	}()

	require.Eventually(t, func() bool { return len(reaper.Seen()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
