package logsink_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/jobflow/internal/logsink"
)

// recorder is a Sink that keeps every event it receives.
type recorder struct {
	mu      sync.Mutex
	events  []logsink.Event
	closes  int
	failErr error
	panics  bool
}

func (r *recorder) Emit(level logsink.Level, message string, metadata map[string]string) error {
	if r.panics {
		panic("sink exploded")
	}
	if r.failErr != nil {
		return r.failErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, logsink.Event{Level: level, Message: message, Metadata: metadata})
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return r.failErr
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestCompositeFanOutSkipsFailingChild(t *testing.T) {
	first := &recorder{}
	failing := &recorder{failErr: errors.New("boom")}
	third := &recorder{}
	c := logsink.NewComposite(nil, first, failing, third)

	for range 5 {
		require.NoError(t, c.Emit(logsink.LevelInfo, "event", nil))
	}

	assert.Equal(t, 5, first.count())
	assert.Equal(t, 0, failing.count())
	assert.Equal(t, 5, third.count())
}

func TestCompositeRecoversPanickingChild(t *testing.T) {
	panicking := &recorder{panics: true}
	after := &recorder{}
	c := logsink.NewComposite(nil, panicking, after)

	assert.NotPanics(t, func() {
		_ = c.Emit(logsink.LevelError, "event", map[string]string{"k": "v"})
	})
	assert.Equal(t, 1, after.count())
}

func TestCompositeCloseIsIdempotent(t *testing.T) {
	a := &recorder{}
	b := &recorder{failErr: errors.New("close failed")}
	c := &recorder{}
	comp := logsink.NewComposite(nil, a, b, c)

	err := comp.Close()
	assert.Error(t, err)
	assert.NoError(t, comp.Close())

	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
	assert.Equal(t, 1, c.closes)

	require.NoError(t, comp.Emit(logsink.LevelInfo, "after close", nil))
	assert.Equal(t, 0, a.count())
}

func TestCompositeAddRemove(t *testing.T) {
	comp := logsink.NewComposite(nil)
	a := &recorder{}
	b := &recorder{}

	assert.True(t, comp.Add(a))
	assert.True(t, comp.Add(b))
	assert.False(t, comp.Add(nil))
	assert.Equal(t, 2, comp.Len())

	_ = comp.Emit(logsink.LevelInfo, "one", nil)
	assert.True(t, comp.Remove(a))
	assert.False(t, comp.Remove(a))
	_ = comp.Emit(logsink.LevelInfo, "two", nil)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 2, b.count())

	require.NoError(t, comp.Close())
	assert.False(t, comp.Add(&recorder{}), "Add after Close must be ignored")
	assert.Equal(t, 0, comp.Len())
}

func TestCompositeRemoveUncomparableSink(t *testing.T) {
	fn := logsink.Func(func(logsink.Level, string, map[string]string) error { return nil })
	comp := logsink.NewComposite(nil, fn)
	assert.NotPanics(t, func() { comp.Remove(fn) })
}

func TestCompositeConcurrentEmitAndAdd(t *testing.T) {
	comp := logsink.NewComposite(nil, &recorder{})
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 50 {
				_ = comp.Emit(logsink.LevelDebug, "tick", nil)
			}
		})
		wg.Go(func() {
			comp.Add(&recorder{})
		})
	}
	wg.Wait()
	assert.Equal(t, 11, comp.Len())
}
