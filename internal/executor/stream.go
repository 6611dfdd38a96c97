package executor

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/seantiz/jobflow/internal/model"
)

// ItemKind tags the variant held by an Item.
type ItemKind int

// Item kinds.
const (
	KindLine ItemKind = iota + 1
	KindResult
)

// Source identifies the output stream a line was captured from.
type Source string

// Output streams.
const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// Line is one line of captured output, without its trailing newline.
type Line struct {
	Source Source
	Text   string
}

// Item is a tagged stream element: a Line or the terminal Result.
type Item struct {
	Kind   ItemKind
	Line   Line
	Result model.Result
}

// LineItem wraps a captured line.
func LineItem(src Source, text string) Item {
	return Item{Kind: KindLine, Line: Line{Source: src, Text: text}}
}

// ResultItem wraps the terminal result.
func ResultItem(res model.Result) Item {
	return Item{Kind: KindResult, Result: res}
}

// ErrNoResult is reported by Stream.Err when a producer finished without
// delivering a result or an error.
var ErrNoResult = errors.New("stream ended without a result")

// Producer generates the items of a stream. emit blocks until the consumer
// takes the item and returns false once the stream has been closed, after
// which the producer should stop and release its resources. A producer that
// succeeds must emit exactly one result as its final item.
type Producer func(ctx context.Context, emit func(Item) bool) error

// Stream is a lazy, finite, non-restartable sequence of items. Items are
// handed over unbuffered, so the consumer observes each line as soon as it
// is produced. A Stream has a single consumer.
//
// Consumers must either drain the stream or call Close; Close cancels the
// producer's context, which terminates the underlying run.
type Stream struct {
	items   chan Item
	done    chan struct{}
	closing chan struct{}
	cancel  context.CancelFunc
	err     error
	once    sync.Once
}

// NewStream starts produce in a goroutine and returns the stream of its
// items.
func NewStream(parent context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		items:   make(chan Item),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		cancel:  cancel,
	}

	go func() {
		defer close(s.done)
		defer cancel()
		defer close(s.items)

		var emitMu sync.Mutex
		sawResult, finished := false, false
		emit := func(it Item) bool {
			emitMu.Lock()
			defer emitMu.Unlock()
			if sawResult || finished {
				return false
			}
			select {
			case s.items <- it:
				if it.Kind == KindResult {
					sawResult = true
				}
				return true
			case <-s.closing:
				return false
			}
		}

		err := produce(ctx, emit)
		emitMu.Lock()
		defer emitMu.Unlock()
		finished = true
		switch {
		case err != nil:
			s.err = err
		case !sawResult && !s.isClosing():
			s.err = ErrNoResult
		}
	}()
	return s
}

// All returns an iterator over the remaining items. Breaking out of the
// loop closes the stream.
func (s *Stream) All() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for it := range s.items {
			if !yield(it) {
				s.Close()
				return
			}
		}
	}
}

// Err returns the error that ended the stream without a result. It is only
// meaningful once the items have been exhausted.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close cancels the producer and waits for it to finish. It is safe to call
// more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.closing)
		s.cancel()
		for range s.items {
		}
		<-s.done
	})
	return nil
}

func (s *Stream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Collect drains the stream and returns its result.
func Collect(s *Stream) (model.Result, error) {
	defer s.Close()
	var (
		res   model.Result
		found bool
	)
	for it := range s.All() {
		if it.Kind == KindResult {
			res, found = it.Result, true
		}
	}
	if err := s.Err(); err != nil {
		return model.Result{}, err
	}
	if !found {
		return model.Result{}, ErrNoResult
	}
	return res, nil
}
