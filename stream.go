package fraisewire

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StreamState mirrors a Stream's lifecycle for observers (spec §4.6). It is
// maintained alongside, not instead of, the channel-based signaling the
// producer and consumer actually synchronize on.
type StreamState int32

const (
	StreamStreaming StreamState = iota
	StreamPaused
	StreamCancelled
	StreamCompleted
	StreamErrored
)

func (s StreamState) String() string {
	switch s {
	case StreamStreaming:
		return "Streaming"
	case StreamPaused:
		return "Paused"
	case StreamCancelled:
		return "Cancelled"
	case StreamCompleted:
		return "Completed"
	case StreamErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// queuedValue pairs a decoded JSON value with the byte size its source
// column occupied, so Next can release that amount from the stream's
// outstanding memory estimate once the consumer takes ownership of it.
type queuedValue struct {
	value    any
	byteSize int64
}

// Stream is the consumer-facing handle returned by Conn.StreamQuery. The
// producer side (conn.go's streaming goroutine) decodes DataRows, extracts
// the single JSON column, and pushes one parsed value at a time through this
// channel — the producer walks a flushed chunk in runs of 8 (conn.go's
// batchSize), but every value still goes through the channel on its own.
// Exactly one goroutine should call Next at a time.
type Stream struct {
	values chan queuedValue
	done   chan struct{}

	cancelOnce sync.Once
	cancelled  chan struct{}

	pauseMu      sync.Mutex
	pauseCond    *sync.Cond
	paused       bool
	pauseTimeout *time.Duration

	state atomic.Int32

	memMu       sync.Mutex
	currentMem  int64
	maxMem      *int64
	softWarnPct float64
	softFailPct float64
	softWarned  bool

	finishOnce sync.Once
	finishErr  error

	recorder Recorder
}

func newStream(capacity int, opts StreamingOptions, recorder Recorder) *Stream {
	if recorder == nil {
		recorder = NoopRecorder()
	}
	s := &Stream{
		values:    make(chan queuedValue, capacity),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
		maxMem:    opts.MaxMemory,
		recorder:  recorder,
	}
	s.pauseCond = sync.NewCond(&s.pauseMu)
	if opts.SoftLimitWarnThreshold != nil {
		s.softWarnPct = *opts.SoftLimitWarnThreshold
	} else {
		s.softWarnPct = 0.8
	}
	if opts.SoftLimitFailThreshold != nil {
		s.softFailPct = *opts.SoftLimitFailThreshold
	} else {
		s.softFailPct = 1.0
	}
	s.pauseTimeout = opts.PauseTimeout
	s.state.Store(int32(StreamStreaming))
	return s
}

// capacity returns the channel's fixed buffer capacity, used by the producer
// as the denominator of the occupancy percentage the adaptive chunker
// observes (spec §4.6). Channels can't be resized once created, so this
// stays fixed for the stream's lifetime even as the chunker's target batch
// size before a flush grows or shrinks.
func (s *Stream) capacity() int { return cap(s.values) }

func (s *Stream) queuedItems() int { return len(s.values) }

// State returns the stream's current lifecycle state.
func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

// Next blocks until a value is available, the stream completes, the stream
// errors, ctx is cancelled, or the caller cancels the stream. A (nil, false,
// nil) return means the stream completed cleanly; (nil, false, err) carries
// the producer's terminal error, a cancelled-stream error, or a ctx error
// (in the last case values may still be queued).
// The returned value is the decoded JSON document (see conn.go's
// parseJSONValue) — a map[string]any, []any, string, float64, bool, or nil.
func (s *Stream) Next(ctx context.Context) (any, bool, error) {
	select {
	case qv, ok := <-s.values:
		if !ok {
			return nil, false, s.Err()
		}
		s.releaseBytes(qv.byteSize)
		return qv.value, true, nil
	case <-s.cancelled:
		return nil, false, newErr(KindInvalidState, "stream was cancelled")
	case <-ctx.Done():
		return nil, false, wrapErr(KindIO, "context cancelled while waiting for next value", ctx.Err())
	}
}

// Err returns the terminal error the producer finished with, or nil for a
// clean completion. Only meaningful once Next has reported exhaustion.
func (s *Stream) Err() error {
	return s.finishErr
}

// Pause blocks the producer before it reads its next backend message. Values
// of a chunk that is already being flushed are still pushed, and
// already-queued values remain available to Next.
func (s *Stream) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.state.Store(int32(StreamPaused))
	s.pauseMu.Unlock()
	s.recorder.IncCounter(MetricPauseEvents)
}

// Resume releases a paused producer.
func (s *Stream) Resume() {
	s.pauseMu.Lock()
	s.paused = false
	if s.State() == StreamPaused {
		s.state.Store(int32(StreamStreaming))
	}
	s.pauseMu.Unlock()
	s.pauseCond.Broadcast()
}

// Cancel asks the producer to stop at its next cooperative check point
// (spec §4.6 — cancellation is observed, not preemptive).
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		s.state.Store(int32(StreamCancelled))
		s.pauseCond.Broadcast()
	})
}

// cancelRequested reports whether the consumer has called Cancel.
func (s *Stream) cancelRequested() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// waitWhilePaused blocks the producer while paused, honoring PauseTimeout
// (auto-resume with a recorded timeout event) and cancellation.
func (s *Stream) waitWhilePaused() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		return
	}
	if s.pauseTimeout == nil {
		for s.paused && !s.cancelRequested() {
			s.pauseCond.Wait()
		}
		return
	}

	deadline := time.Now().Add(*s.pauseTimeout)
	for s.paused && !s.cancelRequested() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.paused = false
			s.state.Store(int32(StreamStreaming))
			s.recorder.IncCounter(MetricPauseTimeoutExpired)
			slog.Default().Warn("stream pause timeout expired, auto-resuming")
			return
		}
		timer := time.AfterFunc(remaining, s.pauseCond.Broadcast)
		s.pauseCond.Wait()
		timer.Stop()
	}
}

// accountBytes adds n bytes to the stream's outstanding (queued, unconsumed)
// memory estimate and reports whether the hard limit was crossed. Soft-limit
// warnings are recorded but never block the producer.
func (s *Stream) accountBytes(n int64) (hardLimitExceeded bool) {
	if s.maxMem == nil {
		return false
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()
	s.currentMem += n
	max := *s.maxMem
	if float64(s.currentMem) >= float64(max)*s.softFailPct {
		return true
	}
	if !s.softWarned && float64(s.currentMem) >= float64(max)*s.softWarnPct {
		s.softWarned = true
		s.recorder.IncCounter(MetricSoftLimitWarn)
	}
	return false
}

// releaseBytes subtracts n bytes from the outstanding memory estimate once
// the consumer has taken ownership of a value via Next.
func (s *Stream) releaseBytes(n int64) {
	if s.maxMem == nil {
		return
	}
	s.memMu.Lock()
	s.currentMem -= n
	s.memMu.Unlock()
}

// sendValue hands one parsed JSON value to the consumer, blocking on the
// bounded channel for backpressure, and returns an error if the stream was
// cancelled or ctx was cancelled first. byteSize is the size of the raw
// column bytes the value was decoded from, released from the stream's
// memory estimate once the consumer takes it via Next.
func (s *Stream) sendValue(ctx context.Context, v any, byteSize int64) error {
	select {
	case s.values <- queuedValue{value: v, byteSize: byteSize}:
		return nil
	case <-s.cancelled:
		return newErr(KindInvalidState, "stream was cancelled")
	case <-ctx.Done():
		return wrapErr(KindIO, "context cancelled while sending value", ctx.Err())
	}
}

// finish marks the stream exhausted with a terminal error (nil on success)
// and closes the value channel so Next reports completion.
func (s *Stream) finish(err error) {
	s.finishOnce.Do(func() {
		if s.cancelRequested() {
			// A cancelled stream stays Cancelled even if the producer's last
			// read/send unwound with an error caused by that same
			// cancellation (e.g. sendValue's <-s.cancelled branch).
			s.finishErr = nil
			s.state.Store(int32(StreamCancelled))
		} else {
			s.finishErr = err
			if err != nil {
				s.state.Store(int32(StreamErrored))
			} else {
				s.state.Store(int32(StreamCompleted))
			}
		}
		close(s.values)
		close(s.done)
	})
}
