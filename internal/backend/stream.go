package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Fragment is one incremental piece of the assistant's reply
type Fragment struct {
	Text string
}

// Stats holds the generation statistics some backends attach to their final
// frame. Zero values mean the backend did not report them.
type Stats struct {
	Model            string
	DoneReason       string
	PromptTokens     int
	CompletionTokens int
	TotalDuration    time.Duration
	LoadDuration     time.Duration
	EvalDuration     time.Duration
}

// Sequence is a lazy, finite and non-restartable sequence of reply fragments.
//
// Next blocks until the next fragment arrives. It returns io.EOF once the
// backend has signalled completion, and after that keeps returning io.EOF.
// Any other error is final as well. Close releases the underlying request and
// may be called at any time, including concurrently with Next.
type Sequence interface {
	Next() (Fragment, error)
	Close() error
}

// StatsReporter is implemented by sequences that can report generation
// statistics once they are exhausted.
type StatsReporter interface {
	Stats() Stats
}

// frame is one decoded unit of a wire stream
type frame struct {
	text  string
	done  bool
	stats *Stats
	err   error // error object reported by the backend in-stream
}

// readFrameFunc decodes the next frame. It returns io.EOF when the body ends.
type readFrameFunc func() (frame, error)

// errStreamIdle is the cancellation cause of a request whose reply went silent
var errStreamIdle = errors.New("no data from backend")

// wireStream adapts a response body and its wire decoder to Sequence
type wireStream struct {
	ctx       context.Context // caller's context
	url       string
	body      io.Closer
	readFrame readFrameFunc
	onFinish  func(error)

	// Idle watchdog, armed only while Next waits for a frame
	reqCtx context.Context
	idle   time.Duration
	timer  *time.Timer

	fragments int
	finished  bool
	err       error
	stats     Stats

	finishOnce sync.Once
	closeOnce  sync.Once
}

func newWireStream(ctx context.Context, body io.Closer, read readFrameFunc, onFinish func(error)) *wireStream {
	return &wireStream{
		ctx:       ctx,
		body:      body,
		readFrame: read,
		onFinish:  onFinish,
	}
}

// watchIdle cancels reqCtx with errStreamIdle when a read waits longer than
// idle for the next frame.
func (s *wireStream) watchIdle(reqCtx context.Context, idle time.Duration, cancel context.CancelCauseFunc) {
	s.reqCtx = reqCtx
	if idle <= 0 {
		return
	}
	s.idle = idle
	s.timer = time.AfterFunc(idle, func() { cancel(errStreamIdle) })
	s.timer.Stop()
}

func (s *wireStream) arm() {
	if s.timer != nil {
		s.timer.Reset(s.idle)
	}
}

func (s *wireStream) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Next returns the next non-empty fragment
func (s *wireStream) Next() (Fragment, error) {
	if s.err != nil {
		return Fragment{}, s.err
	}
	if s.finished {
		return Fragment{}, io.EOF
	}

	defer s.disarm()
	for {
		s.arm()
		f, err := s.readFrame()
		if err != nil {
			return Fragment{}, s.fail(s.readError(err))
		}
		if f.err != nil {
			return Fragment{}, s.fail(f.err)
		}
		if f.stats != nil {
			s.stats = *f.stats
		}
		if f.done {
			s.finished = true
			s.finish(nil)
		}
		if f.text != "" {
			s.fragments++
			return Fragment{Text: f.text}, nil
		}
		if s.finished {
			return Fragment{}, io.EOF
		}
	}
}

// readError maps a body read failure. A cancelled caller context is reported
// as such. A backend that stopped sending, either past the idle limit or past
// the client's total timeout, is a ConnectionError. Anything else means the
// stream ended without its done marker.
func (s *wireStream) readError(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if s.reqCtx != nil && errors.Is(context.Cause(s.reqCtx), errStreamIdle) {
		return &ConnectionError{
			URL:   s.url,
			Cause: fmt.Errorf("%w for %s after %d fragments", errStreamIdle, s.idle, s.fragments),
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectionError{URL: s.url, Cause: err}
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return &StreamInterruptedError{Fragments: s.fragments, Cause: err}
}

func (s *wireStream) fail(err error) error {
	s.err = err
	s.finish(err)
	return err
}

func (s *wireStream) finish(err error) {
	s.finishOnce.Do(func() {
		if s.onFinish != nil {
			s.onFinish(err)
		}
	})
	s.Close()
}

// Stats returns the statistics reported with the final frame
func (s *wireStream) Stats() Stats {
	return s.stats
}

// Close releases the response body. Closing before completion abandons the
// request.
func (s *wireStream) Close() error {
	s.disarm()

	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	s.finishOnce.Do(func() {
		if s.onFinish != nil {
			s.onFinish(nil)
		}
	})
	return err
}

var (
	_ Sequence      = (*wireStream)(nil)
	_ StatsReporter = (*wireStream)(nil)
)
