// Package continuation provides the suspend/resume primitive used to run
// synchronous script code that may need to wait for an asynchronous result.
//
// A body runs on its own goroutine, but control is handed back and forth over
// unbuffered channels so that exactly one of {driver, body} runs at any time.
// From the driver's point of view the body either ran to completion or
// suspended with a token; a suspended body is later resumed with a value, or
// aborted.
//
// Thread-safety: a Continuation must be driven (Resume/Abort) by one goroutine
// at a time. Suspend must only be called from within the body.
package continuation

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrAborted is reported as the completion error of a body that was
// abandoned with Abort while suspended.
var ErrAborted = errors.New("continuation aborted")

// PanicError wraps a panic raised inside a body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Result describes how control came back to the driver.
type Result struct {
	// Done is true when the body returned (or panicked, or was aborted).
	Done bool

	// Err is the body's error when Done.
	Err error

	// Token is the value passed to Suspend when !Done.
	Token any
}

// Suspended reports whether the body is parked in Suspend.
func (r Result) Suspended() bool {
	return !r.Done
}

type resumeMsg struct {
	value any
	abort bool
}

// abortSignal unwinds a suspended body. It is recovered by the body goroutine.
type abortSignal struct{}

// Continuation is one running or suspended body.
type Continuation struct {
	resume chan resumeMsg
	yield  chan Result

	// Only touched by the driver.
	suspended bool
	done      bool
}

// Suspender is handed to the body; it is the only way to suspend.
type Suspender struct {
	c *Continuation
}

// Body is the code run inside a continuation.
type Body func(s *Suspender) error

// Start runs body until it first suspends or finishes.
func Start(body Body) (*Continuation, Result) {
	c := &Continuation{
		resume: make(chan resumeMsg),
		yield:  make(chan Result),
	}

	go c.run(body)

	res := <-c.yield
	c.observe(res)
	return c, res
}

func (c *Continuation) run(body Body) {
	final := Result{Done: true}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(abortSignal); ok {
				final.Err = ErrAborted
			} else {
				final.Err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}
		c.yield <- final
	}()

	final.Err = body(&Suspender{c: c})
}

func (c *Continuation) observe(res Result) {
	c.suspended = !res.Done
	c.done = res.Done
}

// Suspend parks the body, hands token to the driver and blocks until the
// driver resumes it. The resumed value is returned.
func (s *Suspender) Suspend(token any) any {
	s.c.yield <- Result{Token: token}
	msg := <-s.c.resume
	if msg.abort {
		panic(abortSignal{})
	}
	return msg.value
}

// Resume re-enters a suspended body with value and runs it until it suspends
// again or finishes. Resuming a continuation that is not suspended panics.
func (c *Continuation) Resume(value any) Result {
	if !c.suspended {
		panic("continuation: resume of a continuation that is not suspended")
	}
	c.resume <- resumeMsg{value: value}
	res := <-c.yield
	c.observe(res)
	return res
}

// Abort unwinds a suspended body. A body that recovers the abort and
// suspends again is aborted again until it finishes. Aborting a finished
// continuation is a no-op.
func (c *Continuation) Abort() error {
	if c.done {
		return nil
	}
	for {
		c.resume <- resumeMsg{abort: true}
		res := <-c.yield
		c.observe(res)
		if res.Done {
			return res.Err
		}
	}
}

// Done reports whether the body has finished.
func (c *Continuation) Done() bool {
	return c.done
}
