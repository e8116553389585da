package engine

import (
	"errors"
	"fmt"
)

// Dispatcher performs the asynchronous work behind one suspension reason
// and eventually resumes the continuation through the scheduler.
//
// Process is called on the worker that owns the suspended environment,
// immediately after the suspension. It must not block.
type Dispatcher interface {
	Process(pc *PendingContinuation)
}

// ImportDispatcher resolves module imports.
//
//   - no such module: resume with a module-not-found failure
//   - Uninitialized (new, or a stale one replaced by the resource layer):
//     mark Initializing and submit a module load
//   - Initializing: resume at once with the in-progress exports, which is
//     what lets import cycles resolve without waiting
//   - Initialized: resume at once with the exports
type ImportDispatcher struct {
	s *Scheduler
}

func (d *ImportDispatcher) Process(pc *PendingContinuation) {
	s := d.s
	id, ok := pc.Payload.(string)
	if !ok {
		invariant("import.Process", "import payload is %T", pc.Payload)
	}
	baseName := pc.Environment.BaseName()

	env, err := s.resources.FindOrLoadModuleEnvironment(baseName, id)
	if err == nil && env == nil {
		err = ErrNotFound
	}
	if err != nil {
		s.ResumeAfterExternalResult(pc.Owner, pc.Key, moduleLoadFailure(baseName, id, pc.Key, err))
		return
	}

	switch env.State() {
	case Initialized, Initializing:
		s.logger.Debug("import resolved from existing module",
			"base_name", baseName,
			"module", id,
			"state", env.State().String(),
			"pending_key", pc.Key,
		)
		s.ResumeAfterExternalResult(pc.Owner, pc.Key, env.Exports())
	default:
		s.advance(env, Initializing)
		s.SubmitModuleLoad(&RequiredModule{
			Identifier:    id,
			BaseName:      baseName,
			ParentContext: pc.Context,
			PendingKey:    pc.Key,
			Environment:   env,
		})
	}
}

func moduleLoadFailure(baseName, id, key string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return NewModuleNotFoundError(baseName, id, key)
	}
	return &RuntimeError{
		Code:       ErrCodeModuleLoad,
		Message:    fmt.Sprintf("module %q failed to load", id),
		BaseName:   baseName,
		PendingKey: key,
		Err:        err,
	}
}

// OutboundDispatcher issues outbound calls and resumes with the response or
// the failure, whichever the network reports.
type OutboundDispatcher struct {
	s *Scheduler
}

func (d *OutboundDispatcher) Process(pc *PendingContinuation) {
	s := d.s
	req, ok := pc.Payload.(*OutboundRequest)
	if !ok {
		invariant("outbound.Process", "outbound payload is %T", pc.Payload)
	}
	baseName := pc.Environment.BaseName()

	if s.network == nil {
		s.ResumeAfterExternalResult(pc.Owner, pc.Key,
			NewOutboundError(baseName, pc.Key, errors.New("no network configured")))
		return
	}

	s.external.Add(1)
	results := s.network.IssueOutboundCall(s.ctx, req)
	go func() {
		defer s.external.Add(-1)

		var res OutboundResult
		select {
		case res = <-results:
		case <-s.ctx.Done():
			return
		}

		var value any = res.Response
		if res.Err != nil {
			value = NewOutboundError(baseName, pc.Key, res.Err)
		}
		s.ResumeAfterExternalResult(pc.Owner, pc.Key, value)
	}()
}

// ClientMessageDispatcher hands the message to the connection layer. The
// reply arrives later as an inbound message routed to ResumeIfPending.
type ClientMessageDispatcher struct {
	s *Scheduler
}

func (d *ClientMessageDispatcher) Process(pc *PendingContinuation) {
	s := d.s
	conn := pc.Context.Connection()

	err := s.deliver(conn, ClientMessage{PendingKey: pc.Key, Payload: pc.Payload})
	if err != nil {
		// the owner may have been abandoned in the meantime
		s.ResumeIfPending(pc.Owner, pc.Key, &RuntimeError{
			Code:       ErrCodeConnectionClosed,
			Message:    "connection closed",
			BaseName:   pc.Environment.BaseName(),
			PendingKey: pc.Key,
			Err:        err,
		})
	}
}
