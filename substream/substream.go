// Package substream implements the per-partition SubSource: a single-output
// stream that drains its buffer to downstream on demand and issues at most
// one outstanding RequestMessages to the ConsumerActor at a time.
package substream

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"kmux/consumeractor"
	"kmux/internal/logging"
	"kmux/kerrors"
	"kmux/partition"
)

// Control is the handle a parent Multiplexer holds for a running SubSource:
// stop() requests a cooperative drain, shutdown() forces immediate
// completion. The Multiplexer never calls SubSource methods beyond this
// interface, keeping the parent from reaching into child state directly.
type Control interface {
	Stop()
	Shutdown()
}

// Parent is the callback surface a SubSource uses to notify its owning
// Multiplexer of startup and downstream cancellation.
type Parent interface {
	SubStarted(tp partition.TopicPartition, control Control)
	SubCancelled(tp partition.TopicPartition)
}

// SubSource is the per-partition stream. Msg is the caller's transformed
// message type, produced by a MessageBuilder.
type SubSource[Msg any] struct {
	id     string
	tp     partition.TopicPartition
	actor  consumeractor.Handle
	build  MessageBuilder[Msg]
	parent Parent

	out     chan Msg
	replyCh chan consumeractor.MessagesReply

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce     sync.Once
	shutdownOnce sync.Once
	stopCh       chan struct{}
	shutdownCh   chan struct{}
	doneCh       chan struct{}

	mu  sync.Mutex
	err error
}

// New constructs a SubSource for tp. The caller (the Multiplexer) must call
// Run to start it; Run blocks until the substream completes, so callers
// invoke it in its own goroutine.
func New[Msg any](
	ctx context.Context,
	tp partition.TopicPartition,
	actor consumeractor.Handle,
	build MessageBuilder[Msg],
	parent Parent,
) *SubSource[Msg] {
	subCtx, cancel := context.WithCancel(ctx)
	return &SubSource[Msg]{
		id:         uuid.NewString(),
		tp:         tp,
		actor:      actor,
		build:      build,
		parent:     parent,
		out:        make(chan Msg),
		replyCh:    make(chan consumeractor.MessagesReply, 1),
		ctx:        subCtx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Output is the single-output port. It closes when the substream
// completes, whatever the reason; callers should check Err afterwards to
// distinguish a clean completion from a failure.
func (s *SubSource[Msg]) Output() <-chan Msg { return s.out }

// Partition returns the substream's immutable identity.
func (s *SubSource[Msg]) Partition() partition.TopicPartition { return s.tp }

// Cancel signals that downstream is done consuming this substream. It
// notifies the parent immediately and completes without waiting for
// in-flight work to drain.
func (s *SubSource[Msg]) Cancel() { s.cancel() }

// Stop is Control.stop(): a cooperative drain. Already-buffered and
// already-in-flight records are still pushed downstream; no new
// RequestMessages are issued.
func (s *SubSource[Msg]) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Shutdown is Control.shutdown(): completes immediately, discarding any
// buffered records.
func (s *SubSource[Msg]) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Done reports completion of the substream.
func (s *SubSource[Msg]) Done() <-chan struct{} { return s.doneCh }

// Err returns the terminal error, if the substream ended in failure.
func (s *SubSource[Msg]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SubSource[Msg]) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Run drives the buffer/pump state machine. It signals startup to the
// parent, then loops until cancellation, shutdown, stop-drain completion,
// or ConsumerActor failure.
func (s *SubSource[Msg]) Run() {
	defer close(s.doneCh)
	defer close(s.out)

	s.parent.SubStarted(s.tp, s)

	buf := &buffer{}
	requested := false
	stopping := false

	for {
		if stopping && buf.Empty() && !requested {
			return
		}

		if rec, ok := buf.Next(); ok {
			msg, err := s.build.CreateMessage(rec)
			if err != nil {
				logging.ForPartition(s.tp).Error("substream: message builder failed", "error", err)
				s.setErr(err)
				return
			}
			select {
			case s.out <- msg:
				continue
			case <-s.ctx.Done():
				s.parent.SubCancelled(s.tp)
				return
			case <-s.shutdownCh:
				return
			case <-s.actor.Done():
				s.setErr(kerrors.NewConsumerFailed(s.actor.Err()))
				return
			}
		}

		if stopping {
			if !requested {
				return
			}
			select {
			case reply := <-s.replyCh:
				requested = false
				buf.Append(reply.Records)
				continue
			case <-s.ctx.Done():
				s.parent.SubCancelled(s.tp)
				return
			case <-s.shutdownCh:
				return
			case <-s.actor.Done():
				s.setErr(kerrors.NewConsumerFailed(s.actor.Err()))
				return
			}
		}

		if !requested {
			select {
			case <-s.stopCh:
				stopping = true
				continue
			default:
			}
			requested = true
			s.actor.RequestMessages(0, s.tp, s.replyCh)
		}

		select {
		case reply := <-s.replyCh:
			requested = false
			buf.Append(reply.Records)
		case <-s.ctx.Done():
			s.parent.SubCancelled(s.tp)
			return
		case <-s.stopCh:
			stopping = true
		case <-s.shutdownCh:
			return
		case <-s.actor.Done():
			s.setErr(kerrors.NewConsumerFailed(s.actor.Err()))
			return
		}
	}
}
