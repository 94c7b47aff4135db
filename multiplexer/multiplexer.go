// Package multiplexer implements a partitioned consumer multiplexer: a
// single-output stream of (partition, SubSource) pairs driven by a
// ConsumerActor's rebalance notifications.
package multiplexer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"kmux/consumeractor"
	"kmux/internal/logging"
	"kmux/internal/telemetry"
	"kmux/kerrors"
	"kmux/partition"
	"kmux/substream"
)

// State is the Multiplexer's lifecycle state machine.
type State int

const (
	StateRunning State = iota
	StateStopping
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Element is one (partition, substream) pair pushed downstream.
type Element[Msg any] struct {
	Partition partition.TopicPartition
	Sub       *substream.SubSource[Msg]
}

// Control is the handle a SubSource exposes to its parent, re-exported here
// so callers of this package do not need to import substream directly for
// the type name.
type Control = substream.Control

// Multiplexer is the root stream. It owns a ConsumerActor, drives the
// rebalance protocol, and emits a fresh SubSource for every partition that
// becomes eligible.
type Multiplexer[Msg any] struct {
	id       string
	config   Config
	actor    consumeractor.Handle
	build    substream.MessageBuilder[Msg]
	catacomb catacomb.Catacomb

	cmds chan command
	out  chan Element[Msg]

	// State below is mutated only inside loop, which is the sole owner of
	// this struct's mutable fields.
	pendingPartitions   partition.Set
	partitionsInStartup partition.Set
	subSources          map[partition.TopicPartition]substream.Control
	partitionsToRevoke  partition.Set

	revokeTimer      clock.Timer
	revokeGeneration uint64

	// controls and liveSubCount track every SubSource this Multiplexer has
	// ever constructed, from creation until its Run goroutine exits,
	// regardless of which of subSources/partitionsInStartup it currently
	// belongs to. This is what lets Shutdown wait for every child to
	// actually finish before stopping the ConsumerActor.
	controls     map[partition.TopicPartition]substream.Control
	liveSubCount int

	state        State
	outClosed    bool
	consumerDone bool

	mu     sync.Mutex
	err    error
	doneCh chan struct{}
}

// New subscribes actor per cfg.Subscription and starts the Multiplexer's
// command loop. The returned Multiplexer is running; call Stop or Shutdown
// to wind it down.
func New[Msg any](cfg Config, actor consumeractor.Handle, build substream.MessageBuilder[Msg]) (*Multiplexer[Msg], error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	m := &Multiplexer[Msg]{
		id:                  uuid.NewString(),
		config:              cfg,
		actor:               actor,
		build:               build,
		cmds:                make(chan command, 64),
		out:                 make(chan Element[Msg]),
		pendingPartitions:   partition.NewSet(),
		partitionsInStartup: partition.NewSet(),
		subSources:          make(map[partition.TopicPartition]substream.Control),
		partitionsToRevoke:  partition.NewSet(),
		controls:            make(map[partition.TopicPartition]substream.Control),
		state:               StateRunning,
		doneCh:              make(chan struct{}),
	}

	var subErr error
	switch cfg.Subscription.Kind {
	case TopicSubscription:
		subErr = actor.Subscribe(cfg.Subscription.Topics, m)
	case PatternSubscription:
		subErr = actor.SubscribePattern(cfg.Subscription.Pattern, m)
	}
	if subErr != nil {
		return nil, errors.Annotate(subErr, "multiplexer: subscribe")
	}

	if err := catacomb.Invoke(catacomb.Plan{Site: &m.catacomb, Work: m.loop}); err != nil {
		return nil, errors.Trace(err)
	}

	go m.watchConsumer()
	go func() {
		m.catacomb.Wait()
		close(m.doneCh)
	}()

	return m, nil
}

// Output is the Multiplexer's single output port. It closes once the
// stage stops admitting new partitions.
func (m *Multiplexer[Msg]) Output() <-chan Element[Msg] { return m.out }

// Stop requests the cooperative-drain shutdown mode: existing subs finish
// on their own and no new partitions are admitted. The ConsumerActor keeps
// running while they drain and is sent a best-effort Stop once the last
// one has exited.
func (m *Multiplexer[Msg]) Stop() { m.postCmd(cmdStop{}) }

// Shutdown requests the forced shutdown mode: every child is torn down and
// the ConsumerActor is stopped once they've all exited. Call this on
// downstream cancel of the Multiplexer itself.
func (m *Multiplexer[Msg]) Shutdown() { m.postCmd(cmdShutdown{}) }

// Kill is part of worker.Worker, letting a Multiplexer be supervised by an
// outer catacomb in turn.
func (m *Multiplexer[Msg]) Kill() { m.catacomb.Kill(nil) }

// Wait is part of worker.Worker.
func (m *Multiplexer[Msg]) Wait() error { return m.catacomb.Wait() }

// Done reports terminal completion of the Multiplexer.
func (m *Multiplexer[Msg]) Done() <-chan struct{} { return m.doneCh }

// State reports the Multiplexer's current lifecycle state, for a
// control-plane health check. It blocks briefly on the command loop, so it
// is safe to call concurrently with everything else in this package.
func (m *Multiplexer[Msg]) State() State {
	reply := make(chan State, 1)
	m.postCmd(cmdQueryState{reply: reply})
	select {
	case s := <-reply:
		return s
	case <-m.doneCh:
		return StateTerminated
	}
}

// StateString satisfies transport.ControlPlane without exposing the
// generic Multiplexer type to a non-generic caller.
func (m *Multiplexer[Msg]) StateString() string { return m.State().String() }

// Err returns the terminal error, valid once Done is closed.
func (m *Multiplexer[Msg]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// setErr records the first failure cause. Called only from loop, but
// guarded so Err is race-free for external callers observing it before
// Done closes.
func (m *Multiplexer[Msg]) setErr(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

// OnAssigned implements consumeractor.RebalanceListener.
func (m *Multiplexer[Msg]) OnAssigned(assigned partition.Set) {
	m.postCmd(cmdAssign{assigned: assigned})
}

// OnRevoked implements consumeractor.RebalanceListener.
func (m *Multiplexer[Msg]) OnRevoked(revoked partition.Set) {
	m.postCmd(cmdRevoke{revoked: revoked})
}

// SubStarted implements substream.Parent.
func (m *Multiplexer[Msg]) SubStarted(tp partition.TopicPartition, control substream.Control) {
	m.postCmd(cmdSubStarted{tp: tp, control: control})
}

// SubCancelled implements substream.Parent.
func (m *Multiplexer[Msg]) SubCancelled(tp partition.TopicPartition) {
	m.postCmd(cmdSubCancelled{tp: tp})
}

func (m *Multiplexer[Msg]) postCmd(cmd command) {
	select {
	case m.cmds <- cmd:
	case <-m.catacomb.Dying():
	}
}

func (m *Multiplexer[Msg]) watchConsumer() {
	select {
	case <-m.actor.Done():
		m.postCmd(cmdConsumerDone{err: m.actor.Err()})
	case <-m.catacomb.Dying():
	}
}

// loop is the single consumer of cmds and the sole mutator of Multiplexer
// state.
func (m *Multiplexer[Msg]) loop() error {
	var pendingElem *Element[Msg]

	for {
		if pendingElem == nil && m.state == StateRunning {
			// A partition can sit in pendingPartitions while also being
			// queued in partitionsToRevoke (assigned, then revoked before
			// its SubSource started). It must not be emitted downstream
			// until the revoke either lapses or the grace timer removes it.
			if tp, ok := m.pendingPartitions.Minus(m.partitionsToRevoke).Any(); ok {
				m.pendingPartitions.Remove(tp)
				m.partitionsInStartup.Add(tp)
				sub, err := m.startSub(tp)
				if err != nil {
					return errors.Trace(err)
				}
				pendingElem = &Element[Msg]{Partition: tp, Sub: sub}
			}
		}
		m.reportGauges()

		var sendCh chan Element[Msg]
		var sendVal Element[Msg]
		if pendingElem != nil {
			sendCh = m.out
			sendVal = *pendingElem
		}

		select {
		case sendCh <- sendVal:
			pendingElem = nil

		case cmd := <-m.cmds:
			done, err := m.handle(cmd)
			if done {
				return err
			}

		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		}
	}
}

// startSub constructs and starts a SubSource for tp, registering it with
// the catacomb so a kill of the Multiplexer tears it down too.
func (m *Multiplexer[Msg]) startSub(tp partition.TopicPartition) (*substream.SubSource[Msg], error) {
	sub := substream.New(context.Background(), tp, m.actor, m.build, m)
	go sub.Run()

	if err := m.catacomb.Add(newSubWorker(sub)); err != nil {
		sub.Shutdown()
		return nil, err
	}

	m.controls[tp] = sub
	m.liveSubCount++
	go func() {
		<-sub.Done()
		m.postCmd(cmdSubDone{tp: tp})
	}()

	return sub, nil
}

// handle applies a single command. It returns done=true when the loop
// should return, carrying the loop's terminal error.
func (m *Multiplexer[Msg]) handle(cmd command) (done bool, err error) {
	switch c := cmd.(type) {
	case cmdAssign:
		m.handleAssign(c.assigned)

	case cmdRevoke:
		m.handleRevoke(c.revoked)

	case cmdRevokeTimerFired:
		if c.generation != m.revokeGeneration {
			return false, nil // superseded by a later revoke
		}
		m.fireRevokeTimer()

	case cmdSeekResult:
		if c.err != nil {
			m.fail(kerrors.NewSeekFailed(c.partitions, c.err))
			return false, nil
		}
		m.admit(c.partitions)

	case cmdSubStarted:
		if !m.partitionsInStartup.Contains(c.tp) {
			// Revoked while starting.
			c.control.Shutdown()
			return false, nil
		}
		m.partitionsInStartup.Remove(c.tp)
		m.subSources[c.tp] = c.control

	case cmdSubCancelled:
		delete(m.subSources, c.tp)
		m.partitionsInStartup.Remove(c.tp)
		m.pendingPartitions.Add(c.tp)

	case cmdSubDone:
		// A fresh SubSource for the same partition may already have taken
		// the exited one's place; only entries whose SubSource is done are
		// dropped.
		for _, set := range []map[partition.TopicPartition]substream.Control{m.subSources, m.controls} {
			if d, ok := set[c.tp].(interface{ Done() <-chan struct{} }); ok {
				select {
				case <-d.Done():
					delete(set, c.tp)
				default:
				}
			}
		}
		if m.liveSubCount > 0 {
			m.liveSubCount--
		}
		return m.maybeTerminate()

	case cmdConsumerDone:
		m.consumerDone = true
		telemetry.ConsumerFailures.Inc()
		if m.state != StateShuttingDown {
			m.fail(kerrors.NewConsumerFailed(c.err))
		}
		return m.maybeTerminate()

	case cmdStop:
		m.handleStop()

	case cmdShutdown:
		m.transitionShuttingDown(nil)

	case cmdQueryState:
		c.reply <- m.state
	}
	return false, nil
}

// handleAssign implements the partition-assigned protocol: newly-assigned
// partitions are admitted directly, unless an offsets hook is configured,
// in which case admission waits on a successful seek.
func (m *Multiplexer[Msg]) handleAssign(assigned partition.Set) {
	partitions := assigned.Minus(m.partitionsToRevoke)
	m.partitionsToRevoke.RemoveAll(assigned)

	if m.config.GetOffsetsOnAssign == nil {
		m.admit(partitions)
		return
	}
	go m.seekOnAssign(partitions)
}

func (m *Multiplexer[Msg]) seekOnAssign(partitions partition.Set) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()

	offsets, err := m.config.GetOffsetsOnAssign(ctx, partitions)
	if err != nil {
		m.postCmd(cmdSeekResult{partitions: partitions, err: errors.Annotate(err, "getOffsetsOnAssign")})
		return
	}

	// The ask timeout is enforced against the injected Clock, not
	// context.WithTimeout's wall clock, so it can be driven
	// deterministically by a test clock.
	seekDone := make(chan error, 1)
	go func() { seekDone <- m.actor.Seek(ctx, offsets) }()

	timer := prometheus.NewTimer(telemetry.SeekLatency)
	select {
	case err := <-seekDone:
		timer.ObserveDuration()
		m.postCmd(cmdSeekResult{partitions: partitions, err: errors.Trace(err)})
	case <-m.config.Clock.After(seekAskTimeout):
		timer.ObserveDuration()
		cancel()
		m.postCmd(cmdSeekResult{partitions: partitions, err: errors.Errorf("seek ask timed out after %s", seekAskTimeout)})
	}
}

// admit queues partitions for startup, skipping any already starting.
func (m *Multiplexer[Msg]) admit(partitions partition.Set) {
	m.pendingPartitions.AddAll(partitions.Minus(m.partitionsInStartup))
}

// handleRevoke implements the graceful revoke protocol: revoked partitions
// are accumulated and a single grace-window timer is (re)armed, so a burst
// of rebalance callbacks collapses into one timer firing.
func (m *Multiplexer[Msg]) handleRevoke(revoked partition.Set) {
	if m.revokeTimer != nil {
		m.revokeTimer.Stop()
		telemetry.RevokeBatchesMerged.Inc()
	}
	m.revokeGeneration++
	generation := m.revokeGeneration

	m.partitionsToRevoke.AddAll(revoked)

	m.revokeTimer = m.config.Clock.AfterFunc(m.config.WaitClosePartition, func() {
		m.postCmd(cmdRevokeTimerFired{generation: generation})
	})
}

// fireRevokeTimer runs once the grace window has elapsed with no
// reassignment: it shuts down every SubSource still holding a revoked
// partition.
func (m *Multiplexer[Msg]) fireRevokeTimer() {
	telemetry.GraceTimerFires.Inc()
	revoked := m.partitionsToRevoke

	if revoked.Len() > 0 && m.config.OnRevoke != nil {
		if err := m.config.OnRevoke(revoked.Clone()); err != nil {
			m.fail(errors.Annotate(err, "onRevoke hook failed"))
			return
		}
	}

	m.pendingPartitions.RemoveAll(revoked)
	m.partitionsInStartup.RemoveAll(revoked)
	for tp := range revoked {
		if ctrl, ok := m.subSources[tp]; ok {
			ctrl.Shutdown()
			delete(m.subSources, tp)
		}
	}

	m.partitionsToRevoke = partition.NewSet()
	m.revokeTimer = nil
}

// handleStop implements the Stop mode: drain the children. The
// ConsumerActor is not stopped here; maybeTerminate stops it once every
// child has exited.
func (m *Multiplexer[Msg]) handleStop() {
	if m.state != StateRunning {
		return
	}
	m.state = StateStopping
	for _, ctrl := range m.controls {
		ctrl.Stop()
	}
	m.closeOutput()
}

// transitionShuttingDown implements the Shutdown mode.
func (m *Multiplexer[Msg]) transitionShuttingDown(cause error) {
	if m.state == StateShuttingDown || m.state == StateTerminated {
		return
	}
	if cause != nil {
		m.setErr(cause)
	}
	m.state = StateShuttingDown

	for _, ctrl := range m.controls {
		ctrl.Shutdown()
	}
	m.closeOutput()

	if m.liveSubCount == 0 {
		m.actor.Stop()
	}
}

func (m *Multiplexer[Msg]) fail(err error) {
	if m.state == StateShuttingDown || m.state == StateTerminated {
		return
	}
	logging.ForInstance(m.id).Error("multiplexer: failed", "error", err)
	m.transitionShuttingDown(err)
}

// maybeTerminate completes the Multiplexer once every child SubSource has
// actually exited. Under StateStopping the ConsumerActor is stopped
// best-effort and completion is immediate. Under StateShuttingDown,
// completion also waits for the ConsumerActor itself to report done.
func (m *Multiplexer[Msg]) maybeTerminate() (done bool, err error) {
	if m.liveSubCount > 0 {
		return false, nil
	}
	switch m.state {
	case StateStopping:
		m.actor.Stop()
		m.state = StateTerminated
		return true, m.err
	case StateShuttingDown:
		m.actor.Stop()
		if !m.consumerDone {
			return false, nil
		}
		m.state = StateTerminated
		return true, m.err
	default:
		return false, nil
	}
}

func (m *Multiplexer[Msg]) closeOutput() {
	if !m.outClosed {
		close(m.out)
		m.outClosed = true
	}
}

func (m *Multiplexer[Msg]) reportGauges() {
	telemetry.PartitionsPending.Set(float64(m.pendingPartitions.Len()))
	telemetry.PartitionsStartup.Set(float64(m.partitionsInStartup.Len()))
	telemetry.PartitionsRunning.Set(float64(len(m.subSources)))
	telemetry.PartitionsToRevoke.Set(float64(m.partitionsToRevoke.Len()))
}
