package multiplexer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"kmux/consumeractor"
	"kmux/partition"
	"kmux/substream"
)

// fakeHandle is a hand-rolled consumeractor.Handle: no mocking framework,
// just enough behaviour to drive the Multiplexer's protocol.
type fakeHandle struct {
	mu       sync.Mutex
	listener consumeractor.RebalanceListener
	seekFn   func(ctx context.Context, offsets map[partition.TopicPartition]partition.Offset) error

	doneCh      chan struct{}
	err         error
	stopCount   int
	answerEmpty bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{doneCh: make(chan struct{})}
}

func (f *fakeHandle) Subscribe(_ []string, l consumeractor.RebalanceListener) error {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) SubscribePattern(_ string, l consumeractor.RebalanceListener) error {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) Seek(ctx context.Context, offsets map[partition.TopicPartition]partition.Offset) error {
	f.mu.Lock()
	fn := f.seekFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, offsets)
	}
	return nil
}

func (f *fakeHandle) RequestMessages(tag uint64, tp partition.TopicPartition, replyTo chan<- consumeractor.MessagesReply) {
	f.mu.Lock()
	answer := f.answerEmpty
	f.mu.Unlock()
	if !answer {
		// Left unanswered: most of these tests exercise multiplexer state,
		// not substream delivery, which is covered in substream_test.go.
		return
	}
	replyTo <- consumeractor.MessagesReply{Tag: tag, TP: tp}
}

// setAnswerEmpty makes RequestMessages reply immediately with an empty
// batch, letting a SubSource actually reach a demand-satisfied state
// instead of leaving a request permanently outstanding.
func (f *fakeHandle) setAnswerEmpty(v bool) {
	f.mu.Lock()
	f.answerEmpty = v
	f.mu.Unlock()
}

func (f *fakeHandle) Stop() {
	f.mu.Lock()
	f.stopCount++
	f.mu.Unlock()
}

func (f *fakeHandle) Done() <-chan struct{} { return f.doneCh }

func (f *fakeHandle) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeHandle) StopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCount
}

func (f *fakeHandle) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	close(f.doneCh)
}

func (f *fakeHandle) triggerAssign(assigned partition.Set) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnAssigned(assigned)
}

func (f *fakeHandle) triggerRevoke(revoked partition.Set) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnRevoked(revoked)
}

var identityBuilder = substream.MessageBuilderFunc[string](func(r consumeractor.Record) (string, error) {
	return r.TP.String(), nil
})

func p(n int32) partition.TopicPartition {
	return partition.TopicPartition{Topic: "orders", Partition: n}
}

func newTestMux(t *testing.T, actor *fakeHandle, cfg Config) *Multiplexer[string] {
	t.Helper()
	if cfg.Subscription.Topics == nil && cfg.Subscription.Pattern == "" {
		cfg.Subscription = Subscription{Kind: TopicSubscription, Topics: []string{"orders"}}
	}
	if cfg.WaitClosePartition == 0 {
		cfg.WaitClosePartition = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = testclock.NewClock(time.Now())
	}
	mux, err := New[string](cfg, actor, identityBuilder)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mux
}

func recvElement(t *testing.T, mux *Multiplexer[string]) Element[string] {
	t.Helper()
	select {
	case elem, ok := <-mux.Output():
		if !ok {
			t.Fatal("output closed unexpectedly")
		}
		return elem
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an element")
	}
	panic("unreachable")
}

func TestMultiplexer_EmitsAssignedPartitions(t *testing.T) {
	actor := newFakeHandle()
	mux := newTestMux(t, actor, Config{})

	actor.triggerAssign(partition.NewSet(p(0), p(1)))

	seen := partition.NewSet()
	seen.Add(recvElement(t, mux).Partition)
	seen.Add(recvElement(t, mux).Partition)

	if !seen.Contains(p(0)) || !seen.Contains(p(1)) {
		t.Fatalf("expected both partitions emitted, got %v", seen.Slice())
	}
}

func TestMultiplexer_SubCancelReturnsPartitionAndReEmits(t *testing.T) {
	actor := newFakeHandle()
	mux := newTestMux(t, actor, Config{})

	actor.triggerAssign(partition.NewSet(p(2)))
	elem := recvElement(t, mux)

	elem.Sub.Cancel()

	elem2 := recvElement(t, mux)
	if elem2.Partition != p(2) {
		t.Fatalf("expected re-emission of %v, got %v", p(2), elem2.Partition)
	}
}

func TestMultiplexer_RevokeAfterGraceWindow_ShutsDownAndFiresOnRevoke(t *testing.T) {
	actor := newFakeHandle()
	clk := testclock.NewClock(time.Now())

	revokedSeen := make(chan partition.Set, 1)
	mux := newTestMux(t, actor, Config{
		WaitClosePartition: 10 * time.Second,
		Clock:              clk,
		OnRevoke: func(revoked partition.Set) error {
			revokedSeen <- revoked
			return nil
		},
	})

	actor.triggerAssign(partition.NewSet(p(3)))
	elem := recvElement(t, mux)

	actor.triggerRevoke(partition.NewSet(p(3)))
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatalf("advancing clock past grace window: %v", err)
	}

	select {
	case revoked := <-revokedSeen:
		if !revoked.Contains(p(3)) {
			t.Fatalf("expected onRevoke for %v, got %v", p(3), revoked.Slice())
		}
	case <-time.After(time.Second):
		t.Fatal("onRevoke was not called")
	}

	select {
	case <-elem.Sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream was not shut down after grace window")
	}
}

func TestMultiplexer_ReassignWithinGraceWindow_SkipsOnRevoke(t *testing.T) {
	actor := newFakeHandle()
	clk := testclock.NewClock(time.Now())

	revokedSeen := make(chan partition.Set, 1)
	mux := newTestMux(t, actor, Config{
		WaitClosePartition: 10 * time.Second,
		Clock:              clk,
		OnRevoke: func(revoked partition.Set) error {
			revokedSeen <- revoked
			return nil
		},
	})

	actor.triggerAssign(partition.NewSet(p(4)))
	elem := recvElement(t, mux)

	actor.triggerRevoke(partition.NewSet(p(4)))
	actor.triggerAssign(partition.NewSet(p(4)))
	clk.Advance(10 * time.Second)

	select {
	case revoked := <-revokedSeen:
		t.Fatalf("did not expect onRevoke, got %v", revoked.Slice())
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case <-elem.Sub.Done():
		t.Fatal("substream should have survived the reassign")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case <-mux.Output():
		t.Fatal("did not expect a duplicate emission of the reassigned partition")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMultiplexer_RevokeBeforeStart_NeverEmitsRevokedPendingPartition(t *testing.T) {
	actor := newFakeHandle()
	clk := testclock.NewClock(time.Now())
	mux := newTestMux(t, actor, Config{
		WaitClosePartition: 10 * time.Second,
		Clock:              clk,
	})

	both := partition.NewSet(p(20), p(21))
	actor.triggerAssign(both)
	actor.triggerRevoke(both)

	elem1 := recvElement(t, mux)
	if !both.Contains(elem1.Partition) {
		t.Fatalf("unexpected partition emitted: %v", elem1.Partition)
	}

	// The other partition of the pair never got past pendingPartitions
	// before its revoke arrived: it must not be emitted, even though the
	// grace timer has not fired yet to remove it explicitly.
	select {
	case elem2 := <-mux.Output():
		t.Fatalf("must not emit a partition already queued for revoke, got %v", elem2.Partition)
	case <-time.After(200 * time.Millisecond):
	}

	clk.Advance(10 * time.Second)

	select {
	case <-elem1.Sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream for the emitted partition was not shut down after grace window")
	}
}

func TestMultiplexer_SeekOnAssign_AdmitsAfterSuccessfulSeek(t *testing.T) {
	actor := newFakeHandle()
	var gotOffsets map[partition.TopicPartition]partition.Offset
	actor.seekFn = func(_ context.Context, offsets map[partition.TopicPartition]partition.Offset) error {
		gotOffsets = offsets
		return nil
	}

	mux := newTestMux(t, actor, Config{
		GetOffsetsOnAssign: func(_ context.Context, partitions partition.Set) (map[partition.TopicPartition]partition.Offset, error) {
			out := make(map[partition.TopicPartition]partition.Offset, partitions.Len())
			for tp := range partitions {
				out[tp] = partition.Offset(51)
			}
			return out, nil
		},
	})

	actor.triggerAssign(partition.NewSet(p(5)))
	elem := recvElement(t, mux)
	if elem.Partition != p(5) {
		t.Fatalf("expected %v, got %v", p(5), elem.Partition)
	}
	if gotOffsets == nil || gotOffsets[p(5)] != partition.Offset(51) {
		t.Fatalf("expected seek to be asked with offset 51, got %v", gotOffsets)
	}
}

func TestMultiplexer_SeekTimeout_FailsMultiplexer(t *testing.T) {
	actor := newFakeHandle()
	seekStarted := make(chan struct{})
	actor.seekFn = func(ctx context.Context, _ map[partition.TopicPartition]partition.Offset) error {
		close(seekStarted)
		<-ctx.Done()
		return ctx.Err()
	}

	clk := testclock.NewClock(time.Now())
	mux := newTestMux(t, actor, Config{
		Clock: clk,
		GetOffsetsOnAssign: func(context.Context, partition.Set) (map[partition.TopicPartition]partition.Offset, error) {
			return map[partition.TopicPartition]partition.Offset{p(6): 0}, nil
		},
	})

	actor.triggerAssign(partition.NewSet(p(6)))

	select {
	case <-seekStarted:
	case <-time.After(time.Second):
		t.Fatal("seek was never asked")
	}

	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatalf("advancing clock past seek timeout: %v", err)
	}

	// The failure drives the forced shutdown, which stops the consumer actor
	// and then waits for it to report Done; this fake only does so when told.
	deadline := time.After(time.Second)
	for actor.StopCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("consumer actor Stop was never called after seek timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
	actor.fail(nil)

	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not fail after seek timeout")
	}
	if mux.Err() == nil {
		t.Fatal("expected a ConsumerFailed/SeekFailed error")
	}
}

func TestMultiplexer_ConsumerFailure_ShutsDownAndFails(t *testing.T) {
	actor := newFakeHandle()
	mux := newTestMux(t, actor, Config{})

	actor.triggerAssign(partition.NewSet(p(7)))
	elem := recvElement(t, mux)

	actor.fail(errBoom)

	select {
	case <-elem.Sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream did not shut down after consumer failure")
	}
	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not terminate after consumer failure")
	}
	if mux.Err() == nil {
		t.Fatal("expected multiplexer to fail")
	}
}

func TestMultiplexer_Stop_DrainsWithoutStoppingConsumer(t *testing.T) {
	actor := newFakeHandle()
	mux := newTestMux(t, actor, Config{})

	actor.triggerAssign(partition.NewSet(p(8)))
	recvElement(t, mux)

	mux.Stop()

	select {
	case _, ok := <-mux.Output():
		if ok {
			t.Fatal("did not expect another element after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("output was not closed after Stop")
	}

	time.Sleep(50 * time.Millisecond)
	if actor.StopCount() != 0 {
		t.Fatalf("Stop must not stop the ConsumerActor, got %d Stop calls", actor.StopCount())
	}
}

func TestMultiplexer_Stop_TerminatesOnceChildrenDrain(t *testing.T) {
	actor := newFakeHandle()
	actor.setAnswerEmpty(true)
	mux := newTestMux(t, actor, Config{})

	actor.triggerAssign(partition.NewSet(p(11)))
	elem := recvElement(t, mux)

	mux.Stop()

	select {
	case _, ok := <-mux.Output():
		if ok {
			t.Fatal("did not expect another element after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("output was not closed after Stop")
	}

	select {
	case <-elem.Sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream did not complete its cooperative drain")
	}

	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not terminate once its last child drained")
	}
	if actor.StopCount() != 1 {
		t.Fatalf("expected a single best-effort actor.Stop() call once draining completed, got %d", actor.StopCount())
	}
}

func TestMultiplexer_Shutdown_WaitsForChildrenThenStopsConsumer(t *testing.T) {
	actor := newFakeHandle()
	mux := newTestMux(t, actor, Config{})

	actor.triggerAssign(partition.NewSet(p(9)))
	elem := recvElement(t, mux)

	mux.Shutdown()

	select {
	case <-elem.Sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream was not shut down")
	}

	// The consumer actor itself never reports Done in this test, so the
	// multiplexer stays alive waiting on it, but it must have already
	// asked the actor to stop once every child had exited.
	deadline := time.After(time.Second)
	for actor.StopCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("consumer actor Stop was never called during shutdown")
		case <-time.After(10 * time.Millisecond):
		}
	}

	actor.fail(nil)

	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not terminate once the consumer actor finished")
	}
}

var errBoom = &staticErr{"boom"}

type staticErr struct{ s string }

func (e *staticErr) Error() string { return e.s }
