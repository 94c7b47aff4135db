package substream

import (
	"context"
	"strconv"
	"testing"
	"time"

	"kmux/consumeractor"
	"kmux/partition"
)

// fakeActor is a minimal consumeractor.Handle used to drive a SubSource in
// isolation (no mocking framework, just enough behaviour to exercise it).
type fakeActor struct {
	requests chan struct {
		tag     uint64
		tp      partition.TopicPartition
		replyTo chan<- consumeractor.MessagesReply
	}
	done chan struct{}
	err  error
}

func newFakeActor() *fakeActor {
	return &fakeActor{
		requests: make(chan struct {
			tag     uint64
			tp      partition.TopicPartition
			replyTo chan<- consumeractor.MessagesReply
		}, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeActor) Subscribe([]string, consumeractor.RebalanceListener) error        { return nil }
func (f *fakeActor) SubscribePattern(string, consumeractor.RebalanceListener) error   { return nil }
func (f *fakeActor) Seek(context.Context, map[partition.TopicPartition]partition.Offset) error {
	return nil
}
func (f *fakeActor) RequestMessages(tag uint64, tp partition.TopicPartition, replyTo chan<- consumeractor.MessagesReply) {
	f.requests <- struct {
		tag     uint64
		tp      partition.TopicPartition
		replyTo chan<- consumeractor.MessagesReply
	}{tag, tp, replyTo}
}
func (f *fakeActor) Stop()                {}
func (f *fakeActor) Done() <-chan struct{} { return f.done }
func (f *fakeActor) Err() error            { return f.err }

type fakeParent struct {
	started   chan partition.TopicPartition
	cancelled chan partition.TopicPartition
}

func newFakeParent() *fakeParent {
	return &fakeParent{
		started:   make(chan partition.TopicPartition, 1),
		cancelled: make(chan partition.TopicPartition, 1),
	}
}

func (p *fakeParent) SubStarted(tp partition.TopicPartition, _ Control) { p.started <- tp }
func (p *fakeParent) SubCancelled(tp partition.TopicPartition)         { p.cancelled <- tp }

var stringBuilder = MessageBuilderFunc[string](func(r consumeractor.Record) (string, error) {
	return strconv.FormatInt(int64(r.Offset), 10), nil
})

func testTP() partition.TopicPartition {
	return partition.TopicPartition{Topic: "orders", Partition: 0}
}

func TestSubSource_DeliversRecordsInOrder(t *testing.T) {
	actor := newFakeActor()
	parent := newFakeParent()
	sub := New[string](context.Background(), testTP(), actor, stringBuilder, parent)
	go sub.Run()

	select {
	case tp := <-parent.started:
		if tp != testTP() {
			t.Fatalf("unexpected startup partition: %v", tp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SubStarted")
	}

	req := <-actor.requests
	req.replyTo <- consumeractor.MessagesReply{
		Tag: req.tag,
		TP:  req.tp,
		Records: []consumeractor.Record{
			{TP: testTP(), Offset: 1},
			{TP: testTP(), Offset: 2},
			{TP: testTP(), Offset: 3},
		},
	}

	for _, want := range []string{"1", "2", "3"} {
		select {
		case got := <-sub.Output():
			if got != want {
				t.Fatalf("want %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestSubSource_CancelNotifiesParentImmediately(t *testing.T) {
	actor := newFakeActor()
	parent := newFakeParent()
	sub := New[string](context.Background(), testTP(), actor, stringBuilder, parent)
	go sub.Run()

	<-parent.started
	<-actor.requests // outstanding request, no reply ever sent

	sub.Cancel()

	select {
	case tp := <-parent.cancelled:
		if tp != testTP() {
			t.Fatalf("unexpected cancelled partition: %v", tp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SubCancelled")
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream did not complete after cancel")
	}
}

func TestSubSource_ShutdownDiscardsBufferedRecords(t *testing.T) {
	actor := newFakeActor()
	parent := newFakeParent()
	sub := New[string](context.Background(), testTP(), actor, stringBuilder, parent)
	go sub.Run()

	<-parent.started
	req := <-actor.requests
	req.replyTo <- consumeractor.MessagesReply{
		Tag:     req.tag,
		TP:      req.tp,
		Records: []consumeractor.Record{{TP: testTP(), Offset: 1}},
	}

	sub.Shutdown()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream did not complete after shutdown")
	}

	select {
	case _, ok := <-sub.Output():
		if ok {
			t.Fatal("did not expect a message after shutdown")
		}
	default:
	}
}

func TestSubSource_StopDrainsThenCompletes(t *testing.T) {
	actor := newFakeActor()
	parent := newFakeParent()
	sub := New[string](context.Background(), testTP(), actor, stringBuilder, parent)
	go sub.Run()

	<-parent.started
	req := <-actor.requests
	req.replyTo <- consumeractor.MessagesReply{
		Tag:     req.tag,
		TP:      req.tp,
		Records: []consumeractor.Record{{TP: testTP(), Offset: 42}},
	}

	sub.Stop()

	select {
	case got := <-sub.Output():
		if got != "42" {
			t.Fatalf("expected buffered record to drain, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drained message")
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("substream did not complete after drain")
	}

	select {
	case req := <-actor.requests:
		t.Fatalf("did not expect a new request after Stop, got %+v", req)
	default:
	}
}
