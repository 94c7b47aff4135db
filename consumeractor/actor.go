// Package consumeractor implements the external ConsumerActor collaborator
// described by the multiplexer's contract: it owns the Kafka client, accepts
// Subscribe/SubscribePattern/Seek/RequestMessages/Stop, emits Messages, and
// invokes a rebalance listener with assigned/revoked partition sets.
//
// The multiplexer and every substream hold only a Handle; ownership and
// lifecycle of the underlying Sarama consumer group belong entirely to the
// Actor.
package consumeractor

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"kmux/internal/logging"
	"kmux/partition"
)

// Record is a single polled Kafka record, prior to MessageBuilder transform.
type Record struct {
	TP        partition.TopicPartition
	Offset    partition.Offset
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
}

// MessagesReply answers exactly one RequestMessages call.
type MessagesReply struct {
	Tag     uint64
	TP      partition.TopicPartition
	Records []Record
}

// RebalanceListener is invoked on the actor's callback goroutine whenever
// Kafka delivers a rebalance. Assigned and Revoked are disjoint on any
// single call, but a partition revoked in one call may be re-assigned in a
// later one (or vice versa) as Kafka reshuffles the group.
type RebalanceListener interface {
	OnAssigned(assigned partition.Set)
	OnRevoked(revoked partition.Set)
}

// Handle is the contract consumed by the multiplexer (lifecycle commands)
// and by every substream (RequestMessages only). It intentionally does not
// expose the Sarama types so callers never reach past the actor's message
// contract.
type Handle interface {
	Subscribe(topics []string, listener RebalanceListener) error
	SubscribePattern(pattern string, listener RebalanceListener) error
	Seek(ctx context.Context, offsets map[partition.TopicPartition]partition.Offset) error
	// RequestMessages asks for the next batch of records for tp. The reply
	// is delivered on replyTo, tagged with tag, exactly once (an empty
	// batch if tp is revoked first); a request still outstanding when the
	// actor stops is not answered, and Done is closed instead. Each
	// substream owns its own replyTo channel, so replies are never
	// misdelivered to a different partition's caller even though the
	// actor is a single shared resource.
	RequestMessages(tag uint64, tp partition.TopicPartition, replyTo chan<- MessagesReply)
	Stop()
	Done() <-chan struct{}
	Err() error
}

type partitionQueue struct {
	buf     []Record
	demand  bool
	tag     uint64
	replyTo chan<- MessagesReply
}

type command interface{}

type cmdSubscribeTopics struct {
	topics   []string
	listener RebalanceListener
	reply    chan error
}

type cmdSubscribePattern struct {
	pattern  string
	listener RebalanceListener
	reply    chan error
}

type cmdSeek struct {
	offsets map[partition.TopicPartition]partition.Offset
	reply   chan error
}

type cmdRequestMessages struct {
	tag     uint64
	tp      partition.TopicPartition
	replyTo chan<- MessagesReply
}

type cmdRawRecord struct {
	rec Record
}

type cmdRebalance struct {
	assigned partition.Set
	revoked  partition.Set
}

type cmdStop struct{}

// Actor is the Sarama-backed implementation of Handle: a single goroutine
// owns the sarama.ConsumerGroup and client, and every external call is
// funneled through cmds so no state is shared across goroutines.
type Actor struct {
	id     string
	config Config

	client sarama.Client
	group  sarama.ConsumerGroup

	cmds chan command
	done chan struct{}

	mu       sync.Mutex
	listener RebalanceListener
	prevSet  partition.Set
	err      error
	stopOnce sync.Once
}

// New dials the broker (with a bounded backoff, since the broker may not be
// reachable yet at process startup) and returns a running Actor.
func New(cfg Config) (*Actor, error) {
	a := &Actor{
		id:      uuid.NewString(),
		config:  cfg,
		cmds:    make(chan command, 64),
		done:    make(chan struct{}),
		prevSet: make(partition.Set),
	}

	saramaCfg, err := cfg.buildSaramaConfig()
	if err != nil {
		return nil, errors.Annotate(err, "consumeractor: build sarama config")
	}

	var client sarama.Client
	op := func() error {
		c, dialErr := sarama.NewClient(cfg.Brokers, saramaCfg)
		if dialErr != nil {
			return dialErr
		}
		client = c
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.DialTimeout
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.Annotatef(err, "consumeractor: dial brokers %v", cfg.Brokers)
	}

	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Annotate(err, "consumeractor: create consumer group")
	}

	a.client = client
	a.group = group

	go a.errorLoop()
	go a.loop()
	return a, nil
}

func (a *Actor) errorLoop() {
	for err := range a.group.Errors() {
		if err == nil {
			continue
		}
		logging.ForInstance(a.id).Error("consumeractor: consumer group error", "error", err)
	}
}

// loop is the single writer of all actor state; every mutation happens
// here, serialised through the cmds channel.
func (a *Actor) loop() {
	defer close(a.done)
	defer a.client.Close()
	defer a.group.Close()

	queues := newDemandQueues()

	for cmd := range a.cmds {
		switch c := cmd.(type) {
		case cmdSubscribeTopics:
			a.mu.Lock()
			a.listener = c.listener
			a.mu.Unlock()
			go a.consumeLoop(context.Background(), c.topics)
			c.reply <- nil

		case cmdSubscribePattern:
			topics, err := a.matchTopics(c.pattern)
			if err != nil {
				c.reply <- err
				continue
			}
			a.mu.Lock()
			a.listener = c.listener
			a.mu.Unlock()
			go a.consumeLoop(context.Background(), topics)
			c.reply <- nil

		case cmdSeek:
			c.reply <- a.doSeek(c.offsets)

		case cmdRequestMessages:
			if reply, ok := queues.Request(c.tag, c.tp, c.replyTo); ok {
				c.replyTo <- reply
			}

		case cmdRawRecord:
			if reply, replyTo, ok := queues.Record(c.rec); ok {
				replyTo <- reply
			}

		case cmdRebalance:
			a.mu.Lock()
			listener := a.listener
			a.mu.Unlock()
			for tp := range c.revoked {
				// Answer a request still outstanding for tp with an empty
				// batch, so its caller is never left waiting on a reply.
				if q := queues.qs[tp]; q != nil && q.demand {
					q.replyTo <- MessagesReply{Tag: q.tag, TP: tp}
				}
				queues.Revoke(tp)
			}
			if listener == nil {
				continue
			}
			if c.revoked.Len() > 0 {
				listener.OnRevoked(c.revoked)
			}
			if c.assigned.Len() > 0 {
				listener.OnAssigned(c.assigned)
			}

		case cmdStop:
			return
		}
	}
}

func (a *Actor) matchTopics(pattern string) ([]string, error) {
	topics, err := a.client.Topics()
	if err != nil {
		return nil, errors.Annotate(err, "consumeractor: list topics for pattern subscription")
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, t := range topics {
		if re.MatchString(t) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

func (a *Actor) doSeek(offsets map[partition.TopicPartition]partition.Offset) error {
	// Sarama's consumer-group API commits offsets via the session; outside
	// of an active session (used here for an explicit pre-admit seek) we
	// go through the offset manager directly.
	om, err := sarama.NewOffsetManagerFromClient(a.config.GroupID, a.client)
	if err != nil {
		return errors.Annotate(err, "consumeractor: seek: offset manager")
	}
	defer om.Close()

	for tp, off := range offsets {
		pom, err := om.ManagePartition(tp.Topic, tp.Partition)
		if err != nil {
			return errors.Annotatef(err, "consumeractor: seek: manage partition %s", tp)
		}
		pom.MarkOffset(int64(off), "")
		pom.Close()
	}
	return nil
}

// consumeLoop repeatedly hands the group session to a groupHandler; it
// returns only when the actor is stopped or the group fails fatally.
func (a *Actor) consumeLoop(ctx context.Context, topics []string) {
	handler := &groupHandler{actor: a}
	for {
		if err := a.group.Consume(ctx, topics, handler); err != nil {
			if errors.Cause(err) == sarama.ErrClosedConsumerGroup {
				return
			}
			a.fail(errors.Annotate(err, "consumeractor: consume"))
			return
		}
		select {
		case <-a.done:
			return
		default:
		}
	}
}

func (a *Actor) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
	a.Stop()
}

func (a *Actor) Subscribe(topics []string, listener RebalanceListener) error {
	reply := make(chan error, 1)
	select {
	case a.cmds <- cmdSubscribeTopics{topics: topics, listener: listener, reply: reply}:
	case <-a.done:
		return errors.New("consumeractor: stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return errors.New("consumeractor: stopped")
	}
}

func (a *Actor) SubscribePattern(pattern string, listener RebalanceListener) error {
	reply := make(chan error, 1)
	select {
	case a.cmds <- cmdSubscribePattern{pattern: pattern, listener: listener, reply: reply}:
	case <-a.done:
		return errors.New("consumeractor: stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return errors.New("consumeractor: stopped")
	}
}

func (a *Actor) Seek(ctx context.Context, offsets map[partition.TopicPartition]partition.Offset) error {
	reply := make(chan error, 1)
	select {
	case a.cmds <- cmdSeek{offsets: offsets, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return errors.New("consumeractor: stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return errors.New("consumeractor: stopped")
	}
}

func (a *Actor) RequestMessages(tag uint64, tp partition.TopicPartition, replyTo chan<- MessagesReply) {
	select {
	case a.cmds <- cmdRequestMessages{tag: tag, tp: tp, replyTo: replyTo}:
	case <-a.done:
	}
}

func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		select {
		case a.cmds <- cmdStop{}:
		case <-a.done:
		}
	})
}

func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
