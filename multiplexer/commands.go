package multiplexer

import (
	"kmux/partition"
	"kmux/substream"
)

// command is the single-consumer command queue: every mutation of
// Multiplexer state happens inside loop, on commands enqueued here by
// public methods, the rebalance listener, and background watchers.
type command interface{}

type cmdAssign struct {
	assigned partition.Set
}

type cmdRevoke struct {
	revoked partition.Set
}

// cmdRevokeTimerFired carries the generation the timer was armed with, so a
// timer that fired after being superseded by a later revoke is a race-free
// no-op.
type cmdRevokeTimerFired struct {
	generation uint64
}

type cmdSeekResult struct {
	partitions partition.Set
	err        error
}

type cmdSubStarted struct {
	tp      partition.TopicPartition
	control substream.Control
}

type cmdSubCancelled struct {
	tp partition.TopicPartition
}

// cmdSubDone marks a SubSource's Run goroutine as fully exited, however it
// got there (drained after Stop, forced by Shutdown, cancelled, or failed).
// It is the bookkeeping this module uses to know when every child has
// actually stopped, which is what lets Shutdown wait for children before
// stopping the ConsumerActor.
type cmdSubDone struct {
	tp partition.TopicPartition
}

type cmdConsumerDone struct {
	err error
}

type cmdStop struct{}

type cmdShutdown struct{}

// cmdQueryState answers a State() call from outside the loop goroutine,
// e.g. the control-plane Ping RPC.
type cmdQueryState struct {
	reply chan State
}
