package consumeractor

import "kmux/partition"

// demandQueues holds the per-partition record buffer and outstanding-demand
// bookkeeping for the actor side of the request/reply exchange with a
// SubSource: at most one outstanding request per partition, records
// buffered until a request arrives.
//
// It is deliberately free of any Sarama or channel-actor concerns so it can
// be exercised directly by tests.
type demandQueues struct {
	qs map[partition.TopicPartition]*partitionQueue
}

func newDemandQueues() *demandQueues {
	return &demandQueues{qs: make(map[partition.TopicPartition]*partitionQueue)}
}

func (d *demandQueues) get(tp partition.TopicPartition) *partitionQueue {
	q := d.qs[tp]
	if q == nil {
		q = &partitionQueue{}
		d.qs[tp] = q
	}
	return q
}

// Request registers demand for tp. If records are already buffered, it
// returns them immediately (ok=true) instead of registering demand.
func (d *demandQueues) Request(tag uint64, tp partition.TopicPartition, replyTo chan<- MessagesReply) (MessagesReply, bool) {
	q := d.get(tp)
	if len(q.buf) > 0 {
		reply := MessagesReply{Tag: tag, TP: tp, Records: q.buf}
		q.buf = nil
		q.demand = false
		q.replyTo = nil
		return reply, true
	}
	q.demand = true
	q.tag = tag
	q.replyTo = replyTo
	return MessagesReply{}, false
}

// Record appends one polled record for tp. If demand is outstanding it
// returns the reply to deliver (ok=true) and clears demand; otherwise the
// record is buffered for the next Request.
func (d *demandQueues) Record(rec Record) (MessagesReply, chan<- MessagesReply, bool) {
	q := d.get(rec.TP)
	if q.demand {
		reply := MessagesReply{Tag: q.tag, TP: rec.TP, Records: []Record{rec}}
		replyTo := q.replyTo
		q.demand = false
		q.replyTo = nil
		return reply, replyTo, true
	}
	q.buf = append(q.buf, rec)
	return MessagesReply{}, nil, false
}

// Revoke discards all buffered state for tp; called when the partition is
// no longer owned by this consumer.
func (d *demandQueues) Revoke(tp partition.TopicPartition) {
	delete(d.qs, tp)
}

// Pending reports the number of buffered records for tp, for tests.
func (d *demandQueues) Pending(tp partition.TopicPartition) int {
	q := d.qs[tp]
	if q == nil {
		return 0
	}
	return len(q.buf)
}
