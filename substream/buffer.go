package substream

import "kmux/consumeractor"

// buffer is an in-order queue of unconsumed records. It uses a singly
// linked chain of batches so append is O(1) regardless of how many batches
// have accumulated, rather than reslicing on every append.
type buffer struct {
	head, tail *batchNode
	len        int
}

type batchNode struct {
	records []consumeractor.Record
	pos     int
	next    *batchNode
}

// Append adds a new batch to the tail of the buffer. Concatenation across
// batches is never eager: records only move when consumed via Next.
func (b *buffer) Append(records []consumeractor.Record) {
	if len(records) == 0 {
		return
	}
	n := &batchNode{records: records}
	if b.tail != nil {
		b.tail.next = n
	} else {
		b.head = n
	}
	b.tail = n
	b.len += len(records)
}

// Empty reports whether the buffer has no unconsumed records.
func (b *buffer) Empty() bool { return b.len == 0 }

// Len returns the number of unconsumed records.
func (b *buffer) Len() int { return b.len }

// Next pops the oldest unconsumed record, preserving per-partition order.
func (b *buffer) Next() (consumeractor.Record, bool) {
	for b.head != nil {
		if b.head.pos < len(b.head.records) {
			rec := b.head.records[b.head.pos]
			b.head.pos++
			b.len--
			if b.head.pos >= len(b.head.records) {
				b.head = b.head.next
				if b.head == nil {
					b.tail = nil
				}
			}
			return rec, true
		}
		b.head = b.head.next
	}
	b.tail = nil
	return consumeractor.Record{}, false
}
