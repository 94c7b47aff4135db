package consumeractor

import (
	"github.com/IBM/sarama"

	"kmux/partition"
)

// groupHandler bridges Sarama's push-based ConsumerGroupHandler contract to
// the actor's explicit assigned/revoked rebalance notifications. Sarama
// only hands us the current claim set on Setup; we diff it against the
// previous one to recover the assigned/revoked pair the multiplexer
// expects, the standard technique for this generation of the Sarama API.
type groupHandler struct {
	actor *Actor
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	current := claimSet(sess.Claims())

	h.actor.mu.Lock()
	prev := h.actor.prevSet
	assigned := current.Minus(prev)
	revoked := prev.Minus(current)
	h.actor.prevSet = current
	h.actor.mu.Unlock()

	if assigned.Len() > 0 || revoked.Len() > 0 {
		h.actor.cmds <- cmdRebalance{assigned: assigned, revoked: revoked}
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tp := partition.TopicPartition{Topic: claim.Topic(), Partition: claim.Partition()}
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := Record{
				TP:        tp,
				Offset:    partition.Offset(msg.Offset),
				Key:       msg.Key,
				Value:     msg.Value,
				Headers:   toHeaderMap(msg.Headers),
				Timestamp: msg.Timestamp,
			}
			select {
			case h.actor.cmds <- cmdRawRecord{rec: rec}:
			case <-h.actor.done:
				return nil
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		case <-h.actor.done:
			return nil
		}
	}
}

func claimSet(claims map[string][]int32) partition.Set {
	s := make(partition.Set)
	for topic, parts := range claims {
		for _, p := range parts {
			s.Add(partition.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return s
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
