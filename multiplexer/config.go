package multiplexer

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"kmux/partition"
)

// SubscriptionKind selects how the Multiplexer subscribes its ConsumerActor.
type SubscriptionKind int

const (
	TopicSubscription SubscriptionKind = iota
	PatternSubscription
)

// Subscription is the configuration surface of spec §6 "subscription".
type Subscription struct {
	Kind    SubscriptionKind
	Topics  []string
	Pattern string
}

// seekAskTimeout is the literal 10-second constant of spec §9: hard-coded
// unless configuration is added deliberately.
const seekAskTimeout = 10 * time.Second

// GetOffsetsOnAssign is the optional seek-on-assign hook of spec §6. When
// set, it is invoked on every freshly assigned partition set before those
// partitions are admitted downstream.
type GetOffsetsOnAssign func(ctx context.Context, partitions partition.Set) (map[partition.TopicPartition]partition.Offset, error)

// OnRevoke is the user hook fired once the grace window for a revoke batch
// expires. An error return is not recovered: it fails the Multiplexer
// (spec §7).
type OnRevoke func(revoked partition.Set) error

// Config is the configuration surface of spec §6, excluding
// consumerSettings (opaque, passed to the ConsumerActor constructor
// directly by the caller rather than threaded through here).
type Config struct {
	Subscription       Subscription
	GetOffsetsOnAssign GetOffsetsOnAssign
	OnRevoke           OnRevoke
	WaitClosePartition time.Duration
	Clock              clock.Clock
}

func (c Config) Validate() error {
	switch c.Subscription.Kind {
	case TopicSubscription:
		if len(c.Subscription.Topics) == 0 {
			return errors.NotValidf("subscription: empty topic list")
		}
	case PatternSubscription:
		if c.Subscription.Pattern == "" {
			return errors.NotValidf("subscription: empty pattern")
		}
	default:
		return errors.NotValidf("subscription kind %d", c.Subscription.Kind)
	}
	if c.WaitClosePartition <= 0 {
		return errors.NotValidf("non-positive WaitClosePartition")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}
