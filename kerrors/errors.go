// Package kerrors defines the failure taxonomy of this module:
// ConsumerFailed (surfaced by ConsumerActor termination or seek
// failure/timeout) and SeekFailed, a subclass carrying the affected
// partitions for diagnostics. Both wrap github.com/juju/errors causes so
// call sites can still errors.Trace/Annotate them.
package kerrors

import (
	"fmt"

	"github.com/juju/errors"

	"kmux/partition"
)

// ConsumerFailed means the ConsumerActor terminated (or never started
// successfully) and every dependent component must fail.
type ConsumerFailed struct {
	cause error
}

func NewConsumerFailed(cause error) *ConsumerFailed {
	if cause == nil {
		cause = errors.New("consumer actor terminated")
	}
	return &ConsumerFailed{cause: cause}
}

func (e *ConsumerFailed) Error() string {
	return fmt.Sprintf("consumer failed: %s", e.cause)
}

func (e *ConsumerFailed) Unwrap() error { return e.cause }

// SeekFailed is raised when getOffsetsOnAssign fails, or the Seek ask
// exceeds its timeout. It carries the partition set for diagnostics.
type SeekFailed struct {
	*ConsumerFailed
	Partitions partition.Set
}

func NewSeekFailed(partitions partition.Set, cause error) *SeekFailed {
	return &SeekFailed{
		ConsumerFailed: NewConsumerFailed(errors.Annotatef(cause, "seek failed for partitions %v", partitions.Slice())),
		Partitions:     partitions,
	}
}

func (e *SeekFailed) Error() string {
	return fmt.Sprintf("seek failed for %d partition(s): %s", e.Partitions.Len(), e.cause)
}
