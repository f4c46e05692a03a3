package ahci

import (
	"time"

	"github.com/beeker1121/goque"
	"github.com/pkg/errors"
)

// RetryDescriptor is the durable record of a command that timed out and
// needs re-issue after its port has been reset (spec §4.2: "any other
// outstanding commands on that port are re-queued for retry by the
// caller"). Persisting it means a process restart between the reset and the
// retry does not silently drop the command.
type RetryDescriptor struct {
	PortNum   int
	Opcode    byte
	LBA       uint64
	Count     uint16
	Direction Direction
	QueuedAt  time.Time
}

// RetryQueue is a disk-backed FIFO of RetryDescriptors for one controller.
type RetryQueue struct {
	q *goque.Queue
}

// OpenRetryQueue opens (creating if necessary) the durable retry spool at
// dir.
func OpenRetryQueue(dir string) (*RetryQueue, error) {
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, errors.Wrap(err, "ahci: open retry queue")
	}
	return &RetryQueue{q: q}, nil
}

// Push enqueues a timed-out command for later retry.
func (r *RetryQueue) Push(d RetryDescriptor) error {
	_, err := r.q.EnqueueObject(d)
	return errors.Wrap(err, "ahci: enqueue retry")
}

// Pop removes and returns the oldest pending retry, or ok=false if the
// queue is empty.
func (r *RetryQueue) Pop() (d RetryDescriptor, ok bool, err error) {
	item, err := r.q.Dequeue()
	if err != nil {
		if errors.Is(err, goque.ErrEmpty) {
			return RetryDescriptor{}, false, nil
		}
		return RetryDescriptor{}, false, errors.Wrap(err, "ahci: dequeue retry")
	}
	if err := item.ToObjectFromGob(&d); err != nil {
		return RetryDescriptor{}, false, errors.Wrap(err, "ahci: decode retry")
	}
	return d, true, nil
}

// Len reports the number of outstanding retries.
func (r *RetryQueue) Len() uint64 {
	return r.q.Length()
}

// Close releases the underlying on-disk queue handle.
func (r *RetryQueue) Close() error {
	return r.q.Close()
}
