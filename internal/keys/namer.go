// Package keys produces the canonical Redis key and pub/sub channel
// names for a queue. The "bull:<name>:<kind>" layout is a wire
// contract shared with other bull-protocol implementations and must
// never change.
package keys

import "strings"

// Namer generates every key and channel belonging to a single queue.
type Namer struct {
	prefix string // "bull:<name>:"
}

// NewNamer returns a Namer for the given queue name.
func NewNamer(queue string) *Namer {
	var b strings.Builder
	b.Grow(len("bull::") + len(queue))
	b.WriteString("bull:")
	b.WriteString(queue)
	b.WriteByte(':')
	return &Namer{prefix: b.String()}
}

func (n *Namer) key(kind string) string {
	var b strings.Builder
	b.Grow(len(n.prefix) + len(kind))
	b.WriteString(n.prefix)
	b.WriteString(kind)
	return b.String()
}

// Prefix returns the queue's key prefix ("bull:<name>:"), used by the
// delay-poll script to build a job hash key from a bare job id.
func (n *Namer) Prefix() string { return n.prefix }

// IDKey is the counter used to mint monotonic job ids.
func (n *Namer) IDKey() string { return n.key("id") }

// WaitKey is the FIFO/LIFO list of ready-to-run job ids.
func (n *Namer) WaitKey() string { return n.key("wait") }

// ActiveKey is the list of job ids currently owned by a worker.
func (n *Namer) ActiveKey() string { return n.key("active") }

// PausedKey holds wait's contents while the queue is paused.
func (n *Namer) PausedKey() string { return n.key("paused") }

// DelayedKey is the sorted set of not-yet-due job ids, scored by run-at ms.
func (n *Namer) DelayedKey() string { return n.key("delayed") }

// CompletedKey is the set of successfully settled job ids.
func (n *Namer) CompletedKey() string { return n.key("completed") }

// FailedKey is the set of terminally failed job ids.
func (n *Namer) FailedKey() string { return n.key("failed") }

// MetaPausedKey exists iff the queue is currently paused.
func (n *Namer) MetaPausedKey() string { return n.key("meta-paused") }

// JobKey is the hash holding a single job's fields.
func (n *Namer) JobKey(jobID string) string { return n.key(jobID) }

// LockKey is the string holding the worker token currently owning jobID.
func (n *Namer) LockKey(jobID string) string { return n.key(jobID + ":lock") }

// JobsChannel carries new-job notifications (payload: job id, or "-1").
func (n *Namer) JobsChannel() string { return n.key("jobs") }

// PausedChannel carries "paused"/"resumed" broadcasts.
func (n *Namer) PausedChannel() string { return n.key("paused") }

// DelayedChannel carries delay-wake notifications (payload: timestamp ms).
func (n *Namer) DelayedChannel() string { return n.key("delayed") }
