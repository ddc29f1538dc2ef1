package relay

import "time"

// QueuedMessage is an undelivered agent message held for an offline user.
type QueuedMessage struct {
	AgentID   string
	AgentName string
	Text      string
	Ts        time.Time
}

// OfflineQueue buffers agent messages per persistent user identity. Session
// identities get no queue: they cannot be re-resolved reliably after a
// reconnect. Owned by the router goroutine; no locking.
type OfflineQueue struct {
	queues map[string][]QueuedMessage
}

func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{queues: make(map[string][]QueuedMessage)}
}

// Enqueue appends a message for the user, stamping the server time if the
// caller left it zero. Returns the stored message.
func (q *OfflineQueue) Enqueue(userID string, msg QueuedMessage) QueuedMessage {
	if userID == "" {
		return msg
	}
	if msg.Ts.IsZero() {
		msg.Ts = time.Now()
	}
	q.queues[userID] = append(q.queues[userID], msg)
	return msg
}

// Drain returns every queued message for the user in FIFO order and clears
// the queue in the same step, so no message is ever replayed on a later
// flush.
func (q *OfflineQueue) Drain(userID string) []QueuedMessage {
	msgs := q.queues[userID]
	if len(msgs) == 0 {
		return nil
	}
	delete(q.queues, userID)
	return msgs
}

// Len returns the number of queued messages for the user.
func (q *OfflineQueue) Len(userID string) int {
	return len(q.queues[userID])
}
