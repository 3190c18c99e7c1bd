package engine

type notificationKey struct {
	target ResourceID
	action Action
}

// NotificationQueue holds delayed notifications for a single pass. It is an
// ordered set keyed by (target, action): the first registration fixes the
// position, later ones are dropped, and a key that already fired is never
// queued again in the same pass.
type NotificationQueue struct {
	pending []Notification
	queued  map[notificationKey]struct{}
	fired   map[notificationKey]struct{}
}

// NewNotificationQueue creates an empty queue.
func NewNotificationQueue() *NotificationQueue {
	return &NotificationQueue{
		queued: make(map[notificationKey]struct{}),
		fired:  make(map[notificationKey]struct{}),
	}
}

// Schedule queues a notification. It returns false if the key is already
// queued or has already fired.
func (q *NotificationQueue) Schedule(n Notification) bool {
	k := n.key()
	if _, ok := q.queued[k]; ok {
		return false
	}
	if _, ok := q.fired[k]; ok {
		return false
	}
	q.queued[k] = struct{}{}
	q.pending = append(q.pending, n)
	return true
}

// Next pops the oldest pending notification and marks it fired.
func (q *NotificationQueue) Next() (Notification, bool) {
	if len(q.pending) == 0 {
		return Notification{}, false
	}
	n := q.pending[0]
	q.pending = q.pending[1:]
	k := n.key()
	delete(q.queued, k)
	q.fired[k] = struct{}{}
	return n, true
}

// Len returns the number of pending notifications.
func (q *NotificationQueue) Len() int {
	return len(q.pending)
}

// Pending returns a copy of the pending notifications in firing order.
func (q *NotificationQueue) Pending() []Notification {
	out := make([]Notification, len(q.pending))
	copy(out, q.pending)
	return out
}
