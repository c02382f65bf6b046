package connection

import "tradedesk-sync/internal/wire"

// OutboundMessage is a command waiting for a live connection.
type OutboundMessage struct {
	Envelope wire.Envelope
	Data     []byte
}

// Queue is the FIFO of outbound messages. It is not safe for concurrent use;
// the Manager guards it with its own lock.
type Queue struct {
	items []OutboundMessage
}

func (q *Queue) Push(msg OutboundMessage) {
	q.items = append(q.items, msg)
}

// Peek returns the oldest message without removing it.
func (q *Queue) Peek() (OutboundMessage, bool) {
	if len(q.items) == 0 {
		return OutboundMessage{}, false
	}
	return q.items[0], true
}

// Pop removes the oldest message.
func (q *Queue) Pop() (OutboundMessage, bool) {
	msg, ok := q.Peek()
	if !ok {
		return msg, false
	}
	q.items[0] = OutboundMessage{}
	q.items = q.items[1:]
	return msg, true
}

func (q *Queue) Len() int { return len(q.items) }

// Clear drops every queued message and returns them in submission order.
func (q *Queue) Clear() []OutboundMessage {
	dropped := q.items
	q.items = nil
	return dropped
}

// Types lists the queued envelope types in submission order.
func (q *Queue) Types() []string {
	types := make([]string, len(q.items))
	for i, msg := range q.items {
		types[i] = msg.Envelope.Type
	}
	return types
}
