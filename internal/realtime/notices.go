package realtime

import (
	"fmt"
	"sync"
	"time"
)

// NoticeLevel is the severity of a user-visible notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-facing message about the sync layer.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Title   string      `json:"title"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
	Err     error       `json:"-"`
}

// ApplicationError is a server error envelope. RequestID names the command
// (and ledger entry) it refers to, if any.
type ApplicationError struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *ApplicationError) Error() string {
	switch {
	case e.RequestID != "" && e.Code != "":
		return fmt.Sprintf("server error %s for request %s: %s", e.Code, e.RequestID, e.Message)
	case e.RequestID != "":
		return fmt.Sprintf("server error for request %s: %s", e.RequestID, e.Message)
	default:
		return fmt.Sprintf("server error: %s", e.Message)
	}
}

type notifier struct {
	mu     sync.Mutex
	subs   map[int]func(Notice)
	nextID int
}

func (n *notifier) subscribe(fn func(Notice)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Notice))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) publish(notice Notice) {
	n.mu.Lock()
	subs := make([]func(Notice), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(notice)
	}
}
