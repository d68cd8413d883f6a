package client

import (
	"sync"

	"chat-core/internal/models"
)

// OpKind identifies what a queued operation does when replayed.
type OpKind int

const (
	OpJoin OpKind = iota
	OpSubscribeMessages
	OpSubscribeErrors
)

// PendingOperation is an operation requested before the connection was ready.
type PendingOperation struct {
	Kind      OpKind
	RoomID    int64
	OnMessage func(models.Message)
	OnError   func(models.ErrorPayload)
}

// PendingOperationQueue buffers operations in FIFO order until Drain hands
// them out, each exactly once.
type PendingOperationQueue struct {
	mu  sync.Mutex
	ops []PendingOperation
}

func NewPendingOperationQueue() *PendingOperationQueue {
	return &PendingOperationQueue{}
}

func (q *PendingOperationQueue) Enqueue(op PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
}

// CancelJoin drops every queued join for roomID and reports whether any
// were removed.
func (q *PendingOperationQueue) CancelJoin(roomID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ops[:0]
	removed := false
	for _, op := range q.ops {
		if op.Kind == OpJoin && op.RoomID == roomID {
			removed = true
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(q.ops); i++ {
		q.ops[i] = PendingOperation{}
	}
	q.ops = kept
	return removed
}

// Drain returns all queued operations in enqueue order and empties the queue.
func (q *PendingOperationQueue) Drain() []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.ops
	q.ops = nil
	return ops
}

func (q *PendingOperationQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
}

func (q *PendingOperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
