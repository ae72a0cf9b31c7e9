package store

import (
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// writerQueueSize bounds the durable-write queue. Writes are small bbolt
// transactions, so the queue only fills when the disk stalls; enqueueing
// then blocks until the drain catches up rather than dropping a write.
const writerQueueSize = 256

type writeOp struct {
	chatID  string
	oldID   string
	msg     models.Message
	replace bool
}

// Writer serializes durable writes behind a single goroutine so records
// land in the log in the order they were issued. The interactive path
// enqueues and moves on; a confirmation's Replace can therefore never be
// overtaken by the Append of the placeholder it supersedes, which would
// leave a stale Pending record to resurrect after a restart. Write errors
// are logged and non-fatal.
type Writer struct {
	store  *Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	ops  chan writeOp
	done chan struct{}
}

// NewWriter starts the write queue over the given store.
func NewWriter(s *Store, logger *slog.Logger) *Writer {
	w := &Writer{
		store:  s,
		logger: logger,
		ops:    make(chan writeOp, writerQueueSize),
		done:   make(chan struct{}),
	}

	go w.drain()

	return w
}

// Append enqueues a put of msg under its current identity.
func (w *Writer) Append(chatID string, msg models.Message) {
	w.enqueue(writeOp{chatID: chatID, msg: msg})
}

// Replace enqueues the removal of the record under oldID and a put of msg
// under its current identity.
func (w *Writer) Replace(chatID, oldID string, msg models.Message) {
	w.enqueue(writeOp{chatID: chatID, oldID: oldID, msg: msg, replace: true})
}

// Close flushes queued writes and stops the drain goroutine. Enqueues
// after Close are dropped. Safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}

	w.closed = true
	close(w.ops)
	w.mu.Unlock()

	<-w.done
}

func (w *Writer) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}

	w.ops <- op
}

func (w *Writer) drain() {
	defer close(w.done)

	for op := range w.ops {
		var err error
		if op.replace {
			err = w.store.Replace(op.chatID, op.oldID, op.msg)
		} else {
			err = w.store.Append(op.chatID, op.msg)
		}

		if err != nil {
			w.logger.Warn("durable write failed",
				slog.String("chat_id", op.chatID),
				slog.String("id", op.msg.Key()),
				slog.String("error", err.Error()),
			)
		}
	}
}
