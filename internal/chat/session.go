package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	cherrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Session is the per-chat orchestration unit. Its mutex is the single
// writer boundary for the chat: every mutation of the pending registry and
// the chat's cache entry happens under it, which is what upholds the
// no-duplicate and no-flicker invariants. Delivery I/O runs outside the
// lock so a slow send never blocks a faster one from displaying.
type Session struct {
	chatID string
	m      *Manager

	// initOnce gates init so the session is never used before its
	// history is loaded, even under concurrent first opens.
	initOnce sync.Once

	mu sync.Mutex

	// pending maps outstanding local correlation ids to their messages
	// (Pending and Failed). Entries leave only when a confirmation
	// replaces them or the chat is deleted.
	pending map[string]models.Message

	// Duplicate-submission guard state.
	lastSendText string
	lastSendAt   time.Time

	// resyncLimiter throttles focus-triggered resyncs.
	resyncLimiter *rate.Limiter

	resyncFailures int
}

func newSession(chatID string, m *Manager) *Session {
	return &Session{
		chatID:        chatID,
		m:             m,
		pending:       make(map[string]models.Message),
		resyncLimiter: rate.NewLimiter(rate.Every(focusResyncInterval), 1),
	}
}

// init loads the chat's recent history into the cache, recovers any
// Pending records left by a crash (marked Failed, never assumed
// in-flight), and joins the live-channel room.
func (s *Session) init(ctx context.Context) {
	recovered, err := s.m.cfg.Store.RecoverPending(s.chatID)
	if err != nil {
		s.m.logger.Warn("recovering pending messages",
			slog.String("chat_id", s.chatID),
			slog.String("error", err.Error()),
		)
	}

	msgs, err := s.m.cfg.Store.LoadRecent(s.chatID, s.m.cfg.LoadRecent)
	if err != nil {
		s.m.logger.Warn("loading recent messages",
			slog.String("chat_id", s.chatID),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	for _, msg := range msgs {
		s.m.cfg.Cache.Upsert(s.chatID, msg)

		if !msg.Confirmed() {
			s.pending[msg.LocalID] = msg
		}
	}
	s.mu.Unlock()

	if len(recovered) > 0 {
		s.m.logger.Info("recovered interrupted sends as failed",
			slog.String("chat_id", s.chatID),
			slog.Int("count", len(recovered)),
		)
	}

	if s.m.cfg.Subscribe != nil {
		go s.m.cfg.Subscribe(context.WithoutCancel(ctx), s.chatID)
	}
}

// send creates the Pending placeholder and makes it visible synchronously;
// delivery happens on its own goroutine so the caller returns before any
// network suspension.
func (s *Session) send(ctx context.Context, text, attachmentRef string) (models.Message, error) {
	now := s.m.now()

	s.mu.Lock()

	if text != "" && text == s.lastSendText && now.Sub(s.lastSendAt) < debounceWindow {
		s.mu.Unlock()
		return models.Message{}, cherrors.ErrDuplicateSend
	}

	s.lastSendText = text
	s.lastSendAt = now

	msg := models.Message{
		LocalID:        uuid.NewString(),
		ChatID:         s.chatID,
		SenderID:       s.m.cfg.SenderID,
		Text:           text,
		AttachmentRef:  attachmentRef,
		CreatedAtLocal: now.UnixMilli(),
		Status:         models.StatusPending,
	}

	s.pending[msg.LocalID] = msg
	s.m.cfg.Cache.Upsert(s.chatID, msg)
	s.m.writer.Append(s.chatID, msg)
	s.publishLocked(false)
	s.mu.Unlock()

	go s.deliver(context.WithoutCancel(ctx), msg)

	return msg, nil
}

// retry re-enters Sending for a Failed message, reusing its correlation id.
func (s *Session) retry(ctx context.Context, localID string) error {
	s.mu.Lock()

	msg, ok := s.pending[localID]
	if !ok {
		s.mu.Unlock()
		return cherrors.ErrMessageNotFound
	}

	if msg.Status != models.StatusFailed {
		// Pending retries are no-ops: the original attempt is in flight.
		s.mu.Unlock()
		return nil
	}

	msg.Status = models.StatusPending
	s.pending[localID] = msg
	s.m.cfg.Cache.Upsert(s.chatID, msg)
	s.m.writer.Append(s.chatID, msg)
	s.publishLocked(false)
	s.mu.Unlock()

	go s.deliver(context.WithoutCancel(ctx), msg)

	return nil
}

// deliver runs one delivery attempt: resolve the attachment if present,
// send via the transport, and fold the outcome back in. Runs without the
// session lock; multiple delivers for the same chat may be in flight.
func (s *Session) deliver(ctx context.Context, msg models.Message) {
	ctx, cancel := context.WithTimeout(ctx, sendAttemptTimeout)
	defer cancel()

	wire := msg

	if msg.AttachmentRef != "" {
		url, err := s.m.cfg.Attachments.Resolve(ctx, msg.AttachmentRef)
		if err != nil {
			s.m.logger.Warn("attachment resolution failed",
				slog.String("chat_id", s.chatID),
				slog.String("local_id", msg.LocalID),
				slog.String("error", err.Error()),
			)
			s.markFailed(msg.LocalID)

			return
		}

		wire.AttachmentRef = url
	}

	conf, err := s.m.cfg.Sender.Send(ctx, wire)
	if err != nil {
		s.m.logger.Warn("send failed",
			slog.String("chat_id", s.chatID),
			slog.String("local_id", msg.LocalID),
			slog.String("error", err.Error()),
		)
		s.markFailed(msg.LocalID)

		return
	}

	s.handleConfirmation(conf)
}

// handleConfirmation folds a confirmation from any origin (transport
// response, broadcast, or a race of both) into the chat's state.
// First-confirmed-wins: a duplicate for the same server id merges
// idempotently and the second placeholder lookup finds nothing.
func (s *Session) handleConfirmation(conf models.Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.m.rec.Merge(s.chatID, conf, s.pendingSnapshot(), s.m.now())
	if res.Kind != Unmatched {
		delete(s.pending, res.LocalID)
	}

	s.publishLocked(false)
}

// handleStatus applies a delivered/read update.
func (s *Session) handleStatus(upd models.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m.rec.ApplyStatus(s.chatID, upd) {
		s.publishLocked(false)
	}
}

// mergeBatch folds a resync history batch in and prunes replaced
// placeholders from the registry. Returns the highest server timestamp in
// the batch for the watermark update.
func (s *Session) mergeBatch(confs []models.Confirmation) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced, maxTS := s.m.rec.MergeBatch(s.chatID, confs, s.pendingSnapshot())
	for _, localID := range replaced {
		delete(s.pending, localID)
	}

	if len(confs) > 0 {
		s.publishLocked(false)
	}

	return maxTS
}

// markFailed flips a placeholder to Failed, preserving its content and
// correlation id for retry.
func (s *Session) markFailed(localID string) {
	s.mu.Lock()

	msg, ok := s.pending[localID]
	if !ok || msg.Status != models.StatusPending {
		// Already confirmed by a racing broadcast, or already failed.
		s.mu.Unlock()
		return
	}

	msg.Status = models.StatusFailed
	s.pending[localID] = msg
	s.m.cfg.Cache.Upsert(s.chatID, msg)
	s.m.writer.Append(s.chatID, msg)
	s.publishLocked(false)
	s.mu.Unlock()
}

// resyncFailed counts a failure and reports whether the degraded threshold
// was crossed.
func (s *Session) resyncFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resyncFailures++

	return s.resyncFailures >= resyncFailureThreshold
}

func (s *Session) resyncSucceeded() {
	s.mu.Lock()
	s.resyncFailures = 0
	s.mu.Unlock()
}

// pendingSnapshot returns the registry contents ordered oldest-first, so
// heuristic tie-breaking on registry order is deterministic (FIFO).
// Callers hold s.mu.
func (s *Session) pendingSnapshot() []models.Message {
	msgs := make([]models.Message, 0, len(s.pending))
	for _, m := range s.pending {
		msgs = append(msgs, m)
	}

	sort.Slice(msgs, func(i, j int) bool { return models.Less(msgs[i], msgs[j]) })

	return msgs
}

// publishLocked snapshots the chat's merged state and puts it on the
// update stream. Callers hold s.mu, so snapshots enter the stream in the
// order of the mutations that produced them and a consumer never sees the
// list go backwards.
func (s *Session) publishLocked(degraded bool) {
	s.m.pushUpdate(Update{
		ChatID:         s.chatID,
		Messages:       s.m.cfg.Cache.Get(s.chatID),
		ResyncDegraded: degraded,
	})
}

// publishDegraded reports a degraded resync on the update stream.
func (s *Session) publishDegraded() {
	s.mu.Lock()
	s.publishLocked(true)
	s.mu.Unlock()
}
