package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"golang.org/x/sync/singleflight"
)

const (
	// debounceWindow suppresses a second send of identical text in the
	// same chat. Protects against accidental double-taps, not a protocol
	// correctness requirement.
	debounceWindow = 2 * time.Second

	// sendAttemptTimeout bounds one delivery attempt across both
	// transports before the message is marked Failed.
	sendAttemptTimeout = 60 * time.Second

	// focusResyncInterval is the minimum spacing between resyncs
	// triggered by focus events. Pull-to-refresh bypasses it.
	focusResyncInterval = 10 * time.Second

	// resyncFailureThreshold is how many consecutive resync failures are
	// retried silently before the UI is told to show an indicator.
	resyncFailureThreshold = 3

	// defaultLoadRecent is how many messages are loaded from the durable
	// log into the cache when a chat's session is first opened.
	defaultLoadRecent = 100

	// updatesChanSize buffers the merged-state update stream. When the
	// consumer falls behind, the oldest snapshot is dropped: every update
	// carries the full list, so only the newest matters.
	updatesChanSize = 64
)

// Sender delivers a message and returns the server's confirmation.
// Implemented by Transport.
type Sender interface {
	Send(ctx context.Context, msg models.Message) (models.Confirmation, error)
}

// HistoryFetcher returns confirmed messages newer than the given cursor.
// Implemented by Client.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, chatID string, since int64) ([]models.Confirmation, error)
}

// AttachmentResolver is the upload collaborator: it turns an opaque
// attachment reference into a durable URL before the send goes out.
type AttachmentResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Update is one merged-state snapshot delivered to the UI layer.
type Update struct {
	ChatID   string
	Messages []models.Message

	// ResyncDegraded is set when background resync has failed repeatedly
	// and the UI should show a non-blocking indicator.
	ResyncDegraded bool
}

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	SenderID string

	// LoadRecent caps how much history is loaded into the cache when a
	// session opens. Zero means defaultLoadRecent.
	LoadRecent int

	Cache       *cache.Cache
	Store       *store.Store
	Sender      Sender
	History     HistoryFetcher
	Attachments AttachmentResolver

	// Subscribe joins the live-channel room for a chat. May be nil in
	// tests. Must be idempotent (the live channel's Subscribe is).
	Subscribe func(ctx context.Context, chatID string)

	// Unsubscribe forgets the live-channel room on chat deletion.
	Unsubscribe func(chatID string)
}

// Manager owns one session per chat and exposes the engine's public API
// to the UI layer. Sessions serialize all mutation of their chat's state;
// the manager itself only guards the session map, so operations on
// different chats run fully in parallel.
type Manager struct {
	cfg    ManagerConfig
	rec    *Reconciler
	writer *store.Writer
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// resyncs coalesces concurrent resync triggers per chat: at most one
	// fetch in flight, extra triggers join it rather than queue.
	resyncs singleflight.Group

	updates chan Update

	now func() time.Time
}

// NewManager creates the session manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.LoadRecent <= 0 {
		cfg.LoadRecent = defaultLoadRecent
	}

	writer := store.NewWriter(cfg.Store, logger)

	return &Manager{
		cfg:      cfg,
		rec:      NewReconciler(cfg.Cache, writer, logger),
		writer:   writer,
		logger:   logger,
		sessions: make(map[string]*Session),
		updates:  make(chan Update, updatesChanSize),
		now:      time.Now,
	}
}

// Close flushes queued durable writes and stops the store writer. Call
// before closing the store.
func (m *Manager) Close() {
	m.writer.Close()
}

// Updates returns the merged-state update stream consumed by the UI layer.
func (m *Manager) Updates() <-chan Update {
	return m.updates
}

// Send creates a Pending message, makes it visible immediately, and
// delivers it in the background. Returns the placeholder so the UI can
// track it by local id.
func (m *Manager) Send(ctx context.Context, chatID, text, attachmentRef string) (models.Message, error) {
	return m.session(ctx, chatID).send(ctx, text, attachmentRef)
}

// Retry re-submits a Failed message, reusing its original correlation id
// so an already-in-flight confirmation from the first attempt can still
// match it.
func (m *Manager) Retry(ctx context.Context, chatID, localID string) error {
	return m.session(ctx, chatID).retry(ctx, localID)
}

// LoadVisible returns the chat's current merged, ordered message list.
func (m *Manager) LoadVisible(ctx context.Context, chatID string) []models.Message {
	// Opening the session loads recent history into the cache on first use.
	m.session(ctx, chatID)

	return m.cfg.Cache.Get(chatID)
}

// OnFocus marks the chat as viewed and triggers a background resync,
// throttled so rapid focus flapping does not hammer the history endpoint.
func (m *Manager) OnFocus(ctx context.Context, chatID string) {
	m.cfg.Cache.Touch(chatID)
	m.resync(ctx, chatID, false)
}

// OnPullToRefresh triggers an immediate background resync (still coalesced
// with any resync already in flight).
func (m *Manager) OnPullToRefresh(ctx context.Context, chatID string) {
	m.cfg.Cache.Touch(chatID)
	m.resync(ctx, chatID, true)
}

// HandleConfirmation folds a server confirmation (broadcast or transport
// response) into the owning chat's state. Safe to call from any goroutine.
func (m *Manager) HandleConfirmation(conf models.Confirmation) {
	if conf.ChatID == "" || conf.ServerID == "" {
		m.logger.Warn("dropping malformed confirmation",
			slog.String("chat_id", conf.ChatID),
			slog.String("server_id", conf.ServerID),
		)

		return
	}

	m.session(context.Background(), conf.ChatID).handleConfirmation(conf)
}

// HandleStatus applies a delivered/read update to the owning chat.
func (m *Manager) HandleStatus(upd models.StatusUpdate) {
	if upd.ChatID == "" || upd.ServerID == "" {
		return
	}

	m.session(context.Background(), upd.ChatID).handleStatus(upd)
}

// OnReconnect resyncs every open chat. Wired to the live channel's
// OnConnect handler: a reconnect means broadcasts may have been missed.
func (m *Manager) OnReconnect() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, chatID := range ids {
		m.resync(context.Background(), chatID, true)
	}
}

// DeleteChat removes a chat everywhere: session, cache, durable log, and
// live-channel room.
func (m *Manager) DeleteChat(chatID string) error {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()

	if m.cfg.Unsubscribe != nil {
		m.cfg.Unsubscribe(chatID)
	}

	m.cfg.Cache.Drop(chatID)

	return m.cfg.Store.DeleteChat(chatID)
}

// session returns the chat's session, creating and initializing it on
// first use.
func (m *Manager) session(ctx context.Context, chatID string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[chatID]
	if !ok {
		s = newSession(chatID, m)
		m.sessions[chatID] = s
	}
	m.mu.Unlock()

	// Every caller passes through the Once, so a concurrent open blocks
	// until history is loaded instead of operating on an empty session.
	s.initOnce.Do(func() { s.init(ctx) })

	return s
}

// resync triggers a background resync for a chat. Coalesced per chat via
// singleflight; throttled for non-forced (focus) triggers.
func (m *Manager) resync(ctx context.Context, chatID string, force bool) {
	s := m.session(ctx, chatID)

	if !force && !s.resyncLimiter.Allow() {
		return
	}

	// Concurrent triggers join the in-flight fetch and are dropped
	// rather than queued; nobody waits on the result channel.
	m.resyncs.DoChan(chatID, func() (any, error) {
		m.doResync(context.WithoutCancel(ctx), s)

		return nil, nil
	})
}

// doResync fetches authoritative history since the chat's watermark and
// merges it. Pending/Failed entries are never touched: merging only adds
// or replaces-by-id, so a resync can never shrink the visible list.
func (m *Manager) doResync(ctx context.Context, s *Session) {
	chatID := s.chatID

	since, err := m.cfg.Store.Watermark(chatID)
	if err != nil {
		m.logger.Warn("reading watermark",
			slog.String("chat_id", chatID),
			slog.String("error", err.Error()),
		)
	}

	confs, err := m.cfg.History.FetchHistory(ctx, chatID, since)
	if err != nil {
		degraded := s.resyncFailed()
		m.logger.Warn("resync failed",
			slog.String("chat_id", chatID),
			slog.Bool("degraded", degraded),
			slog.String("error", err.Error()),
		)

		if degraded {
			s.publishDegraded()
		}

		return
	}

	maxTS := s.mergeBatch(confs)

	if maxTS > since {
		if err := m.cfg.Store.SetWatermark(chatID, maxTS); err != nil {
			m.logger.Warn("updating watermark",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.resyncSucceeded()

	m.logger.Debug("resync complete",
		slog.String("chat_id", chatID),
		slog.Int("fetched", len(confs)),
		slog.Int64("watermark", maxTS),
	)
}

// pushUpdate puts a snapshot onto the update stream without ever blocking
// the engine: if the consumer is behind, the oldest snapshot is dropped to
// make room. Sessions take the snapshot under their mutex, so snapshots
// enter the stream in mutation order and the stream never goes backwards.
func (m *Manager) pushUpdate(u Update) {
	select {
	case m.updates <- u:
		return
	default:
	}

	select {
	case <-m.updates:
	default:
	}

	select {
	case m.updates <- u:
	default:
	}
}
