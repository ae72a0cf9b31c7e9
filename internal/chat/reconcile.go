package chat

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"golang.org/x/text/unicode/norm"
)

// heuristicWindow is the maximum age of a Pending message for the
// attribute heuristic to consider it a candidate. Kept tight: under rapid
// concurrent sends a generous window risks attributing a confirmation to
// the wrong placeholder.
const heuristicWindow = 30 * time.Second

// MatchKind is how a confirmation was matched against the pending registry.
type MatchKind int

const (
	// Unmatched means no placeholder corresponds to the confirmation.
	// The confirmation is appended as a new message; fabricating a
	// replacement could corrupt an unrelated Pending entry.
	Unmatched MatchKind = iota

	// MatchedByID means the confirmation carried the original local
	// correlation id. This is the only guaranteed-correct path and is
	// always attempted first.
	MatchedByID

	// MatchedByHeuristic means the confirmation was attributed to a
	// placeholder by sender/content comparison. Used only when the
	// correlation id is unavailable (some broadcast paths).
	MatchedByHeuristic
)

// MatchResult is the outcome of matching a confirmation against the
// pending registry.
type MatchResult struct {
	Kind    MatchKind
	LocalID string
}

// Match decides which placeholder (if any) a confirmation replaces. Pure
// decision function with no I/O; the Reconciler performs the cache and
// store mutations based on the result.
//
// Priority order:
//  1. Explicit correlation id, when the confirmation carries one.
//  2. Attribute heuristic: among Pending messages from the same sender
//     created within heuristicWindow of now, the attachment reference
//     must match for attachment messages, otherwise the text must match
//     exactly (NFC-normalized). The most recently created candidate wins;
//     candidates tied on creation time fall back to registry order (FIFO).
//  3. No match: append as new.
func Match(pending []models.Message, conf models.Confirmation, now time.Time) MatchResult {
	// Step 1: explicit correlation id.
	if conf.LocalID != "" {
		for _, m := range pending {
			if m.LocalID == conf.LocalID {
				return MatchResult{Kind: MatchedByID, LocalID: m.LocalID}
			}
		}

		// The id refers to a placeholder we no longer hold (already
		// confirmed via the other transport, or another session's send).
		// Appending is safe: the upsert dedups by server id.
		return MatchResult{Kind: Unmatched}
	}

	// Step 2: attribute heuristic.
	oldest := now.Add(-heuristicWindow).UnixMilli()

	var (
		best      *models.Message
		bestIndex int
	)

	for i := range pending {
		m := &pending[i]

		if m.Status != models.StatusPending || m.SenderID != conf.SenderID || m.CreatedAtLocal < oldest {
			continue
		}

		if conf.AttachmentRef != "" {
			if m.AttachmentRef != conf.AttachmentRef {
				continue
			}
		} else if !textEqual(m.Text, conf.Text) {
			continue
		}

		switch {
		case best == nil:
			best, bestIndex = m, i
		case m.CreatedAtLocal > best.CreatedAtLocal:
			best, bestIndex = m, i
		case m.CreatedAtLocal == best.CreatedAtLocal && i < bestIndex:
			best, bestIndex = m, i
		}
	}

	if best != nil {
		return MatchResult{Kind: MatchedByHeuristic, LocalID: best.LocalID}
	}

	// Step 3: no match.
	return MatchResult{Kind: Unmatched}
}

// textEqual compares message text under NFC normalization, so a
// confirmation round-tripped through the server in a different Unicode
// form still matches its placeholder.
func textEqual(a, b string) bool {
	return norm.NFC.String(a) == norm.NFC.String(b)
}

// Reconciler folds confirmed messages and status updates into the hot
// cache and schedules the corresponding durable writes. Merges are
// idempotent: re-applying a confirmation or batch leaves the cache
// unchanged, and a message's status never moves backwards.
//
// Callers serialize per chat (the session mutex); the reconciler itself
// holds no locks beyond what cache and store provide.
type Reconciler struct {
	cache  *cache.Cache
	writer *store.Writer
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the given cache and store writer.
func NewReconciler(c *cache.Cache, w *store.Writer, logger *slog.Logger) *Reconciler {
	return &Reconciler{cache: c, writer: w, logger: logger}
}

// Merge folds one confirmation into the chat's state. pending is the
// session's current registry snapshot. Returns the match result so the
// caller can drop the replaced entry from its registry.
func (r *Reconciler) Merge(chatID string, conf models.Confirmation, pending []models.Message, now time.Time) MatchResult {
	res := Match(pending, conf, now)
	merged := r.merged(chatID, conf)

	switch res.Kind {
	case MatchedByID, MatchedByHeuristic:
		// Replace the placeholder in place: one critical section, so no
		// reader ever sees both entries or neither.
		r.cache.Replace(chatID, res.LocalID, merged)
		r.persist(chatID, res.LocalID, merged)

	case Unmatched:
		r.cache.Upsert(chatID, merged)
		r.persist(chatID, "", merged)
	}

	return res
}

// MergeBatch folds a resync history batch into the chat's state using the
// id-based path only: the attribute heuristic is never applied to fetched
// history, where a missing correlation id is the norm rather than a
// broadcast quirk. Returns the local ids of replaced placeholders and the
// highest server timestamp seen.
func (r *Reconciler) MergeBatch(chatID string, confs []models.Confirmation, pending []models.Message) (replaced []string, maxTS int64) {
	byLocal := make(map[string]struct{}, len(pending))
	for _, m := range pending {
		byLocal[m.LocalID] = struct{}{}
	}

	for _, conf := range confs {
		merged := r.merged(chatID, conf)

		if conf.LocalID != "" {
			if _, ok := byLocal[conf.LocalID]; ok {
				r.cache.Replace(chatID, conf.LocalID, merged)
				r.persist(chatID, conf.LocalID, merged)
				replaced = append(replaced, conf.LocalID)
				delete(byLocal, conf.LocalID)

				if conf.CreatedAtServer > maxTS {
					maxTS = conf.CreatedAtServer
				}

				continue
			}
		}

		r.cache.Upsert(chatID, merged)
		r.persist(chatID, "", merged)

		if conf.CreatedAtServer > maxTS {
			maxTS = conf.CreatedAtServer
		}
	}

	return replaced, maxTS
}

// ApplyStatus applies a delivered/read update to an already-confirmed
// message. Status changes are id-based (a server id is always present) and
// monotonic: an update that would move the message backwards is ignored.
func (r *Reconciler) ApplyStatus(chatID string, upd models.StatusUpdate) bool {
	existing, ok := r.cache.GetByServerID(chatID, upd.ServerID)
	if !ok {
		// The message may have been evicted or not yet merged; the next
		// resync carries the final status anyway.
		r.logger.Debug("status update for unknown message",
			slog.String("chat_id", chatID),
			slog.String("server_id", upd.ServerID),
		)

		return false
	}

	if upd.Status.Rank() <= existing.Status.Rank() {
		return false
	}

	existing.Status = upd.Status
	r.cache.Upsert(chatID, existing)
	r.persist(chatID, "", existing)

	return true
}

// merged builds the confirmed record to store, preserving a further
// advanced status already in the cache (first-confirmed-wins, duplicate
// or stale confirmations never downgrade).
func (r *Reconciler) merged(chatID string, conf models.Confirmation) models.Message {
	m := conf.Message()

	if existing, ok := r.cache.GetByServerID(chatID, conf.ServerID); ok {
		if existing.Status.Rank() > m.Status.Rank() {
			m.Status = existing.Status
		}
	}

	return m
}

// persist enqueues the durable write for a merged record. The caller does
// not wait; the store writer applies writes in issue order, so this
// Replace can never be overtaken by an earlier Append for the same
// message. A write failure is logged by the writer and the in-memory
// state stays authoritative for the session; the next resync reconciles.
func (r *Reconciler) persist(chatID, oldID string, msg models.Message) {
	r.writer.Replace(chatID, oldID, msg)
}
