package chat

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func pendingAt(localID string, createdAt time.Time) models.Message {
	return models.Message{
		LocalID:        localID,
		ChatID:         "c1",
		SenderID:       "alice",
		Text:           "hello",
		CreatedAtLocal: createdAt.UnixMilli(),
		Status:         models.StatusPending,
	}
}

func TestMatch(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		pending []models.Message
		conf    models.Confirmation
		want    MatchResult
	}{
		{
			name:    "correlation id matches placeholder",
			pending: []models.Message{pendingAt("L1", now), pendingAt("L2", now)},
			conf:    models.Confirmation{ServerID: "S1", LocalID: "L2", SenderID: "alice", Text: "hello"},
			want:    MatchResult{Kind: MatchedByID, LocalID: "L2"},
		},
		{
			name:    "correlation id for unknown placeholder appends as new",
			pending: []models.Message{pendingAt("L1", now)},
			conf:    models.Confirmation{ServerID: "S1", LocalID: "L9", SenderID: "alice", Text: "hello"},
			want:    MatchResult{Kind: Unmatched},
		},
		{
			name:    "heuristic matches same sender and text",
			pending: []models.Message{pendingAt("L1", now.Add(-5 * time.Second))},
			conf:    models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello"},
			want:    MatchResult{Kind: MatchedByHeuristic, LocalID: "L1"},
		},
		{
			name:    "heuristic rejects different sender",
			pending: []models.Message{pendingAt("L1", now)},
			conf:    models.Confirmation{ServerID: "S1", SenderID: "bob", Text: "hello"},
			want:    MatchResult{Kind: Unmatched},
		},
		{
			name:    "heuristic rejects different text",
			pending: []models.Message{pendingAt("L1", now)},
			conf:    models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "goodbye"},
			want:    MatchResult{Kind: Unmatched},
		},
		{
			name:    "heuristic rejects stale placeholder",
			pending: []models.Message{pendingAt("L1", now.Add(-2 * time.Minute))},
			conf:    models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello"},
			want:    MatchResult{Kind: Unmatched},
		},
		{
			name: "heuristic skips non-pending placeholders",
			pending: func() []models.Message {
				m := pendingAt("L1", now)
				m.Status = models.StatusFailed

				return []models.Message{m}
			}(),
			conf: models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello"},
			want: MatchResult{Kind: Unmatched},
		},
		{
			name: "heuristic prefers most recent candidate",
			pending: []models.Message{
				pendingAt("L1", now.Add(-10*time.Second)),
				pendingAt("L2", now.Add(-2*time.Second)),
			},
			conf: models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello"},
			want: MatchResult{Kind: MatchedByHeuristic, LocalID: "L2"},
		},
		{
			name: "heuristic tie falls back to registry order",
			pending: []models.Message{
				pendingAt("L1", now.Add(-2*time.Second)),
				pendingAt("L2", now.Add(-2*time.Second)),
			},
			conf: models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello"},
			want: MatchResult{Kind: MatchedByHeuristic, LocalID: "L1"},
		},
		{
			name: "attachment confirmation matches by reference not text",
			pending: func() []models.Message {
				m := pendingAt("L1", now)
				m.AttachmentRef = "blob-7"
				m.Text = "caption"

				return []models.Message{m}
			}(),
			conf: models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "different caption", AttachmentRef: "blob-7"},
			want: MatchResult{Kind: MatchedByHeuristic, LocalID: "L1"},
		},
		{
			name: "attachment confirmation rejects different reference",
			pending: func() []models.Message {
				m := pendingAt("L1", now)
				m.AttachmentRef = "blob-7"

				return []models.Message{m}
			}(),
			conf: models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello", AttachmentRef: "blob-8"},
			want: MatchResult{Kind: Unmatched},
		},
		{
			name:    "unicode text matches across normalization forms",
			pending: []models.Message{func() models.Message { m := pendingAt("L1", now); m.Text = "café"; return m }()},
			conf:    models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "caf\u00e9"},
			want:    MatchResult{Kind: MatchedByHeuristic, LocalID: "L1"},
		},
		{
			name:    "empty registry",
			pending: nil,
			conf:    models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello"},
			want:    MatchResult{Kind: Unmatched},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pending, tt.conf, now))
		})
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *cache.Cache, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)

	w := store.NewWriter(s, quietLogger)

	t.Cleanup(func() {
		w.Close()
		s.Close()
	})

	c := cache.New(100)

	return NewReconciler(c, w, quietLogger), c, s
}

func TestMergeReplacesPlaceholder(t *testing.T) {
	rec, c, s := newTestReconciler(t)

	now := time.Now()
	placeholder := pendingAt("L1", now)
	c.Upsert("c1", placeholder)
	require.NoError(t, s.Append("c1", placeholder))

	conf := models.Confirmation{
		ServerID:        "S1",
		LocalID:         "L1",
		ChatID:          "c1",
		SenderID:        "alice",
		Text:            "hello",
		CreatedAtServer: now.UnixMilli(),
	}

	res := rec.Merge("c1", conf, []models.Message{placeholder}, now)
	assert.Equal(t, MatchedByID, res.Kind)

	msgs := c.Get("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "S1", msgs[0].ServerID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)

	// Durable write is asynchronous.
	assert.Eventually(t, func() bool {
		stored, err := s.LoadRecent("c1", 0)

		return err == nil && len(stored) == 1 && stored[0].ServerID == "S1"
	}, time.Second, 10*time.Millisecond)
}

func TestMergeIsIdempotent(t *testing.T) {
	rec, c, _ := newTestReconciler(t)

	now := time.Now()
	placeholder := pendingAt("L1", now)
	c.Upsert("c1", placeholder)

	conf := models.Confirmation{
		ServerID:        "S1",
		LocalID:         "L1",
		ChatID:          "c1",
		SenderID:        "alice",
		Text:            "hello",
		CreatedAtServer: now.UnixMilli(),
	}

	rec.Merge("c1", conf, []models.Message{placeholder}, now)

	// The duplicate arrives via the other transport: the placeholder is
	// gone from the registry, so this goes down the unmatched path and
	// dedups by server id.
	rec.Merge("c1", conf, nil, now)

	assert.Len(t, c.Get("c1"), 1)
}

func TestMergeDoesNotDowngradeStatus(t *testing.T) {
	rec, c, _ := newTestReconciler(t)

	now := time.Now()
	conf := models.Confirmation{
		ServerID:        "S1",
		ChatID:          "c1",
		SenderID:        "alice",
		Text:            "hello",
		CreatedAtServer: now.UnixMilli(),
	}

	rec.Merge("c1", conf, nil, now)
	require.True(t, rec.ApplyStatus("c1", models.StatusUpdate{ServerID: "S1", ChatID: "c1", Status: models.StatusRead}))

	// A late duplicate confirmation (status sent) must not regress read.
	rec.Merge("c1", conf, nil, now)

	msg, ok := c.GetByServerID("c1", "S1")
	require.True(t, ok)
	assert.Equal(t, models.StatusRead, msg.Status)
}

func TestMergeBatch(t *testing.T) {
	rec, c, _ := newTestReconciler(t)

	now := time.Now()
	placeholder := pendingAt("L1", now)
	c.Upsert("c1", placeholder)

	confs := []models.Confirmation{
		{ServerID: "S1", LocalID: "L1", SenderID: "alice", Text: "hello", CreatedAtServer: 100},
		{ServerID: "S2", SenderID: "bob", Text: "hi", CreatedAtServer: 200},
		{ServerID: "S3", LocalID: "L9", SenderID: "carol", Text: "yo", CreatedAtServer: 150},
	}

	replaced, maxTS := rec.MergeBatch("c1", confs, []models.Message{placeholder})

	assert.Equal(t, []string{"L1"}, replaced)
	assert.Equal(t, int64(200), maxTS)

	msgs := c.Get("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "S1", msgs[0].Key())
	assert.Equal(t, "S3", msgs[1].Key())
	assert.Equal(t, "S2", msgs[2].Key())
}

func TestMergeBatchIsIdempotent(t *testing.T) {
	rec, c, _ := newTestReconciler(t)

	confs := []models.Confirmation{
		{ServerID: "S1", SenderID: "alice", Text: "hello", CreatedAtServer: 100},
		{ServerID: "S2", SenderID: "bob", Text: "hi", CreatedAtServer: 200},
	}

	rec.MergeBatch("c1", confs, nil)
	rec.MergeBatch("c1", confs, nil)

	assert.Len(t, c.Get("c1"), 2)
}

func TestMergeBatchNeverMatchesByHeuristic(t *testing.T) {
	rec, c, _ := newTestReconciler(t)

	now := time.Now()
	placeholder := pendingAt("L1", now)
	c.Upsert("c1", placeholder)

	// Same sender and text but no correlation id: a history batch must
	// leave the placeholder alone.
	confs := []models.Confirmation{
		{ServerID: "S1", SenderID: "alice", Text: "hello", CreatedAtServer: 100},
	}

	replaced, _ := rec.MergeBatch("c1", confs, []models.Message{placeholder})

	assert.Empty(t, replaced)
	assert.Len(t, c.Get("c1"), 2)
}

func TestApplyStatus(t *testing.T) {
	rec, c, _ := newTestReconciler(t)

	now := time.Now()
	rec.Merge("c1", models.Confirmation{ServerID: "S1", SenderID: "alice", Text: "hello", CreatedAtServer: now.UnixMilli()}, nil, now)

	assert.True(t, rec.ApplyStatus("c1", models.StatusUpdate{ServerID: "S1", Status: models.StatusDelivered}))

	// Backwards transition is ignored.
	assert.False(t, rec.ApplyStatus("c1", models.StatusUpdate{ServerID: "S1", Status: models.StatusSent}))

	// Same rank is ignored.
	assert.False(t, rec.ApplyStatus("c1", models.StatusUpdate{ServerID: "S1", Status: models.StatusDelivered}))

	assert.True(t, rec.ApplyStatus("c1", models.StatusUpdate{ServerID: "S1", Status: models.StatusRead}))

	msg, ok := c.GetByServerID("c1", "S1")
	require.True(t, ok)
	assert.Equal(t, models.StatusRead, msg.Status)
}

func TestApplyStatusUnknownMessage(t *testing.T) {
	rec, _, _ := newTestReconciler(t)

	assert.False(t, rec.ApplyStatus("c1", models.StatusUpdate{ServerID: "S1", Status: models.StatusRead}))
}
