package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	// evictEvery is how often the cache eviction pass runs.
	evictEvery = 5 * time.Minute

	// evictIdleAfter is how long a chat must go unviewed before its
	// confirmed tail is trimmed to the retention window.
	evictIdleAfter = 30 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerHost),
		slog.String("sender", cfg.SenderID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	messageLog, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening message log: %w", err)
	}
	defer messageLog.Close()

	hot := cache.New(cfg.RetainPerChat)
	api := chat.NewClient(nil, cfg.APIBaseURL, cfg.AuthToken)

	// The live channel's handlers close over the manager pointer; the
	// manager is constructed below, before Listen starts delivering events.
	var mgr *chat.Manager

	live := chat.NewLiveChannel(chat.LiveConfig{
		Host:     cfg.ServerHost,
		Token:    cfg.AuthToken,
		SenderID: cfg.SenderID,
		Device:   cfg.DeviceName,
		Handlers: chat.Handlers{
			OnMessage: func(conf models.Confirmation) { mgr.HandleConfirmation(conf) },
			OnStatus:  func(upd models.StatusUpdate) { mgr.HandleStatus(upd) },
			OnConnect: func() { mgr.OnReconnect() },
		},
	}, logger)

	transport := chat.NewTransport(live, api, logger)

	mgr = chat.NewManager(chat.ManagerConfig{
		SenderID:    cfg.SenderID,
		Cache:       hot,
		Store:       messageLog,
		Sender:      transport,
		History:     api,
		Attachments: chat.PassthroughResolver{},
		Subscribe:   live.Subscribe,
		Unsubscribe: live.Unsubscribe,
	}, logger)

	defer mgr.Close()

	// An unreachable server at startup is degraded operation, not a fatal
	// error: sends fall back to the direct call and Listen keeps dialing
	// with backoff.
	if err := live.Connect(ctx); err != nil {
		logger.Warn("initial live connect failed, starting degraded",
			slog.String("error", err.Error()),
		)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return live.Listen(gctx)
	})

	g.Go(func() error {
		return runEviction(gctx, hot, logger)
	})

	g.Go(func() error {
		return drainUpdates(gctx, mgr, logger)
	})

	return g.Wait()
}

// runEviction periodically trims idle chats' confirmed history down to the
// retention window.
func runEviction(ctx context.Context, hot *cache.Cache, logger *slog.Logger) error {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := hot.TrimIdle(evictIdleAfter); n > 0 {
				stats := hot.Stats()
				logger.Debug("cache eviction pass",
					slog.Int("evicted", n),
					slog.Int("chats", stats.Chats),
					slog.Int("messages", stats.Messages),
				)
			}
		}
	}
}

// drainUpdates consumes the merged-state stream. In daemon mode there is
// no UI attached; updates are logged at debug so an operator can follow
// merge activity.
func drainUpdates(ctx context.Context, mgr *chat.Manager, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-mgr.Updates():
			logger.Debug("state update",
				slog.String("chat_id", u.ChatID),
				slog.Int("messages", len(u.Messages)),
				slog.Bool("resync_degraded", u.ResyncDegraded),
			)
		}
	}
}
