package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "e2e-test-token"

	eventually = 5 * time.Second
	tick       = 10 * time.Millisecond
)

// wsPeer is one connected live-channel client on the fake server, with a
// write mutex so acks and broadcasts never interleave mid-frame.
type wsPeer struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	rooms map[string]bool
}

func (p *wsPeer) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.conn.Write(ctx, websocket.MessageText, data)
}

// fakeChatServer implements enough of the chat server protocol for the
// full client stack: the /sync WebSocket (init, join, send/ack, broadcast)
// and the REST direct-send and history endpoints.
type fakeChatServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	nextID   int64
	messages map[string][]models.Confirmation
	peers    map[*wsPeer]bool

	// omitBroadcastLocalID strips the correlation id from broadcasts,
	// simulating the server paths that do not echo it.
	omitBroadcastLocalID bool
}

func newFakeChatServer(t *testing.T) *fakeChatServer {
	t.Helper()

	s := &fakeChatServer{
		t:        t,
		messages: make(map[string][]models.Confirmation),
		peers:    make(map[*wsPeer]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/chats/", s.handleREST)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

// wsHost returns the host with explicit ws scheme for LiveConfig.Host.
func (s *fakeChatServer) wsHost() string {
	return "ws://" + strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *fakeChatServer) apiURL() string {
	return s.srv.URL
}

// accept assigns a server identity to a send and records it.
func (s *fakeChatServer) accept(send chat.ClientSendMessage) models.Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++

	conf := models.Confirmation{
		ServerID:        fmt.Sprintf("srv-%d", s.nextID),
		LocalID:         send.LocalID,
		ChatID:          send.ChatID,
		SenderID:        send.SenderID,
		Text:            send.Text,
		AttachmentRef:   send.AttachmentRef,
		CreatedAtServer: 1000 + s.nextID,
	}

	s.messages[send.ChatID] = append(s.messages[send.ChatID], conf)

	return conf
}

// broadcast pushes a confirmation to every peer joined to its room.
func (s *fakeChatServer) broadcast(conf models.Confirmation) {
	if s.omitBroadcastLocalID {
		conf.LocalID = ""
	}

	s.mu.Lock()
	var targets []*wsPeer
	for p := range s.peers {
		if p.rooms[conf.ChatID] {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		_ = p.write(context.Background(), chat.BroadcastMessage{Op: "message", Message: conf})
	}
}

// pushStatus sends a delivered/read update to every peer in the room.
func (s *fakeChatServer) pushStatus(upd models.StatusUpdate) {
	s.mu.Lock()
	var targets []*wsPeer
	for p := range s.peers {
		if p.rooms[upd.ChatID] {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		_ = p.write(context.Background(), chat.StatusMessage{Op: "status", Update: upd})
	}
}

func (s *fakeChatServer) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := r.Context()

	// Handshake: read init, verify the token.
	var init chat.InitMessage
	if err := readWS(ctx, conn, &init); err != nil {
		conn.Close(websocket.StatusInternalError, "init read failed")
		return
	}

	peer := &wsPeer{conn: conn, rooms: make(map[string]bool)}

	if init.Token != testToken {
		_ = peer.write(ctx, chat.InitResponse{Res: "error", Msg: "invalid token"})
		conn.Close(websocket.StatusNormalClosure, "auth failed")

		return
	}

	if err := peer.write(ctx, chat.InitResponse{Res: "ok"}); err != nil {
		return
	}

	s.mu.Lock()
	s.peers[peer] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Op {
		case "ping":
			_ = peer.write(ctx, map[string]string{"op": "pong"})

		case "join":
			var join chat.JoinMessage
			if err := json.Unmarshal(data, &join); err != nil {
				continue
			}

			s.mu.Lock()
			peer.rooms[join.ChatID] = true
			s.mu.Unlock()

			_ = peer.write(ctx, chat.AckMessage{Op: "ack"})

		case "send":
			var send chat.ClientSendMessage
			if err := json.Unmarshal(data, &send); err != nil {
				continue
			}

			conf := s.accept(send)

			_ = peer.write(ctx, chat.AckMessage{Op: "ack", Message: &conf})

			// The broadcast goes to everyone in the room, sender included.
			s.broadcast(conf)
		}
	}
}

func (s *fakeChatServer) handleREST(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// /chats/{id}/messages
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[2] != "messages" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	chatID := parts[1]

	switch r.Method {
	case http.MethodPost:
		var send chat.ClientSendMessage
		if err := json.NewDecoder(r.Body).Decode(&send); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		send.ChatID = chatID
		conf := s.accept(send)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(conf)

		s.broadcast(conf)

	case http.MethodGet:
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

		s.mu.Lock()
		var confs []models.Confirmation
		for _, c := range s.messages[chatID] {
			if c.CreatedAtServer > since {
				confs = append(confs, c)
			}
		}
		s.mu.Unlock()

		_ = json.NewEncoder(w).Encode(confs)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func readWS(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

// clientStack is one fully wired client: store, cache, REST client, live
// channel, transport, and manager, assembled the way main.go does it.
type clientStack struct {
	mgr   *chat.Manager
	live  *chat.LiveChannel
	cache *cache.Cache
	store *store.Store
}

// newClientStack builds and connects a client stack for the given sender.
// withLive controls whether the live channel is connected; without it the
// transport always uses the direct call.
func newClientStack(t *testing.T, server *fakeChatServer, senderID string, withLive bool) *clientStack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	messageLog, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)

	t.Cleanup(func() { messageLog.Close() })

	hot := cache.New(100)
	api := chat.NewClient(nil, server.apiURL(), testToken)

	var mgr *chat.Manager

	live := chat.NewLiveChannel(chat.LiveConfig{
		Host:     server.wsHost(),
		Token:    testToken,
		SenderID: senderID,
		Device:   "e2e-" + senderID,
		Handlers: chat.Handlers{
			OnMessage: func(conf models.Confirmation) { mgr.HandleConfirmation(conf) },
			OnStatus:  func(upd models.StatusUpdate) { mgr.HandleStatus(upd) },
			OnConnect: func() { mgr.OnReconnect() },
		},
	}, logger)

	transport := chat.NewTransport(live, api, logger)

	mgr = chat.NewManager(chat.ManagerConfig{
		SenderID:    senderID,
		Cache:       hot,
		Store:       messageLog,
		Sender:      transport,
		History:     api,
		Attachments: chat.PassthroughResolver{},
		Subscribe:   live.Subscribe,
		Unsubscribe: live.Unsubscribe,
	}, logger)

	// Flush queued durable writes before the store closes.
	t.Cleanup(mgr.Close)

	if withLive {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		require.NoError(t, live.Connect(ctx))

		go func() { _ = live.Listen(ctx) }()

		require.Eventually(t, live.Connected, eventually, tick)
	}

	return &clientStack{mgr: mgr, live: live, cache: hot, store: messageLog}
}

// open loads a chat so its session exists and the live room is joined.
func (c *clientStack) open(t *testing.T, chatID string) {
	t.Helper()

	c.mgr.LoadVisible(context.Background(), chatID)
}
