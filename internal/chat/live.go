package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	cherrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin    = 5 * time.Second
	reconnectMax    = 5 * time.Minute
	responseTimeout = 30 * time.Second

	// wsReadLimit bounds inbound frames. Messages are small; history and
	// attachments travel over the REST API, so 4MB is generous headroom.
	wsReadLimit = 4 * 1024 * 1024

	// opChanSize is the buffer size for the channel carrying send/join
	// operations from callers to the event loop.
	opChanSize = 64

	// inboundChanSize is the buffer size for the channel carrying frames
	// from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

var errResponseTimeout = fmt.Errorf("timed out waiting for server response")

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type opKind int

const (
	opSend opKind = iota
	opJoin
)

// liveOp is an operation submitted to the event loop by a caller.
type liveOp struct {
	kind   opKind
	send   ClientSendMessage
	chatID string
	result chan liveResult
}

type liveResult struct {
	conf models.Confirmation
	err  error
}

// wsConn abstracts the WebSocket connection so LiveChannel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Handlers receives server-driven events from the live channel. Callbacks
// run on the event loop goroutine and must not call back into the channel.
type Handlers struct {
	// OnMessage receives broadcast confirmations. The correlation id may
	// be absent on some broadcast paths.
	OnMessage func(models.Confirmation)

	// OnStatus receives delivered/read updates for confirmed messages.
	OnStatus func(models.StatusUpdate)

	// OnConnect fires after every successful connection, including
	// reconnects, once room subscriptions have been replayed.
	OnConnect func()
}

// LiveChannel manages the push-style WebSocket connection to the chat
// server.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) processes inbound frames, caller
// operations (opCh), and heartbeat ticks. All writes to the connection
// happen from the event loop, so no write mutex is needed and a send can
// never deadlock against an inbound broadcast.
type LiveChannel struct {
	conn   wsConn
	logger *slog.Logger

	host   string
	token  string
	sender string
	device string

	handlers Handlers

	// opCh receives send/join operations from caller goroutines.
	// The event loop processes them one at a time.
	opCh chan liveOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// subs is the set of chat rooms this client has joined. Replayed on
	// every reconnect so the connection rejoins the same logical rooms.
	subs   map[string]struct{}
	subsMu sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	// connected signals whether the WebSocket is live. The transport
	// checks this to decide between live delivery and the direct call.
	connected   bool
	connectedMu sync.RWMutex
}

// LiveConfig holds the parameters needed to connect to the chat server.
type LiveConfig struct {
	Host     string
	Token    string
	SenderID string
	Device   string
	Handlers Handlers
}

// NewLiveChannel creates a LiveChannel from the given config.
func NewLiveChannel(cfg LiveConfig, logger *slog.Logger) *LiveChannel {
	return &LiveChannel{
		logger:   logger,
		host:     cfg.Host,
		token:    cfg.Token,
		sender:   cfg.SenderID,
		device:   cfg.Device,
		handlers: cfg.Handlers,
		opCh:     make(chan liveOp, opChanSize),
		subs:     make(map[string]struct{}),
	}
}

// Connect dials the WebSocket, sends init, and waits for auth confirmation.
func (l *LiveChannel) Connect(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	if l.connCancel != nil {
		l.connCancel()
	}

	// A bare host dials wss; an explicit ws:// scheme is allowed for
	// local development servers.
	endpoint := l.host
	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + endpoint
	}

	endpoint += "/sync"
	l.logger.Debug("connecting", slog.String("url", endpoint))

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + l.token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return l.handshake(ctx, conn)
}

// handshake performs the post-dial init/auth sequence. Extracted from
// Connect so the auth logic can be tested with a mock wsConn without
// needing a real network connection.
func (l *LiveChannel) handshake(ctx context.Context, conn wsConn) error {
	l.conn = conn
	l.conn.SetReadLimit(wsReadLimit)
	l.touchLastMessage()

	init := InitMessage{
		Op:     "init",
		Token:  l.token,
		Sender: l.sender,
		Device: l.device,
	}

	if err := l.writeJSON(ctx, init); err != nil {
		l.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	// Read auth response. This happens before Listen starts, so we read
	// directly without going through the event loop.
	var initResp InitResponse
	if err := l.readJSON(ctx, &initResp); err != nil {
		l.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if initResp.Res != "ok" {
		msg := initResp.Msg
		if msg == "" {
			msg = initResp.Res
		}

		l.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s: %w", msg, cherrors.ErrInvalidToken)
	}

	l.logger.Info("live channel authenticated", slog.String("sender", l.sender))

	return nil
}

// Connected reports whether the live channel is currently usable for sends.
func (l *LiveChannel) Connected() bool {
	l.connectedMu.RLock()
	defer l.connectedMu.RUnlock()

	return l.connected
}

func (l *LiveChannel) setConnected(v bool) {
	l.connectedMu.Lock()
	l.connected = v
	l.connectedMu.Unlock()
}

// Subscribe joins a chat room. Idempotent: the room is recorded and joined
// at most once per connection, and every reconnect replays the full set.
func (l *LiveChannel) Subscribe(ctx context.Context, chatID string) {
	l.subsMu.Lock()
	_, already := l.subs[chatID]
	l.subs[chatID] = struct{}{}
	l.subsMu.Unlock()

	if already || !l.Connected() {
		return
	}

	op := liveOp{kind: opJoin, chatID: chatID, result: make(chan liveResult, 1)}

	select {
	case l.opCh <- op:
	case <-ctx.Done():
		return
	}

	select {
	case res := <-op.result:
		if res.err != nil {
			l.logger.Warn("joining room",
				slog.String("chat_id", chatID),
				slog.String("error", res.err.Error()),
			)
		}
	case <-ctx.Done():
	}
}

// Unsubscribe forgets a chat room so it is not rejoined on reconnect.
func (l *LiveChannel) Unsubscribe(chatID string) {
	l.subsMu.Lock()
	delete(l.subs, chatID)
	l.subsMu.Unlock()
}

// Send delivers a message over the live channel and waits for the server's
// acknowledgement carrying the confirmed record. Returns a TransientError
// when the connection is down or the ack does not arrive within the
// bounded wait, signalling the caller to fall back to the direct call.
func (l *LiveChannel) Send(ctx context.Context, msg models.Message) (models.Confirmation, error) {
	if !l.Connected() {
		return models.Confirmation{}, &TransientError{Err: cherrors.ErrNotConnected}
	}

	op := liveOp{
		kind: opSend,
		send: ClientSendMessage{
			Op:             "send",
			ChatID:         msg.ChatID,
			LocalID:        msg.LocalID,
			SenderID:       msg.SenderID,
			Text:           msg.Text,
			AttachmentRef:  msg.AttachmentRef,
			CreatedAtLocal: msg.CreatedAtLocal,
		},
		result: make(chan liveResult, 1),
	}

	select {
	case l.opCh <- op:
	case <-ctx.Done():
		return models.Confirmation{}, ctx.Err()
	}

	select {
	case res := <-op.result:
		return res.conf, res.err
	case <-ctx.Done():
		return models.Confirmation{}, ctx.Err()
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch and conn by value so a stale reader from a
// previous connection can never feed the new channel.
func (l *LiveChannel) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	l.inboundCh = ch
	conn := l.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all writes
// to the connection. Processes inbound frames (broadcasts, status updates,
// acks), caller operations (sends, joins), and heartbeat ticks. Returns
// only on permanent errors or context cancellation.
//
// Listen may be entered without a connection (initial Connect failed or
// was skipped); it then dials itself, so an unreachable server at startup
// only degrades delivery to the direct call instead of stopping the loop.
func (l *LiveChannel) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if l.conn == nil {
			if err := l.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				if isPermanentError(err) {
					return fmt.Errorf("permanent connect error: %w", err)
				}

				l.logger.Warn("connect failed",
					slog.String("error", err.Error()),
					slog.Duration("backoff", backoff),
				)

				if err := l.waitBackoff(ctx, backoff); err != nil {
					return err
				}

				backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

				continue
			}

			l.logger.Info("live channel connected")
		}

		// Fresh connection context and reader for this connection.
		connCtx, connCancel := context.WithCancel(ctx)
		l.connCancel = connCancel
		l.startReader(connCtx)
		l.ready(ctx)

		backoff = reconnectMin

		err := l.eventLoop(ctx, connCtx)

		l.setConnected(false)
		connCancel()

		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		l.conn = nil

		l.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if err := l.waitBackoff(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// waitBackoff sleeps for the backoff plus jitter, or until ctx is done.
func (l *LiveChannel) waitBackoff(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ready marks the connection usable, replays room subscriptions, and
// notifies the session layer so it can resync missed history.
func (l *LiveChannel) ready(ctx context.Context) {
	l.setConnected(true)

	l.subsMu.Lock()
	rooms := make([]string, 0, len(l.subs))
	for chatID := range l.subs {
		rooms = append(rooms, chatID)
	}
	l.subsMu.Unlock()

	for _, chatID := range rooms {
		if err := l.writeJSON(ctx, JoinMessage{Op: "join", ChatID: chatID}); err != nil {
			l.logger.Warn("rejoining room",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()),
			)

			return
		}
	}

	if l.handlers.OnConnect != nil {
		l.handlers.OnConnect()
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, caller operations, and the heartbeat ticker. All writes
// happen here, so no mutex is needed. Returns on read error or context
// cancellation.
func (l *LiveChannel) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-l.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			l.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				l.logger.Debug("unexpected binary frame in event loop", slog.Int("bytes", len(msg.data)))
				continue
			}

			l.handleInbound(msg.data)

		case op := <-l.opCh:
			if err := l.handleOp(ctx, op); err != nil {
				// Connection error during the op. The op already got
				// its result. Return to trigger reconnect.
				return err
			}

		case <-ticker.C:
			l.lastMsgMu.Lock()
			elapsed := time.Since(l.lastMessage)
			l.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				l.logger.Warn("connection timed out, closing")
				l.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := l.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound processes a single inbound text frame from the server.
func (l *LiveChannel) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":

	case "message":
		var bc BroadcastMessage
		if err := json.Unmarshal(data, &bc); err != nil {
			l.logger.Warn("failed to decode broadcast", slog.String("error", err.Error()))
			return
		}

		if l.handlers.OnMessage != nil {
			l.handlers.OnMessage(bc.Message)
		}

	case "status":
		var st StatusMessage
		if err := json.Unmarshal(data, &st); err != nil {
			l.logger.Warn("failed to decode status update", slog.String("error", err.Error()))
			return
		}

		if l.handlers.OnStatus != nil {
			l.handlers.OnStatus(st.Update)
		}

	default:
		// Unexpected frame outside of a send/join exchange.
		l.logger.Debug("unexpected message in event loop", slog.String("op", op))
	}
}

// handleOp executes a caller operation from the event loop. All writes and
// reads happen inline. Returns a connection-level error if the exchange
// fails at the transport level (triggers reconnect). Operation-level
// errors are delivered through op.result only.
func (l *LiveChannel) handleOp(ctx context.Context, op liveOp) error {
	switch op.kind {
	case opJoin:
		err := l.executeJoin(ctx, op.chatID)
		op.result <- liveResult{err: err}

		if err != nil && !errors.Is(err, errResponseTimeout) {
			return err
		}

		return nil

	case opSend:
		conf, err := l.executeSend(ctx, op.send)
		op.result <- liveResult{conf: conf, err: err}

		if err != nil && isConnectionError(err) {
			return err
		}

		return nil

	default:
		op.result <- liveResult{err: fmt.Errorf("unknown op kind %d", op.kind)}
		return nil
	}
}

func (l *LiveChannel) executeJoin(ctx context.Context, chatID string) error {
	if err := l.writeJSON(ctx, JoinMessage{Op: "join", ChatID: chatID}); err != nil {
		return fmt.Errorf("sending join: %w", err)
	}

	if _, err := l.readResponse(ctx); err != nil {
		return err
	}

	l.logger.Debug("joined room", slog.String("chat_id", chatID))

	return nil
}

// executeSend writes the send frame and waits for the server's ack. A
// missing ack within responseTimeout is returned as a TransientError so
// the transport falls back to the direct call; if the server did accept
// the message anyway, the eventual broadcast merges idempotently.
func (l *LiveChannel) executeSend(ctx context.Context, send ClientSendMessage) (models.Confirmation, error) {
	if err := l.writeJSON(ctx, send); err != nil {
		return models.Confirmation{}, fmt.Errorf("sending message: %w", err)
	}

	raw, err := l.readResponse(ctx)
	if err != nil {
		if errors.Is(err, errResponseTimeout) {
			return models.Confirmation{}, &TransientError{Err: cherrors.ErrSendTimeout}
		}

		return models.Confirmation{}, err
	}

	var ack AckMessage
	if err := json.Unmarshal(raw, &ack); err != nil {
		return models.Confirmation{}, fmt.Errorf("decoding ack: %w", err)
	}

	if ack.Err != "" {
		return models.Confirmation{}, fmt.Errorf("server rejected send for %s: %s", send.LocalID, ack.Err)
	}

	if ack.Message == nil || ack.Message.ServerID == "" {
		return models.Confirmation{}, fmt.Errorf("%w: ack missing message", cherrors.ErrAPIResponse)
	}

	conf := *ack.Message
	if conf.LocalID == "" {
		// The ack is a direct response to this send; correlate it even
		// if the server did not echo the id.
		conf.LocalID = send.LocalID
	}

	return conf, nil
}

// readResponse reads from inboundCh until a non-broadcast, non-pong text
// frame arrives (the server's response to our request). Broadcasts and
// status updates that arrive while waiting are dispatched inline, since
// pushes are routed separately from request/response pairs.
func (l *LiveChannel) readResponse(ctx context.Context) (json.RawMessage, error) {
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-l.inboundCh:
			if msg.err != nil {
				return nil, fmt.Errorf("reading response: %w", msg.err)
			}

			l.touchLastMessage()

			// Any frame from the server proves the connection is alive.
			// Reset the timeout so interleaved broadcasts don't eat into
			// the budget meant for detecting a dead connection.
			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}

			timeout.Reset(responseTimeout)

			if msg.typ == websocket.MessageBinary {
				l.logger.Debug("unexpected binary frame waiting for response", slog.Int("bytes", len(msg.data)))
				continue
			}

			op := gjson.GetBytes(msg.data, "op").Str

			if op == "pong" {
				continue
			}

			if op == "message" || op == "status" {
				l.handleInbound(msg.data)
				continue
			}

			return json.RawMessage(msg.data), nil

		case <-timeout.C:
			return nil, errResponseTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *LiveChannel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *LiveChannel) readJSON(ctx context.Context, v any) error {
	_, data, err := l.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	l.touchLastMessage()

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}

	return nil
}

func (l *LiveChannel) touchLastMessage() {
	l.lastMsgMu.Lock()
	l.lastMessage = time.Now()
	l.lastMsgMu.Unlock()
}

// isPermanentError reports whether reconnecting cannot help: the session
// token was rejected, so only the auth collaborator can fix it.
func isPermanentError(err error) bool {
	return errors.Is(err, cherrors.ErrInvalidToken)
}

// isConnectionError distinguishes transport-level failures (which require
// a reconnect) from operation-level failures (server rejection, ack
// timeout) that only affect the one send.
func isConnectionError(err error) bool {
	if errors.Is(err, errResponseTimeout) || IsTransient(err) {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "sending message") ||
		strings.Contains(msg, "sending join") ||
		strings.Contains(msg, "reading response")
}
