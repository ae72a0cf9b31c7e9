package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	cherrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Client talks to the chat REST API: the direct-call send fallback and the
// history endpoint used by resync.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the session token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// SendDirect submits a message via the request/response fallback path.
// The response is a direct confirmation to the caller only (no broadcast
// guarantee), echoing the local correlation id.
func (c *Client) SendDirect(ctx context.Context, msg models.Message) (models.Confirmation, error) {
	body := ClientSendMessage{
		Op:             "send",
		ChatID:         msg.ChatID,
		LocalID:        msg.LocalID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		AttachmentRef:  msg.AttachmentRef,
		CreatedAtLocal: msg.CreatedAtLocal,
	}

	var conf models.Confirmation
	if err := c.doJSON(ctx, http.MethodPost, "/chats/"+url.PathEscape(msg.ChatID)+"/messages", body, &conf); err != nil {
		return models.Confirmation{}, err
	}

	if conf.ServerID == "" {
		return models.Confirmation{}, fmt.Errorf("%w: confirmation missing server id", cherrors.ErrAPIResponse)
	}

	// The direct response is implicitly correlated with the request even
	// when the server omits the echo.
	if conf.LocalID == "" {
		conf.LocalID = msg.LocalID
	}

	return conf, nil
}

// FetchHistory returns confirmed messages for a chat with a server
// timestamp strictly greater than since, oldest first.
func (c *Client) FetchHistory(ctx context.Context, chatID string, since int64) ([]models.Confirmation, error) {
	path := "/chats/" + url.PathEscape(chatID) + "/messages?since=" + strconv.FormatInt(since, 10)

	var confs []models.Confirmation
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &confs); err != nil {
		return nil, err
	}

	return confs, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures are worth retrying.
		return &TransientError{Err: fmt.Errorf("%w: %w", cherrors.ErrAPIRequest, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return cherrors.ErrInvalidToken

	case resp.StatusCode == http.StatusNotFound:
		return cherrors.ErrChatNotFound

	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("%w: status %d", cherrors.ErrAPIRequest, resp.StatusCode)}

	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return fmt.Errorf("%w: status %d", cherrors.ErrAPIResponse, resp.StatusCode)
	}

	if respBody == nil {
		return nil
	}

	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("%w: decoding body: %w", cherrors.ErrAPIResponse, err)
	}

	return nil
}
