package chat

import (
	"context"
	"testing"

	cherrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLive struct {
	connected bool
	conf      models.Confirmation
	err       error
	calls     int
}

func (f *fakeLive) Connected() bool { return f.connected }

func (f *fakeLive) Send(_ context.Context, _ models.Message) (models.Confirmation, error) {
	f.calls++

	return f.conf, f.err
}

type fakeDirect struct {
	conf  models.Confirmation
	err   error
	calls int
}

func (f *fakeDirect) SendDirect(_ context.Context, _ models.Message) (models.Confirmation, error) {
	f.calls++

	return f.conf, f.err
}

func TestTransportSend(t *testing.T) {
	msg := models.Message{ChatID: "c1", LocalID: "L1", Text: "hello"}

	tests := []struct {
		name        string
		live        *fakeLive
		direct      *fakeDirect
		wantServer  string
		wantErr     error
		liveCalls   int
		directCalls int
	}{
		{
			name:       "live channel preferred when connected",
			live:       &fakeLive{connected: true, conf: models.Confirmation{ServerID: "S-live"}},
			direct:     &fakeDirect{conf: models.Confirmation{ServerID: "S-direct"}},
			wantServer: "S-live",
			liveCalls:  1,
		},
		{
			name:        "direct call when disconnected",
			live:        &fakeLive{connected: false},
			direct:      &fakeDirect{conf: models.Confirmation{ServerID: "S-direct"}},
			wantServer:  "S-direct",
			directCalls: 1,
		},
		{
			name:        "transient live failure falls back",
			live:        &fakeLive{connected: true, err: &TransientError{Err: cherrors.ErrSendTimeout}},
			direct:      &fakeDirect{conf: models.Confirmation{ServerID: "S-direct"}},
			wantServer:  "S-direct",
			liveCalls:   1,
			directCalls: 1,
		},
		{
			name:      "permanent live failure returned as-is",
			live:      &fakeLive{connected: true, err: cherrors.ErrInvalidToken},
			direct:    &fakeDirect{conf: models.Confirmation{ServerID: "S-direct"}},
			wantErr:   cherrors.ErrInvalidToken,
			liveCalls: 1,
		},
		{
			name:        "direct failure surfaces after fallback",
			live:        &fakeLive{connected: true, err: &TransientError{Err: cherrors.ErrNotConnected}},
			direct:      &fakeDirect{err: cherrors.ErrChatNotFound},
			wantErr:     cherrors.ErrChatNotFound,
			liveCalls:   1,
			directCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(tt.live, tt.direct, quietLogger)

			conf, err := tr.Send(context.Background(), msg)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantServer, conf.ServerID)
			}

			assert.Equal(t, tt.liveCalls, tt.live.calls, "live send calls")
			assert.Equal(t, tt.directCalls, tt.direct.calls, "direct send calls")
		})
	}
}
