// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// syncProxyPath is the appservice websocket endpoint on the sync proxy.
const syncProxyPath = "/_matrix/client/unstable/fi.mau.as_sync"

// wsTransaction is one inbound batch on the appservice websocket.
type wsTransaction struct {
	Status  string         `json:"status"`
	Command string         `json:"command"`
	ID      int            `json:"id"`
	TxnID   string         `json:"txn_id"`
	Events  []*event.Event `json:"events"`
}

// wsResponse acknowledges a transaction.
type wsResponse struct {
	Command string         `json:"command"`
	ID      int            `json:"id"`
	Data    map[string]any `json:"data"`
}

// EventConsumer maintains the long-lived appservice websocket and feeds
// inbound Matrix events to the delivery pipeline. Each transaction is
// acknowledged once, after every event in it has been handed off; a failing
// event is logged and never wedges the batch. On any transport error the
// connection is torn down and re-dialed after a fixed backoff.
type EventConsumer struct {
	log     zerolog.Logger
	wsURL   string
	token   string
	backoff time.Duration
	handler func(ctx context.Context, evt *event.Event) error
}

// NewEventConsumer creates a consumer for the appservice websocket at the
// given base HTTP(S) address.
func NewEventConsumer(address, asToken string, backoff time.Duration, handler func(ctx context.Context, evt *event.Event) error, log zerolog.Logger) *EventConsumer {
	return &EventConsumer{
		log:     log.With().Str("component", "websocket").Logger(),
		wsURL:   httpToWS(strings.TrimRight(address, "/")) + syncProxyPath,
		token:   asToken,
		backoff: backoff,
		handler: handler,
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// Run connects and reconnects until ctx is cancelled.
func (ec *EventConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := ec.connectAndListen(ctx)
		if ctx.Err() != nil {
			return
		}
		ec.log.Error().Err(err).Dur("backoff", ec.backoff).Msg("Websocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(ec.backoff):
		}
	}
}

func (ec *EventConsumer) connectAndListen(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+ec.token)
	header.Set("X-Mautrix-Websocket-Version", "3")

	ec.log.Info().Str("url", ec.wsURL).Msg("Connecting to appservice websocket")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ec.wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	ec.log.Info().Msg("Websocket connected")

	// Unblock the read loop when shutdown is signaled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var txn wsTransaction
		if err = conn.ReadJSON(&txn); err != nil {
			return err
		}
		if txn.Status != "ok" || txn.Command != "transaction" {
			ec.log.Warn().
				Str("status", txn.Status).
				Str("command", txn.Command).
				Msg("Unhandled websocket command")
			continue
		}
		ec.handleTransaction(ctx, conn, &txn)
	}
}

// handleTransaction dispatches a batch's events in order, then sends a single
// acknowledgement. Per-event handler failures are logged and do not block the
// remaining events or the ack.
func (ec *EventConsumer) handleTransaction(ctx context.Context, conn *websocket.Conn, txn *wsTransaction) {
	log := ec.log.With().Str("txn_id", txn.TxnID).Logger()
	log.Debug().Int("events", len(txn.Events)).Msg("Received websocket transaction")
	for _, evt := range txn.Events {
		if err := ec.handler(ctx, evt); err != nil {
			log.Error().Err(err).Stringer("event_id", evt.ID).Msg("Failed to handle event")
		}
	}
	err := conn.WriteJSON(&wsResponse{
		Command: "response",
		ID:      txn.ID,
		Data:    map[string]any{},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge transaction")
	}
}
