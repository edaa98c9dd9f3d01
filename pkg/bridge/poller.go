// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-hostex/pkg/hostexapi"
)

const (
	// conversationPageSize is the page size used when walking the full
	// conversation list.
	conversationPageSize = 100
	// pollMessageLimit is how many messages are fetched per conversation in
	// a poll cycle.
	pollMessageLimit = 20
)

// listAllConversations pages through the booking API's conversation list.
func listAllConversations(ctx context.Context, api BookingAPI) ([]hostexapi.Conversation, error) {
	var all []hostexapi.Conversation
	offset := 0
	for {
		page, err := api.Conversations(ctx, offset, conversationPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < conversationPageSize {
			return all, nil
		}
		offset += len(page)
	}
}

// Poller periodically diffs the booking API against the last-poll watermark
// and feeds new messages into the delivery pipeline. The watermark only
// advances after a fully successful cycle, so a failed cycle is re-covered by
// the next one.
type Poller struct {
	cfg     *Config
	log     zerolog.Logger
	store   *Store
	api     BookingAPI
	rooms   *RoomManager
	handler *MessageHandler

	now func() time.Time
}

// NewPoller creates a poll synchronizer.
func NewPoller(cfg *Config, store *Store, api BookingAPI, rooms *RoomManager, handler *MessageHandler, log zerolog.Logger) *Poller {
	return &Poller{
		cfg:     cfg,
		log:     log.With().Str("component", "poller").Logger(),
		store:   store,
		api:     api,
		rooms:   rooms,
		handler: handler,
		now:     time.Now,
	}
}

// Run polls on the configured interval until ctx is cancelled. Cycle errors
// are logged at the loop boundary; the loop itself never dies.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()
	p.log.Debug().Dur("interval", p.cfg.PollInterval()).Msg("Starting Hostex polling")
	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Msg("Poll cycle failed, watermark not advanced")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single poll cycle: read watermark, select conversations
// with skew-adjusted activity past it, deliver their new messages in
// ascending timestamp order, then advance the watermark to now.
func (p *Poller) PollOnce(ctx context.Context) error {
	watermark, err := p.store.GetLastPollTime(ctx)
	if err != nil {
		return err
	}
	watermark = watermark.UTC()

	conversations, err := listAllConversations(ctx, p.api)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	p.log.Debug().
		Time("watermark", watermark).
		Int("conversations", len(conversations)).
		Msg("Poll cycle started")

	skew := p.cfg.ClockSkew()
	for _, conv := range conversations {
		lastActivity := hostexapi.ParseTimestamp(conv.LastMessageAt).Add(skew)
		if !lastActivity.After(watermark) {
			continue
		}
		if err = p.syncConversation(ctx, conv, watermark, skew); err != nil {
			return fmt.Errorf("failed to sync conversation %s: %w", conv.ID, err)
		}
	}

	if err = p.store.SetLastPollTime(ctx, p.now().UTC()); err != nil {
		return err
	}
	return nil
}

// syncConversation fetches and delivers a single conversation's new messages.
// A delivery failure aborts the cycle so nothing is skipped past.
func (p *Poller) syncConversation(ctx context.Context, conv hostexapi.Conversation, watermark time.Time, skew time.Duration) error {
	log := p.log.With().Str("conversation_id", conv.ID).Logger()

	if _, ok := p.rooms.registry.Get(conv.ID); !ok {
		if _, _, err := p.rooms.EnsureRoom(ctx, conv.ID, conv.Guest.Name); err != nil {
			return fmt.Errorf("failed to create room for new conversation: %w", err)
		}
	}

	messages, err := p.api.ConversationMessages(ctx, conv.ID, pollMessageLimit, "")
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	processed, err := p.store.GetProcessedMessageIDs(ctx, conv.ID)
	if err != nil {
		return err
	}

	var pending []hostexapi.Message
	for _, msg := range messages {
		if _, done := processed[msg.ID]; done {
			continue
		}
		if !hostexapi.ParseTimestamp(msg.CreatedAt).Add(skew).After(watermark) {
			continue
		}
		pending = append(pending, msg)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return hostexapi.ParseTimestamp(pending[i].CreatedAt).Before(hostexapi.ParseTimestamp(pending[j].CreatedAt))
	})

	log.Debug().Int("new_messages", len(pending)).Msg("Delivering new messages")
	for _, msg := range pending {
		if err = p.handler.HandleBookingMessage(ctx, conv.ID, msg); err != nil {
			return err
		}
	}
	return nil
}
