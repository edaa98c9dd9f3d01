// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hostex/pkg/hostexapi"
)

// eventDedup is a bounded set of recently seen Matrix event ids. When full,
// the oldest entry is evicted. It is in-memory only: after a restart the same
// event may be handled again within the window, which is accepted.
type eventDedup struct {
	mu    sync.Mutex
	seen  map[id.EventID]struct{}
	order []id.EventID
	next  int
	limit int
}

func newEventDedup(limit int) *eventDedup {
	return &eventDedup{
		seen:  make(map[id.EventID]struct{}, limit),
		order: make([]id.EventID, limit),
		limit: limit,
	}
}

// CheckAndAdd reports whether the event was already seen, recording it if not.
func (d *eventDedup) CheckAndAdd(eventID id.EventID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[eventID]; ok {
		return true
	}
	if evicted := d.order[d.next]; evicted != "" {
		delete(d.seen, evicted)
	}
	d.order[d.next] = eventID
	d.next = (d.next + 1) % d.limit
	d.seen[eventID] = struct{}{}
	return false
}

func (d *eventDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// MessageHandler is the delivery pipeline: the single funnel through which
// both push-origin (Matrix) and poll-origin (Hostex) messages pass before any
// side effect is emitted.
type MessageHandler struct {
	cfg      *Config
	log      zerolog.Logger
	store    *Store
	registry *Registry
	rooms    *RoomManager
	echo     *EchoCache
	api      BookingAPI
	puppet   ChatIntent
	dedup    *eventDedup

	// commands handles admin-room and !-prefixed room commands. Wired by the
	// bridge after construction.
	commands *Commands
}

// recentEventLimit bounds the Matrix event dedup set.
const recentEventLimit = 1000

// NewMessageHandler creates the delivery pipeline.
func NewMessageHandler(cfg *Config, store *Store, registry *Registry, rooms *RoomManager, echo *EchoCache, api BookingAPI, puppet ChatIntent, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		cfg:      cfg,
		log:      log.With().Str("component", "message_handler").Logger(),
		store:    store,
		registry: registry,
		rooms:    rooms,
		echo:     echo,
		api:      api,
		puppet:   puppet,
		dedup:    newEventDedup(recentEventLimit),
	}
}

// HandleMatrixEvent processes one inbound event from the push channel.
// Events sent by the puppet itself and duplicate event ids are dropped. Text
// messages in the admin room are treated as admin commands, !-prefixed texts
// in bridged rooms as conversation commands, and everything else is forwarded
// to the booking side.
func (mh *MessageHandler) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	if evt.Sender == mh.puppet.UserID() {
		return nil
	}
	if mh.dedup.CheckAndAdd(evt.ID) {
		mh.log.Debug().Stringer("event_id", evt.ID).Msg("Skipping already handled event")
		return nil
	}
	if evt.Type != event.EventMessage {
		mh.log.Debug().Str("type", evt.Type.Type).Msg("Ignoring non-message event")
		return nil
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		mh.log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Failed to parse event content")
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return nil
	}
	text := content.Body

	if evt.RoomID == mh.rooms.AdminRoomID() {
		if mh.commands != nil {
			mh.commands.HandleAdminCommand(ctx, evt.RoomID, evt.Sender, text)
		}
		return nil
	}
	if strings.HasPrefix(text, "!") {
		if mh.commands != nil {
			mh.commands.HandleConversationCommand(ctx, evt.RoomID, text)
		}
		return nil
	}
	return mh.sendToBooking(ctx, evt, text)
}

// sendToBooking forwards a Matrix text message to the booking API. The echo
// cache is written only after the send is confirmed.
func (mh *MessageHandler) sendToBooking(ctx context.Context, evt *event.Event, text string) error {
	conversationID, ok := mh.registry.ConversationForRoom(evt.RoomID)
	if !ok {
		mh.log.Error().Stringer("room_id", evt.RoomID).Msg("No conversation mapped to room")
		if err := mh.puppet.SendNotice(ctx, evt.RoomID, "This room is not associated with a Hostex conversation."); err != nil {
			mh.log.Warn().Err(err).Msg("Failed to send unmapped-room notice")
		}
		return nil
	}
	log := mh.log.With().
		Str("conversation_id", conversationID).
		Stringer("room_id", evt.RoomID).
		Logger()
	if err := mh.api.SendMessage(ctx, conversationID, text); err != nil {
		log.Error().Err(err).Msg("Failed to send message to Hostex")
		return fmt.Errorf("failed to send message to hostex: %w", err)
	}
	log.Info().Msg("Forwarded message to Hostex")
	mh.echo.Record(evt.RoomID, text)

	now := time.Now().UTC()
	if err := mh.store.SaveMessage(ctx, &StoredMessage{
		ID:             string(evt.ID),
		ConversationID: conversationID,
		Content:        text,
		Timestamp:      now,
		SenderRole:     "host",
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to store outbound message")
	}
	mh.rooms.RecordDelivery(ctx, conversationID, text, now)
	return nil
}

// HandleBookingMessage delivers one booking-side message into its mapped
// room. It is idempotent on the message id and only records the message as
// processed after the room event is confirmed sent. Suppressed self-echoes
// are recorded as processed without emitting an event, so backfill never
// replays a message the bridge itself sent. The emitted event carries the
// message's original timestamp.
func (mh *MessageHandler) HandleBookingMessage(ctx context.Context, conversationID string, msg hostexapi.Message) error {
	log := mh.log.With().
		Str("conversation_id", conversationID).
		Str("message_id", msg.ID).
		Logger()

	processed, err := mh.store.IsProcessed(ctx, conversationID, msg.ID)
	if err != nil {
		return err
	}
	if processed {
		log.Debug().Msg("Message already delivered, skipping")
		return nil
	}

	state, ok := mh.registry.Get(conversationID)
	if !ok {
		log.Error().Msg("No room mapped for conversation, dropping message")
		return nil
	}
	if mh.echo.ShouldSuppress(state.RoomID, msg.Content) {
		log.Debug().Msg("Suppressing echo of bridge-sent message")
		return mh.store.AddProcessedMessageID(ctx, conversationID, msg.ID)
	}

	ts := hostexapi.ParseTimestamp(msg.CreatedAt)
	if err = mh.rooms.EnsurePuppetInRoom(ctx, state.RoomID); err != nil {
		return fmt.Errorf("failed to ensure puppet in room %s: %w", state.RoomID, err)
	}
	eventID, err := mh.puppet.SendTimestampedText(ctx, state.RoomID, msg.Content, ts)
	if err != nil {
		return fmt.Errorf("failed to send message to room %s: %w", state.RoomID, err)
	}
	log.Info().Stringer("event_id", eventID).Msg("Delivered Hostex message to room")

	if err = mh.store.AddProcessedMessageID(ctx, conversationID, msg.ID); err != nil {
		return err
	}
	role := msg.SenderRole
	if role == "" {
		role = "guest"
	}
	if err = mh.store.SaveMessage(ctx, &StoredMessage{
		ID:             msg.ID,
		ConversationID: conversationID,
		Content:        msg.Content,
		Timestamp:      ts,
		SenderRole:     role,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to store inbound message")
	}
	mh.rooms.RecordDelivery(ctx, conversationID, msg.Content, ts)
	return nil
}

// Backfill replays up to limit recent messages for a conversation through
// the pipeline, oldest first. Already-processed messages are skipped by the
// pipeline's idempotency check.
func (mh *MessageHandler) Backfill(ctx context.Context, conversationID string, roomID id.RoomID, limit int) int {
	messages, err := mh.api.ConversationMessages(ctx, conversationID, limit, "")
	if err != nil {
		mh.log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to fetch messages for backfill")
		return 0
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return hostexapi.ParseTimestamp(messages[i].CreatedAt).Before(hostexapi.ParseTimestamp(messages[j].CreatedAt))
	})
	delivered := 0
	for _, msg := range messages {
		if err = mh.HandleBookingMessage(ctx, conversationID, msg); err != nil {
			mh.log.Error().Err(err).
				Str("conversation_id", conversationID).
				Str("message_id", msg.ID).
				Msg("Failed to backfill message")
			continue
		}
		delivered++
	}
	return delivered
}
