// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hostex/pkg/hostexapi"
)

const adminHelpText = `Available commands:
help - Show this help message
status - Show bridge status and conversation information
cleanup - Remove rooms for conversations older than the retention window
debug on/off - Turn debug logging on or off
prefix <new_prefix> - Change the guest name prefix
force_room_creation - Force creation of rooms for all conversations
force_maintenance - Force maintenance tasks`

const conversationHelpText = `Available commands:
!help - Show this help message
!backfill [number] - Backfill messages (default: 20, max: 100)
!messages - Show recent messages stored in the database`

// Commands implements the admin-room and in-room command surface. It is pure
// request/response text formatting over the other components.
type Commands struct {
	cfg      *Config
	log      zerolog.Logger
	store    *Store
	registry *Registry
	rooms    *RoomManager
	api      BookingAPI
	puppet   ChatIntent
	handler  *MessageHandler

	// maintenance triggers the bridge's full maintenance pass. Wired by the
	// bridge.
	maintenance func(ctx context.Context)
	// setDebug toggles debug logging process-wide. Wired by main.
	setDebug func(enabled bool)
}

// NewCommands creates the command handler.
func NewCommands(cfg *Config, store *Store, registry *Registry, rooms *RoomManager, api BookingAPI, puppet ChatIntent, handler *MessageHandler, log zerolog.Logger) *Commands {
	return &Commands{
		cfg:      cfg,
		log:      log.With().Str("component", "commands").Logger(),
		store:    store,
		registry: registry,
		rooms:    rooms,
		api:      api,
		puppet:   puppet,
		handler:  handler,
	}
}

func (c *Commands) reply(ctx context.Context, roomID id.RoomID, text string) {
	if err := c.puppet.SendText(ctx, roomID, text); err != nil {
		c.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send command reply")
	}
}

// HandleAdminCommand processes a command sent to the admin room.
func (c *Commands) HandleAdminCommand(ctx context.Context, roomID id.RoomID, sender id.UserID, message string) {
	command := strings.ToLower(strings.TrimSpace(message))
	c.log.Debug().Stringer("sender", sender).Str("command", command).Msg("Handling admin command")
	switch {
	case command == "help":
		c.reply(ctx, roomID, adminHelpText)
	case command == "status":
		c.sendStatus(ctx, roomID)
	case command == "cleanup":
		removed := c.rooms.LeaveOldRooms(ctx)
		c.reply(ctx, roomID, fmt.Sprintf("Cleanup complete. Removed %d room(s).", removed))
	case strings.HasPrefix(command, "debug"):
		enabled := strings.HasSuffix(command, "on")
		if c.setDebug != nil {
			c.setDebug(enabled)
		}
		state := "off"
		if enabled {
			state = "on"
		}
		c.reply(ctx, roomID, "Debug mode: "+state)
	case strings.HasPrefix(command, "prefix"):
		c.setGuestPrefix(ctx, roomID, strings.TrimSpace(message))
	case command == "force_room_creation":
		c.forceRoomCreation(ctx, roomID)
	case command == "force_maintenance":
		c.reply(ctx, roomID, "Forcing maintenance tasks...")
		if c.maintenance != nil {
			c.maintenance(ctx)
		}
		c.reply(ctx, roomID, "Maintenance tasks completed.")
	default:
		c.reply(ctx, roomID, "Unknown command. Type 'help' for a list of commands.")
	}
}

// HandleConversationCommand processes a !-prefixed command in a bridged room.
func (c *Commands) HandleConversationCommand(ctx context.Context, roomID id.RoomID, message string) {
	command := strings.ToLower(strings.TrimSpace(message))
	switch {
	case command == "!help":
		c.reply(ctx, roomID, conversationHelpText)
	case strings.HasPrefix(command, "!backfill"):
		c.backfill(ctx, roomID, command)
	case command == "!messages":
		c.showRecentMessages(ctx, roomID)
	default:
		c.reply(ctx, roomID, "Unknown command. Type '!help' for a list of commands.")
	}
}

func maskPhone(phone string) string {
	if len(phone) > 4 {
		return "..." + phone[len(phone)-4:]
	}
	return "N/A"
}

func (c *Commands) sendStatus(ctx context.Context, roomID id.RoomID) {
	lastPoll, err := c.store.GetLastPollTime(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to read last poll time")
	}
	var sb strings.Builder
	if lastPoll.IsZero() {
		sb.WriteString("Last poll time: Never\n\n")
	} else {
		fmt.Fprintf(&sb, "Last poll time: %s\n\n", lastPoll.In(c.cfg.DisplayLocation()).Format("2006-01-02 15:04:05"))
	}

	conversations, err := listAllConversations(ctx, c.api)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to list conversations for status")
		c.reply(ctx, roomID, sb.String()+"Failed to fetch conversations: "+err.Error())
		return
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return hostexapi.ParseTimestamp(conversations[i].LastMessageAt).
			After(hostexapi.ParseTimestamp(conversations[j].LastMessageAt))
	})

	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Name\tPhone\tLast Activity\tRoom ID")
	for _, conv := range conversations {
		roomInfo := "Not bridged"
		if state, ok := c.registry.Get(conv.ID); ok {
			roomInfo = string(state.RoomID)
		}
		lastActivity := hostexapi.ParseTimestamp(conv.LastMessageAt).
			In(c.cfg.DisplayLocation()).Format("2006-01-02 15:04:05")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", conv.Guest.Name, maskPhone(conv.Guest.Phone), lastActivity, roomInfo)
	}
	if err = tw.Flush(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to render status table")
	}
	c.reply(ctx, roomID, sb.String())
}

func (c *Commands) setGuestPrefix(ctx context.Context, roomID id.RoomID, message string) {
	parts := strings.SplitN(message, " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		c.reply(ctx, roomID, "Current guest name prefix: "+c.rooms.GuestPrefix())
		return
	}
	prefix := strings.TrimSpace(parts[1])
	c.rooms.SetGuestPrefix(prefix)
	c.reply(ctx, roomID, "Guest name prefix changed to: "+prefix)

	conversations, err := listAllConversations(ctx, c.api)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to list conversations for rename")
		return
	}
	c.rooms.UpdateRoomNames(ctx, conversations)
}

func (c *Commands) forceRoomCreation(ctx context.Context, roomID id.RoomID) {
	c.reply(ctx, roomID, "Forcing room creation for all conversations...")
	conversations, err := listAllConversations(ctx, c.api)
	if err != nil {
		c.reply(ctx, roomID, "Failed to fetch conversations: "+err.Error())
		return
	}
	for _, conv := range conversations {
		newRoomID, created, err := c.rooms.EnsureRoom(ctx, conv.ID, conv.Guest.Name)
		if err != nil {
			c.reply(ctx, roomID, fmt.Sprintf("Error creating room for conversation %s: %v", conv.ID, err))
			continue
		}
		if created {
			c.reply(ctx, roomID, fmt.Sprintf("Created room for %s: %s", conv.Guest.Name, newRoomID))
		}
	}
	c.reply(ctx, roomID, "Forced room creation complete.")
}

func (c *Commands) backfill(ctx context.Context, roomID id.RoomID, command string) {
	conversationID, ok := c.registry.ConversationForRoom(roomID)
	if !ok {
		c.reply(ctx, roomID, "This room is not associated with a Hostex conversation.")
		return
	}
	limit := 20
	if parts := strings.Fields(command); len(parts) > 1 {
		parsed, err := strconv.Atoi(parts[1])
		if err != nil {
			c.reply(ctx, roomID, "Invalid number. Using default of 20 messages.")
		} else {
			limit = min(max(1, parsed), 100)
		}
	}
	delivered := c.handler.Backfill(ctx, conversationID, roomID, limit)
	c.reply(ctx, roomID, fmt.Sprintf("Backfilled %d messages.", delivered))
}

func (c *Commands) showRecentMessages(ctx context.Context, roomID id.RoomID) {
	conversationID, ok := c.registry.ConversationForRoom(roomID)
	if !ok {
		c.reply(ctx, roomID, "This room is not associated with a Hostex conversation.")
		return
	}
	messages, err := c.store.RecentMessages(ctx, conversationID, 100)
	if err != nil {
		c.log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to load recent messages")
		return
	}
	if len(messages) == 0 {
		c.reply(ctx, roomID, "No recent messages found.")
		return
	}
	// RecentMessages returns newest first; display oldest to newest.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	var sb strings.Builder
	sb.WriteString("Recent messages:\n")
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Date\tID\tDirection\tContent")
	for _, msg := range messages {
		direction := "Sent"
		if msg.SenderRole == "guest" {
			direction = "Received"
		}
		content := msg.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		ts := msg.Timestamp.In(c.cfg.DisplayLocation()).Format("2006-01-02 15:04:05")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ts, msg.ID, direction, content)
	}
	if err = tw.Flush(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to render message table")
	}
	c.reply(ctx, roomID, sb.String())
}
