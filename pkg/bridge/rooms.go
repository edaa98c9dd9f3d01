// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hostex/pkg/hostexapi"
)

// adminRoomKey is the reserved room_states key for the admin room mapping.
const adminRoomKey = "admin_room"

// RoomManager owns the conversation↔room registry and everything that
// mutates it: room creation, puppet membership, retention, and discovery of
// new conversations.
type RoomManager struct {
	cfg      *Config
	log      zerolog.Logger
	store    *Store
	registry *Registry
	api      BookingAPI
	puppet   ChatIntent
	bot      ChatIntent
	operator id.UserID

	// backfill is called after a room is freshly created to replay recent
	// history into it. Wired by the bridge to avoid a manager↔pipeline cycle.
	backfill func(ctx context.Context, conversationID string, roomID id.RoomID)

	adminRoomMu sync.RWMutex
	adminRoomID id.RoomID

	prefixMu    sync.RWMutex
	guestPrefix string

	// createLocks serializes room creation per conversation id; the registry
	// check-then-create would otherwise race and mint two rooms.
	createMu    sync.Mutex
	createLocks map[string]*sync.Mutex
}

// NewRoomManager creates a room manager.
func NewRoomManager(cfg *Config, store *Store, registry *Registry, api BookingAPI, puppet, bot ChatIntent, log zerolog.Logger) *RoomManager {
	return &RoomManager{
		cfg:         cfg,
		log:         log.With().Str("component", "room_manager").Logger(),
		store:       store,
		registry:    registry,
		api:         api,
		puppet:      puppet,
		bot:         bot,
		operator:    cfg.User.UserID,
		guestPrefix: cfg.Bridge.GuestPrefix,
		createLocks: make(map[string]*sync.Mutex),
	}
}

// AdminRoomID returns the admin room, if one exists yet.
func (rm *RoomManager) AdminRoomID() id.RoomID {
	rm.adminRoomMu.RLock()
	defer rm.adminRoomMu.RUnlock()
	return rm.adminRoomID
}

// GuestPrefix returns the current room-name prefix.
func (rm *RoomManager) GuestPrefix() string {
	rm.prefixMu.RLock()
	defer rm.prefixMu.RUnlock()
	return rm.guestPrefix
}

// SetGuestPrefix changes the room-name prefix used for new and renamed rooms.
func (rm *RoomManager) SetGuestPrefix(prefix string) {
	rm.prefixMu.Lock()
	defer rm.prefixMu.Unlock()
	rm.guestPrefix = prefix
}

// RoomName renders the display name for a guest's room.
func (rm *RoomManager) RoomName(guestName string) string {
	return fmt.Sprintf("%s %s", rm.GuestPrefix(), guestName)
}

// LoadRoomStates hydrates the in-memory registry from the store.
func (rm *RoomManager) LoadRoomStates(ctx context.Context) error {
	states, err := rm.store.LoadRoomStates(ctx)
	if err != nil {
		return err
	}
	for _, state := range states {
		if state.ConversationID == adminRoomKey {
			rm.adminRoomMu.Lock()
			rm.adminRoomID = state.RoomID
			rm.adminRoomMu.Unlock()
			continue
		}
		rm.registry.Upsert(*state)
	}
	rm.log.Info().Int("conversations", rm.registry.Len()).Msg("Loaded room registry")
	return nil
}

// EnsureAdminRoom creates the admin room if it doesn't exist yet and posts an
// online notice either way.
func (rm *RoomManager) EnsureAdminRoom(ctx context.Context) error {
	if rm.AdminRoomID() == "" {
		roomID, err := rm.puppet.CreateRoom(ctx, "Hostex Admin")
		if err != nil {
			return fmt.Errorf("failed to create admin room: %w", err)
		}
		if err = rm.puppet.InviteUser(ctx, roomID, rm.cfg.Admin.UserID); err != nil {
			rm.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to invite admin to admin room")
		}
		if err = rm.store.SaveRoomState(ctx, &RoomState{ConversationID: adminRoomKey, RoomID: roomID}); err != nil {
			return err
		}
		rm.adminRoomMu.Lock()
		rm.adminRoomID = roomID
		rm.adminRoomMu.Unlock()
		rm.log.Info().Stringer("room_id", roomID).Msg("Created admin room")
	}
	if err := rm.puppet.SendText(ctx, rm.AdminRoomID(), "Bridge is online, type 'help' for a list of commands."); err != nil {
		rm.log.Warn().Err(err).Msg("Failed to send online notice to admin room")
	}
	return nil
}

func (rm *RoomManager) creationLock(conversationID string) *sync.Mutex {
	rm.createMu.Lock()
	defer rm.createMu.Unlock()
	lock, ok := rm.createLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		rm.createLocks[conversationID] = lock
	}
	return lock
}

// EnsureRoom returns the room for a conversation, creating one if no mapping
// exists. Creation is serialized per conversation id, so concurrent callers
// get the same room and exactly one of them sees created=true. Failing to
// invite the operator is logged but does not fail creation.
func (rm *RoomManager) EnsureRoom(ctx context.Context, conversationID, guestName string) (id.RoomID, bool, error) {
	lock := rm.creationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if state, ok := rm.registry.Get(conversationID); ok {
		return state.RoomID, false, nil
	}

	name := rm.RoomName(guestName)
	log := rm.log.With().Str("conversation_id", conversationID).Logger()
	log.Debug().Str("name", name).Msg("Creating room for conversation")
	roomID, err := rm.puppet.CreateRoom(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("failed to create room: %w", err)
	}
	log.Info().Stringer("room_id", roomID).Msg("Created room for conversation")

	if err = rm.EnsurePuppetInRoom(ctx, roomID); err != nil {
		return "", false, fmt.Errorf("failed to ensure puppet membership in new room: %w", err)
	}
	if err = rm.puppet.InviteUser(ctx, roomID, rm.operator); err != nil {
		log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to invite operator to new room")
	}

	state := RoomState{ConversationID: conversationID, RoomID: roomID}
	if err = rm.store.SaveRoomState(ctx, &state); err != nil {
		return "", false, err
	}
	rm.registry.Upsert(state)
	return roomID, true, nil
}

// EnsurePuppetInRoom makes sure the bridging identity is joined to a room
// before anything is delivered there. The escalation is strictly linear:
//
//	1. membership query   -> already joined: done
//	2. query forbidden/failed: fall through optimistically
//	3. direct join        -> success: done (after power level repair)
//	4. forbidden: invite from the bot, retry join once
//	5. still failing: fatal for this delivery attempt
//	6. joined via 3 or 4: repair power levels so the puppet holds the top level
func (rm *RoomManager) EnsurePuppetInRoom(ctx context.Context, roomID id.RoomID) error {
	log := rm.log.With().Stringer("room_id", roomID).Logger()
	puppetID := rm.puppet.UserID()

	members, err := rm.puppet.JoinedMembers(ctx, roomID)
	if err != nil {
		if isForbidden(err) {
			log.Warn().Msg("Puppet is not allowed to query members, attempting join")
		} else {
			log.Warn().Err(err).Msg("Failed to query members, attempting join")
		}
	} else if _, joined := members[puppetID]; joined {
		return nil
	}

	err = rm.puppet.JoinRoom(ctx, roomID)
	if err == nil {
		log.Info().Msg("Puppet joined room directly")
		rm.repairPowerLevels(ctx, roomID)
		return nil
	}
	if !isForbidden(err) {
		return fmt.Errorf("failed to join room: %w", err)
	}
	log.Warn().Msg("Direct join forbidden, inviting puppet from the bot")

	if err = rm.bot.InviteUser(ctx, roomID, puppetID); err != nil {
		return fmt.Errorf("failed to invite puppet: %w", err)
	}
	if err = rm.puppet.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join room after invite: %w", err)
	}
	log.Info().Msg("Puppet joined room after invite")
	rm.repairPowerLevels(ctx, roomID)
	return nil
}

// repairPowerLevels raises the puppet above every other user in the room so
// later state changes don't hit permission errors. Failures here are logged,
// not fatal: the puppet is already joined and can deliver messages.
func (rm *RoomManager) repairPowerLevels(ctx context.Context, roomID id.RoomID) {
	levels, err := rm.puppet.PowerLevels(ctx, roomID)
	if err != nil {
		rm.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to fetch power levels")
		return
	}
	puppetID := rm.puppet.UserID()
	highest := levels.UsersDefault
	for _, level := range levels.Users {
		if level > highest {
			highest = level
		}
	}
	if levels.GetUserLevel(puppetID) >= highest {
		return
	}
	levels.SetUserLevel(puppetID, highest+1)
	if err = rm.puppet.SetPowerLevels(ctx, roomID, levels); err != nil {
		rm.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to update power levels")
		return
	}
	rm.log.Info().Stringer("room_id", roomID).Msg("Raised puppet power level")
}

// RecordDelivery updates the mapping's last-message fields after a successful
// delivery in either direction, write-through to the store.
func (rm *RoomManager) RecordDelivery(ctx context.Context, conversationID, text string, ts time.Time) {
	state, ok := rm.registry.Get(conversationID)
	if !ok {
		return
	}
	state.LastMessage = text
	state.LastMessageTime = ts.UTC()
	if err := rm.store.SaveRoomState(ctx, &state); err != nil {
		rm.log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist last-message update")
		return
	}
	rm.registry.Upsert(state)
}

// LeaveOldRooms unbridges every conversation whose last activity is older
// than the retention window: the puppet leaves the room (best effort) and the
// mapping is deleted. Returns the number of removed conversations.
func (rm *RoomManager) LeaveOldRooms(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-rm.cfg.Retention())
	removed := 0
	for _, state := range rm.registry.Snapshot() {
		if state.LastMessageTime.IsZero() || !state.LastMessageTime.Before(cutoff) {
			continue
		}
		log := rm.log.With().
			Str("conversation_id", state.ConversationID).
			Stringer("room_id", state.RoomID).
			Logger()
		if err := rm.puppet.LeaveRoom(ctx, state.RoomID); err != nil {
			log.Warn().Err(err).Msg("Failed to leave stale room")
		}
		if err := rm.store.DeleteRoomState(ctx, state.ConversationID); err != nil {
			log.Error().Err(err).Msg("Failed to delete stale mapping")
			continue
		}
		rm.registry.Remove(state.ConversationID)
		removed++
		log.Info().Msg("Unbridged stale conversation")
	}
	return removed
}

// EnsureUserInRooms re-runs the membership protocol for every mapped room and
// re-invites the operator where absent. Per-room failures are logged and do
// not stop the sweep.
func (rm *RoomManager) EnsureUserInRooms(ctx context.Context) {
	for _, state := range rm.registry.Snapshot() {
		log := rm.log.With().
			Str("conversation_id", state.ConversationID).
			Stringer("room_id", state.RoomID).
			Logger()
		if err := rm.EnsurePuppetInRoom(ctx, state.RoomID); err != nil {
			log.Error().Err(err).Msg("Failed to ensure puppet membership")
			continue
		}
		members, err := rm.puppet.JoinedMembers(ctx, state.RoomID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to query members for operator check")
			continue
		}
		if _, ok := members[rm.operator]; !ok {
			if err = rm.puppet.InviteUser(ctx, state.RoomID, rm.operator); err != nil {
				log.Warn().Err(err).Msg("Failed to re-invite operator")
			} else {
				log.Info().Msg("Re-invited operator")
			}
		}
	}
}

// LoadConversations discovers conversations on the booking side: any with
// activity inside the retention window gets a room (with backfill on fresh
// creation), and mapped conversations that fell outside the window are
// dropped from the registry. Runs at startup and on the hourly timer.
func (rm *RoomManager) LoadConversations(ctx context.Context) error {
	conversations, err := listAllConversations(ctx, rm.api)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	cutoff := time.Now().UTC().Add(-rm.cfg.Retention())
	for _, conv := range conversations {
		lastActivity := hostexapi.ParseTimestamp(conv.LastMessageAt)
		log := rm.log.With().Str("conversation_id", conv.ID).Logger()
		if lastActivity.After(cutoff) {
			roomID, created, err := rm.EnsureRoom(ctx, conv.ID, conv.Guest.Name)
			if err != nil {
				log.Error().Err(err).Msg("Failed to ensure room for discovered conversation")
				continue
			}
			if created {
				rm.RecordDelivery(ctx, conv.ID, "", lastActivity)
				if rm.backfill != nil {
					rm.backfill(ctx, conv.ID, roomID)
				}
			}
		} else if _, ok := rm.registry.Get(conv.ID); ok {
			if err := rm.store.DeleteRoomState(ctx, conv.ID); err != nil {
				log.Error().Err(err).Msg("Failed to delete expired mapping")
				continue
			}
			rm.registry.Remove(conv.ID)
			log.Info().Msg("Dropped mapping for conversation outside retention window")
		}
	}
	return nil
}

// UpdateRoomNames renames every bridged room using the current guest prefix.
func (rm *RoomManager) UpdateRoomNames(ctx context.Context, conversations []hostexapi.Conversation) {
	byID := make(map[string]hostexapi.Conversation, len(conversations))
	for _, conv := range conversations {
		byID[conv.ID] = conv
	}
	for _, state := range rm.registry.Snapshot() {
		conv, ok := byID[state.ConversationID]
		if !ok {
			continue
		}
		name := rm.RoomName(conv.Guest.Name)
		if err := rm.puppet.SetRoomName(ctx, state.RoomID, name); err != nil {
			rm.log.Warn().Err(err).Stringer("room_id", state.RoomID).Msg("Failed to rename room")
		}
	}
}
