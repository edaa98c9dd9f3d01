// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aiku/mautrix-hostex/pkg/hostexapi"
)

const (
	testPuppetID   = id.UserID("@hostexbot:example.com")
	testOperatorID = id.UserID("@operator:example.com")
	testAdminID    = id.UserID("@admin:example.com")
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	cfg.Homeserver.Address = "http://localhost:8008"
	cfg.Homeserver.Domain = "example.com"
	cfg.Hostex.APIURL = "http://localhost:1"
	cfg.Hostex.Token = "test-token"
	cfg.User.UserID = testOperatorID
	cfg.Admin.UserID = testAdminID
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}
	return cfg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := fmt.Sprintf("file:%s?_txlock=immediate", filepath.Join(t.TempDir(), "test.db"))
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := NewStore(db, zerolog.Nop())
	if err = store.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade test database: %v", err)
	}
	return store
}

type sentMessage struct {
	Room id.RoomID
	Text string
	TS   time.Time
}

// fakeIntent is an in-memory ChatIntent with programmable failures.
type fakeIntent struct {
	mu sync.Mutex

	userID id.UserID

	members    map[id.RoomID]map[id.UserID]struct{}
	membersErr map[id.RoomID]error

	// joinErrs is consumed one error per JoinRoom call; nil entries succeed.
	joinErrs  map[id.RoomID][]error
	joinCalls map[id.RoomID]int

	inviteErr   error
	invites     []struct {
		Room id.RoomID
		User id.UserID
	}

	createErr   error
	createCount int

	sendErr  error
	texts    []sentMessage
	notices  []sentMessage
	messages []sentMessage

	powerLevels map[id.RoomID]*event.PowerLevelsEventContent
	setLevels   []id.RoomID

	roomNames map[id.RoomID]string
	left      []id.RoomID

	whoamiErr error
}

var _ ChatIntent = (*fakeIntent)(nil)

func newFakeIntent(userID id.UserID) *fakeIntent {
	return &fakeIntent{
		userID:      userID,
		members:     make(map[id.RoomID]map[id.UserID]struct{}),
		membersErr:  make(map[id.RoomID]error),
		joinErrs:    make(map[id.RoomID][]error),
		joinCalls:   make(map[id.RoomID]int),
		powerLevels: make(map[id.RoomID]*event.PowerLevelsEventContent),
		roomNames:   make(map[id.RoomID]string),
	}
}

func (f *fakeIntent) UserID() id.UserID {
	return f.userID
}

func (f *fakeIntent) Whoami(_ context.Context) (id.UserID, error) {
	if f.whoamiErr != nil {
		return "", f.whoamiErr
	}
	return f.userID, nil
}

func (f *fakeIntent) JoinedMembers(_ context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.membersErr[roomID]; err != nil {
		return nil, err
	}
	members := make(map[id.UserID]struct{}, len(f.members[roomID]))
	for userID := range f.members[roomID] {
		members[userID] = struct{}{}
	}
	return members, nil
}

func (f *fakeIntent) addMember(roomID id.RoomID, userID id.UserID) {
	if f.members[roomID] == nil {
		f.members[roomID] = make(map[id.UserID]struct{})
	}
	f.members[roomID][userID] = struct{}{}
}

func (f *fakeIntent) JoinRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCalls[roomID]++
	if queue := f.joinErrs[roomID]; len(queue) > 0 {
		err := queue[0]
		f.joinErrs[roomID] = queue[1:]
		if err != nil {
			return err
		}
	}
	f.addMember(roomID, f.userID)
	return nil
}

func (f *fakeIntent) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inviteErr != nil {
		return f.inviteErr
	}
	f.invites = append(f.invites, struct {
		Room id.RoomID
		User id.UserID
	}{roomID, userID})
	return nil
}

func (f *fakeIntent) inviteCount(roomID id.RoomID, userID id.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, invite := range f.invites {
		if invite.Room == roomID && invite.User == userID {
			count++
		}
	}
	return count
}

func (f *fakeIntent) CreateRoom(_ context.Context, name string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createCount++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.com", f.createCount))
	f.addMember(roomID, f.userID)
	f.roomNames[roomID] = name
	return roomID, nil
}

func (f *fakeIntent) SendText(_ context.Context, roomID id.RoomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, sentMessage{Room: roomID, Text: text})
	return nil
}

func (f *fakeIntent) SendNotice(_ context.Context, roomID id.RoomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, sentMessage{Room: roomID, Text: text})
	return nil
}

func (f *fakeIntent) SendTimestampedText(_ context.Context, roomID id.RoomID, text string, ts time.Time) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.messages = append(f.messages, sentMessage{Room: roomID, Text: text, TS: ts})
	return id.EventID(fmt.Sprintf("$sent%d", len(f.messages))), nil
}

func (f *fakeIntent) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.messages))
	copy(cp, f.messages)
	return cp
}

func (f *fakeIntent) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomNames[roomID] = name
	return nil
}

func (f *fakeIntent) PowerLevels(_ context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if levels, ok := f.powerLevels[roomID]; ok {
		return levels, nil
	}
	return &event.PowerLevelsEventContent{Users: map[id.UserID]int{}}, nil
}

func (f *fakeIntent) SetPowerLevels(_ context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerLevels[roomID] = levels
	f.setLevels = append(f.setLevels, roomID)
	return nil
}

func (f *fakeIntent) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	delete(f.members, roomID)
	return nil
}

// fakeBooking is an in-memory BookingAPI.
type fakeBooking struct {
	mu sync.Mutex

	conversations []hostexapi.Conversation
	messages      map[string][]hostexapi.Message
	listErr       error
	messagesErr   error
	sendErr       error

	sent []struct {
		ConversationID string
		Text           string
	}
}

var _ BookingAPI = (*fakeBooking)(nil)

func newFakeBooking() *fakeBooking {
	return &fakeBooking{messages: make(map[string][]hostexapi.Message)}
}

func (f *fakeBooking) Conversations(_ context.Context, offset, limit int) ([]hostexapi.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if offset >= len(f.conversations) {
		return nil, nil
	}
	end := min(offset+limit, len(f.conversations))
	return f.conversations[offset:end], nil
}

func (f *fakeBooking) ConversationMessages(_ context.Context, conversationID string, limit int, _ string) ([]hostexapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	msgs := f.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeBooking) GuestName(_ context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.conversations {
		if conv.ID == conversationID {
			return conv.Guest.Name, nil
		}
	}
	return "Unknown Guest", nil
}

func (f *fakeBooking) SendMessage(_ context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, struct {
		ConversationID string
		Text           string
	}{conversationID, text})
	return nil
}

func (f *fakeBooking) sentMessages() []struct {
	ConversationID string
	Text           string
} {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]struct {
		ConversationID string
		Text           string
	}, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// testBridge bundles real components around the fakes for integration-style
// tests.
type testBridge struct {
	cfg     *Config
	store   *Store
	reg     *Registry
	echo    *EchoCache
	intent  *fakeIntent
	bot     *fakeIntent
	booking *fakeBooking
	rooms   *RoomManager
	handler *MessageHandler
	poller  *Poller
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	cfg := testConfig(t)
	store := newTestStore(t)
	reg := NewRegistry()
	echo := NewEchoCache(cfg.EchoExpiry())
	intent := newFakeIntent(testPuppetID)
	bot := newFakeIntent(testPuppetID)
	booking := newFakeBooking()
	log := zerolog.Nop()
	rooms := NewRoomManager(cfg, store, reg, booking, intent, bot, log)
	handler := NewMessageHandler(cfg, store, reg, rooms, echo, booking, intent, log)
	poller := NewPoller(cfg, store, booking, rooms, handler, log)
	return &testBridge{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		echo:    echo,
		intent:  intent,
		bot:     bot,
		booking: booking,
		rooms:   rooms,
		handler: handler,
		poller:  poller,
	}
}

// addMapping registers a bridged conversation in both the store and the
// mirror, with the puppet already joined.
func (tb *testBridge) addMapping(t *testing.T, conversationID string, roomID id.RoomID) {
	t.Helper()
	state := RoomState{ConversationID: conversationID, RoomID: roomID}
	if err := tb.store.SaveRoomState(context.Background(), &state); err != nil {
		t.Fatalf("failed to save mapping: %v", err)
	}
	tb.reg.Upsert(state)
	tb.intent.mu.Lock()
	tb.intent.addMember(roomID, testPuppetID)
	tb.intent.mu.Unlock()
}

func matrixTextEvent(eventID id.EventID, roomID id.RoomID, sender id.UserID, text string) *event.Event {
	return &event.Event{
		ID:     eventID,
		RoomID: roomID,
		Sender: sender,
		Type:   event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    text,
			},
		},
	}
}
