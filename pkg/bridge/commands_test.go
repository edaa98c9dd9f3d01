// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hostex/pkg/hostexapi"
)

func newTestCommands(t *testing.T, tb *testBridge) *Commands {
	t.Helper()
	cmds := NewCommands(tb.cfg, tb.store, tb.reg, tb.rooms, tb.booking, tb.intent, tb.handler, zerolog.Nop())
	tb.handler.commands = cmds
	return cmds
}

func lastText(t *testing.T, tb *testBridge) string {
	t.Helper()
	if len(tb.intent.texts) == 0 {
		t.Fatal("no command reply was sent")
	}
	return tb.intent.texts[len(tb.intent.texts)-1].Text
}

func TestAdminCommand_Help(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	adminRoom := id.RoomID("!admin:example.com")

	cmds.HandleAdminCommand(context.Background(), adminRoom, testAdminID, "help")
	if reply := lastText(t, tb); !strings.Contains(reply, "force_maintenance") {
		t.Errorf("help reply missing commands: %q", reply)
	}
}

func TestAdminCommand_Unknown(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	adminRoom := id.RoomID("!admin:example.com")

	cmds.HandleAdminCommand(context.Background(), adminRoom, testAdminID, "frobnicate")
	if reply := lastText(t, tb); !strings.Contains(reply, "Unknown command") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestAdminCommand_DebugToggle(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	adminRoom := id.RoomID("!admin:example.com")

	var states []bool
	cmds.setDebug = func(enabled bool) { states = append(states, enabled) }

	ctx := context.Background()
	cmds.HandleAdminCommand(ctx, adminRoom, testAdminID, "debug on")
	cmds.HandleAdminCommand(ctx, adminRoom, testAdminID, "debug off")
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("debug toggle sequence = %v, want [true false]", states)
	}
	if reply := lastText(t, tb); reply != "Debug mode: off" {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestAdminCommand_Status(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	adminRoom := id.RoomID("!admin:example.com")

	room := id.RoomID("!conv1:example.com")
	tb.addMapping(t, "conv-1", room)
	tb.booking.conversations = []hostexapi.Conversation{
		{ID: "conv-1", Guest: hostexapi.Guest{Name: "Alice", Phone: "+15551234567"}, LastMessageAt: "2026-09-01T10:00:00"},
		{ID: "conv-2", Guest: hostexapi.Guest{Name: "Bob"}, LastMessageAt: "2026-09-01T09:00:00"},
	}

	cmds.HandleAdminCommand(context.Background(), adminRoom, testAdminID, "status")
	reply := lastText(t, tb)
	if !strings.Contains(reply, "Last poll time: Never") {
		t.Errorf("status missing poll time: %q", reply)
	}
	if !strings.Contains(reply, string(room)) {
		t.Errorf("status missing bridged room id: %q", reply)
	}
	if !strings.Contains(reply, "Not bridged") {
		t.Errorf("status should flag unbridged conversations: %q", reply)
	}
	if strings.Contains(reply, "+15551234567") {
		t.Errorf("status leaked a full phone number: %q", reply)
	}
	if !strings.Contains(reply, "...4567") {
		t.Errorf("status missing masked phone: %q", reply)
	}
}

func TestAdminCommand_Prefix(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	adminRoom := id.RoomID("!admin:example.com")
	ctx := context.Background()

	cmds.HandleAdminCommand(ctx, adminRoom, testAdminID, "prefix")
	if reply := lastText(t, tb); !strings.Contains(reply, "Guest") {
		t.Errorf("bare prefix should report the current value: %q", reply)
	}

	room := id.RoomID("!conv1:example.com")
	tb.addMapping(t, "conv-1", room)
	tb.booking.conversations = []hostexapi.Conversation{
		{ID: "conv-1", Guest: hostexapi.Guest{Name: "Alice"}},
	}
	cmds.HandleAdminCommand(ctx, adminRoom, testAdminID, "prefix Visitor")
	if got := tb.rooms.GuestPrefix(); got != "Visitor" {
		t.Errorf("GuestPrefix = %q, want Visitor", got)
	}
	if got := tb.intent.roomNames[room]; !strings.Contains(got, "Visitor") {
		t.Errorf("bridged room should be renamed with the new prefix, got %q", got)
	}
}

func TestAdminCommand_ForceRoomCreation(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	adminRoom := id.RoomID("!admin:example.com")
	tb.booking.conversations = []hostexapi.Conversation{
		{ID: "conv-1", Guest: hostexapi.Guest{Name: "Alice"}},
		{ID: "conv-2", Guest: hostexapi.Guest{Name: "Bob"}},
	}

	cmds.HandleAdminCommand(context.Background(), adminRoom, testAdminID, "force_room_creation")
	if tb.intent.createCount != 2 {
		t.Errorf("expected 2 rooms created, got %d", tb.intent.createCount)
	}
	if _, ok := tb.reg.Get("conv-2"); !ok {
		t.Error("conversation should be registered after forced creation")
	}
}

func TestAdminCommand_ForceMaintenance(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	adminRoom := id.RoomID("!admin:example.com")

	ran := false
	cmds.maintenance = func(context.Context) { ran = true }
	cmds.HandleAdminCommand(context.Background(), adminRoom, testAdminID, "force_maintenance")
	if !ran {
		t.Error("maintenance callback was not invoked")
	}
	if reply := lastText(t, tb); reply != "Maintenance tasks completed." {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestConversationCommand_Backfill(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	room := id.RoomID("!conv1:example.com")
	tb.addMapping(t, "conv-1", room)
	tb.booking.messages["conv-1"] = []hostexapi.Message{
		{ID: "m1", Content: "one", CreatedAt: "2026-09-01T10:00:00"},
		{ID: "m2", Content: "two", CreatedAt: "2026-09-01T10:01:00"},
	}

	cmds.HandleConversationCommand(context.Background(), room, "!backfill 5")
	if reply := lastText(t, tb); reply != "Backfilled 2 messages." {
		t.Errorf("unexpected reply: %q", reply)
	}
	if got := len(tb.intent.sentMessages()); got != 2 {
		t.Errorf("expected 2 backfilled room events, got %d", got)
	}
}

func TestConversationCommand_BackfillUnmappedRoom(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)

	cmds.HandleConversationCommand(context.Background(), "!orphan:example.com", "!backfill")
	if reply := lastText(t, tb); !strings.Contains(reply, "not associated") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestConversationCommand_Messages(t *testing.T) {
	tb := newTestBridge(t)
	cmds := newTestCommands(t, tb)
	ctx := context.Background()
	room := id.RoomID("!conv1:example.com")
	tb.addMapping(t, "conv-1", room)

	cmds.HandleConversationCommand(ctx, room, "!messages")
	if reply := lastText(t, tb); reply != "No recent messages found." {
		t.Errorf("unexpected reply: %q", reply)
	}

	msg := hostexapi.Message{ID: "m1", Content: "hi there", CreatedAt: "2026-09-01T10:00:00"}
	if err := tb.handler.HandleBookingMessage(ctx, "conv-1", msg); err != nil {
		t.Fatal(err)
	}
	cmds.HandleConversationCommand(ctx, room, "!messages")
	reply := lastText(t, tb)
	if !strings.Contains(reply, "hi there") || !strings.Contains(reply, "Received") {
		t.Errorf("message listing missing content: %q", reply)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := maskPhone("+15551234567"); got != "...4567" {
		t.Errorf("maskPhone = %q", got)
	}
	if got := maskPhone("123"); got != "N/A" {
		t.Errorf("short phone should be hidden, got %q", got)
	}
	if got := maskPhone(""); got != "N/A" {
		t.Errorf("empty phone should be hidden, got %q", got)
	}
}
