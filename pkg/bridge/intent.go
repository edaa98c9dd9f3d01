// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ChatIntent is the capability surface the bridge needs from the Matrix side.
// The production implementation wraps a mautrix appservice intent; tests
// substitute a fake.
type ChatIntent interface {
	UserID() id.UserID
	Whoami(ctx context.Context) (id.UserID, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error)
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	CreateRoom(ctx context.Context, name string) (id.RoomID, error)
	SendText(ctx context.Context, roomID id.RoomID, text string) error
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
	SendTimestampedText(ctx context.Context, roomID id.RoomID, text string, ts time.Time) (id.EventID, error)
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error)
	SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
}

// isForbidden reports whether an error is a Matrix permission error, which
// the membership escalation ladder treats differently from transport errors.
func isForbidden(err error) bool {
	return errors.Is(err, mautrix.MForbidden)
}

// matrixIntent adapts a mautrix appservice IntentAPI to ChatIntent.
type matrixIntent struct {
	intent *appservice.IntentAPI
	userID id.UserID
}

var _ ChatIntent = (*matrixIntent)(nil)

// NewMatrixIntent wraps an appservice intent.
func NewMatrixIntent(intent *appservice.IntentAPI, userID id.UserID) ChatIntent {
	return &matrixIntent{intent: intent, userID: userID}
}

func (m *matrixIntent) UserID() id.UserID {
	return m.userID
}

func (m *matrixIntent) Whoami(ctx context.Context) (id.UserID, error) {
	resp, err := m.intent.Whoami(ctx)
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

func (m *matrixIntent) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	resp, err := m.intent.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make(map[id.UserID]struct{}, len(resp.Joined))
	for userID := range resp.Joined {
		members[userID] = struct{}{}
	}
	return members, nil
}

func (m *matrixIntent) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := m.intent.JoinRoomByID(ctx, roomID)
	return err
}

func (m *matrixIntent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := m.intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (m *matrixIntent) CreateRoom(ctx context.Context, name string) (id.RoomID, error) {
	resp, err := m.intent.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:       name,
		IsDirect:   true,
		Visibility: "private",
		Preset:     "private_chat",
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (m *matrixIntent) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := m.intent.SendText(ctx, roomID, text)
	return err
}

func (m *matrixIntent) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := m.intent.SendNotice(ctx, roomID, text)
	return err
}

func (m *matrixIntent) SendTimestampedText(ctx context.Context, roomID id.RoomID, text string, ts time.Time) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	resp, err := m.intent.SendMassagedMessageEvent(ctx, roomID, event.EventMessage, content, ts.UnixMilli())
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (m *matrixIntent) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := m.intent.SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (m *matrixIntent) PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	return m.intent.PowerLevels(ctx, roomID)
}

func (m *matrixIntent) SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	_, err := m.intent.SetPowerLevels(ctx, roomID, levels)
	return err
}

func (m *matrixIntent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := m.intent.LeaveRoom(ctx, roomID)
	return err
}

// NewAppService builds the appservice handle the bridge uses for intent
// calls. The websocket transport is separate; this only does client-server
// API traffic.
func NewAppService(cfg *Config, reg *appservice.Registration) (*appservice.AppService, error) {
	as := appservice.Create()
	as.Registration = reg
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	return as, nil
}
