// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hostex/pkg/hostexapi"
)

// BookingAPI is the capability surface the bridge needs from the booking
// platform. hostexapi.Client implements it; tests substitute a fake.
type BookingAPI interface {
	Conversations(ctx context.Context, offset, limit int) ([]hostexapi.Conversation, error)
	ConversationMessages(ctx context.Context, conversationID string, limit int, afterID string) ([]hostexapi.Message, error)
	GuestName(ctx context.Context, conversationID string) (string, error)
	SendMessage(ctx context.Context, conversationID, text string) error
}

var _ BookingAPI = (*hostexapi.Client)(nil)

// Bridge wires the sync engine together and owns its long-running tasks:
// the push consumer, the poll loop, the echo cache sweep, and the hourly and
// daily maintenance timers.
type Bridge struct {
	cfg *Config
	log zerolog.Logger

	store    *Store
	registry *Registry
	echo     *EchoCache
	api      BookingAPI

	as     *appservice.AppService
	puppet ChatIntent
	bot    ChatIntent

	rooms    *RoomManager
	handler  *MessageHandler
	commands *Commands
	poller   *Poller
	consumer *EventConsumer

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New assembles a bridge from configuration, a loaded appservice
// registration, and an open database handle.
func New(cfg *Config, reg *appservice.Registration, db *dbutil.Database, log zerolog.Logger) (*Bridge, error) {
	api, err := hostexapi.NewClient(cfg.Hostex.APIURL, cfg.Hostex.Token, log)
	if err != nil {
		return nil, err
	}
	as, err := NewAppService(cfg, reg)
	if err != nil {
		return nil, err
	}
	// The bridging identity is the appservice bot itself; the bot intent
	// doubles as the administrative identity used for escalation invites.
	puppet := NewMatrixIntent(as.BotIntent(), as.BotMXID())
	bot := NewMatrixIntent(as.BotIntent(), as.BotMXID())

	b := &Bridge{
		cfg:      cfg,
		log:      log.With().Str("component", "bridge").Logger(),
		store:    NewStore(db, log),
		registry: NewRegistry(),
		echo:     NewEchoCache(cfg.EchoExpiry()),
		api:      api,
		as:       as,
		puppet:   puppet,
		bot:      bot,
	}
	b.rooms = NewRoomManager(cfg, b.store, b.registry, b.api, b.puppet, b.bot, log)
	b.handler = NewMessageHandler(cfg, b.store, b.registry, b.rooms, b.echo, b.api, b.puppet, log)
	b.commands = NewCommands(cfg, b.store, b.registry, b.rooms, b.api, b.puppet, b.handler, log)
	b.poller = NewPoller(cfg, b.store, b.api, b.rooms, b.handler, log)
	b.consumer = NewEventConsumer(cfg.Appservice.Address, cfg.Appservice.ASToken, cfg.ReconnectBackoff(), b.handler.HandleMatrixEvent, log)

	b.handler.commands = b.commands
	b.commands.maintenance = b.ForceMaintenance
	b.rooms.backfill = func(ctx context.Context, conversationID string, roomID id.RoomID) {
		b.handler.Backfill(ctx, conversationID, roomID, cfg.Bridge.BackfillCount)
	}
	return b, nil
}

// SetDebugToggle wires the admin `debug on/off` command to a log level
// switch. Main owns the actual level change.
func (b *Bridge) SetDebugToggle(fn func(enabled bool)) {
	b.commands.setDebug = fn
}

// Start brings the bridge up: schema upgrade, registry hydration, a
// fatal-startup connectivity check against the homeserver, admin room and
// conversation discovery, then all background loops. It returns once the
// loops are running.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.store.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database schema: %w", err)
	}
	if err := b.rooms.LoadRoomStates(ctx); err != nil {
		return fmt.Errorf("failed to load room registry: %w", err)
	}

	userID, err := b.puppet.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to homeserver: %w", err)
	}
	b.log.Info().Stringer("user_id", userID).Msg("Connected to homeserver")

	if err = b.rooms.EnsureAdminRoom(ctx); err != nil {
		b.log.Error().Err(err).Msg("Failed to ensure admin room")
	}
	if err = b.rooms.LoadConversations(ctx); err != nil {
		b.log.Error().Err(err).Msg("Initial conversation discovery failed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.run(loopCtx)
	b.log.Info().Msg("Bridge is running")
	return nil
}

func (b *Bridge) run(ctx context.Context) {
	b.spawn(func() { b.consumer.Run(ctx) })
	b.spawn(func() { b.poller.Run(ctx) })
	b.spawn(func() { b.sweepLoop(ctx) })
	b.spawn(func() { b.maintenanceLoop(ctx, time.Hour, b.hourlyMaintenance) })
	b.spawn(func() { b.maintenanceLoop(ctx, 24*time.Hour, b.dailyMaintenance) })
}

func (b *Bridge) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Stop signals every loop to exit and waits for them.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		b.log.Info().Msg("Bridge stopped")
	})
}

func (b *Bridge) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.EchoSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.echo.Sweep()
		}
	}
}

func (b *Bridge) maintenanceLoop(ctx context.Context, interval time.Duration, task func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

func (b *Bridge) hourlyMaintenance(ctx context.Context) {
	b.log.Info().Msg("Running hourly maintenance")
	b.rooms.EnsureUserInRooms(ctx)
	if err := b.rooms.LoadConversations(ctx); err != nil {
		b.log.Error().Err(err).Msg("Hourly conversation discovery failed")
	}
}

func (b *Bridge) dailyMaintenance(ctx context.Context) {
	b.log.Info().Msg("Running daily maintenance")
	removed := b.rooms.LeaveOldRooms(ctx)
	if removed > 0 {
		b.log.Info().Int("removed", removed).Msg("Retention sweep unbridged conversations")
	}
}

// ForceMaintenance runs the retention sweep, the membership reconciliation,
// and conversation discovery immediately. Exposed through the admin
// `force_maintenance` command.
func (b *Bridge) ForceMaintenance(ctx context.Context) {
	b.log.Info().Msg("Forcing maintenance tasks")
	b.rooms.LeaveOldRooms(ctx)
	b.rooms.EnsureUserInRooms(ctx)
	if err := b.rooms.LoadConversations(ctx); err != nil {
		b.log.Error().Err(err).Msg("Forced conversation discovery failed")
	}
}

// HandleMatrixEvent exposes the delivery pipeline's Matrix entry point, used
// by the websocket consumer and tests.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	return b.handler.HandleMatrixEvent(ctx, evt)
}
