// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// UpgradeTable contains the state store schema migrations.
var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.Register(-1, 1, 0, "Latest revision", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `
			CREATE TABLE room_states (
				conversation_id   TEXT PRIMARY KEY,
				room_id           TEXT NOT NULL,
				last_message      TEXT,
				last_message_time BIGINT NOT NULL DEFAULT 0
			)
		`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `
			CREATE TABLE messages (
				conversation_id TEXT NOT NULL,
				id              TEXT NOT NULL,
				content         TEXT NOT NULL,
				timestamp       BIGINT NOT NULL,
				sender_role     TEXT NOT NULL,
				PRIMARY KEY (conversation_id, id)
			)
		`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `
			CREATE TABLE last_poll_time (
				id        INTEGER PRIMARY KEY,
				timestamp BIGINT NOT NULL
			)
		`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `
			CREATE TABLE processed_messages (
				conversation_id TEXT NOT NULL,
				message_id      TEXT NOT NULL,
				PRIMARY KEY (conversation_id, message_id)
			)
		`)
		return err
	})
}

// RoomState is one conversation↔room mapping row.
type RoomState struct {
	ConversationID  string
	RoomID          id.RoomID
	LastMessage     string
	LastMessageTime time.Time
}

// StoredMessage is one row of the append-only delivered-message log.
type StoredMessage struct {
	ID             string
	ConversationID string
	Content        string
	Timestamp      time.Time
	SenderRole     string
}

// Store is the bridge's durable state store. All timestamps are persisted as
// unix milliseconds and returned in UTC.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// NewStore wraps a database handle.
func NewStore(db *dbutil.Database, log zerolog.Logger) *Store {
	db.UpgradeTable = UpgradeTable
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

// Upgrade applies pending schema migrations.
func (s *Store) Upgrade(ctx context.Context) error {
	return s.db.Upgrade(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func millis(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// LoadRoomStates returns every conversation↔room mapping.
func (s *Store) LoadRoomStates(ctx context.Context) ([]*RoomState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id, room_id, last_message, last_message_time FROM room_states
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query room states: %w", err)
	}
	defer rows.Close()
	var states []*RoomState
	for rows.Next() {
		var state RoomState
		var lastMessage sql.NullString
		var lastMessageTime int64
		if err = rows.Scan(&state.ConversationID, &state.RoomID, &lastMessage, &lastMessageTime); err != nil {
			return nil, fmt.Errorf("failed to scan room state: %w", err)
		}
		state.LastMessage = lastMessage.String
		state.LastMessageTime = fromMillis(lastMessageTime)
		states = append(states, &state)
	}
	return states, rows.Err()
}

// SaveRoomState upserts one conversation↔room mapping.
func (s *Store) SaveRoomState(ctx context.Context, state *RoomState) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO room_states (conversation_id, room_id, last_message, last_message_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE
			SET room_id = excluded.room_id,
			    last_message = excluded.last_message,
			    last_message_time = excluded.last_message_time
	`, state.ConversationID, state.RoomID, state.LastMessage, millis(state.LastMessageTime))
	if err != nil {
		return fmt.Errorf("failed to save room state: %w", err)
	}
	return nil
}

// DeleteRoomState removes a mapping and cascades to the conversation's
// processed-message ledger and stored-message log.
func (s *Store) DeleteRoomState(ctx context.Context, conversationID string) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `DELETE FROM room_states WHERE conversation_id = $1`, conversationID); err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, `DELETE FROM processed_messages WHERE conversation_id = $1`, conversationID); err != nil {
			return err
		}
		_, err := s.db.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
		return err
	})
}

// GetProcessedMessageIDs returns the set of already-delivered message ids for
// a conversation.
func (s *Store) GetProcessedMessageIDs(ctx context.Context, conversationID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id FROM processed_messages WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed messages: %w", err)
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var msgID string
		if err = rows.Scan(&msgID); err != nil {
			return nil, fmt.Errorf("failed to scan processed message: %w", err)
		}
		ids[msgID] = struct{}{}
	}
	return ids, rows.Err()
}

// AddProcessedMessageID records a delivered message id. Recording the same id
// twice is a no-op.
func (s *Store) AddProcessedMessageID(ctx context.Context, conversationID, messageID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO processed_messages (conversation_id, message_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, message_id) DO NOTHING
	`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}
	return nil
}

// IsProcessed reports whether a message id has already been delivered.
func (s *Store) IsProcessed(ctx context.Context, conversationID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM processed_messages WHERE conversation_id = $1 AND message_id = $2
	`, conversationID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return true, nil
}

// GetLastPollTime returns the poll watermark, or the zero time when no poll
// has completed yet.
func (s *Store) GetLastPollTime(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow(ctx, `SELECT timestamp FROM last_poll_time WHERE id = 1`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last poll time: %w", err)
	}
	return fromMillis(ms), nil
}

// SetLastPollTime persists the poll watermark.
func (s *Store) SetLastPollTime(ctx context.Context, ts time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO last_poll_time (id, timestamp) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET timestamp = excluded.timestamp
	`, millis(ts.UTC()))
	if err != nil {
		return fmt.Errorf("failed to save last poll time: %w", err)
	}
	return nil
}

// SaveMessage appends a delivered message to the audit log.
func (s *Store) SaveMessage(ctx context.Context, msg *StoredMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (conversation_id, id, content, timestamp, sender_role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, id) DO NOTHING
	`, msg.ConversationID, msg.ID, msg.Content, millis(msg.Timestamp), msg.SenderRole)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit stored messages for a conversation,
// newest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*StoredMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, content, timestamp, sender_role FROM messages
		WHERE conversation_id = $1 ORDER BY timestamp DESC LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var msgs []*StoredMessage
	for rows.Next() {
		msg := &StoredMessage{ConversationID: conversationID}
		var ms int64
		if err = rows.Scan(&msg.ID, &msg.Content, &ms, &msg.SenderRole); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Timestamp = fromMillis(ms)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
