package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Sentinel errors callers branch on.
var (
	// ErrDuplicateMessage is returned by CreateMessage when a row for the
	// same (conversation, sender, clientMessageId) triple already exists.
	ErrDuplicateMessage = errors.New("repository: duplicate message")

	// ErrConversationNotFound is returned when the referenced conversation
	// does not exist.
	ErrConversationNotFound = errors.New("repository: conversation not found")
)

// Store manages conversations, members, and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}
	return db, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// FindByClientMessageID looks up a message by its idempotency triple.
// Returns nil without error when no such message exists.
func (s *Store) FindByClientMessageID(ctx context.Context, conversationID, senderID, clientMessageID string) (*Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, client_message_id, type,
		       content, COALESCE(reply_to_message_id, ''), created_at
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_message_id = $3`

	var m Message
	err := s.db.QueryRowContext(ctx, query, conversationID, senderID, clientMessageID).Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.ClientMessageID,
		&m.Type, &m.Content, &m.ReplyToMessageID, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: find by client message id: %w", err)
	}

	medias, err := s.loadMedias(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Medias = medias
	return &m, nil
}

// CreateMessage persists a message and its medias as a single transaction.
// On success the message's ID and CreatedAt are filled in. If another
// submission with the same idempotency triple won the race, nothing is
// written and ErrDuplicateMessage is returned; the caller re-reads the
// winning row.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin create message: %w", err)
	}
	defer tx.Rollback()

	m.ID = uuid.New().String()

	const insertMsg = `
		INSERT INTO messages (id, conversation_id, sender_id, client_message_id,
		                      type, content, reply_to_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (conversation_id, sender_id, client_message_id) DO NOTHING
		RETURNING created_at`

	err = tx.QueryRowContext(ctx, insertMsg,
		m.ID, m.ConversationID, m.SenderID, m.ClientMessageID,
		m.Type, m.Content, m.ReplyToMessageID,
	).Scan(&m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the triple already exists. The transaction wrote nothing.
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("repository: insert message: %w", err)
	}

	const insertMedia = `
		INSERT INTO message_medias (id, message_id, url, mime_type, size)
		VALUES ($1, $2, $3, $4, $5)`

	for i := range m.Medias {
		m.Medias[i].ID = uuid.New().String()
		m.Medias[i].MessageID = m.ID
		if _, err := tx.ExecContext(ctx, insertMedia,
			m.Medias[i].ID, m.ID, m.Medias[i].URL, m.Medias[i].MimeType, m.Medias[i].Size,
		); err != nil {
			return fmt.Errorf("repository: insert media: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: commit create message: %w", err)
	}
	return nil
}

// UpdateLastActivity advances the conversation's last-message pointer,
// expressed as "set if newer" so two racing ingestions cannot regress the
// pointer to an older message.
func (s *Store) UpdateLastActivity(ctx context.Context, conversationID, messageID, messageType string, at time.Time) error {
	const query = `
		UPDATE conversations
		SET last_message_id = $2, last_message_at = $3, last_message_type = $4
		WHERE id = $1
		  AND (last_message_at IS NULL OR last_message_at <= $3)`

	if _, err := s.db.ExecContext(ctx, query, conversationID, messageID, at, messageType); err != nil {
		return fmt.Errorf("repository: update last activity: %w", err)
	}
	return nil
}

func (s *Store) loadMedias(ctx context.Context, messageID string) ([]Media, error) {
	const query = `
		SELECT id, message_id, url, mime_type, size
		FROM message_medias
		WHERE message_id = $1
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("repository: load medias: %w", err)
	}
	defer rows.Close()

	var medias []Media
	for rows.Next() {
		var md Media
		if err := rows.Scan(&md.ID, &md.MessageID, &md.URL, &md.MimeType, &md.Size); err != nil {
			return nil, fmt.Errorf("repository: scan media: %w", err)
		}
		medias = append(medias, md)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate medias: %w", err)
	}
	return medias, nil
}

// ---------------------------------------------------------------------------
// Conversations and membership
// ---------------------------------------------------------------------------

// CreateConversation inserts a conversation and its initial members. The
// first listed member becomes the owner.
func (s *Store) CreateConversation(ctx context.Context, convType, title string, memberIDs []string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: begin create conversation: %w", err)
	}
	defer tx.Rollback()

	conv := &Conversation{
		ID:    uuid.New().String(),
		Type:  convType,
		Title: title,
	}

	const insertConv = `
		INSERT INTO conversations (id, type, title)
		VALUES ($1, $2, $3)
		RETURNING created_at`
	if err := tx.QueryRowContext(ctx, insertConv, conv.ID, conv.Type, conv.Title).Scan(&conv.CreatedAt); err != nil {
		return nil, fmt.Errorf("repository: insert conversation: %w", err)
	}

	const insertMember = `
		INSERT INTO conversation_members (conversation_id, user_id, role, active)
		VALUES ($1, $2, $3, TRUE)`
	for i, userID := range memberIDs {
		role := RoleMember
		if i == 0 {
			role = RoleOwner
		}
		if _, err := tx.ExecContext(ctx, insertMember, conv.ID, userID, role); err != nil {
			return nil, fmt.Errorf("repository: insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("repository: commit create conversation: %w", err)
	}
	return conv, nil
}

// AddMember adds (or reactivates) a member of the conversation.
func (s *Store) AddMember(ctx context.Context, conversationID, userID, role string) error {
	const query = `
		INSERT INTO conversation_members (conversation_id, user_id, role, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET active = TRUE, role = EXCLUDED.role`

	if _, err := s.db.ExecContext(ctx, query, conversationID, userID, role); err != nil {
		return fmt.Errorf("repository: add member: %w", err)
	}
	return nil
}

// DeactivateMember marks a member inactive without deleting history.
func (s *Store) DeactivateMember(ctx context.Context, conversationID, userID string) error {
	const query = `
		UPDATE conversation_members SET active = FALSE
		WHERE conversation_id = $1 AND user_id = $2`

	if _, err := s.db.ExecContext(ctx, query, conversationID, userID); err != nil {
		return fmt.Errorf("repository: deactivate member: %w", err)
	}
	return nil
}

// FindActiveMembers returns the active membership snapshot for a
// conversation. Returns ErrConversationNotFound if the conversation itself
// does not exist.
func (s *Store) FindActiveMembers(ctx context.Context, conversationID string) ([]Member, error) {
	var exists bool
	const check = `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`
	if err := s.db.QueryRowContext(ctx, check, conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("repository: check conversation: %w", err)
	}
	if !exists {
		return nil, ErrConversationNotFound
	}

	const query = `
		SELECT conversation_id, user_id, role, active
		FROM conversation_members
		WHERE conversation_id = $1 AND active`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: find active members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.Active); err != nil {
			return nil, fmt.Errorf("repository: scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate members: %w", err)
	}
	return members, nil
}
