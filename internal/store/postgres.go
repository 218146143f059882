package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/ids"
)

// PostgresStore is a ConversationStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ConversationStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ListConversationsFor returns every conversation the user participates in,
// each with its full participant set.
func (s *PostgresStore) ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("store: nil store")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	members := pgIdent(s.schema, "conversation_members")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, m.user_id
		   FROM `+conversations+` c
		   JOIN `+members+` m ON m.conversation_id = c.id
		  WHERE c.id IN (
		        SELECT conversation_id FROM `+members+` WHERE user_id = $1
		  )
		  ORDER BY c.id, m.user_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out  []Conversation
		cur  *Conversation
		id   string
		kind string
		uid  string
	)
	for rows.Next() {
		if err := rows.Scan(&id, &kind, &uid); err != nil {
			return nil, err
		}
		if cur == nil || cur.ID != id {
			out = append(out, Conversation{ID: id, Kind: kind})
			cur = &out[len(out)-1]
		}
		cur.Participants = append(cur.Participants, uid)
	}
	return out, rows.Err()
}

// IsParticipant checks membership of userID in conversationID.
func (s *PostgresStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("store: nil store")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "conversation_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetConversation returns a conversation with its participant set.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("store: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")
	members := pgIdent(s.schema, "conversation_members")

	out := Conversation{ID: conversationID}
	err := s.pool.QueryRow(ctx,
		`SELECT kind FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&out.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+members+` WHERE conversation_id = $1 ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return Conversation{}, err
		}
		out.Participants = append(out.Participants, uid)
	}
	return out, rows.Err()
}

// CreateMessage persists a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if s == nil || s.pool == nil {
		return CreateMessageResult{}, errors.New("store: nil store")
	}
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return CreateMessageResult{}, errors.New("store: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	kind := in.Kind
	if kind == "" {
		kind = "text"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CreateMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	//
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return CreateMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ConversationID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return CreateMessageResult{}, err
		}
		return CreateMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreateMessageResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return CreateMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return CreateMessageResult{}, err
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return CreateMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, client_msg_id, sender_id, kind, body, created_at, edited, deleted
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, false)`,
		msgID, in.ConversationID, seq, in.ClientMsgID, in.SenderID, kind, in.Body, now,
	); err != nil {
		return CreateMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := StoredMessage{
		ID:             msgID,
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Kind:           kind,
		Body:           in.Body,
		Seq:            seq,
		CreatedAt:      now,
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateMessageResult{}, err
	}
	return CreateMessageResult{Stored: out, Duplicated: false}, nil
}

// GetMessage returns a message regardless of tombstone state.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("store: nil store")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	messages := pgIdent(s.schema, "messages")

	var m StoredMessage
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, client_msg_id, sender_id, kind, body, seq, created_at, edited, deleted
		   FROM `+messages+`
		  WHERE id = $1`,
		messageID,
	).Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.SenderID, &m.Kind, &m.Body, &m.Seq, &m.CreatedAt, &m.Edited, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return StoredMessage{}, err
	}
	return m, nil
}

// UpdateMessage replaces the body and sets the edited flag.
func (s *PostgresStore) UpdateMessage(ctx context.Context, messageID, body string, now time.Time) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("store: nil store")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	messages := pgIdent(s.schema, "messages")

	var m StoredMessage
	err := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET body = $2, edited = true
		  WHERE id = $1 AND deleted = false
		RETURNING id, conversation_id, client_msg_id, sender_id, kind, body, seq, created_at, edited, deleted`,
		messageID, body,
	).Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.SenderID, &m.Kind, &m.Body, &m.Seq, &m.CreatedAt, &m.Edited, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missingOrTombstoned(ctx, messageID)
	}
	if err != nil {
		return StoredMessage{}, err
	}
	return m, nil
}

// TombstoneMessage marks the message deleted and blanks the body, keeping the row.
func (s *PostgresStore) TombstoneMessage(ctx context.Context, messageID string, now time.Time) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("store: nil store")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	messages := pgIdent(s.schema, "messages")

	var m StoredMessage
	err := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET body = '', deleted = true
		  WHERE id = $1 AND deleted = false
		RETURNING id, conversation_id, client_msg_id, sender_id, kind, body, seq, created_at, edited, deleted`,
		messageID,
	).Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.SenderID, &m.Kind, &m.Body, &m.Seq, &m.CreatedAt, &m.Edited, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missingOrTombstoned(ctx, messageID)
	}
	if err != nil {
		return StoredMessage{}, err
	}
	return m, nil
}

// SetReadCursor upserts the user's read cursor, moving it forward only.
func (s *PostgresStore) SetReadCursor(ctx context.Context, userID, conversationID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("store: nil store")
	}
	if userID == "" || conversationID == "" {
		return errors.New("store: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cursors := pgIdent(s.schema, "read_cursors")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+cursors+` (user_id, conversation_id, read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, conversation_id)
		 DO UPDATE SET read_at = EXCLUDED.read_at
		 WHERE `+cursors+`.read_at < EXCLUDED.read_at`,
		userID, conversationID, at,
	)
	return err
}

// missingOrTombstoned disambiguates a zero-row UPDATE into the right sentinel.
func (s *PostgresStore) missingOrTombstoned(ctx context.Context, messageID string) (StoredMessage, error) {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return StoredMessage{}, err
	}
	if m.Deleted {
		return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrTombstoned)
	}
	return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, clientMsgID string) (StoredMessage, error) {
	var m StoredMessage
	err := tx.QueryRow(ctx,
		`SELECT id, conversation_id, client_msg_id, sender_id, kind, body, seq, created_at, edited, deleted
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	).Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.SenderID, &m.Kind, &m.Body, &m.Seq, &m.CreatedAt, &m.Edited, &m.Deleted)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
