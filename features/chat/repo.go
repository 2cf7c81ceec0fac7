package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FindSession(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	s := &Session{}
	query := `SELECT id, session_id, owner_id, document_id, is_active, created_at, updated_at
		FROM chat_sessions WHERE owner_id = $1 AND session_id = $2`
	err := r.db.QueryRowContext(ctx, query, ownerID, sessionID).Scan(
		&s.ID, &s.SessionID, &s.OwnerID, &s.DocumentID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO chat_sessions (session_id, owner_id, document_id, is_active)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		session.SessionID, session.OwnerID, session.DocumentID, session.IsActive).
		Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
}

func (r *PostgresRepo) ListSessionsByDocument(ctx context.Context, ownerID, documentID string) ([]Session, error) {
	query := `SELECT id, session_id, owner_id, document_id, is_active, created_at, updated_at
		FROM chat_sessions WHERE owner_id = $1 AND document_id = $2 ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.SessionID, &s.OwnerID, &s.DocumentID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresRepo) RecentSessions(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	query := `SELECT id, session_id, owner_id, document_id, is_active, created_at, updated_at
		FROM chat_sessions WHERE owner_id = $1 ORDER BY updated_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.SessionID, &s.OwnerID, &s.DocumentID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresRepo) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	query := `DELETE FROM chat_sessions WHERE owner_id = $1 AND session_id = $2`
	res, err := r.db.ExecContext(ctx, query, ownerID, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *PostgresRepo) AppendMessage(ctx context.Context, msg *Message) error {
	var contextJSON interface{}
	if len(msg.Context) > 0 {
		data, err := json.Marshal(msg.Context)
		if err != nil {
			return err
		}
		contextJSON = data
	}

	query := `INSERT INTO chat_messages (session_id, role, content, context)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	if err := r.db.QueryRowContext(ctx, query, msg.SessionID, msg.Role, msg.Content, contextJSON).
		Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return err
	}

	// Keep the session's updated_at fresh so session listings sort by
	// recent activity.
	_, err := r.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = NOW() WHERE id = $1`, msg.SessionID)
	return err
}

// RecentMessages returns the newest messages of a session, oldest first.
func (r *PostgresRepo) RecentMessages(ctx context.Context, sessionRowID string, limit int) ([]Message, error) {
	query := `SELECT id, session_id, role, content, context, created_at FROM (
			SELECT id, session_id, role, content, context, created_at
			FROM chat_messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, sessionRowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *PostgresRepo) Messages(ctx context.Context, sessionRowID string) ([]Message, error) {
	query := `SELECT id, session_id, role, content, context, created_at
		FROM chat_messages WHERE session_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, sessionRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var contextJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &contextJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &m.Context); err != nil {
				return nil, err
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
