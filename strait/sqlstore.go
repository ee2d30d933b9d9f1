package strait

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore persists through a database/sql handle with sqlite-style `?`
// placeholders. Schema ownership and migration belong to the embedding
// application; the expected tables are:
//
//	p2p_connection_states(id, identity_pubkey, contact_pubkey, status,
//	    session_id, role, last_attempt_at, last_success_at,
//	    last_failure_reason, created_at, updated_at,
//	    UNIQUE(identity_pubkey, contact_pubkey))
//	signal_send_states(session_id, identity_pubkey, contact_pubkey,
//	    signal_type, signal_hash, last_event_id, last_attempt_at,
//	    last_success_at, last_error,
//	    UNIQUE(session_id, identity_pubkey, contact_pubkey, signal_type,
//	    signal_hash))
//	processed_signals(session_id, nonce, processed_at,
//	    UNIQUE(session_id, nonce))
//
// Timestamps are stored as unix seconds. Every mutation runs inside an
// explicit transaction so multi-field updates are observed atomically.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("nil sql database")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const connStateColumns = `id, identity_pubkey, contact_pubkey, status, session_id, role,
	last_attempt_at, last_success_at, last_failure_reason, created_at, updated_at`

func (s *SQLStore) GetConnState(ctx context.Context, identityPubkey string, contactPubkey string) (ConnState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connStateColumns+` FROM p2p_connection_states WHERE identity_pubkey = ? AND contact_pubkey = ?`,
		strings.TrimSpace(identityPubkey), strings.TrimSpace(contactPubkey))
	return scanConnState(row)
}

func (s *SQLStore) GetConnStateBySessionID(ctx context.Context, identityPubkey string, sessionID string) (ConnState, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ConnState{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connStateColumns+` FROM p2p_connection_states WHERE identity_pubkey = ? AND session_id = ?`,
		strings.TrimSpace(identityPubkey), sessionID)
	return scanConnState(row)
}

func (s *SQLStore) UpsertConnState(ctx context.Context, state ConnState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO p2p_connection_states (`+connStateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(identity_pubkey, contact_pubkey) DO UPDATE SET
				status = excluded.status,
				session_id = excluded.session_id,
				role = excluded.role,
				last_attempt_at = excluded.last_attempt_at,
				last_success_at = excluded.last_success_at,
				last_failure_reason = excluded.last_failure_reason,
				updated_at = excluded.updated_at`,
			state.ID,
			strings.TrimSpace(state.IdentityPubkey),
			strings.TrimSpace(state.ContactPubkey),
			string(state.Status),
			nullString(state.SessionID),
			nullString(string(state.Role)),
			nullUnix(state.LastAttemptAt),
			nullUnix(state.LastSuccessAt),
			nullString(state.LastFailureReason),
			state.CreatedAt.Unix(),
			state.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert connection state: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ListConnStates(ctx context.Context, identityPubkey string) ([]ConnState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connStateColumns+` FROM p2p_connection_states WHERE identity_pubkey = ? ORDER BY contact_pubkey`,
		strings.TrimSpace(identityPubkey))
	if err != nil {
		return nil, fmt.Errorf("list connection states: %w", err)
	}
	defer rows.Close()

	out := make([]ConnState, 0, 8)
	for rows.Next() {
		state, ok, err := scanConnState(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, state)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connection states: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetSignalSendState(ctx context.Context, key SignalSendKey) (SignalSendState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, identity_pubkey, contact_pubkey, signal_type, signal_hash,
			last_event_id, last_attempt_at, last_success_at, last_error
		FROM signal_send_states
		WHERE session_id = ? AND identity_pubkey = ? AND contact_pubkey = ? AND signal_type = ? AND signal_hash = ?`,
		strings.TrimSpace(key.SessionID),
		strings.TrimSpace(key.IdentityPubkey),
		strings.TrimSpace(key.ContactPubkey),
		string(key.SignalType),
		strings.TrimSpace(key.SignalHash))

	var state SignalSendState
	var signalType string
	var lastEventID, lastError sql.NullString
	var lastAttemptAt, lastSuccessAt sql.NullInt64
	err := row.Scan(
		&state.SessionID, &state.IdentityPubkey, &state.ContactPubkey, &signalType, &state.SignalHash,
		&lastEventID, &lastAttemptAt, &lastSuccessAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SignalSendState{}, false, nil
	}
	if err != nil {
		return SignalSendState{}, false, fmt.Errorf("get signal send state: %w", err)
	}
	state.SignalType = SignalType(signalType)
	state.LastEventID = lastEventID.String
	state.LastError = lastError.String
	state.LastAttemptAt = unixPtr(lastAttemptAt)
	state.LastSuccessAt = unixPtr(lastSuccessAt)
	return state, true, nil
}

func (s *SQLStore) UpsertSignalSendState(ctx context.Context, state SignalSendState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO signal_send_states (session_id, identity_pubkey, contact_pubkey, signal_type, signal_hash,
				last_event_id, last_attempt_at, last_success_at, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, identity_pubkey, contact_pubkey, signal_type, signal_hash) DO UPDATE SET
				last_event_id = excluded.last_event_id,
				last_attempt_at = excluded.last_attempt_at,
				last_success_at = excluded.last_success_at,
				last_error = excluded.last_error`,
			strings.TrimSpace(state.SessionID),
			strings.TrimSpace(state.IdentityPubkey),
			strings.TrimSpace(state.ContactPubkey),
			string(state.SignalType),
			strings.TrimSpace(state.SignalHash),
			nullString(state.LastEventID),
			nullUnix(state.LastAttemptAt),
			nullUnix(state.LastSuccessAt),
			nullString(state.LastError),
		)
		if err != nil {
			return fmt.Errorf("upsert signal send state: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) HasProcessedSignal(ctx context.Context, sessionID string, nonce string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_signals WHERE session_id = ? AND nonce = ?`,
		strings.TrimSpace(sessionID), strings.TrimSpace(nonce))
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed signal: %w", err)
	}
	return true, nil
}

func (s *SQLStore) MarkProcessedSignal(ctx context.Context, sessionID string, nonce string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO processed_signals (session_id, nonce, processed_at) VALUES (?, ?, ?)
			ON CONFLICT(session_id, nonce) DO NOTHING`,
			strings.TrimSpace(sessionID), strings.TrimSpace(nonce), now.Unix())
		if err != nil {
			return fmt.Errorf("mark processed signal: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnState(row rowScanner) (ConnState, bool, error) {
	var state ConnState
	var status, role, sessionID, failureReason sql.NullString
	var lastAttemptAt, lastSuccessAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&state.ID, &state.IdentityPubkey, &state.ContactPubkey, &status, &sessionID, &role,
		&lastAttemptAt, &lastSuccessAt, &failureReason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ConnState{}, false, nil
	}
	if err != nil {
		return ConnState{}, false, fmt.Errorf("scan connection state: %w", err)
	}
	state.Status = SessionStatus(status.String)
	state.Role = Role(role.String)
	state.SessionID = sessionID.String
	state.LastFailureReason = failureReason.String
	state.LastAttemptAt = unixPtr(lastAttemptAt)
	state.LastSuccessAt = unixPtr(lastSuccessAt)
	state.CreatedAt = time.Unix(createdAt, 0).UTC()
	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return state, true, nil
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}

func nullUnix(value *time.Time) sql.NullInt64 {
	if value == nil || value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.Unix(), Valid: true}
}

func unixPtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := time.Unix(value.Int64, 0).UTC()
	return &t
}
