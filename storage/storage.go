package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Storage wraps the stealthpay persistence layer: merchants, payment
// sessions, nonce high-water marks, and listener handles.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("storage: path must be configured")

	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time; a single pooled connection keeps
	// concurrent nonce transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS merchants (
    handle TEXT PRIMARY KEY,
    viewing_key BLOB NOT NULL,
    spending_pub BLOB NOT NULL,
    chain_id INTEGER NOT NULL,
    tokens TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS merchant_nonces (
    merchant_id TEXT PRIMARY KEY,
    next_nonce INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_sessions (
    payment_id TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    nonce INTEGER NOT NULL,
    stealth_address TEXT NOT NULL,
    settlement_address TEXT NOT NULL,
    token_address TEXT NOT NULL,
    token_amount TEXT NOT NULL,
    chain_id INTEGER NOT NULL,
    status TEXT NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    from_address TEXT NOT NULL DEFAULT '',
    actual_amount TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_merchant_status ON payment_sessions(merchant_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_merchant_nonce ON payment_sessions(merchant_id, nonce);

CREATE TABLE IF NOT EXISTS listeners (
    listener_id TEXT PRIMARY KEY,
    payment_id TEXT NOT NULL,
    address TEXT NOT NULL,
    token_address TEXT NOT NULL,
    chain_id INTEGER NOT NULL,
    started_at TIMESTAMP NOT NULL,
    timeout_at TIMESTAMP NOT NULL,
    last_scanned_block INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_listeners_address_token ON listeners(address, token_address);
`

// MerchantRecord captures persisted merchant registration state.
type MerchantRecord struct {
	Handle      string
	ViewingKey  []byte
	SpendingPub []byte
	ChainID     uint64
	Tokens      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SaveMerchant upserts the merchant registration. Re-registration rotates key
// material in place.
func (s *Storage) SaveMerchant(ctx context.Context, rec MerchantRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	handle := strings.TrimSpace(rec.Handle)
	if handle == "" {
		return fmt.Errorf("merchant handle required")
	}
	if len(rec.ViewingKey) == 0 || len(rec.SpendingPub) == 0 {
		return fmt.Errorf("merchant key material required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO merchants(handle, viewing_key, spending_pub, chain_id, tokens, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(handle) DO UPDATE SET
            viewing_key=excluded.viewing_key,
            spending_pub=excluded.spending_pub,
            chain_id=excluded.chain_id,
            tokens=excluded.tokens,
            updated_at=excluded.updated_at
    `, handle, rec.ViewingKey, rec.SpendingPub, rec.ChainID, strings.Join(rec.Tokens, ","), now, now)
	if err != nil {
		return fmt.Errorf("save merchant: %w", err)
	}
	return nil
}

// GetMerchant loads one merchant registration by handle.
func (s *Storage) GetMerchant(ctx context.Context, handle string) (MerchantRecord, error) {
	rec := MerchantRecord{}
	if s == nil {
		return rec, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT handle, viewing_key, spending_pub, chain_id, tokens, created_at, updated_at
        FROM merchants
        WHERE handle = ?
    `, strings.TrimSpace(handle))
	var tokens string
	if err := row.Scan(&rec.Handle, &rec.ViewingKey, &rec.SpendingPub, &rec.ChainID, &tokens, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("query merchant: %w", err)
	}
	if tokens != "" {
		rec.Tokens = strings.Split(tokens, ",")
	}
	return rec, nil
}

// NextNonce atomically issues the next derivation nonce for a merchant. A
// fresh merchant starts at zero; after restart the counter resumes from the
// persisted high-water mark. The read-modify-write runs in one transaction so
// a crash between read and write never hands out a duplicate.
func (s *Storage) NextNonce(ctx context.Context, merchantID string) (uint64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return 0, fmt.Errorf("merchant id required")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	var next uint64
	err = tx.QueryRowContext(ctx, `
        SELECT next_nonce FROM merchant_nonces WHERE merchant_id = ?
    `, merchantID).Scan(&next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next = 0
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO merchant_nonces(merchant_id, next_nonce, updated_at)
            VALUES(?, 1, ?)
        `, merchantID, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("insert nonce: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("query nonce: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `
            UPDATE merchant_nonces SET next_nonce = ?, updated_at = ? WHERE merchant_id = ?
        `, next+1, time.Now().UTC(), merchantID); err != nil {
			return 0, fmt.Errorf("advance nonce: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit nonce: %w", err)
	}
	return next, nil
}

// SessionRecord is the persisted form of a payment session.
type SessionRecord struct {
	PaymentID         string
	MerchantID        string
	DeviceID          string
	Nonce             uint64
	StealthAddress    string
	SettlementAddress string
	TokenAddress      string
	TokenAmount       string
	ChainID           uint64
	Status            string
	ExpiresAt         time.Time
	TxHash            string
	FromAddress       string
	ActualAmount      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

const sessionColumns = `payment_id, merchant_id, device_id, nonce, stealth_address, settlement_address,
        token_address, token_amount, chain_id, status, expires_at, tx_hash, from_address, actual_amount,
        created_at, updated_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (SessionRecord, error) {
	var rec SessionRecord
	var completedAt sql.NullTime
	if err := row.Scan(&rec.PaymentID, &rec.MerchantID, &rec.DeviceID, &rec.Nonce, &rec.StealthAddress,
		&rec.SettlementAddress, &rec.TokenAddress, &rec.TokenAmount, &rec.ChainID, &rec.Status,
		&rec.ExpiresAt, &rec.TxHash, &rec.FromAddress, &rec.ActualAmount,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt); err != nil {
		return rec, err
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		rec.CompletedAt = &t
	}
	return rec, nil
}

// InsertSession persists a freshly issued session.
func (s *Storage) InsertSession(ctx context.Context, rec SessionRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(rec.PaymentID) == "" {
		return fmt.Errorf("payment id required")
	}
	if strings.TrimSpace(rec.MerchantID) == "" {
		return fmt.Errorf("merchant id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payment_sessions(`+sessionColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.PaymentID, rec.MerchantID, rec.DeviceID, rec.Nonce, rec.StealthAddress, rec.SettlementAddress,
		rec.TokenAddress, rec.TokenAmount, rec.ChainID, rec.Status, rec.ExpiresAt.UTC(),
		rec.TxHash, rec.FromAddress, rec.ActualAmount,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), nullableTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by payment id.
func (s *Storage) GetSession(ctx context.Context, paymentID string) (SessionRecord, error) {
	if s == nil {
		return SessionRecord{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT `+sessionColumns+` FROM payment_sessions WHERE payment_id = ?
    `, strings.TrimSpace(paymentID))
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("query session: %w", err)
	}
	return rec, nil
}

// FindOpenSession returns the non-terminal session matching the issuance
// context, if one exists. Used for idempotent session reuse.
func (s *Storage) FindOpenSession(ctx context.Context, merchantID, deviceID, tokenAddress, tokenAmount string) (SessionRecord, bool, error) {
	if s == nil {
		return SessionRecord{}, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT `+sessionColumns+` FROM payment_sessions
        WHERE merchant_id = ? AND device_id = ? AND LOWER(token_address) = LOWER(?) AND token_amount = ?
          AND status IN ('pending', 'listening')
        ORDER BY created_at DESC
        LIMIT 1
    `, strings.TrimSpace(merchantID), strings.TrimSpace(deviceID), strings.TrimSpace(tokenAddress), strings.TrimSpace(tokenAmount))
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, false, nil
		}
		return rec, false, fmt.Errorf("query open session: %w", err)
	}
	return rec, true, nil
}

// TransitionSession moves a session between states with a guard on the
// current state. Returns false when the guard did not match, which callers
// treat as a lost race rather than an error.
func (s *Storage) TransitionSession(ctx context.Context, paymentID, fromStatus, toStatus string, now time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE payment_sessions SET status = ?, updated_at = ?
        WHERE payment_id = ? AND status = ?
    `, toStatus, now.UTC(), strings.TrimSpace(paymentID), fromStatus)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// CompleteSession atomically records the funding event and flips the session
// to completed. The settlement fields and the status change land in the same
// statement so no reader ever observes one without the other.
func (s *Storage) CompleteSession(ctx context.Context, paymentID, txHash, fromAddress, actualAmount string, completedAt time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(txHash) == "" || strings.TrimSpace(actualAmount) == "" {
		return false, fmt.Errorf("completion requires tx hash and amount")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE payment_sessions
        SET status = 'completed', tx_hash = ?, from_address = ?, actual_amount = ?,
            completed_at = ?, updated_at = ?
        WHERE payment_id = ? AND status IN ('pending', 'listening')
    `, strings.TrimSpace(txHash), strings.TrimSpace(fromAddress), strings.TrimSpace(actualAmount),
		completedAt.UTC(), completedAt.UTC(), strings.TrimSpace(paymentID))
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListActiveSessions returns a merchant's pending and listening sessions.
func (s *Storage) ListActiveSessions(ctx context.Context, merchantID string) ([]SessionRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+sessionColumns+` FROM payment_sessions
        WHERE merchant_id = ? AND status IN ('pending', 'listening')
        ORDER BY created_at ASC
    `, strings.TrimSpace(merchantID))
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListOpenSessions returns every non-terminal session. Used on startup to
// re-attach watchers after a restart.
func (s *Storage) ListOpenSessions(ctx context.Context) ([]SessionRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+sessionColumns+` FROM payment_sessions
        WHERE status IN ('pending', 'listening')
        ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]SessionRecord, error) {
	records := make([]SessionRecord, 0)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// FundingStats aggregates a merchant's sessions by status and by chain.
type FundingStats struct {
	ByStatus map[string]int
	ByChain  map[uint64]int
}

// SessionStats computes funding statistics for a merchant.
func (s *Storage) SessionStats(ctx context.Context, merchantID string) (FundingStats, error) {
	stats := FundingStats{ByStatus: make(map[string]int), ByChain: make(map[uint64]int)}
	if s == nil {
		return stats, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT status, chain_id, COUNT(*)
        FROM payment_sessions
        WHERE merchant_id = ?
        GROUP BY status, chain_id
    `, strings.TrimSpace(merchantID))
	if err != nil {
		return stats, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var chainID uint64
		var count int
		if err := rows.Scan(&status, &chainID, &count); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByStatus[status] += count
		stats.ByChain[chainID] += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// ListenerRecord is the persisted form of an active listener handle.
type ListenerRecord struct {
	ListenerID       string
	PaymentID        string
	Address          string
	TokenAddress     string
	ChainID          uint64
	StartedAt        time.Time
	TimeoutAt        time.Time
	LastScannedBlock uint64
}

// SaveListener upserts the listener handle. The unique (address, token)
// index backs the at-most-one-listener-per-address invariant at the storage
// layer; the engine enforces it in memory first. Re-attaching to an address
// after a restart replaces the stale row.
func (s *Storage) SaveListener(ctx context.Context, rec ListenerRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(rec.ListenerID) == "" {
		return fmt.Errorf("listener id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO listeners(listener_id, payment_id, address, token_address, chain_id, started_at, timeout_at, last_scanned_block)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(address, token_address) DO UPDATE SET
            listener_id=excluded.listener_id,
            payment_id=excluded.payment_id,
            last_scanned_block=excluded.last_scanned_block,
            timeout_at=excluded.timeout_at
    `, rec.ListenerID, rec.PaymentID, strings.TrimSpace(rec.Address), strings.TrimSpace(rec.TokenAddress),
		rec.ChainID, rec.StartedAt.UTC(), rec.TimeoutAt.UTC(), rec.LastScannedBlock)
	if err != nil {
		return fmt.Errorf("save listener: %w", err)
	}
	return nil
}

// UpdateListenerCheckpoint advances the re-scan watermark for a listener.
func (s *Storage) UpdateListenerCheckpoint(ctx context.Context, listenerID string, block uint64) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE listeners SET last_scanned_block = ? WHERE listener_id = ?
    `, block, strings.TrimSpace(listenerID)); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	return nil
}

// DeleteListener retires a listener handle.
func (s *Storage) DeleteListener(ctx context.Context, listenerID string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM listeners WHERE listener_id = ?
    `, strings.TrimSpace(listenerID)); err != nil {
		return fmt.Errorf("delete listener: %w", err)
	}
	return nil
}

// GetListener loads one listener handle by id.
func (s *Storage) GetListener(ctx context.Context, listenerID string) (ListenerRecord, error) {
	rec := ListenerRecord{}
	if s == nil {
		return rec, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT listener_id, payment_id, address, token_address, chain_id, started_at, timeout_at, last_scanned_block
        FROM listeners WHERE listener_id = ?
    `, strings.TrimSpace(listenerID))
	if err := row.Scan(&rec.ListenerID, &rec.PaymentID, &rec.Address, &rec.TokenAddress, &rec.ChainID,
		&rec.StartedAt, &rec.TimeoutAt, &rec.LastScannedBlock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("query listener: %w", err)
	}
	return rec, nil
}

// ListListeners returns all persisted listener handles, optionally filtered
// by merchant through a join on the owning session.
func (s *Storage) ListListeners(ctx context.Context, merchantID string) ([]ListenerRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `
        SELECT l.listener_id, l.payment_id, l.address, l.token_address, l.chain_id, l.started_at, l.timeout_at, l.last_scanned_block
        FROM listeners l`
	args := make([]any, 0, 1)
	if trimmed := strings.TrimSpace(merchantID); trimmed != "" {
		query += `
        JOIN payment_sessions p ON p.payment_id = l.payment_id
        WHERE p.merchant_id = ?`
		args = append(args, trimmed)
	}
	query += `
        ORDER BY l.started_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listeners: %w", err)
	}
	defer rows.Close()
	records := make([]ListenerRecord, 0)
	for rows.Next() {
		var rec ListenerRecord
		if err := rows.Scan(&rec.ListenerID, &rec.PaymentID, &rec.Address, &rec.TokenAddress, &rec.ChainID,
			&rec.StartedAt, &rec.TimeoutAt, &rec.LastScannedBlock); err != nil {
			return nil, fmt.Errorf("scan listener: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listeners: %w", err)
	}
	return records, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
