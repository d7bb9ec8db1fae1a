package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			store_id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			primary_exchange TEXT NOT NULL,
			primary_credential_id TEXT NOT NULL,
			primary_side TEXT NOT NULL,
			primary_leverage INTEGER NOT NULL,
			primary_quantity REAL NOT NULL,
			primary_filled REAL NOT NULL DEFAULT 0,
			primary_order_ids TEXT NOT NULL DEFAULT '[]',
			primary_status TEXT NOT NULL,
			primary_error TEXT,
			primary_entry_price REAL NOT NULL DEFAULT 0,
			hedge_exchange TEXT NOT NULL,
			hedge_credential_id TEXT NOT NULL,
			hedge_side TEXT NOT NULL,
			hedge_leverage INTEGER NOT NULL,
			hedge_quantity REAL NOT NULL,
			hedge_filled REAL NOT NULL DEFAULT 0,
			hedge_order_ids TEXT NOT NULL DEFAULT '[]',
			hedge_status TEXT NOT NULL,
			hedge_error TEXT,
			hedge_entry_price REAL NOT NULL DEFAULT 0,
			parts INTEGER NOT NULL,
			part_delay_ms INTEGER NOT NULL DEFAULT 0,
			current_part INTEGER NOT NULL DEFAULT 0,
			strategy TEXT NOT NULL,
			primary_funding_rate REAL NOT NULL DEFAULT 0,
			hedge_funding_rate REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			last_check_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			testnet BOOLEAN NOT NULL DEFAULT 0,
			auth_token TEXT
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// PositionRepository Implementation

const positionColumns = `store_id, position_id, user_id, symbol,
	primary_exchange, primary_credential_id, primary_side, primary_leverage, primary_quantity,
	primary_filled, primary_order_ids, primary_status, primary_error, primary_entry_price,
	hedge_exchange, hedge_credential_id, hedge_side, hedge_leverage, hedge_quantity,
	hedge_filled, hedge_order_ids, hedge_status, hedge_error, hedge_entry_price,
	parts, part_delay_ms, current_part, strategy, primary_funding_rate, hedge_funding_rate,
	status, error, started_at, completed_at, last_check_at`

func marshalOrderIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func unmarshalOrderIDs(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []string
	_ = json.Unmarshal([]byte(raw), &ids)
	return ids
}

func (s *SQLiteStore) SavePosition(ctx context.Context, rec *domain.PositionRecord) error {
	query := `INSERT INTO positions (` + positionColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, positionArgs(rec)...)
	return err
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, rec *domain.PositionRecord) error {
	query := `UPDATE positions SET
		position_id = ?, user_id = ?, symbol = ?,
		primary_exchange = ?, primary_credential_id = ?, primary_side = ?, primary_leverage = ?, primary_quantity = ?,
		primary_filled = ?, primary_order_ids = ?, primary_status = ?, primary_error = ?, primary_entry_price = ?,
		hedge_exchange = ?, hedge_credential_id = ?, hedge_side = ?, hedge_leverage = ?, hedge_quantity = ?,
		hedge_filled = ?, hedge_order_ids = ?, hedge_status = ?, hedge_error = ?, hedge_entry_price = ?,
		parts = ?, part_delay_ms = ?, current_part = ?, strategy = ?, primary_funding_rate = ?, hedge_funding_rate = ?,
		status = ?, error = ?, started_at = ?, completed_at = ?, last_check_at = ?
		WHERE store_id = ?`
	args := positionArgs(rec)
	// Shift store_id from first to the WHERE clause.
	args = append(args[1:], rec.StoreID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return errors.Errorf("position %s not found", rec.StoreID)
	}
	return err
}

func (s *SQLiteStore) UpdatePositionStatus(ctx context.Context, storeID string, status domain.PositionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = ?, error = ? WHERE store_id = ?`,
		string(status), errMsg, storeID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return errors.Errorf("position %s not found", storeID)
	}
	return err
}

func (s *SQLiteStore) GetPosition(ctx context.Context, storeID string) (*domain.PositionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE store_id = ?`, storeID)
	return scanPosition(row)
}

func (s *SQLiteStore) GetPositionByPositionID(ctx context.Context, positionID string) (*domain.PositionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE position_id = ?`, positionID)
	return scanPosition(row)
}

func (s *SQLiteStore) ListPositionsByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]*domain.PositionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.PositionRecord
	for rows.Next() {
		rec, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func positionArgs(rec *domain.PositionRecord) []interface{} {
	var completedAt, lastCheckAt sql.NullTime
	if rec.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}
	if rec.LastCheckAt != nil {
		lastCheckAt = sql.NullTime{Time: *rec.LastCheckAt, Valid: true}
	}

	return []interface{}{
		rec.StoreID, rec.PositionID, rec.UserID, rec.Symbol,
		rec.Primary.Exchange, rec.Primary.CredentialID, string(rec.Primary.Side), rec.Primary.Leverage, rec.Primary.Quantity,
		rec.Primary.Filled, marshalOrderIDs(rec.Primary.OrderIDs), string(rec.Primary.Status), rec.Primary.ErrorMsg, rec.Primary.EntryPrice,
		rec.Hedge.Exchange, rec.Hedge.CredentialID, string(rec.Hedge.Side), rec.Hedge.Leverage, rec.Hedge.Quantity,
		rec.Hedge.Filled, marshalOrderIDs(rec.Hedge.OrderIDs), string(rec.Hedge.Status), rec.Hedge.ErrorMsg, rec.Hedge.EntryPrice,
		rec.Parts, rec.PartDelay.Milliseconds(), rec.CurrentPart, string(rec.Strategy), rec.PrimaryFundingRate, rec.HedgeFundingRate,
		string(rec.Status), rec.ErrorMsg, rec.StartedAt, completedAt, lastCheckAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.PositionRecord, error) {
	var rec domain.PositionRecord
	var primaryOrderIDs, hedgeOrderIDs string
	var primaryErr, hedgeErr, posErr sql.NullString
	var partDelayMs int64
	var completedAt, lastCheckAt sql.NullTime

	err := row.Scan(
		&rec.StoreID, &rec.PositionID, &rec.UserID, &rec.Symbol,
		&rec.Primary.Exchange, &rec.Primary.CredentialID, &rec.Primary.Side, &rec.Primary.Leverage, &rec.Primary.Quantity,
		&rec.Primary.Filled, &primaryOrderIDs, &rec.Primary.Status, &primaryErr, &rec.Primary.EntryPrice,
		&rec.Hedge.Exchange, &rec.Hedge.CredentialID, &rec.Hedge.Side, &rec.Hedge.Leverage, &rec.Hedge.Quantity,
		&rec.Hedge.Filled, &hedgeOrderIDs, &rec.Hedge.Status, &hedgeErr, &rec.Hedge.EntryPrice,
		&rec.Parts, &partDelayMs, &rec.CurrentPart, &rec.Strategy, &rec.PrimaryFundingRate, &rec.HedgeFundingRate,
		&rec.Status, &posErr, &rec.StartedAt, &completedAt, &lastCheckAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Primary.OrderIDs = unmarshalOrderIDs(primaryOrderIDs)
	rec.Hedge.OrderIDs = unmarshalOrderIDs(hedgeOrderIDs)
	rec.Primary.ErrorMsg = primaryErr.String
	rec.Hedge.ErrorMsg = hedgeErr.String
	rec.ErrorMsg = posErr.String
	rec.PartDelay = time.Duration(partDelayMs) * time.Millisecond
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if lastCheckAt.Valid {
		t := lastCheckAt.Time
		rec.LastCheckAt = &t
	}
	return &rec, nil
}

// CredentialRepository Implementation

func (s *SQLiteStore) SaveCredentials(ctx context.Context, creds *domain.ExchangeCredentials) error {
	query := `INSERT INTO credentials (id, api_key, api_secret, testnet, auth_token)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  api_key=excluded.api_key,
			  api_secret=excluded.api_secret,
			  testnet=excluded.testnet,
			  auth_token=excluded.auth_token`
	_, err := s.db.ExecContext(ctx, query,
		creds.ID, creds.APIKey, creds.APISecret, creds.Testnet, creds.AuthToken)
	return err
}

func (s *SQLiteStore) GetCredentials(ctx context.Context, id string) (*domain.ExchangeCredentials, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, api_secret, testnet, auth_token FROM credentials WHERE id = ?`, id)

	var c domain.ExchangeCredentials
	var authToken sql.NullString
	if err := row.Scan(&c.ID, &c.APIKey, &c.APISecret, &c.Testnet, &authToken); err != nil {
		return nil, err
	}
	c.AuthToken = authToken.String
	return &c, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
