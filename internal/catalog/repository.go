package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"candlekeeper/internal/database"
)

// ErrNotFound is returned when no catalog entry exists for an instrument.
var ErrNotFound = errors.New("instrument not in catalog")

const schema = `
CREATE TABLE IF NOT EXISTS instruments (
	exchange          TEXT    NOT NULL,
	symbol            TEXT    NOT NULL,
	kind              TEXT    NOT NULL,
	proxy_exchange    TEXT    NOT NULL DEFAULT '',
	proxy_symbol      TEXT    NOT NULL DEFAULT '',
	vendor_ticker     TEXT    NOT NULL DEFAULT '',
	session_open_min  INTEGER NOT NULL DEFAULT 0,
	session_close_min INTEGER NOT NULL DEFAULT 1440,
	session_days      TEXT    NOT NULL DEFAULT 'all',
	enabled           INTEGER NOT NULL DEFAULT 1,
	created_ts        TEXT    NOT NULL,
	updated_ts        TEXT    NOT NULL,
	PRIMARY KEY (exchange, symbol)
);
CREATE INDEX IF NOT EXISTS idx_instruments_enabled ON instruments(enabled);
`

// Repository handles database operations for the instrument registry.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates the repository and applies the schema.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Repository{
		db:  db,
		log: log.With().Str("component", "catalog").Logger(),
	}, nil
}

// Upsert inserts or replaces one catalog entry. CreatedTS is preserved on
// replace.
func (r *Repository) Upsert(e Entry) error {
	if e.Exchange == "" || e.Symbol == "" {
		return fmt.Errorf("catalog entry needs exchange and symbol")
	}
	if e.Kind == "" {
		e.Kind = KindCrypto
	}
	if e.SessionDays == "" {
		e.SessionDays = DaysAll
	}
	if e.SessionCloseMin == 0 {
		e.SessionCloseMin = 1440
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.db.Exec(`
		INSERT INTO instruments (
			exchange, symbol, kind, proxy_exchange, proxy_symbol, vendor_ticker,
			session_open_min, session_close_min, session_days, enabled,
			created_ts, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, symbol) DO UPDATE SET
			kind              = excluded.kind,
			proxy_exchange    = excluded.proxy_exchange,
			proxy_symbol      = excluded.proxy_symbol,
			vendor_ticker     = excluded.vendor_ticker,
			session_open_min  = excluded.session_open_min,
			session_close_min = excluded.session_close_min,
			session_days      = excluded.session_days,
			enabled           = excluded.enabled,
			updated_ts        = excluded.updated_ts
	`, e.Exchange, e.Symbol, string(e.Kind), e.ProxyExchange, e.ProxySymbol, e.VendorTicker,
		e.SessionOpenMin, e.SessionCloseMin, e.SessionDays, boolToInt(e.Enabled), now, now)
	if err != nil {
		return fmt.Errorf("upsert instrument %s:%s: %w", e.Exchange, e.Symbol, err)
	}

	r.log.Debug().Str("exchange", e.Exchange).Str("symbol", e.Symbol).Msg("Upserted catalog entry")
	return nil
}

// Get retrieves one entry.
func (r *Repository) Get(exchange, symbol string) (*Entry, error) {
	row := r.db.QueryRow(`
		SELECT exchange, symbol, kind, proxy_exchange, proxy_symbol, vendor_ticker,
		       session_open_min, session_close_min, session_days, enabled,
		       created_ts, updated_ts
		FROM instruments
		WHERE exchange = ? AND symbol = ?
	`, exchange, symbol)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s:%s: %w", exchange, symbol, err)
	}
	return e, nil
}

// List returns catalog entries ordered by exchange then symbol. With
// enabledOnly set, disabled instruments are filtered out.
func (r *Repository) List(enabledOnly bool) ([]Entry, error) {
	query := `
		SELECT exchange, symbol, kind, proxy_exchange, proxy_symbol, vendor_ticker,
		       session_open_min, session_close_min, session_days, enabled,
		       created_ts, updated_ts
		FROM instruments`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY exchange, symbol`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instrument row: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instrument rows: %w", err)
	}
	return out, nil
}

// SetEnabled flips the enabled flag for one instrument.
func (r *Repository) SetEnabled(exchange, symbol string, enabled bool) error {
	result, err := r.db.Exec(`
		UPDATE instruments SET enabled = ?, updated_ts = ?
		WHERE exchange = ? AND symbol = ?
	`, boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), exchange, symbol)
	if err != nil {
		return fmt.Errorf("set enabled for %s:%s: %w", exchange, symbol, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	r.log.Info().Str("exchange", exchange).Str("symbol", symbol).Bool("enabled", enabled).
		Msg("Changed instrument enabled state")
	return nil
}

// Delete removes one instrument from the catalog. Its stored bars and index
// are untouched; prune them separately.
func (r *Repository) Delete(exchange, symbol string) error {
	result, err := r.db.Exec(`
		DELETE FROM instruments WHERE exchange = ? AND symbol = ?
	`, exchange, symbol)
	if err != nil {
		return fmt.Errorf("delete instrument %s:%s: %w", exchange, symbol, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e       Entry
		kind    string
		enabled int
		created string
		updated string
	)
	err := s.Scan(&e.Exchange, &e.Symbol, &kind, &e.ProxyExchange, &e.ProxySymbol,
		&e.VendorTicker, &e.SessionOpenMin, &e.SessionCloseMin, &e.SessionDays,
		&enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Enabled = enabled != 0
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		e.CreatedTS = t
	}
	if t, err := time.Parse(time.RFC3339, updated); err == nil {
		e.UpdatedTS = t
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
