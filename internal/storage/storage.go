// Package storage provides SQLite-backed persistence for market
// descriptors, raw and filtered ticks, EWMA state, and alert state.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/polyoracle/internal/models"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database for all persistence operations.
type Store struct {
	db         *sql.DB
	maxMarkets int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/polyoracle/data.db.
func New(maxMarkets int, dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polyoracle", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // one connection serializes all reads and writes
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Store{db: db, maxMarkets: maxMarkets}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			market_id         INTEGER PRIMARY KEY,
			yes_token_id      TEXT NOT NULL,
			title             TEXT NOT NULL,
			parent_market_id  INTEGER NOT NULL DEFAULT 0,
			topic_id          TEXT NOT NULL DEFAULT '',
			market_type       INTEGER NOT NULL DEFAULT 0,
			chain_id          TEXT NOT NULL DEFAULT '',
			cutoff_at         INTEGER NOT NULL DEFAULT 0,
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_markets_updated_at ON markets(updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS raw_ticks (
			market_id    INTEGER NOT NULL REFERENCES markets(market_id) ON DELETE CASCADE,
			ts           INTEGER NOT NULL,
			yes_price    REAL NOT NULL,
			volume       REAL NOT NULL,
			delta_volume REAL NOT NULL,
			PRIMARY KEY (market_id, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS filtered_ticks (
			market_id    INTEGER NOT NULL REFERENCES markets(market_id) ON DELETE CASCADE,
			ts           INTEGER NOT NULL,
			yes_price    REAL NOT NULL,
			volume       REAL NOT NULL,
			delta_volume REAL NOT NULL,
			PRIMARY KEY (market_id, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS ewma_state (
			market_id    INTEGER PRIMARY KEY REFERENCES markets(market_id) ON DELETE CASCADE,
			price_mean   REAL NOT NULL DEFAULT 0,
			price_var    REAL NOT NULL DEFAULT 0,
			volume_mean  REAL NOT NULL DEFAULT 0,
			volume_var   REAL NOT NULL DEFAULT 0,
			last_price   REAL NOT NULL DEFAULT 0,
			tick_count   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			market_id       INTEGER PRIMARY KEY REFERENCES markets(market_id) ON DELETE CASCADE,
			last_alert_at   INTEGER NOT NULL DEFAULT 0,
			last_alert_hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS alert_log (
			id           TEXT PRIMARY KEY,
			market_id    INTEGER NOT NULL REFERENCES markets(market_id) ON DELETE CASCADE,
			triggered_at INTEGER NOT NULL,
			score        REAL NOT NULL,
			price_change REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_log_triggered_at ON alert_log(triggered_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertMarket inserts or updates a market descriptor, then enforces the
// overall per-instance market cap by evicting the least recently updated
// rows (and, via ON DELETE CASCADE, their ticks/state/alerts).
func (s *Store) UpsertMarket(m *models.Market) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid market: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO markets
			(market_id, yes_token_id, title, parent_market_id, topic_id, market_type, chain_id, cutoff_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(market_id) DO UPDATE SET
			yes_token_id=excluded.yes_token_id,
			title=excluded.title,
			parent_market_id=excluded.parent_market_id,
			topic_id=excluded.topic_id,
			market_type=excluded.market_type,
			chain_id=excluded.chain_id,
			cutoff_at=excluded.cutoff_at,
			updated_at=excluded.updated_at`,
		m.MarketID, m.YesTokenID, m.Title, m.ParentMarketID, m.TopicID, int(m.MarketType), m.ChainID, m.CutoffAt,
		m.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert market: %w", err)
	}

	if _, err = tx.Exec(`
		DELETE FROM markets WHERE market_id NOT IN (
			SELECT market_id FROM markets ORDER BY updated_at DESC LIMIT ?
		)`, s.maxMarkets); err != nil {
		return fmt.Errorf("failed to enforce market cap: %w", err)
	}

	return tx.Commit()
}

func scanMarket(scan func(...any) error) (*models.Market, error) {
	var m models.Market
	var marketType int
	var updatedAtMillis int64
	err := scan(
		&m.MarketID, &m.YesTokenID, &m.Title, &m.ParentMarketID, &m.TopicID,
		&marketType, &m.ChainID, &m.CutoffAt, &updatedAtMillis,
	)
	if err != nil {
		return nil, err
	}
	m.MarketType = models.MarketType(marketType)
	m.UpdatedAt = time.UnixMilli(updatedAtMillis)
	return &m, nil
}

const marketCols = `market_id, yes_token_id, title, parent_market_id, topic_id, market_type, chain_id, cutoff_at, updated_at`

// GetMarket returns the descriptor for marketID, or an error if not found.
func (s *Store) GetMarket(marketID int64) (*models.Market, error) {
	row := s.db.QueryRow(`SELECT `+marketCols+` FROM markets WHERE market_id = ?`, marketID)
	m, err := scanMarket(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market not found: %d", marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	return m, nil
}

// ListMarkets returns every tracked market descriptor.
func (s *Store) ListMarkets() ([]*models.Market, error) {
	rows, err := s.db.Query(`SELECT ` + marketCols + ` FROM markets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()
	var markets []*models.Market
	for rows.Next() {
		m, err := scanMarket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if markets == nil {
		markets = []*models.Market{}
	}
	return markets, rows.Err()
}

// InsertRawTick appends a raw tick and prunes the raw table for that market
// down to retention rows, all in one transaction.
func (s *Store) InsertRawTick(t *models.Tick, retention int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertAndPrune(tx, "raw_ticks", t, retention); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertRawAndFilteredTick appends the same tick to both raw and filtered
// tables and prunes each to its own retention, atomically. This is the
// "raw-plus-filtered append is atomic" requirement.
func (s *Store) InsertRawAndFilteredTick(t *models.Tick, rawRetention, filteredRetention int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertAndPrune(tx, "raw_ticks", t, rawRetention); err != nil {
		return err
	}
	if err := insertAndPrune(tx, "filtered_ticks", t, filteredRetention); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAndPrune(tx *sql.Tx, table string, t *models.Tick, retention int) error {
	_, err := tx.Exec(fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (market_id, ts, yes_price, volume, delta_volume)
		VALUES (?,?,?,?,?)`, table),
		t.MarketID, t.Ts, t.YesPrice, t.Volume, t.DeltaVolume,
	)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	_, err = tx.Exec(fmt.Sprintf(`
		DELETE FROM %s WHERE market_id = ? AND ts NOT IN (
			SELECT ts FROM %s WHERE market_id = ? ORDER BY ts DESC LIMIT ?
		)`, table, table),
		t.MarketID, t.MarketID, retention,
	)
	if err != nil {
		return fmt.Errorf("failed to prune %s: %w", table, err)
	}
	return nil
}

func scanTicks(rows *sql.Rows) ([]models.Tick, error) {
	defer rows.Close()
	var ticks []models.Tick
	for rows.Next() {
		var t models.Tick
		if err := rows.Scan(&t.MarketID, &t.Ts, &t.YesPrice, &t.Volume, &t.DeltaVolume); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// LatestRawTick returns the most recently observed raw tick for a market,
// or nil if there is none. Used to compute the next delta-volume reference.
func (s *Store) LatestRawTick(marketID int64) (*models.Tick, error) {
	row := s.db.QueryRow(`
		SELECT market_id, ts, yes_price, volume, delta_volume
		FROM raw_ticks WHERE market_id = ? ORDER BY ts DESC LIMIT 1`, marketID)
	var t models.Tick
	err := row.Scan(&t.MarketID, &t.Ts, &t.YesPrice, &t.Volume, &t.DeltaVolume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest raw tick: %w", err)
	}
	return &t, nil
}

// RecentFilteredTicksAsc returns up to limit of the most recent filtered
// ticks for a market, oldest first, for EWMA cold-start seeding.
func (s *Store) RecentFilteredTicksAsc(marketID int64, limit int) ([]models.Tick, error) {
	rows, err := s.db.Query(`
		SELECT market_id, ts, yes_price, volume, delta_volume FROM (
			SELECT market_id, ts, yes_price, volume, delta_volume
			FROM filtered_ticks WHERE market_id = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query filtered ticks: %w", err)
	}
	return scanTicks(rows)
}

// RecentRawTicksDesc returns up to limit of the most recent raw ticks for a
// market, newest first, for chart rendering.
func (s *Store) RecentRawTicksDesc(marketID int64, limit int) ([]models.Tick, error) {
	rows, err := s.db.Query(`
		SELECT market_id, ts, yes_price, volume, delta_volume
		FROM raw_ticks WHERE market_id = ? ORDER BY ts DESC LIMIT ?`, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw ticks: %w", err)
	}
	return scanTicks(rows)
}

// CountRawTicks and CountFilteredTicks support retention-bound assertions
// in tests.
func (s *Store) CountRawTicks(marketID int64) (int, error) {
	return s.countTicks("raw_ticks", marketID)
}

func (s *Store) CountFilteredTicks(marketID int64) (int, error) {
	return s.countTicks("filtered_ticks", marketID)
}

func (s *Store) countTicks(table string, marketID int64) (int, error) {
	var n int
	err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE market_id = ?`, table), marketID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// LoadEWMAState returns the persisted EWMA state for a market, or nil (not
// an error) if the market has never been evaluated.
func (s *Store) LoadEWMAState(marketID int64) (*models.EWMAState, error) {
	row := s.db.QueryRow(`
		SELECT market_id, price_mean, price_var, volume_mean, volume_var, last_price, tick_count
		FROM ewma_state WHERE market_id = ?`, marketID)
	var st models.EWMAState
	err := row.Scan(&st.MarketID, &st.PriceMean, &st.PriceVar, &st.VolumeMean, &st.VolumeVar, &st.LastPrice, &st.TickCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load EWMA state: %w", err)
	}
	return &st, nil
}

// SaveEWMAState persists EWMA state, replacing any existing row.
func (s *Store) SaveEWMAState(st *models.EWMAState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ewma_state
			(market_id, price_mean, price_var, volume_mean, volume_var, last_price, tick_count)
		VALUES (?,?,?,?,?,?,?)`,
		st.MarketID, st.PriceMean, st.PriceVar, st.VolumeMean, st.VolumeVar, st.LastPrice, st.TickCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save EWMA state: %w", err)
	}
	return nil
}

// LoadAlertState returns the persisted alert state for a market, or nil if
// the market has never alerted.
func (s *Store) LoadAlertState(marketID int64) (*models.AlertState, error) {
	row := s.db.QueryRow(`
		SELECT market_id, last_alert_at, last_alert_hash FROM alerts WHERE market_id = ?`, marketID)
	var st models.AlertState
	err := row.Scan(&st.MarketID, &st.LastAlertAt, &st.LastAlertHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert state: %w", err)
	}
	return &st, nil
}

// SaveAlertState persists alert state, replacing any existing row.
func (s *Store) SaveAlertState(st *models.AlertState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO alerts (market_id, last_alert_at, last_alert_hash)
		VALUES (?,?,?)`,
		st.MarketID, st.LastAlertAt, st.LastAlertHash,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert state: %w", err)
	}
	return nil
}

// RecordAlert appends an immutable audit row for a successfully delivered
// alert, keyed by a generated UUID rather than market id so the history of
// repeated alerts for the same market is fully retained.
func (s *Store) RecordAlert(marketID int64, triggeredAt int64, score, priceChange float64) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_log (id, market_id, triggered_at, score, price_change)
		VALUES (?,?,?,?,?)`,
		uuid.NewString(), marketID, triggeredAt, score, priceChange,
	)
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit of the most recent alert-log entries,
// newest first.
func (s *Store) RecentAlerts(limit int) ([]models.AlertLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, market_id, triggered_at, score, price_change
		FROM alert_log ORDER BY triggered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert log: %w", err)
	}
	defer rows.Close()
	var out []models.AlertLogEntry
	for rows.Next() {
		var e models.AlertLogEntry
		if err := rows.Scan(&e.ID, &e.MarketID, &e.TriggeredAt, &e.Score, &e.PriceChange); err != nil {
			return nil, fmt.Errorf("failed to scan alert log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
