package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLite implements Ledger on an SQLite database. Expiry is stored as unix
// milliseconds and enforced on read; Sweep deletes elapsed rows.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens or creates an SQLite ledger at the given path.
func NewSQLite(dbPath string, opts ...Option) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer connection; SQLite serializes writes anyway and this keeps
	// the per-connection pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	o := applyOptions(opts)
	return &SQLite{db: db, now: o.now}, nil
}

func (s *SQLite) BatchGetSpend(ctx context.Context, keys []model.SpendKey) ([]float64, error) {
	spends := make([]float64, len(keys))
	if len(keys) == 0 {
		return spends, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.now().UnixMilli())
	for i, key := range keys {
		placeholders[i] = "?"
		args = append(args, key.String())
	}

	query := "SELECT key, spend FROM spend_counters WHERE expires_at > ? AND key IN (" +
		strings.Join(placeholders, ", ") + ")"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer rows.Close()

	found := make(map[string]float64, len(keys))
	for rows.Next() {
		var k string
		var spend float64
		if err := rows.Scan(&k, &spend); err != nil {
			return nil, fmt.Errorf("scan spend row: %w", err)
		}
		found[k] = spend
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spend rows: %w", err)
	}

	for i, key := range keys {
		spends[i] = found[key.String()]
	}
	return spends, nil
}

// IncrementSpend upserts the counter in one statement. A row whose expiry has
// passed is treated as absent: its spend and expiry are replaced.
func (s *SQLite) IncrementSpend(ctx context.Context, key model.SpendKey, amount float64, ttl time.Duration) (float64, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	expiresAt := now.Add(ttl).UnixMilli()

	var total float64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO spend_counters (key, spend, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   spend = CASE WHEN spend_counters.expires_at <= ? THEN excluded.spend
		                ELSE spend_counters.spend + excluded.spend END,
		   expires_at = CASE WHEN spend_counters.expires_at <= ? THEN excluded.expires_at
		                     ELSE spend_counters.expires_at END
		 RETURNING spend`,
		key.String(), amount, expiresAt, nowMs, nowMs,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("increment spend %s: %w", key, err)
	}
	return total, nil
}

// TTL reports the remaining lifetime of a live counter.
func (s *SQLite) TTL(ctx context.Context, key model.SpendKey) (time.Duration, bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM spend_counters WHERE key = ?`, key.String(),
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get counter expiry: %w", err)
	}

	remaining := time.UnixMilli(expiresAt).Sub(s.now())
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

func (s *SQLite) Sweep(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM spend_counters WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep expired counters: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
