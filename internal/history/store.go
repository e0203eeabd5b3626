package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/des-testbed/etxd/internal/neighbor"
	"github.com/des-testbed/etxd/internal/util"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS etx_samples (
	sampled_at INTEGER NOT NULL,
	iface      TEXT    NOT NULL,
	neighbor   TEXT    NOT NULL,
	dr         REAL    NOT NULL,
	df         REAL,
	etx        REAL
);
CREATE INDEX IF NOT EXISTS idx_etx_samples_time ON etx_samples (sampled_at);
`

// Store persists periodic link-quality samples to sqlite so the
// testbed management system can reconstruct topology over time.
// Undefined values are stored as NULL, never as sentinel numbers.
type Store struct {
	db       *sql.DB
	table    *neighbor.Table
	interval time.Duration
	logger   util.Logger
}

func Open(path string, table *neighbor.Table, interval time.Duration, logger util.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{
		db:       db,
		table:    table,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run samples the neighbor table on every tick until the context is
// cancelled. Write failures are logged and the loop keeps going.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if err := s.Sample(now, s.table.All(now)); err != nil {
			s.logger.Error("history sample failed", "error", err)
		}
	}
}

// Sample writes one row per neighbor in a single transaction.
func (s *Store) Sample(now time.Time, infos []neighbor.Info) error {
	if len(infos) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO etx_samples (sampled_at, iface, neighbor, dr, df, etx) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, info := range infos {
		var df, etx any
		if info.HasDF {
			df = info.DF
		}
		if info.Defined {
			etx = info.ETX
		}
		if _, err := stmt.Exec(now.Unix(), info.Iface, info.Addr.String(), info.DR, df, etx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
