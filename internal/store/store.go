package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/secretari/capture-gateway/internal/observability"
	"github.com/secretari/capture-gateway/internal/resilience"
)

// ErrNotFound is returned when no record exists for the given id
var ErrNotFound = errors.New("record not found")

// Store is a SQLite-backed transcript record store
type Store struct {
	db    *sql.DB
	log   zerolog.Logger
	clock func() time.Time
	retry *resilience.RetryConfig
}

// Open initializes the record store at the given path, creating the
// parent directory and schema as needed.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log,
		clock: time.Now,
		retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    50 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
		},
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY,
    transcript TEXT NOT NULL,
    locale TEXT NOT NULL,
    summaries TEXT NOT NULL DEFAULT '{}',
    checklist TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new transcript record keyed by the current epoch
// millisecond timestamp. On a key collision the id is bumped until it
// is unique, so two sessions never share a record.
func (s *Store) Insert(ctx context.Context, transcript, locale string) (int64, error) {
	id := s.clock().UnixMilli()
	now := s.clock().UTC()

	err := s.write(ctx, "insert", func() error {
		for {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO records(id, transcript, locale, summaries, checklist, created_at, updated_at)
				 VALUES(?, ?, ?, '{}', '[]', ?, ?)`,
				id, transcript, locale, now, now)
			if err == nil {
				return nil
			}
			if isUniqueViolation(err) {
				id++
				continue
			}
			return err
		}
	})
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}

	s.log.Debug().Int64("record_id", id).Str("locale", locale).Msg("Record inserted")
	return id, nil
}

// AppendSummary appends text to the record's summary for the given
// locale, terminated with a newline. The whole summaries map is
// rewritten, so the last writer wins.
func (s *Store) AppendSummary(ctx context.Context, id int64, locale, text string) error {
	err := s.write(ctx, "append_summary", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var raw string
			row := tx.QueryRowContext(ctx, `SELECT summaries FROM records WHERE id = ?`, id)
			if err := row.Scan(&raw); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return err
			}

			summaries := map[string]string{}
			if err := json.Unmarshal([]byte(raw), &summaries); err != nil {
				summaries = map[string]string{}
			}
			summaries[locale] += text + "\n"

			updated, err := json.Marshal(summaries)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE records SET summaries = ?, updated_at = ? WHERE id = ?`,
				string(updated), s.clock().UTC(), id)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("append summary: %w", err)
	}
	return nil
}

// ReplaceChecklist replaces the record's structured checklist
func (s *Store) ReplaceChecklist(ctx context.Context, id int64, items []ChecklistItem) error {
	if items == nil {
		items = []ChecklistItem{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode checklist: %w", err)
	}

	err = s.write(ctx, "replace_checklist", func() error {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE records SET checklist = ?, updated_at = ? WHERE id = ?`,
			string(encoded), s.clock().UTC(), id)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace checklist: %w", err)
	}
	return nil
}

// Get retrieves a record by id
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, transcript, locale, summaries, checklist, created_at, updated_at
		 FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// List retrieves up to limit records, newest first
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transcript, locale, summaries, checklist, created_at, updated_at
		 FROM records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a record by id
func (s *Store) Delete(ctx context.Context, id int64) error {
	err := s.write(ctx, "delete", func() error {
		res, execErr := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// write runs a mutation with transient-busy retries and records the
// outcome metric.
func (s *Store) write(ctx context.Context, op string, fn func() error) error {
	err := resilience.Retry(func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fn()
	}, s.retry, func(err error) bool {
		return resilience.IsRetryableNetworkError(err)
	})
	observability.RecordStoreWrite(op, err)
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var (
		rec        Record
		summaries  string
		checklist  string
		created    string
		updated    string
	)
	if err := scan(&rec.ID, &rec.Transcript, &rec.Locale, &summaries, &checklist, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summaries), &rec.Summaries); err != nil {
		rec.Summaries = map[string]string{}
	}
	if err := json.Unmarshal([]byte(checklist), &rec.Checklist); err != nil {
		rec.Checklist = nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint violation")
}
