package replay

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// DefaultTable is the table SQLStore uses unless configured otherwise. It
// needs two columns: proof_id (primary key or unique) and reserved_at.
const DefaultTable = "consumed_proofs"

// SQLStore is a Store backed by database/sql, for gates deployed across
// several instances. Race safety between instances comes from the unique
// constraint on proof_id: the losing insert is reported as already reserved,
// never as a double settlement.
type SQLStore struct {
	// DB is the database handle.
	DB *sql.DB

	// Table overrides DefaultTable.
	Table string

	// IsConflict classifies an insert error as a unique-constraint
	// violation. The default matches the common "unique"/"duplicate"
	// wording; set a driver-specific check for anything stricter.
	IsConflict func(error) bool
}

// NewSQLStore creates a SQLStore on db with the default table.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db}
}

func (s *SQLStore) table() string {
	if s.Table != "" {
		return s.Table
	}
	return DefaultTable
}

func (s *SQLStore) isConflict(err error) bool {
	if s.IsConflict != nil {
		return s.IsConflict(err)
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// Reserve implements Store.
func (s *SQLStore) Reserve(ctx context.Context, id string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}

	var count int
	row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+s.table()+" WHERE proof_id = ?", id)
	if err := row.Scan(&count); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if count > 0 {
		_ = tx.Rollback()
		return false, nil
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO "+s.table()+" (proof_id, reserved_at) VALUES (?, ?)",
		id, time.Now().UTC())
	if err != nil {
		_ = tx.Rollback()
		if s.isConflict(err) {
			return false, nil
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		if s.isConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release implements Store.
func (s *SQLStore) Release(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM "+s.table()+" WHERE proof_id = ?", id)
	return err
}
