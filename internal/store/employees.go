package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertEmployee inserts or updates an Employee row. Used by the
// employee:upsert inbound handler.
func UpsertEmployee(ctx context.Context, e execer, emp *Employee) error {
	now := time.Now()
	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = now
	}
	emp.UpdatedAt = now

	_, err := e.ExecContext(ctx, `
		INSERT INTO employees (
			id, code, first_name, last_name, pin_hash, active,
			can_override_price, can_void_transaction, is_manager,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			pin_hash = excluded.pin_hash,
			active = excluded.active,
			can_override_price = excluded.can_override_price,
			can_void_transaction = excluded.can_void_transaction,
			is_manager = excluded.is_manager,
			updated_at = excluded.updated_at
	`, emp.ID, emp.Code, emp.FirstName, emp.LastName, emp.PINHash,
		boolToInt(emp.Active), boolToInt(emp.CanOverridePrice),
		boolToInt(emp.CanVoidTransaction), boolToInt(emp.IsManager),
		emp.CreatedAt.Unix(), emp.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: upsert employee: %w", err)
	}
	return nil
}

// GetEmployee retrieves an Employee by id.
func (s *Store) GetEmployee(ctx context.Context, id string) (*Employee, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, first_name, last_name, pin_hash, active,
		       can_override_price, can_void_transaction, is_manager,
		       created_at, updated_at
		FROM employees WHERE id = ?
	`, id)

	var emp Employee
	var active, overridePrice, voidTxn, manager int
	var createdAt, updatedAt int64
	err := row.Scan(&emp.ID, &emp.Code, &emp.FirstName, &emp.LastName, &emp.PINHash,
		&active, &overridePrice, &voidTxn, &manager, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan employee: %w", err)
	}

	emp.Active = active != 0
	emp.CanOverridePrice = overridePrice != 0
	emp.CanVoidTransaction = voidTxn != 0
	emp.IsManager = manager != 0
	emp.CreatedAt = time.Unix(createdAt, 0)
	emp.UpdatedAt = time.Unix(updatedAt, 0)
	return &emp, nil
}
