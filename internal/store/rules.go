package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertDiscountRule inserts or updates a DiscountRule row. Used by the
// discount_rule:upsert inbound handler.
func UpsertDiscountRule(ctx context.Context, e execer, r *DiscountRule) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := e.ExecContext(ctx, `
		INSERT INTO discount_rules (
			id, name, applies_to_category, applies_to_product_id, discount_type,
			percent_off, amount_off_cents, min_quantity, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			applies_to_category = excluded.applies_to_category,
			applies_to_product_id = excluded.applies_to_product_id,
			discount_type = excluded.discount_type,
			percent_off = excluded.percent_off,
			amount_off_cents = excluded.amount_off_cents,
			min_quantity = excluded.min_quantity,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, r.ID, r.Name, r.AppliesToCategory, r.AppliesToProductID,
		string(r.DiscountType), r.PercentOff, r.AmountOffCents, r.MinQuantity,
		boolToInt(r.Active), r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: upsert discount rule: %w", err)
	}
	return nil
}

// GetDiscountRule retrieves a DiscountRule by id.
func (s *Store) GetDiscountRule(ctx context.Context, id string) (*DiscountRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, applies_to_category, applies_to_product_id, discount_type,
		       percent_off, amount_off_cents, min_quantity, active, created_at, updated_at
		FROM discount_rules WHERE id = ?
	`, id)

	var r DiscountRule
	var dtype string
	var productID sql.NullString
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(&r.ID, &r.Name, &r.AppliesToCategory, &productID, &dtype,
		&r.PercentOff, &r.AmountOffCents, &r.MinQuantity, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan discount rule: %w", err)
	}
	r.DiscountType = DiscountType(dtype)
	r.Active = active != 0
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	if productID.Valid {
		v := productID.String
		r.AppliesToProductID = &v
	}
	return &r, nil
}

// SetPOSConfig upserts a pos_config key/value row. Used by the
// pos_config:update inbound handler.
func SetPOSConfig(ctx context.Context, e execer, key, value string) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO pos_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: set pos config: %w", err)
	}
	return nil
}

// GetPOSConfig retrieves a pos_config value by key.
func (s *Store) GetPOSConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pos_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get pos config: %w", err)
	}
	return value, nil
}

// UpsertCustomer inserts or updates a Customer row.
func UpsertCustomer(ctx context.Context, e execer, c *Customer) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := e.ExecContext(ctx, `
		INSERT INTO customers (id, phone, first_name, last_name, loyalty_points, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phone = excluded.phone,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			loyalty_points = excluded.loyalty_points,
			updated_at = excluded.updated_at
	`, c.ID, c.Phone, c.FirstName, c.LastName, c.LoyaltyPoints,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: upsert customer: %w", err)
	}
	return nil
}

// GetCustomerByPhone resolves the loyalty lookup path.
func (s *Store) GetCustomerByPhone(ctx context.Context, phone string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone, first_name, last_name, loyalty_points, created_at, updated_at
		FROM customers WHERE phone = ?
	`, phone)

	var c Customer
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.Phone, &c.FirstName, &c.LastName, &c.LoyaltyPoints, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan customer: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}
