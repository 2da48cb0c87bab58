package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertProduct inserts or updates a Product row. Used both by the
// product:upsert inbound handler and by local catalog seeding.
func UpsertProduct(ctx context.Context, e execer, p *Product) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := e.ExecContext(ctx, `
		INSERT INTO products (
			id, sku, name, category, size, cost_cents, retail_price_cents,
			parent_product_id, units_per_parent, loyalty_multiplier, active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			category = excluded.category,
			size = excluded.size,
			cost_cents = excluded.cost_cents,
			retail_price_cents = excluded.retail_price_cents,
			parent_product_id = excluded.parent_product_id,
			units_per_parent = excluded.units_per_parent,
			loyalty_multiplier = excluded.loyalty_multiplier,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		p.ID, p.SKU, p.Name, string(p.Category), string(p.Size), p.CostCents,
		p.RetailPriceCents, p.ParentProductID, p.UnitsPerParent,
		p.LoyaltyMultiplier, boolToInt(p.Active), p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert product: %w", err)
	}
	return nil
}

// GetProduct retrieves a Product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, productSelect+" WHERE id = ?", id))
}

// GetProductBySKU retrieves a Product by its unique SKU.
func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, productSelect+" WHERE sku = ?", sku))
}

const productSelect = `
	SELECT id, sku, name, category, size, cost_cents, retail_price_cents,
	       parent_product_id, units_per_parent, loyalty_multiplier, active,
	       created_at, updated_at
	FROM products`

func scanProduct(row *sql.Row) (*Product, error) {
	var p Product
	var category, size string
	var active int
	var createdAt, updatedAt int64
	var parentID sql.NullString

	err := row.Scan(&p.ID, &p.SKU, &p.Name, &category, &size, &p.CostCents,
		&p.RetailPriceCents, &parentID, &p.UnitsPerParent, &p.LoyaltyMultiplier,
		&active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan product: %w", err)
	}

	p.Category = ProductCategory(category)
	p.Size = ProductSize(size)
	p.Active = active != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if parentID.Valid {
		v := parentID.String
		p.ParentProductID = &v
	}
	return &p, nil
}

// UpsertBarcode inserts or updates a ProductBarcode row.
func UpsertBarcode(ctx context.Context, e execer, b *ProductBarcode) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO product_barcodes (id, product_id, barcode, is_primary)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			barcode = excluded.barcode,
			is_primary = excluded.is_primary
	`, b.ID, b.ProductID, b.Barcode, boolToInt(b.IsPrimary))
	if err != nil {
		return fmt.Errorf("store: upsert barcode: %w", err)
	}
	return nil
}

// GetProductByBarcode resolves the scanner lookup path.
func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*Product, error) {
	var productID string
	err := s.db.QueryRowContext(ctx,
		`SELECT product_id FROM product_barcodes WHERE barcode = ?`, barcode,
	).Scan(&productID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup barcode: %w", err)
	}
	return s.GetProduct(ctx, productID)
}

// GetInventory retrieves the Inventory row for a product.
func (s *Store) GetInventory(ctx context.Context, productID string) (*Inventory, error) {
	return scanInventory(s.db.QueryRowContext(ctx, inventorySelect+" WHERE product_id = ?", productID))
}

const inventorySelect = `
	SELECT product_id, current_stock, reserved_stock, last_updated, last_synced
	FROM inventory`

func scanInventory(row *sql.Row) (*Inventory, error) {
	var inv Inventory
	var lastUpdated int64
	var lastSynced sql.NullInt64

	err := row.Scan(&inv.ProductID, &inv.Current, &inv.Reserved, &lastUpdated, &lastSynced)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan inventory: %w", err)
	}
	inv.LastUpdated = time.Unix(lastUpdated, 0)
	if lastSynced.Valid {
		inv.LastSynced = time.Unix(lastSynced.Int64, 0)
	}
	return &inv, nil
}

// SetInventory upserts the Inventory row directly (used by product:upsert
// payloads that carry an inventory block, and by reconciler repair).
func SetInventory(ctx context.Context, e execer, inv *Inventory) error {
	if inv.Current < 0 || inv.Reserved > inv.Current {
		return fmt.Errorf("store: inventory invariant violated for product %s: current=%d reserved=%d", inv.ProductID, inv.Current, inv.Reserved)
	}
	now := time.Now()
	_, err := e.ExecContext(ctx, `
		INSERT INTO inventory (product_id, current_stock, reserved_stock, last_updated, last_synced)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			current_stock = excluded.current_stock,
			reserved_stock = excluded.reserved_stock,
			last_updated = excluded.last_updated,
			last_synced = excluded.last_synced
	`, inv.ProductID, inv.Current, inv.Reserved, now.Unix(), nullableUnix(inv.LastSynced))
	if err != nil {
		return fmt.Errorf("store: set inventory: %w", err)
	}
	return nil
}

// ApplyInventoryDelta applies a signed stock delta to a product's
// Inventory row and records an InventoryChange audit row, all within the
// caller's transaction. Returns the resulting stock level.
func ApplyInventoryDelta(ctx context.Context, e execer, change *InventoryChange) (int64, error) {
	row := e.QueryRowContext(ctx, `SELECT current_stock, reserved_stock FROM inventory WHERE product_id = ?`, change.ProductID)
	var current, reserved int64
	err := row.Scan(&current, &reserved)
	if err == sql.ErrNoRows {
		current, reserved = 0, 0
	} else if err != nil {
		return 0, fmt.Errorf("store: read inventory for delta: %w", err)
	}

	resulting := current + change.Delta
	if resulting < 0 {
		return 0, fmt.Errorf("store: inventory delta would go negative for product %s: current=%d delta=%d", change.ProductID, current, change.Delta)
	}
	if reserved > resulting {
		reserved = resulting
	}

	now := time.Now()
	_, err = e.ExecContext(ctx, `
		INSERT INTO inventory (product_id, current_stock, reserved_stock, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			current_stock = excluded.current_stock,
			reserved_stock = excluded.reserved_stock,
			last_updated = excluded.last_updated
	`, change.ProductID, resulting, reserved, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: update inventory: %w", err)
	}

	change.ResultingStock = resulting
	change.CreatedAt = now
	_, err = e.ExecContext(ctx, `
		INSERT INTO inventory_changes (
			id, product_id, change_type, delta, resulting_stock,
			origin_terminal_id, origin_employee_id, transaction_id, item_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, change.ID, change.ProductID, string(change.ChangeType), change.Delta,
		change.ResultingStock, change.OriginTerminalID, change.OriginEmployeeID,
		change.TransactionID, change.ItemID, change.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: insert inventory change: %w", err)
	}

	return resulting, nil
}

// InsertInventoryChange appends one audit row as-is, without touching the
// inventory table. Used by reconciliation repair, where the stock write
// happens through SetInventory.
func InsertInventoryChange(ctx context.Context, e execer, change *InventoryChange) error {
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO inventory_changes (
			id, product_id, change_type, delta, resulting_stock,
			origin_terminal_id, origin_employee_id, transaction_id, item_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, change.ID, change.ProductID, string(change.ChangeType), change.Delta,
		change.ResultingStock, change.OriginTerminalID, change.OriginEmployeeID,
		change.TransactionID, change.ItemID, change.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: insert inventory change: %w", err)
	}
	return nil
}

// CountInventoryChanges returns the number of audit rows for a product.
func (s *Store) CountInventoryChanges(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory_changes WHERE product_id = ?`, productID,
	).Scan(&n)
	return n, err
}

// InventorySnapshotRow is one row of the inventory checksum input, in
// productId ascending order.
type InventorySnapshotRow struct {
	ProductID   string
	Current     int64
	Reserved    int64
	LastUpdated time.Time
}

// ListInventorySnapshot returns every Inventory row ordered by product id
// ascending, the exact input the reconciler's checksum is computed over.
func (s *Store) ListInventorySnapshot(ctx context.Context) ([]InventorySnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, current_stock, reserved_stock, last_updated
		FROM inventory
		ORDER BY product_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list inventory snapshot: %w", err)
	}
	defer rows.Close()

	var out []InventorySnapshotRow
	for rows.Next() {
		var r InventorySnapshotRow
		var lastUpdated int64
		if err := rows.Scan(&r.ProductID, &r.Current, &r.Reserved, &lastUpdated); err != nil {
			return nil, fmt.Errorf("store: scan inventory snapshot row: %w", err)
		}
		r.LastUpdated = time.Unix(lastUpdated, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
