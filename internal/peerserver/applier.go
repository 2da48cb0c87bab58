package peerserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/internal/wire"
)

// ErrUnknownTopic is returned when an inbound envelope names a topic
// outside the recognized set. Answered with an error reply; the sender's
// retry counter eventually dead-letters the row.
var ErrUnknownTopic = fmt.Errorf("peerserver: unknown topic")

// applyMessage applies the business effect of one inbound envelope inside
// the given transaction. The inventory:checksum topic has no store effect
// here; its payload is fed to the reconciler after commit.
func applyMessage(ctx context.Context, tx *store.Tx, env *wire.Envelope) error {
	switch store.Topic(env.Topic) {
	case store.TopicTransactionNew:
		var p bus.TransactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("peerserver: decode transaction payload: %w", err)
		}
		txn, items, payments := p.ToStore()
		return store.UpsertTransactionTree(ctx, tx, txn, items, payments)

	case store.TopicInventoryUpdate:
		var p bus.InventoryUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("peerserver: decode inventory payload: %w", err)
		}
		change := &store.InventoryChange{
			ID:               uuid.New().String(),
			ProductID:        p.ProductID,
			ChangeType:       store.InventoryChangeType(p.ChangeType),
			Delta:            p.Delta,
			OriginTerminalID: env.FromTerminal,
		}
		if change.ChangeType == "" {
			change.ChangeType = store.ChangeSale
		}
		if p.OriginEmployeeID != "" {
			change.OriginEmployeeID = &p.OriginEmployeeID
		}
		if p.TransactionID != "" {
			change.TransactionID = &p.TransactionID
		}
		if p.ItemID != "" {
			change.ItemID = &p.ItemID
		}
		_, err := store.ApplyInventoryDelta(ctx, tx, change)
		return err

	case store.TopicInventoryChecksum:
		// No store effect; the reconciler consumes the payload after the
		// inbox row commits.
		return nil

	case store.TopicEmployeeUpsert:
		var p bus.EmployeePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("peerserver: decode employee payload: %w", err)
		}
		return store.UpsertEmployee(ctx, tx, &store.Employee{
			ID:                 p.ID,
			Code:               p.Code,
			FirstName:          p.FirstName,
			LastName:           p.LastName,
			PINHash:            p.PINHash,
			Active:             p.Active,
			CanOverridePrice:   p.CanOverridePrice,
			CanVoidTransaction: p.CanVoidTransaction,
			IsManager:          p.IsManager,
		})

	case store.TopicProductUpsert:
		var p bus.ProductPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("peerserver: decode product payload: %w", err)
		}
		return applyProductUpsert(ctx, tx, &p)

	case store.TopicDiscountRuleUpsert:
		var p bus.DiscountRulePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("peerserver: decode discount rule payload: %w", err)
		}
		return store.UpsertDiscountRule(ctx, tx, &store.DiscountRule{
			ID:                 p.ID,
			Name:               p.Name,
			AppliesToCategory:  p.AppliesToCategory,
			AppliesToProductID: p.AppliesToProductID,
			DiscountType:       store.DiscountType(p.DiscountType),
			PercentOff:         p.PercentOff,
			AmountOffCents:     p.AmountOffCents,
			MinQuantity:        p.MinQuantity,
			Active:             p.Active,
		})

	case store.TopicPOSConfigUpdate:
		var p bus.POSConfigPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("peerserver: decode pos config payload: %w", err)
		}
		return store.SetPOSConfig(ctx, tx, p.Key, p.Value)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownTopic, env.Topic)
	}
}

func applyProductUpsert(ctx context.Context, tx *store.Tx, p *bus.ProductPayload) error {
	product := &store.Product{
		ID:                p.ID,
		SKU:               p.SKU,
		Name:              p.Name,
		Category:          store.ProductCategory(p.Category),
		Size:              store.ProductSize(p.Size),
		CostCents:         p.CostCents,
		RetailPriceCents:  p.RetailPriceCents,
		ParentProductID:   p.ParentProductID,
		UnitsPerParent:    p.UnitsPerParent,
		LoyaltyMultiplier: p.LoyaltyMultiplier,
		Active:            p.Active,
	}
	if product.UnitsPerParent == 0 {
		product.UnitsPerParent = 1
	}
	if err := store.UpsertProduct(ctx, tx, product); err != nil {
		return err
	}

	for _, b := range p.Barcodes {
		if err := store.UpsertBarcode(ctx, tx, &store.ProductBarcode{
			ID:        b.ID,
			ProductID: p.ID,
			Barcode:   b.Barcode,
			IsPrimary: b.IsPrimary,
		}); err != nil {
			return err
		}
	}

	if p.Inventory != nil {
		if err := store.SetInventory(ctx, tx, &store.Inventory{
			ProductID: p.ID,
			Current:   p.Inventory.CurrentStock,
			Reserved:  p.Inventory.ReservedStock,
		}); err != nil {
			return err
		}
	}
	return nil
}
