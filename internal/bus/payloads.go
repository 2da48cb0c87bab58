package bus

import (
	"time"

	"github.com/laneforge/possync/internal/store"
)

// The types below are the wire shapes carried in outbox payloads, one per
// recognized topic. They are deliberately separate from the store models:
// store rows use native Go types and fixed-point cents, the wire shapes
// pin down JSON field names that every terminal and the cloud agree on.

// TransactionPayload is the transaction:new payload: the full transaction
// tree as committed at the originating terminal.
type TransactionPayload struct {
	Transaction TransactionRecord       `json:"transaction"`
	Items       []TransactionItemRecord `json:"items"`
	Payments    []PaymentRecord         `json:"payments"`
}

// TransactionRecord mirrors store.Transaction on the wire.
type TransactionRecord struct {
	ID                    string     `json:"id"`
	Number                string     `json:"number"`
	EmployeeID            string     `json:"employeeId"`
	CustomerID            *string    `json:"customerId,omitempty"`
	SubtotalCents         int64      `json:"subtotalCents"`
	TaxCents              int64      `json:"taxCents"`
	DiscountCents         int64      `json:"discountCents"`
	TotalCents            int64      `json:"totalCents"`
	PointsEarned          int64      `json:"pointsEarned"`
	PointsRedeemed        int64      `json:"pointsRedeemed"`
	Status                string     `json:"status"`
	SalesChannel          string     `json:"salesChannel"`
	OriginTerminalID      string     `json:"originTerminalId"`
	OriginalTransactionID *string    `json:"originalTransactionId,omitempty"`
	Metadata              string     `json:"metadata"`
	CreatedAt             time.Time  `json:"createdAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
}

// TransactionItemRecord mirrors store.TransactionItem on the wire.
type TransactionItemRecord struct {
	ID              string `json:"id"`
	ProductID       string `json:"productId"`
	Quantity        int64  `json:"quantity"`
	UnitPriceCents  int64  `json:"unitPriceCents"`
	DiscountCents   int64  `json:"discountCents"`
	TotalPriceCents int64  `json:"totalPriceCents"`
	DiscountReason  string `json:"discountReason,omitempty"`
	Returned        bool   `json:"returned"`
}

// PaymentRecord mirrors store.Payment on the wire.
type PaymentRecord struct {
	ID            string `json:"id"`
	Method        string `json:"method"`
	AmountCents   int64  `json:"amountCents"`
	Last4         string `json:"last4,omitempty"`
	CardType      string `json:"cardType,omitempty"`
	AuthCode      string `json:"authCode,omitempty"`
	TenderedCents *int64 `json:"tenderedCents,omitempty"`
	ChangeCents   *int64 `json:"changeCents,omitempty"`
	GiftCardID    string `json:"giftCardId,omitempty"`
	PointsUsed    int64  `json:"pointsUsed,omitempty"`
}

// InventoryUpdatePayload is the inventory:update payload: a signed stock
// delta for one product. Deltas are commutative, so cross-terminal
// application order does not matter.
type InventoryUpdatePayload struct {
	ProductID        string `json:"productId"`
	Delta            int64  `json:"delta"`
	ChangeType       string `json:"changeType"`
	OriginEmployeeID string `json:"originEmployeeId,omitempty"`
	TransactionID    string `json:"transactionId,omitempty"`
	ItemID           string `json:"itemId,omitempty"`
}

// ChecksumPayload is the inventory:checksum payload the reconciler
// publishes: a digest over the terminal's full inventory plus the row
// count it covered.
type ChecksumPayload struct {
	Checksum    string    `json:"checksum"`
	RowCount    int       `json:"rowCount"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// EmployeePayload is the employee:upsert payload.
type EmployeePayload struct {
	ID                 string `json:"id"`
	Code               string `json:"code"`
	FirstName          string `json:"firstName"`
	LastName           string `json:"lastName"`
	PINHash            string `json:"pinHash"`
	Active             bool   `json:"active"`
	CanOverridePrice   bool   `json:"canOverridePrice"`
	CanVoidTransaction bool   `json:"canVoidTransaction"`
	IsManager          bool   `json:"isManager"`
}

// ProductPayload is the product:upsert payload, optionally carrying an
// initial inventory block for new products.
type ProductPayload struct {
	ID                string                 `json:"id"`
	SKU               string                 `json:"sku"`
	Name              string                 `json:"name"`
	Category          string                 `json:"category"`
	Size              string                 `json:"size"`
	CostCents         int64                  `json:"costCents"`
	RetailPriceCents  int64                  `json:"retailPriceCents"`
	ParentProductID   *string                `json:"parentProductId,omitempty"`
	UnitsPerParent    int                    `json:"unitsPerParent"`
	LoyaltyMultiplier float64                `json:"loyaltyMultiplier"`
	Active            bool                   `json:"active"`
	Barcodes          []ProductBarcodeRecord `json:"barcodes,omitempty"`
	Inventory         *InventoryBlock        `json:"inventory,omitempty"`
}

// ProductBarcodeRecord mirrors store.ProductBarcode on the wire.
type ProductBarcodeRecord struct {
	ID        string `json:"id"`
	Barcode   string `json:"barcode"`
	IsPrimary bool   `json:"isPrimary"`
}

// InventoryBlock is the optional stock block inside a product:upsert.
type InventoryBlock struct {
	CurrentStock  int64 `json:"currentStock"`
	ReservedStock int64 `json:"reservedStock"`
}

// DiscountRulePayload is the discount_rule:upsert payload.
type DiscountRulePayload struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	AppliesToCategory  string  `json:"appliesToCategory,omitempty"`
	AppliesToProductID *string `json:"appliesToProductId,omitempty"`
	DiscountType       string  `json:"discountType"`
	PercentOff         float64 `json:"percentOff,omitempty"`
	AmountOffCents     int64   `json:"amountOffCents,omitempty"`
	MinQuantity        int     `json:"minQuantity"`
	Active             bool    `json:"active"`
}

// POSConfigPayload is the pos_config:update payload.
type POSConfigPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewTransactionPayload builds the transaction:new payload from store
// rows.
func NewTransactionPayload(txn *store.Transaction, items []store.TransactionItem, payments []store.Payment) *TransactionPayload {
	p := &TransactionPayload{
		Transaction: TransactionRecord{
			ID:                    txn.ID,
			Number:                txn.Number,
			EmployeeID:            txn.EmployeeID,
			CustomerID:            txn.CustomerID,
			SubtotalCents:         txn.SubtotalCents,
			TaxCents:              txn.TaxCents,
			DiscountCents:         txn.DiscountCents,
			TotalCents:            txn.TotalCents,
			PointsEarned:          txn.PointsEarned,
			PointsRedeemed:        txn.PointsRedeemed,
			Status:                string(txn.Status),
			SalesChannel:          txn.SalesChannel,
			OriginTerminalID:      txn.OriginTerminalID,
			OriginalTransactionID: txn.OriginalTransactionID,
			Metadata:              txn.Metadata,
			CreatedAt:             txn.CreatedAt,
			CompletedAt:           txn.CompletedAt,
		},
	}
	for _, it := range items {
		p.Items = append(p.Items, TransactionItemRecord{
			ID:              it.ID,
			ProductID:       it.ProductID,
			Quantity:        it.Quantity,
			UnitPriceCents:  it.UnitPriceCents,
			DiscountCents:   it.DiscountCents,
			TotalPriceCents: it.TotalPriceCents,
			DiscountReason:  it.DiscountReason,
			Returned:        it.Returned,
		})
	}
	for _, pay := range payments {
		p.Payments = append(p.Payments, PaymentRecord{
			ID:            pay.ID,
			Method:        string(pay.Method),
			AmountCents:   pay.AmountCents,
			Last4:         pay.Last4,
			CardType:      pay.CardType,
			AuthCode:      pay.AuthCode,
			TenderedCents: pay.TenderedCents,
			ChangeCents:   pay.ChangeCents,
			GiftCardID:    pay.GiftCardID,
			PointsUsed:    pay.PointsUsed,
		})
	}
	return p
}

// ToStore converts the wire payload back into store rows for upserting at
// a receiving terminal.
func (p *TransactionPayload) ToStore() (*store.Transaction, []store.TransactionItem, []store.Payment) {
	r := p.Transaction
	txn := &store.Transaction{
		ID:                    r.ID,
		Number:                r.Number,
		EmployeeID:            r.EmployeeID,
		CustomerID:            r.CustomerID,
		SubtotalCents:         r.SubtotalCents,
		TaxCents:              r.TaxCents,
		DiscountCents:         r.DiscountCents,
		TotalCents:            r.TotalCents,
		PointsEarned:          r.PointsEarned,
		PointsRedeemed:        r.PointsRedeemed,
		Status:                store.TransactionStatus(r.Status),
		SalesChannel:          r.SalesChannel,
		OriginTerminalID:      r.OriginTerminalID,
		SyncStatus:            store.SyncSynced,
		OriginalTransactionID: r.OriginalTransactionID,
		Metadata:              r.Metadata,
		CreatedAt:             r.CreatedAt,
		CompletedAt:           r.CompletedAt,
	}
	var items []store.TransactionItem
	for _, it := range p.Items {
		items = append(items, store.TransactionItem{
			ID:              it.ID,
			TransactionID:   r.ID,
			ProductID:       it.ProductID,
			Quantity:        it.Quantity,
			UnitPriceCents:  it.UnitPriceCents,
			DiscountCents:   it.DiscountCents,
			TotalPriceCents: it.TotalPriceCents,
			DiscountReason:  it.DiscountReason,
			Returned:        it.Returned,
		})
	}
	var payments []store.Payment
	for _, pay := range p.Payments {
		payments = append(payments, store.Payment{
			ID:            pay.ID,
			TransactionID: r.ID,
			Method:        store.PaymentMethod(pay.Method),
			AmountCents:   pay.AmountCents,
			Last4:         pay.Last4,
			CardType:      pay.CardType,
			AuthCode:      pay.AuthCode,
			TenderedCents: pay.TenderedCents,
			ChangeCents:   pay.ChangeCents,
			GiftCardID:    pay.GiftCardID,
			PointsUsed:    pay.PointsUsed,
		})
	}
	return txn, items, payments
}
