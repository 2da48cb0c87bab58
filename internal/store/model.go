package store

import "time"

// ProductCategory enumerates the categories a Product can belong to.
type ProductCategory string

const (
	CategoryWine   ProductCategory = "wine"
	CategoryLiquor ProductCategory = "liquor"
	CategoryBeer   ProductCategory = "beer"
	CategoryOther  ProductCategory = "other"
)

// ProductSize enumerates the bottle/container sizes a Product can carry.
type ProductSize string

const (
	Size750ml ProductSize = "750ml"
	Size1L    ProductSize = "1L"
	Size1_5L  ProductSize = "1.5L"
	Size1_75L ProductSize = "1.75L"
	SizeOther ProductSize = "other"
)

// Product is cloud-owned master data, replicated locally and upserted by
// incoming product:upsert messages.
type Product struct {
	ID                string
	SKU               string
	Name              string
	Category          ProductCategory
	Size              ProductSize
	CostCents         int64
	RetailPriceCents  int64
	ParentProductID   *string
	UnitsPerParent    int
	LoyaltyMultiplier float64
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ProductBarcode is the scanner lookup path for a Product.
type ProductBarcode struct {
	ID        string
	ProductID string
	Barcode   string
	IsPrimary bool
}

// Inventory holds one row per product. Invariant: Current >= 0 and
// Reserved <= Current after every committed write.
type Inventory struct {
	ProductID   string
	Current     int64
	Reserved    int64
	LastUpdated time.Time
	LastSynced  time.Time
}

// InventoryChangeType enumerates why an InventoryChange row was written.
type InventoryChangeType string

const (
	ChangeSale       InventoryChangeType = "sale"
	ChangeReturn     InventoryChangeType = "return"
	ChangeAdjustment InventoryChangeType = "adjustment"
	ChangeReceive    InventoryChangeType = "receive"
)

// InventoryChange is an append-only audit row recording a single stock
// movement and the resulting level.
type InventoryChange struct {
	ID               string
	ProductID        string
	ChangeType       InventoryChangeType
	Delta            int64
	ResultingStock   int64
	OriginTerminalID string
	OriginEmployeeID *string
	TransactionID    *string
	ItemID           *string
	CreatedAt        time.Time
}

// Employee is cloud-owned master data, replicated locally.
type Employee struct {
	ID                 string
	Code               string
	FirstName          string
	LastName           string
	PINHash            string
	Active             bool
	CanOverridePrice   bool
	CanVoidTransaction bool
	IsManager          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TransactionStatus enumerates the lifecycle of a Transaction.
type TransactionStatus string

const (
	TxnPending   TransactionStatus = "pending"
	TxnCompleted TransactionStatus = "completed"
	TxnVoided    TransactionStatus = "voided"
	TxnRefunded  TransactionStatus = "refunded"
)

// SyncStatus enumerates a Transaction's replication state, independent of
// the outbox row(s) that carry it (a transaction may span several outbox
// rows over its lifetime: new, then later a refund).
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Transaction is a completed or in-progress sale.
type Transaction struct {
	ID                    string
	Number                string
	EmployeeID            string
	CustomerID            *string
	SubtotalCents         int64
	TaxCents              int64
	DiscountCents         int64
	TotalCents            int64
	PointsEarned          int64
	PointsRedeemed        int64
	Status                TransactionStatus
	SalesChannel          string
	OriginTerminalID      string
	SyncStatus            SyncStatus
	OriginalTransactionID *string
	Metadata              string
	CreatedAt             time.Time
	CompletedAt           *time.Time
}

// TransactionItem is one line item of a Transaction.
type TransactionItem struct {
	ID              string
	TransactionID   string
	ProductID       string
	Quantity        int64
	UnitPriceCents  int64
	DiscountCents   int64
	TotalPriceCents int64
	DiscountReason  string
	Returned        bool
}

// PaymentMethod enumerates how a Payment was tendered.
type PaymentMethod string

const (
	PayCash          PaymentMethod = "cash"
	PayCredit        PaymentMethod = "credit"
	PayDebit         PaymentMethod = "debit"
	PayGiftCard      PaymentMethod = "gift_card"
	PayLoyaltyPoints PaymentMethod = "loyalty_points"
	PayEmployeeTab   PaymentMethod = "employee_tab"
	PayThirdParty    PaymentMethod = "third_party"
)

// Payment records one tender applied against a Transaction.
type Payment struct {
	ID            string
	TransactionID string
	Method        PaymentMethod
	AmountCents   int64
	Last4         string
	CardType      string
	AuthCode      string
	TenderedCents *int64
	ChangeCents   *int64
	GiftCardID    string
	PointsUsed    int64
}

// OutboxStatus is the three-state (plus error) delivery lifecycle of an
// Outbox row. Permitted transitions: pending -> peer_ack -> cloud_ack,
// pending -> error, peer_ack -> error.
type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "pending"
	OutboxPeerAck  OutboxStatus = "peer_ack"
	OutboxCloudAck OutboxStatus = "cloud_ack"
	OutboxError    OutboxStatus = "error"
)

// Topic enumerates the closed set of outbox/inbox message topics. Unknown
// topics at deserialization are a recoverable protocol error, not a crash.
type Topic string

const (
	TopicTransactionNew     Topic = "transaction:new"
	TopicInventoryUpdate    Topic = "inventory:update"
	TopicInventoryChecksum  Topic = "inventory:checksum"
	TopicEmployeeUpsert     Topic = "employee:upsert"
	TopicProductUpsert      Topic = "product:upsert"
	TopicDiscountRuleUpsert Topic = "discount_rule:upsert"
	TopicPOSConfigUpdate    Topic = "pos_config:update"
)

// KnownTopics reports whether t is one of the recognized topics.
func KnownTopics(t Topic) bool {
	switch t {
	case TopicTransactionNew, TopicInventoryUpdate, TopicInventoryChecksum,
		TopicEmployeeUpsert, TopicProductUpsert, TopicDiscountRuleUpsert,
		TopicPOSConfigUpdate:
		return true
	default:
		return false
	}
}

// OutboxRow is a durable record of an intent-to-replicate, co-committed
// with the business effect it describes.
type OutboxRow struct {
	ID           string
	Topic        Topic
	Payload      []byte
	Status       OutboxStatus
	RetryCount   int
	CreatedAt    time.Time
	PeerAckedAt  *time.Time
	CloudAckedAt *time.Time
}

// InboxProcessedRow is a durable record that a given message id has been
// applied at this terminal; the basis for idempotency.
type InboxProcessedRow struct {
	MessageID      string
	SourceTerminal string
	Topic          Topic
	Payload        []byte
	ProcessedAt    time.Time
}

// DiscountType enumerates how a DiscountRule reduces price.
type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountAmount  DiscountType = "amount"
)

// DiscountRule is cloud-owned pricing master data, replicated locally by
// discount_rule:upsert messages. The core never evaluates rules; it only
// keeps the replica current.
type DiscountRule struct {
	ID                 string
	Name               string
	AppliesToCategory  string
	AppliesToProductID *string
	DiscountType       DiscountType
	PercentOff         float64
	AmountOffCents     int64
	MinQuantity        int
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// POSConfigEntry is one key/value row of terminal configuration pushed
// down from the cloud via pos_config:update messages.
type POSConfigEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Customer is loyalty master data; phone is the unique lookup key.
type Customer struct {
	ID            string
	Phone         string
	FirstName     string
	LastName      string
	LoyaltyPoints int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
