package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Book struct {
	ID        int64           `json:"id"`
	ISBN      string          `json:"isbn"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Warehouse struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// StockRecord is the per (warehouse, book) counter set. Only the ledger
// mutates it.
type StockRecord struct {
	WarehouseID int64     `json:"warehouse_id"`
	BookID      int64     `json:"book_id"`
	Priority    int       `json:"priority"`
	OnHand      int       `json:"on_hand"`
	Reserved    int       `json:"reserved"`
	Sold        int       `json:"sold"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s StockRecord) Available() int {
	return s.OnHand - s.Reserved - s.Sold
}

type InventoryTxType string

const (
	InventoryReserve      InventoryTxType = "reserve"
	InventoryRelease      InventoryTxType = "release"
	InventoryCommit       InventoryTxType = "commit"
	InventoryManualAdjust InventoryTxType = "manual_adjust"
)

type InventoryTransaction struct {
	ID             int64           `json:"id"`
	WarehouseID    int64           `json:"warehouse_id"`
	BookID         int64           `json:"book_id"`
	Type           InventoryTxType `json:"type"`
	QuantityChange int             `json:"quantity_change"`
	ReferenceID    string          `json:"reference_id"`
	Note           string          `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Cart struct {
	ID     int64      `json:"id"`
	UserID int64      `json:"user_id"`
	Items  []CartItem `json:"items"`
}

type CartItem struct {
	BookID            int64           `json:"book_id"`
	Quantity          int             `json:"quantity"`
	UnitPriceSnapshot decimal.Decimal `json:"unit_price_snapshot"`
}

// Coupon with a nil UserID is a public promo and is never consumed.
type Coupon struct {
	ID                int64            `json:"id"`
	Code              string           `json:"code"`
	Value             decimal.Decimal  `json:"value"`
	IsPercentage      bool             `json:"is_percentage"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
	Expiration        time.Time        `json:"expiration"`
	IsUsed            bool             `json:"is_used"`
	UserID            *int64           `json:"user_id,omitempty"`
	UsedAt            *time.Time       `json:"used_at,omitempty"`
}

type Address struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id,omitempty"`
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	Line1         string `json:"line1"`
	City          string `json:"city"`
	PostalCode    string `json:"postal_code,omitempty"`
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipping  OrderStatus = "shipping"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

type Order struct {
	ID             int64           `json:"id"`
	OrderNumber    string          `json:"order_number"`
	UserID         int64           `json:"user_id"`
	Status         OrderStatus     `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	AddressID      int64           `json:"address_id"`
	CouponID       *int64          `json:"coupon_id,omitempty"`
	PaymentMethod  string          `json:"payment_method"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	Items          []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	BookID    int64           `json:"book_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

type OrderStatusLog struct {
	ID        int64        `json:"id"`
	OrderID   int64        `json:"order_id"`
	OldStatus *OrderStatus `json:"old_status"`
	NewStatus OrderStatus  `json:"new_status"`
	ChangedAt time.Time    `json:"changed_at"`
	ChangedBy string       `json:"changed_by"`
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed
}

type FailureReason string

const (
	FailureAmountMismatch FailureReason = "amount_mismatch"
	FailureDeclined       FailureReason = "declined"
	FailureTimeout        FailureReason = "timeout"
	FailureUserCancelled  FailureReason = "user_cancelled"
)

type PaymentTransaction struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"order_id"`
	OrderNumber     string          `json:"order_number"`
	Provider        string          `json:"provider"`
	TransactionCode string          `json:"transaction_code"`
	Amount          decimal.Decimal `json:"amount"`
	Status          PaymentStatus   `json:"status"`
	FailureReason   *FailureReason  `json:"failure_reason,omitempty"`
	NeedsReview     bool            `json:"needs_review"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
}

type PaymentCallbackLog struct {
	ID             int64            `json:"id"`
	TransactionID  int64            `json:"transaction_id"`
	ReportedStatus PaymentStatus    `json:"reported_status"`
	ReportedAmount *decimal.Decimal `json:"reported_amount,omitempty"`
	Outcome        string           `json:"outcome"`
	Note           string           `json:"note,omitempty"`
	ReceivedAt     time.Time        `json:"received_at"`
}
