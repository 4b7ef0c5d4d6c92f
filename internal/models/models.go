package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address is a value object: constructed once, never mutated.
type Address struct {
	City    string `json:"city"`
	Street  string `json:"street"`
	Zipcode string `json:"zipcode"`
}

type Member struct {
	ID           int64     `json:"id"`
	Nickname     string    `json:"nickname"`
	PasswordHash string    `json:"-"`
	UserName     string    `json:"user_name"`
	Address      Address   `json:"address"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"`
}

// Item categories. A tagged variant replaces the original subtype
// hierarchy: the variants never differed in behavior, only in the name
// of one descriptive field (genre/theme/subject), kept here as Descriptor.
const (
	CategoryNovel     = "NOVEL"
	CategoryMagazine  = "MAGAZINE"
	CategoryReference = "REFERENCE"
)

// ParseItemCategory resolves a category tag. The set is closed; an
// unrecognized tag resolves to REFERENCE.
func ParseItemCategory(tag string) string {
	switch tag {
	case CategoryNovel, "Novel":
		return CategoryNovel
	case CategoryMagazine, "Magazine":
		return CategoryMagazine
	default:
		return CategoryReference
	}
}

type Item struct {
	ID            int64           `json:"id"`
	ListingID     int64           `json:"listing_id"`
	Name          string          `json:"name"`
	Author        string          `json:"author"`
	Category      string          `json:"category"`
	Descriptor    string          `json:"descriptor,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

type Listing struct {
	ID             int64     `json:"id"`
	MemberID       int64     `json:"member_id"`
	SellerNickname string    `json:"seller_nickname,omitempty"`
	Status         string    `json:"status"`
	RegisterDate   time.Time `json:"register_date"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int       `json:"version"`
	Item           *Item     `json:"item,omitempty"`
}

const (
	ListingStatusListed    = "LISTED"
	ListingStatusCancelled = "CANCELLED"
)

type Order struct {
	ID          int64           `json:"id"`
	MemberID    int64           `json:"member_id"`
	OrderNumber string          `json:"order_number"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OrderDate   time.Time       `json:"order_date"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int             `json:"version"`
	Items       []OrderItem     `json:"items,omitempty"`
	Deal        *Deal           `json:"deal,omitempty"`
}

const (
	OrderStatusOrdered   = "ORDERED"
	OrderStatusCancelled = "CANCELLED"
)

type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ItemID    int64           `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

// Deal is the settlement record attached 1:1 to an order. Address and
// type are fixed at order time and never re-resolved.
type Deal struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Address   Address   `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	DealTypeDirect   = "DIRECT"
	DealTypeDelivery = "DELIVERY"

	DealStatusWaiting   = "WAITING"
	DealStatusCompleted = "COMPLETED"
)

// ParseDealType resolves a deal type tag: DELIVERY ships to the buyer's
// address, everything else is a DIRECT hand-off at the seller's.
func ParseDealType(tag string) string {
	if tag == DealTypeDelivery || tag == "Delivery" {
		return DealTypeDelivery
	}
	return DealTypeDirect
}
