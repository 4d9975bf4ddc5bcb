package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

const DefaultNotifyThreshold = 5

// Collection names shared by the stores and the change feed.
const (
	CollectionStock    = "stock"
	CollectionSales    = "sales"
	CollectionZReports = "zreports"
)

func IsCollection(name string) bool {
	switch name {
	case CollectionStock, CollectionSales, CollectionZReports:
		return true
	}
	return false
}

type StockItem struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Quantity        int       `json:"quantity"`
	Category        string    `json:"category"`
	PriceCents      int64     `json:"price_cents"`
	NotifyThreshold int       `json:"notify_threshold"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LowStock reports whether the item is under its notify threshold. A zero
// threshold falls back to DefaultNotifyThreshold.
func (s StockItem) LowStock() bool {
	threshold := s.NotifyThreshold
	if threshold <= 0 {
		threshold = DefaultNotifyThreshold
	}
	return s.Quantity < threshold
}

type RestockRequest struct {
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity"`
	Category        string          `json:"category"`
	Price           decimal.Decimal `json:"price"`
	NotifyThreshold *int            `json:"notify_threshold,omitempty"`
}

// RestockInput is the normalized restock handed to the store. A nil
// NotifyThreshold keeps the current threshold of an existing item.
type RestockInput struct {
	ID              string
	Name            string
	Quantity        int
	Category        string
	PriceCents      int64
	NotifyThreshold *int
}

type RestockResponse struct {
	Item    StockItem `json:"item"`
	Created bool      `json:"created"`
}

type AdjustStockRequest struct {
	Delta int `json:"delta"`
}

type AdjustStockResponse struct {
	Item    StockItem `json:"item"`
	Removed bool      `json:"removed"`
}

type StockListItem struct {
	StockItem
	Price    string `json:"price"`
	LowStock bool   `json:"low_stock"`
}

type StockListResponse struct {
	Items      []StockListItem `json:"items"`
	Categories []string        `json:"categories"`
	LowStock   int             `json:"low_stock_count"`
}

type SellRequest struct {
	Quantity int `json:"quantity"`
}

type SaleRecord struct {
	ID         string         `json:"id"`
	ItemID     string         `json:"item_id"`
	ItemName   string         `json:"item_name"`
	Quantity   int            `json:"quantity"`
	TotalCents int64          `json:"total_cents"`
	SoldBy     string         `json:"sold_by"`
	Timestamp  time.Time      `json:"timestamp"`
	Inclusion  InclusionState `json:"included_in_zreport"`
	ZReportID  string         `json:"zreport_id,omitempty"`
}

type SellResponse struct {
	Sale  SaleRecord `json:"sale"`
	Total string     `json:"total"`
}

type SalesDay struct {
	Date       string       `json:"date"`
	Sales      []SaleRecord `json:"sales"`
	TotalCents int64        `json:"total_cents"`
	Total      string       `json:"total"`
}

type SalesHistoryResponse struct {
	Days            []SalesDay `json:"days"`
	Count           int        `json:"count"`
	GrandTotalCents int64      `json:"grand_total_cents"`
	GrandTotal      string     `json:"grand_total"`
}

type ZReport struct {
	ID          string       `json:"id"`
	GeneratedAt time.Time    `json:"generated_at"`
	TotalCents  int64        `json:"total_cents"`
	GeneratedBy string       `json:"generated_by"`
	Sales       []SaleRecord `json:"sales"`
}

type ZReportResult struct {
	Report        ZReport `json:"report"`
	IncludedCount int     `json:"included_count"`
	TotalCents    int64   `json:"total_cents"`
	Total         string  `json:"total"`
}

type ZReportListResponse struct {
	Reports         []ZReport `json:"reports"`
	GrandTotalCents int64     `json:"grand_total_cents"`
	GrandTotal      string    `json:"grand_total"`
}

type ItemType struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ItemTypeCreateRequest struct {
	Name string `json:"name"`
}

// Snapshot is the full current state of one collection as delivered to
// subscribers.
type Snapshot struct {
	Collection string       `json:"collection"`
	At         time.Time    `json:"at"`
	Stock      []StockItem  `json:"stock,omitempty"`
	Sales      []SaleRecord `json:"sales,omitempty"`
	ZReports   []ZReport    `json:"zreports,omitempty"`
}

type Actor struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}
