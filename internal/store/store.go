package store

import (
	"context"
	"errors"
	"fmt"

	"stockbook/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrNoNewSales        = errors.New("no new sales")
	ErrForbidden         = errors.New("forbidden")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Unavailable marks a driver or network failure. The cause stays reachable
// through errors.Is.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

type Repository interface {
	ListStockItems(ctx context.Context) ([]domain.StockItem, error)
	GetStockItem(ctx context.Context, id string) (*domain.StockItem, error)
	// RestockItem adds quantity to the item with the given name, overwriting
	// its category and price, or creates it.
	RestockItem(ctx context.Context, input domain.RestockInput) (*domain.StockItem, bool, error)
	// AdjustStock applies delta. A result of zero removes the item and returns
	// it with Quantity 0.
	AdjustStock(ctx context.Context, id string, delta int) (*domain.StockItem, error)
	DeleteStockItem(ctx context.Context, id string) error

	// RecordSale decrements stock and appends the sale in one transaction.
	// The total is computed from the item's current price.
	RecordSale(ctx context.Context, sale domain.SaleRecord) (*domain.SaleRecord, error)
	ListSales(ctx context.Context) ([]domain.SaleRecord, error)

	// CloseZReport claims every candidate sale that is still pending and
	// persists the report built from the claimed subset, atomically. It
	// returns ErrNoNewSales when nothing could be claimed.
	CloseZReport(ctx context.Context, draft domain.ZReport) (*domain.ZReport, error)
	ListZReports(ctx context.Context) ([]domain.ZReport, error)
	GetZReport(ctx context.Context, id string) (*domain.ZReport, error)

	ListItemTypes(ctx context.Context) ([]domain.ItemType, error)
	CreateItemType(ctx context.Context, itemType domain.ItemType) (*domain.ItemType, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	DeleteUser(ctx context.Context, username string) error
	UpdateUserPassword(ctx context.Context, username string, password string) error

	// Subscribe delivers the full snapshot of collection on subscribe and
	// after every change until the returned cancel func is called.
	Subscribe(ctx context.Context, collection string, fn func(domain.Snapshot)) (func(), error)
}
