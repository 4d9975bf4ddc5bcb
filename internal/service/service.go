package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"stockbook/backend/internal/cache"
	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/lock"
	"stockbook/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// SystemActor is used by scheduled jobs that run outside any session.
var SystemActor = domain.Actor{Username: "scheduler", Role: domain.RoleAdmin}

type Options struct {
	ReportCache    cache.ReportCache
	ReportCacheTTL time.Duration
	Locker         lock.Locker
	LockTTL        time.Duration
}

type Service struct {
	repo           store.Repository
	reportCache    cache.ReportCache
	reportCacheTTL time.Duration
	locker         lock.Locker
	lockTTL        time.Duration
}

func New(repo store.Repository, opts Options) *Service {
	if opts.ReportCache == nil {
		opts.ReportCache = cache.NoopReportCache{}
	}
	if opts.ReportCacheTTL <= 0 {
		opts.ReportCacheTTL = time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = lock.Noop{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}

	return &Service{
		repo:           repo,
		reportCache:    opts.ReportCache,
		reportCacheTTL: opts.ReportCacheTTL,
		locker:         opts.Locker,
		lockTTL:        opts.LockTTL,
	}
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, fmt.Errorf("%w: authenticated session required", store.ErrForbidden)
	}
	if !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, fmt.Errorf("%w: %s role required", store.ErrForbidden, strings.Join(roles, " or "))
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	return requireRole(ctx, domain.RoleAdmin)
}

func requireAnyRole(ctx context.Context) (domain.Actor, error) {
	return requireRole(ctx, domain.RoleAdmin, domain.RoleUser)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrValidation, fmt.Sprintf(format, args...))
}

func (s *Service) ListStock(ctx context.Context, category string, search string) (domain.StockListResponse, error) {
	if _, err := requireAnyRole(ctx); err != nil {
		return domain.StockListResponse{}, err
	}

	items, err := s.repo.ListStockItems(ctx)
	if err != nil {
		return domain.StockListResponse{}, err
	}
	types, err := s.repo.ListItemTypes(ctx)
	if err != nil {
		return domain.StockListResponse{}, err
	}

	category = strings.TrimSpace(category)
	search = strings.ToLower(strings.TrimSpace(search))
	filterCategory := category != "" && !strings.EqualFold(category, "all")

	categories := make([]string, 0, len(types))
	for _, t := range types {
		categories = append(categories, t.Name)
	}

	resp := domain.StockListResponse{Items: make([]domain.StockListItem, 0, len(items))}
	for _, item := range items {
		categories = append(categories, item.Category)
		if filterCategory && item.Category != category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(item.Name), search) {
			continue
		}
		low := item.LowStock()
		if low {
			resp.LowStock++
		}
		resp.Items = append(resp.Items, domain.StockListItem{
			StockItem: item,
			Price:     domain.FormatCents(item.PriceCents),
			LowStock:  low,
		})
	}
	slices.SortFunc(resp.Items, func(a, b domain.StockListItem) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.Sort(categories)
	resp.Categories = slices.Compact(categories)
	return resp, nil
}

func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (domain.RestockResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.RestockResponse{}, err
	}

	name := strings.TrimSpace(req.Name)
	category := strings.TrimSpace(req.Category)
	if name == "" {
		return domain.RestockResponse{}, validationError("name is required")
	}
	if category == "" {
		return domain.RestockResponse{}, validationError("category is required")
	}
	if req.Quantity < 1 || req.Quantity > domain.MaxQuantity {
		return domain.RestockResponse{}, validationError(fmt.Sprintf("quantity must be between 1 and %d", domain.MaxQuantity))
	}
	priceCents, ok := domain.PriceToCents(req.Price)
	if !ok {
		return domain.RestockResponse{}, validationError(fmt.Sprintf("price must be between 0 and %s with at most two decimals", domain.FormatCents(domain.MaxPriceCents)))
	}
	if req.NotifyThreshold != nil && *req.NotifyThreshold < 0 {
		return domain.RestockResponse{}, validationError("notify threshold must not be negative")
	}

	item, created, err := s.repo.RestockItem(ctx, domain.RestockInput{
		Name:            name,
		Quantity:        req.Quantity,
		Category:        category,
		PriceCents:      priceCents,
		NotifyThreshold: req.NotifyThreshold,
	})
	if err != nil {
		return domain.RestockResponse{}, err
	}

	if _, err := s.repo.CreateItemType(ctx, domain.ItemType{Name: category}); err != nil && !errors.Is(err, store.ErrConflict) {
		log.Warn().Err(err).Str("category", category).Msg("[service] failed to register item type")
	}

	s.logAudit(ctx, "stock_restock", item.ID, fmt.Sprintf("name=%s,added=%d,qty=%d,price=%d", item.Name, req.Quantity, item.Quantity, item.PriceCents))
	return domain.RestockResponse{Item: *item, Created: created}, nil
}

func (s *Service) AdjustStock(ctx context.Context, itemID string, delta int) (domain.AdjustStockResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.AdjustStockResponse{}, err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.AdjustStockResponse{}, validationError("item id is required")
	}
	if delta == 0 {
		return domain.AdjustStockResponse{}, validationError("delta must not be zero")
	}
	if delta > domain.MaxQuantity || delta < -domain.MaxQuantity {
		return domain.AdjustStockResponse{}, validationError(fmt.Sprintf("delta must be between -%d and %d", domain.MaxQuantity, domain.MaxQuantity))
	}

	item, err := s.repo.AdjustStock(ctx, itemID, delta)
	if err != nil {
		return domain.AdjustStockResponse{}, err
	}

	s.logAudit(ctx, "stock_adjust", item.ID, fmt.Sprintf("delta=%d,qty=%d", delta, item.Quantity))
	return domain.AdjustStockResponse{Item: *item, Removed: item.Quantity == 0}, nil
}

func (s *Service) DeleteStockItem(ctx context.Context, itemID string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return validationError("item id is required")
	}

	if err := s.repo.DeleteStockItem(ctx, itemID); err != nil {
		return err
	}
	s.logAudit(ctx, "stock_delete", itemID, "")
	return nil
}

func (s *Service) Sell(ctx context.Context, itemID string, req domain.SellRequest) (domain.SellResponse, error) {
	actor, err := requireAnyRole(ctx)
	if err != nil {
		return domain.SellResponse{}, err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.SellResponse{}, validationError("item id is required")
	}
	if req.Quantity < 1 || req.Quantity > domain.MaxQuantity {
		return domain.SellResponse{}, validationError(fmt.Sprintf("quantity must be between 1 and %d", domain.MaxQuantity))
	}

	sale, err := s.repo.RecordSale(ctx, domain.SaleRecord{
		ItemID:    itemID,
		Quantity:  req.Quantity,
		SoldBy:    actor.Username,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return domain.SellResponse{}, err
	}

	s.logAudit(ctx, "sale_record", sale.ID, fmt.Sprintf("item=%s,qty=%d,total=%d", sale.ItemID, sale.Quantity, sale.TotalCents))
	return domain.SellResponse{Sale: *sale, Total: domain.FormatCents(sale.TotalCents)}, nil
}

// ListSales returns every sale, most recent first, grouped by UTC day.
func (s *Service) ListSales(ctx context.Context) (domain.SalesHistoryResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.SalesHistoryResponse{}, err
	}

	sales, err := s.repo.ListSales(ctx)
	if err != nil {
		return domain.SalesHistoryResponse{}, err
	}

	// Reverse first so equal timestamps keep newest-appended first.
	slices.Reverse(sales)
	slices.SortStableFunc(sales, func(a, b domain.SaleRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	resp := domain.SalesHistoryResponse{Days: make([]domain.SalesDay, 0, 8), Count: len(sales)}
	for _, sale := range sales {
		date := sale.Timestamp.UTC().Format(time.DateOnly)
		if n := len(resp.Days); n == 0 || resp.Days[n-1].Date != date {
			resp.Days = append(resp.Days, domain.SalesDay{Date: date})
		}
		day := &resp.Days[len(resp.Days)-1]
		day.Sales = append(day.Sales, sale)
		day.TotalCents += sale.TotalCents
		resp.GrandTotalCents += sale.TotalCents
	}
	for i := range resp.Days {
		resp.Days[i].Total = domain.FormatCents(resp.Days[i].TotalCents)
	}
	resp.GrandTotal = domain.FormatCents(resp.GrandTotalCents)
	return resp, nil
}

func (s *Service) ListItemTypes(ctx context.Context) ([]domain.ItemType, error) {
	if _, err := requireAnyRole(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListItemTypes(ctx)
}

func (s *Service) CreateItemType(ctx context.Context, req domain.ItemTypeCreateRequest) (domain.ItemType, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.ItemType{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.ItemType{}, validationError("name is required")
	}

	created, err := s.repo.CreateItemType(ctx, domain.ItemType{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.ItemType{}, fmt.Errorf("%w: item type %q already exists", store.ErrConflict, name)
		}
		return domain.ItemType{}, err
	}
	s.logAudit(ctx, "item_type_create", created.Name, "")
	return *created, nil
}

// Subscribe streams full snapshots of collection to fn until the returned
// cancel func is called or ctx ends.
func (s *Service) Subscribe(ctx context.Context, collection string, fn func(domain.Snapshot)) (func(), error) {
	actor, err := requireAnyRole(ctx)
	if err != nil {
		return nil, err
	}
	if !domain.IsCollection(collection) {
		return nil, validationError("unknown collection %q", collection)
	}
	if collection != domain.CollectionStock && actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	return s.repo.Subscribe(ctx, collection, fn)
}

func (s *Service) logAudit(ctx context.Context, action string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	log.Info().
		Str("actor", actor.Username).
		Str("role", actor.Role).
		Str("action", action).
		Str("entity", entityID).
		Str("detail", detail).
		Msg("[audit]")
}
