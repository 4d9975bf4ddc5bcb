package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/feed"
	"stockbook/backend/internal/store"
	"stockbook/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	stockByID       map[string]domain.StockItem
	stockIDByName   map[string]string
	sales           []domain.SaleRecord
	saleIndex       map[string]int
	reports         []domain.ZReport
	itemTypes       map[string]domain.ItemType
	usersByUsername map[string]domain.UserAccount
	hub             *feed.Hub
}

// New returns an empty store.
func New() *Store {
	s := &Store{
		stockByID:       make(map[string]domain.StockItem),
		stockIDByName:   make(map[string]string),
		sales:           make([]domain.SaleRecord, 0, 128),
		saleIndex:       make(map[string]int),
		reports:         make([]domain.ZReport, 0, 16),
		itemTypes:       make(map[string]domain.ItemType),
		usersByUsername: make(map[string]domain.UserAccount),
	}
	s.hub = feed.NewHub(s.Snapshot)
	return s
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD, falling back to dev defaults
// with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	userPwd := envOr("SEED_USER_PASSWORD", "user123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_USER_PASSWORD") == "" {
		log.Warn().Msg("[memory-store] using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"user", userPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("[memory-store] failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo stock, item types and the seed users.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	for _, item := range []domain.StockItem{
		{Name: "Mouse", Category: "Peripherals", Quantity: 10, PriceCents: 2500},
		{Name: "Keyboard", Category: "Peripherals", Quantity: 6, PriceCents: 4500},
		{Name: "USB Cable", Category: "Cables", Quantity: 40, PriceCents: 599},
		{Name: "HDMI Cable", Category: "Cables", Quantity: 3, PriceCents: 1299},
		{Name: "Monitor 24in", Category: "Displays", Quantity: 4, PriceCents: 18900},
	} {
		item.ID = xid.New("item")
		item.NotifyThreshold = domain.DefaultNotifyThreshold
		item.UpdatedAt = now
		s.stockByID[item.ID] = item
		s.stockIDByName[item.Name] = item.ID
		s.itemTypes[item.Category] = domain.ItemType{Name: item.Category, CreatedAt: now}
	}
	return s
}

func (s *Store) Feed() *feed.Hub {
	return s.hub
}

func (s *Store) Subscribe(ctx context.Context, collection string, fn func(domain.Snapshot)) (func(), error) {
	return s.hub.Subscribe(ctx, collection, fn)
}

// Snapshot reads the full current state of one collection.
func (s *Store) Snapshot(ctx context.Context, collection string) (domain.Snapshot, error) {
	snap := domain.Snapshot{Collection: collection, At: time.Now().UTC()}
	var err error
	switch collection {
	case domain.CollectionStock:
		snap.Stock, err = s.ListStockItems(ctx)
	case domain.CollectionSales:
		snap.Sales, err = s.ListSales(ctx)
	case domain.CollectionZReports:
		snap.ZReports, err = s.ListZReports(ctx)
	default:
		return domain.Snapshot{}, feed.ErrUnknownCollection
	}
	return snap, err
}

func (s *Store) ListStockItems(_ context.Context) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(s.stockByID))
	for _, item := range s.stockByID {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.StockItem) int {
		if c := cmpString(a.Name, b.Name); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return items, nil
}

func (s *Store) GetStockItem(_ context.Context, id string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.stockByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) RestockItem(ctx context.Context, input domain.RestockInput) (*domain.StockItem, bool, error) {
	if input.Name == "" || input.Quantity < 1 || input.Quantity > domain.MaxQuantity || input.PriceCents < 0 {
		return nil, false, store.ErrValidation
	}

	s.mu.Lock()
	now := time.Now().UTC()
	var item domain.StockItem
	created := false
	if id, ok := s.stockIDByName[input.Name]; ok {
		item = s.stockByID[id]
		if item.Quantity > domain.MaxQuantity-input.Quantity {
			s.mu.Unlock()
			return nil, false, fmt.Errorf("%w: stock of %q would exceed %d", store.ErrValidation, item.Name, domain.MaxQuantity)
		}
		item.Quantity += input.Quantity
		item.Category = input.Category
		item.PriceCents = input.PriceCents
		if input.NotifyThreshold != nil {
			item.NotifyThreshold = *input.NotifyThreshold
		}
	} else {
		id := input.ID
		if id == "" {
			id = xid.New("item")
		}
		item = domain.StockItem{
			ID:              id,
			Name:            input.Name,
			Quantity:        input.Quantity,
			Category:        input.Category,
			PriceCents:      input.PriceCents,
			NotifyThreshold: domain.DefaultNotifyThreshold,
		}
		if input.NotifyThreshold != nil {
			item.NotifyThreshold = *input.NotifyThreshold
		}
		s.stockIDByName[item.Name] = item.ID
		created = true
	}
	item.UpdatedAt = now
	s.stockByID[item.ID] = item
	s.mu.Unlock()

	s.hub.Notify(ctx, domain.CollectionStock)
	return &item, created, nil
}

func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (*domain.StockItem, error) {
	s.mu.Lock()
	item, ok := s.stockByID[id]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	next := item.Quantity + delta
	if next < 0 {
		s.mu.Unlock()
		return nil, store.ErrInsufficientStock
	}
	if next > domain.MaxQuantity {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: stock of %q would exceed %d", store.ErrValidation, item.Name, domain.MaxQuantity)
	}
	item.Quantity = next
	item.UpdatedAt = time.Now().UTC()
	if next == 0 {
		s.removeItemLocked(item)
	} else {
		s.stockByID[id] = item
	}
	s.mu.Unlock()

	s.hub.Notify(ctx, domain.CollectionStock)
	return &item, nil
}

func (s *Store) DeleteStockItem(ctx context.Context, id string) error {
	s.mu.Lock()
	item, ok := s.stockByID[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	s.removeItemLocked(item)
	s.mu.Unlock()

	s.hub.Notify(ctx, domain.CollectionStock)
	return nil
}

func (s *Store) removeItemLocked(item domain.StockItem) {
	delete(s.stockByID, item.ID)
	if s.stockIDByName[item.Name] == item.ID {
		delete(s.stockIDByName, item.Name)
	}
}

func (s *Store) RecordSale(ctx context.Context, sale domain.SaleRecord) (*domain.SaleRecord, error) {
	if sale.ItemID == "" || sale.Quantity < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	item, ok := s.stockByID[sale.ItemID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	if sale.Quantity > item.Quantity {
		s.mu.Unlock()
		return nil, store.ErrInsufficientStock
	}
	total, ok := domain.LineTotal(sale.Quantity, item.PriceCents)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sale total is out of range", store.ErrValidation)
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now().UTC()
	}
	sale.ItemName = item.Name
	sale.TotalCents = total
	sale.Inclusion = domain.InclusionPending
	sale.ZReportID = ""

	item.Quantity -= sale.Quantity
	item.UpdatedAt = sale.Timestamp
	if item.Quantity == 0 {
		s.removeItemLocked(item)
	} else {
		s.stockByID[item.ID] = item
	}
	s.saleIndex[sale.ID] = len(s.sales)
	s.sales = append(s.sales, sale)
	s.mu.Unlock()

	s.hub.Notify(ctx, domain.CollectionStock)
	s.hub.Notify(ctx, domain.CollectionSales)
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context) ([]domain.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sales), nil
}

func (s *Store) CloseZReport(ctx context.Context, draft domain.ZReport) (*domain.ZReport, error) {
	if draft.ID == "" {
		draft.ID = xid.New("zr")
	}

	s.mu.Lock()
	claimed := make([]int, 0, len(draft.Sales))
	seen := make(map[string]struct{}, len(draft.Sales))
	for _, candidate := range draft.Sales {
		idx, ok := s.saleIndex[candidate.ID]
		if !ok {
			continue
		}
		if _, dup := seen[candidate.ID]; dup {
			continue
		}
		seen[candidate.ID] = struct{}{}
		if s.sales[idx].Inclusion.Included() {
			continue
		}
		claimed = append(claimed, idx)
	}
	if len(claimed) == 0 {
		s.mu.Unlock()
		return nil, store.ErrNoNewSales
	}
	slices.Sort(claimed)

	generatedAt := time.Now().UTC()
	report := domain.ZReport{
		ID:          draft.ID,
		GeneratedAt: generatedAt,
		GeneratedBy: draft.GeneratedBy,
		Sales:       make([]domain.SaleRecord, 0, len(claimed)),
	}
	for _, idx := range claimed {
		s.sales[idx].Inclusion = domain.InclusionIncluded
		s.sales[idx].ZReportID = report.ID

		embedded := s.sales[idx]
		if embedded.Timestamp.IsZero() {
			embedded.Timestamp = generatedAt
		}
		report.TotalCents += embedded.TotalCents
		report.Sales = append(report.Sales, embedded)
	}
	s.reports = append(s.reports, report)
	s.mu.Unlock()

	s.hub.Notify(ctx, domain.CollectionSales)
	s.hub.Notify(ctx, domain.CollectionZReports)
	return cloneReport(report), nil
}

func (s *Store) ListZReports(_ context.Context) ([]domain.ZReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]domain.ZReport, 0, len(s.reports))
	for i := len(s.reports) - 1; i >= 0; i-- {
		reports = append(reports, *cloneReport(s.reports[i]))
	}
	return reports, nil
}

func (s *Store) GetZReport(_ context.Context, id string) (*domain.ZReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, report := range s.reports {
		if report.ID == id {
			return cloneReport(report), nil
		}
	}
	return nil, store.ErrNotFound
}

func cloneReport(report domain.ZReport) *domain.ZReport {
	report.Sales = slices.Clone(report.Sales)
	return &report
}

func (s *Store) ListItemTypes(_ context.Context) ([]domain.ItemType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]domain.ItemType, 0, len(s.itemTypes))
	for _, itemType := range s.itemTypes {
		types = append(types, itemType)
	}
	slices.SortFunc(types, func(a, b domain.ItemType) int {
		return cmpString(a.Name, b.Name)
	})
	return types, nil
}

func (s *Store) CreateItemType(_ context.Context, itemType domain.ItemType) (*domain.ItemType, error) {
	if itemType.Name == "" {
		return nil, store.ErrValidation
	}
	if itemType.CreatedAt.IsZero() {
		itemType.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.itemTypes[itemType.Name]; exists {
		return nil, store.ErrConflict
	}
	s.itemTypes[itemType.Name] = itemType
	return &itemType, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) DeleteUser(_ context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByUsername[username]; !ok {
		return store.ErrNotFound
	}
	delete(s.usersByUsername, username)
	return nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
