package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/store"
)

func restock(t *testing.T, s *Store, name string, qty int, priceCents int64) domain.StockItem {
	t.Helper()
	item, _, err := s.RestockItem(context.Background(), domain.RestockInput{
		Name:       name,
		Quantity:   qty,
		Category:   "Peripherals",
		PriceCents: priceCents,
	})
	require.NoError(t, err)
	return *item
}

func TestRestockCreatesThenAccumulates(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, created, err := s.RestockItem(ctx, domain.RestockInput{Name: "Mouse", Quantity: 3, Category: "Peripherals", PriceCents: 2500})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.DefaultNotifyThreshold, first.NotifyThreshold)

	threshold := 2
	second, created, err := s.RestockItem(ctx, domain.RestockInput{Name: "Mouse", Quantity: 4, Category: "Input", PriceCents: 2700, NotifyThreshold: &threshold})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 7, second.Quantity)
	assert.Equal(t, "Input", second.Category)
	assert.Equal(t, int64(2700), second.PriceCents)
	assert.Equal(t, 2, second.NotifyThreshold)

	items, err := s.ListStockItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestAdjustStockRemovesAtZeroAndRejectsNegative(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := restock(t, s, "Cable", 2, 100)

	_, err := s.AdjustStock(ctx, item.ID, -3)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	got, err := s.GetStockItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)

	adjusted, err := s.AdjustStock(ctx, item.ID, -2)
	require.NoError(t, err)
	assert.Equal(t, 0, adjusted.Quantity)

	_, err = s.GetStockItem(ctx, item.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.AdjustStock(ctx, "missing", 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordSaleDecrementsAndAppendsPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := restock(t, s, "Mouse", 10, 2500)

	sale, err := s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 3, SoldBy: "user"})
	require.NoError(t, err)
	assert.Equal(t, int64(7500), sale.TotalCents)
	assert.Equal(t, "Mouse", sale.ItemName)
	assert.Equal(t, domain.InclusionPending, sale.Inclusion)
	assert.False(t, sale.Timestamp.IsZero())

	got, err := s.GetStockItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Quantity)

	_, err = s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 8})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	sales, err := s.ListSales(ctx)
	require.NoError(t, err)
	assert.Len(t, sales, 1)
}

func TestRecordSaleOfEntireStockRemovesItem(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := restock(t, s, "Mouse", 2, 2500)

	_, err := s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 2})
	require.NoError(t, err)

	_, err = s.GetStockItem(ctx, item.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCloseZReportClaimsOnlyPendingSales(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := restock(t, s, "Mouse", 10, 2500)

	first, err := s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 1})
	require.NoError(t, err)
	second, err := s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 2})
	require.NoError(t, err)

	report, err := s.CloseZReport(ctx, domain.ZReport{GeneratedBy: "admin", Sales: []domain.SaleRecord{*first, *second}})
	require.NoError(t, err)
	assert.Equal(t, int64(7500), report.TotalCents)
	require.Len(t, report.Sales, 2)
	assert.Equal(t, first.ID, report.Sales[0].ID)
	assert.Equal(t, second.ID, report.Sales[1].ID)

	_, err = s.CloseZReport(ctx, domain.ZReport{GeneratedBy: "admin", Sales: []domain.SaleRecord{*first, *second}})
	require.ErrorIs(t, err, store.ErrNoNewSales)

	sales, err := s.ListSales(ctx)
	require.NoError(t, err)
	for _, sale := range sales {
		assert.True(t, sale.Inclusion.Included())
		assert.Equal(t, report.ID, sale.ZReportID)
	}

	reports, err := s.ListZReports(ctx)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestCloseZReportRebuildsFromClaimedSubset(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := restock(t, s, "Mouse", 10, 1000)

	a, err := s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 1})
	require.NoError(t, err)
	b, err := s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 2})
	require.NoError(t, err)

	_, err = s.CloseZReport(ctx, domain.ZReport{Sales: []domain.SaleRecord{*a}})
	require.NoError(t, err)

	stale := domain.ZReport{TotalCents: 3000, Sales: []domain.SaleRecord{*a, *b}}
	report, err := s.CloseZReport(ctx, stale)
	require.NoError(t, err)
	require.Len(t, report.Sales, 1)
	assert.Equal(t, b.ID, report.Sales[0].ID)
	assert.Equal(t, int64(2000), report.TotalCents)
}

func TestListZReportsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := restock(t, s, "Mouse", 10, 1000)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		sale, err := s.RecordSale(ctx, domain.SaleRecord{ItemID: item.ID, Quantity: 1})
		require.NoError(t, err)
		report, err := s.CloseZReport(ctx, domain.ZReport{Sales: []domain.SaleRecord{*sale}})
		require.NoError(t, err)
		ids = append(ids, report.ID)
	}

	reports, err := s.ListZReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, ids[2], reports[0].ID)
	assert.Equal(t, ids[0], reports[2].ID)

	got, err := s.GetZReport(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], got.ID)
}

func TestSubscribeSeesStockChanges(t *testing.T) {
	s := New()
	ctx := context.Background()

	snapshots := make(chan domain.Snapshot, 8)
	cancel, err := s.Subscribe(ctx, domain.CollectionStock, func(snap domain.Snapshot) {
		snapshots <- snap
	})
	require.NoError(t, err)
	defer cancel()

	select {
	case snap := <-snapshots:
		assert.Empty(t, snap.Stock)
	case <-time.After(time.Second):
		t.Fatal("expected initial snapshot")
	}

	restock(t, s, "Mouse", 1, 100)

	require.Eventually(t, func() bool {
		select {
		case snap := <-snapshots:
			return len(snap.Stock) == 1 && snap.Stock[0].Name == "Mouse"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestUsersLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: " Alice ", Password: "hash", Active: true}))
	require.ErrorIs(t, s.CreateUser(ctx, domain.UserAccount{Username: "alice", Password: "hash"}), store.ErrConflict)

	user, err := s.GetUser(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, user.Role)

	require.NoError(t, s.UpdateUserPassword(ctx, "alice", "hash2"))
	user, err = s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash2", user.Password)

	require.NoError(t, s.DeleteUser(ctx, "alice"))
	require.ErrorIs(t, s.DeleteUser(ctx, "alice"), store.ErrNotFound)
}

func TestItemTypesRejectDuplicates(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateItemType(ctx, domain.ItemType{Name: "Cables"})
	require.ErrorIs(t, err, store.ErrConflict)

	created, err := s.CreateItemType(ctx, domain.ItemType{Name: "Audio"})
	require.NoError(t, err)
	assert.Equal(t, "Audio", created.Name)

	types, err := s.ListItemTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Audio", types[0].Name)
}
