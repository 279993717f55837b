package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/growthmart/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "store.db"), DefaultRetryPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTestService(t *testing.T, repo *SQLiteRepository, price string) *model.Service {
	t.Helper()

	s, err := repo.CreateService(context.Background(), model.Service{
		Name:                 "YouTube Views",
		Category:             "YouTube",
		PricePer1000:         decimal.RequireFromString(price),
		EstimatedProcessTime: "6 hours",
		Tag:                  "popular",
	})
	require.NoError(t, err)
	return s
}

func testOrder(id, userID string, serviceID int64, total string) model.Order {
	now := time.Now().UTC()
	return model.Order{
		ID:        id,
		UserID:    userID,
		ServiceID: serviceID,
		Quantity:  1000,
		TargetURL: "https://example.com",
		Total:     decimal.RequireFromString(total),
		Status:    model.OrderStatusPendingReview,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLite_ServiceCRUD(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)

	created := createTestService(t, repo, "2.75")
	assert.NotZero(t, created.ID)
	assert.True(t, decimal.RequireFromString("2.75").Equal(created.PricePer1000))
	assert.Equal(t, "popular", created.Tag)

	created.PricePer1000 = decimal.RequireFromString("3.125")
	updated, err := repo.UpdateService(ctx, *created)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3.125").Equal(updated.PricePer1000))

	list, err := repo.ListServices(ctx, model.ServiceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = repo.UpdateService(ctx, model.Service{ID: 999, Name: "x", PricePer1000: decimal.Zero})
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, repo.DeleteService(ctx, created.ID))
	_, err = repo.GetService(ctx, created.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_DebitAndCredit(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)

	err := repo.WithTx(ctx, func(tx Tx) error {
		balance, err := tx.Debit(ctx, "u1", decimal.RequireFromString("-25.50"), model.EntryFund, "")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("25.50").Equal(balance))

		balance, err = tx.Debit(ctx, "u1", decimal.RequireFromString("10"), model.EntryOrderDebit, "o1")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("15.50").Equal(balance))
		return nil
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.Debit(ctx, "u1", decimal.RequireFromString("15.51"), model.EntryOrderDebit, "o2")
		return err
	})
	var insufficient *model.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "u1", insufficient.UserID)

	w, err := repo.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("15.50").Equal(w.Balance))

	entries, err := repo.GetWalletEntries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "o1", entries[0].OrderID)
	assert.True(t, decimal.RequireFromString("-10").Equal(entries[0].Amount))
	assert.Equal(t, "", entries[1].OrderID)

	_, err = repo.GetWallet(ctx, "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Debit(ctx, "u1", decimal.RequireFromString("-5"), model.EntryFund, ""); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetWallet(ctx, "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_WriteOrderOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	s := createTestService(t, repo, "10")

	o := testOrder("o1", "u1", s.ID, "10")
	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, o, nil) }))

	snapshot, err := repo.GetOrder(ctx, "o1")
	require.NoError(t, err)

	next := *snapshot
	next.Status = model.OrderStatusProcessing
	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, next, snapshot) }))

	// запись по устаревшему снимку отклоняется
	stale := *snapshot
	stale.Quantity = 5000
	err = repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, stale, snapshot) })
	assert.ErrorIs(t, err, model.ErrConflict)

	err = repo.WithTx(ctx, func(tx Tx) error { return tx.DeleteOrder(ctx, *snapshot) })
	assert.ErrorIs(t, err, model.ErrConflict)

	stored, err := repo.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, stored.Status)
	assert.Equal(t, int64(1000), stored.Quantity)
	assert.Equal(t, int64(2), stored.Version)

	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.DeleteOrder(ctx, *stored) }))
	_, err = repo.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_WriteOrderConstraints(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	s := createTestService(t, repo, "10")

	o := testOrder("o1", "u1", s.ID, "10")
	o.IdempotencyKey = "k1"
	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, o, nil) }))

	dup := testOrder("o2", "u1", s.ID, "10")
	dup.IdempotencyKey = "k1"
	err := repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, dup, nil) })
	assert.ErrorIs(t, err, model.ErrDuplicateOrder)

	// заказы без ключа не конфликтуют друг с другом
	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, testOrder("o3", "u1", s.ID, "1"), nil) }))
	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, testOrder("o4", "u1", s.ID, "1"), nil) }))

	orphan := testOrder("o5", "u1", 999, "1")
	err = repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, orphan, nil) })
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = repo.WithTx(ctx, func(tx Tx) error {
		found, err := tx.OrderByIdempotencyKey(ctx, "u1", "k1")
		require.NoError(t, err)
		assert.Equal(t, "o1", found.ID)

		_, err = tx.OrderByIdempotencyKey(ctx, "u2", "k1")
		assert.ErrorIs(t, err, model.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.DeleteService(ctx, s.ID), model.ErrConflict)
}

func TestSQLite_ListOrdersAndStats(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	s := createTestService(t, repo, "10")

	statuses := []model.OrderStatus{
		model.OrderStatusPendingReview,
		model.OrderStatusPendingReview,
		model.OrderStatusProcessing,
		model.OrderStatusCompleted,
	}
	for i, st := range statuses {
		o := testOrder(string(rune('a'+i)), "u1", s.ID, "2.50")
		o.Status = st
		o.CreatedAt = o.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, o, nil) }))
	}
	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.Debit(ctx, "u1", decimal.RequireFromString("-1"), model.EntryFund, "")
		return err
	}))

	all, err := repo.ListOrders(ctx, model.OrderFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ID)

	page, err := repo.ListOrders(ctx, model.OrderFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)

	pending, err := repo.ListOrders(ctx, model.OrderFilter{Status: model.OrderStatusPendingReview, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	stats, err := repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Wallets)
	assert.Equal(t, int64(1), stats.Services)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)
	assert.Equal(t, int64(1), stats.Completed)
	assert.True(t, decimal.RequireFromString("2.50").Equal(stats.Revenue))
	assert.True(t, decimal.RequireFromString("7.50").Equal(stats.Outstanding))
}

func TestSQLite_Outbox(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)

	for _, id := range []string{"01A", "01B", "01C"} {
		e := model.OrderEvent{
			ID:        id,
			OrderID:   "o1",
			UserID:    "u1",
			Type:      model.EventOrderCreated,
			Status:    model.OrderStatusPendingReview,
			Total:     decimal.RequireFromString("1.25"),
			CreatedAt: time.Now(),
		}
		require.NoError(t, repo.WithTx(ctx, func(tx Tx) error { return tx.AppendEvent(ctx, e) }))
	}

	require.NoError(t, repo.MarkEventDelivered(ctx, "01A"))

	pending, err := repo.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "01B", pending[0].ID)
	assert.True(t, decimal.RequireFromString("1.25").Equal(pending[0].Total))

	limited, err := repo.GetPendingEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteConstraint(t *testing.T) {
	restrict := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintTrigger}
	foreignKey := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}

	tests := []struct {
		name  string
		err   error
		codes []sqlite3.ErrNoExtended
		want  bool
	}{
		{
			name:  "restrict on delete",
			err:   restrict,
			codes: []sqlite3.ErrNoExtended{sqlite3.ErrConstraintTrigger, sqlite3.ErrConstraintForeignKey},
			want:  true,
		},
		{
			name:  "wrapped foreign key",
			err:   fmt.Errorf("insert order: %w", foreignKey),
			codes: []sqlite3.ErrNoExtended{sqlite3.ErrConstraintForeignKey},
			want:  true,
		},
		{
			name:  "restrict is not an insert foreign key",
			err:   restrict,
			codes: []sqlite3.ErrNoExtended{sqlite3.ErrConstraintForeignKey},
			want:  false,
		},
		{
			name:  "not a sqlite error",
			err:   errors.New("boom"),
			codes: []sqlite3.ErrNoExtended{sqlite3.ErrConstraintTrigger},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sqliteConstraint(tt.err, tt.codes...))
		})
	}
}

func TestSQLite_DeleteReferencedServiceKeepsRow(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	s := createTestService(t, repo, "10")

	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
		return tx.WriteOrder(ctx, testOrder("o1", "u1", s.ID, "10"), nil)
	}))

	err := repo.DeleteService(ctx, s.ID)
	require.ErrorIs(t, err, model.ErrConflict)

	got, err := repo.GetService(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Name, got.Name)
}

func TestSQLite_RejectsAmountsOutOfRange(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)
	s := createTestService(t, repo, "1000")

	require.NoError(t, repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.Debit(ctx, "u1", decimal.RequireFromString("-1"), model.EntryFund, "")
		return err
	}))

	// GIVEN a total that does not fit into int64 cents
	huge := decimal.RequireFromString("184467440737095517.00")

	// WHEN it is debited and written as an order total
	err := repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.Debit(ctx, "u1", huge, model.EntryOrderDebit, "o1")
		return err
	})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	o := testOrder("o1", "u1", s.ID, "1")
	o.Total = huge
	err = repo.WithTx(ctx, func(tx Tx) error { return tx.WriteOrder(ctx, o, nil) })
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	// THEN nothing is stored and the balance is untouched
	_, err = repo.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	w, err := repo.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1").Equal(w.Balance))
}

func TestSQLite_ListServicesFilter(t *testing.T) {
	ctx := context.Background()
	repo := newTestSQLite(t)

	for _, s := range []model.Service{
		{Name: "Followers", Category: "Instagram", Description: "Real looking profiles", PricePer1000: decimal.NewFromInt(3)},
		{Name: "Likes", Category: "Instagram", Description: "Fast start", PricePer1000: decimal.NewFromInt(1)},
		{Name: "Views", Category: "YouTube", Description: "Retention views with likes ratio", PricePer1000: decimal.NewFromInt(2)},
	} {
		_, err := repo.CreateService(ctx, s)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter model.ServiceFilter
		want   []string
	}{
		{name: "all", filter: model.ServiceFilter{}, want: []string{"Followers", "Likes", "Views"}},
		{name: "category", filter: model.ServiceFilter{Category: "Instagram"}, want: []string{"Followers", "Likes"}},
		{name: "search name and description", filter: model.ServiceFilter{Search: "LIKES"}, want: []string{"Likes", "Views"}},
		{name: "category and search", filter: model.ServiceFilter{Category: "YouTube", Search: "likes"}, want: []string{"Views"}},
		{name: "unknown category", filter: model.ServiceFilter{Category: "TikTok"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := repo.ListServices(ctx, tt.filter)
			require.NoError(t, err)

			var names []string
			for _, s := range list {
				names = append(names, s.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}
