package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/repository"
)

var (
	user   = model.Principal{UserID: "user-1", Role: model.RoleUser}
	other  = model.Principal{UserID: "user-2", Role: model.RoleUser}
	admin  = model.Principal{UserID: "admin-1", Role: model.RoleAdmin}
	banned = model.Principal{UserID: "user-3", Role: model.RoleUser, Banned: true}
)

type stubRepo struct {
	service    *model.Service
	serviceErr error

	order    *model.Order
	orderErr error

	wallet    *model.Wallet
	walletErr error

	filter        model.OrderFilter
	serviceFilter model.ServiceFilter

	events    []model.OrderEvent
	delivered []string

	txCalls int
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	s.txCalls++
	return errors.New("unexpected transaction")
}

func (s *stubRepo) GetService(ctx context.Context, id int64) (*model.Service, error) {
	return s.service, s.serviceErr
}

func (s *stubRepo) ListServices(ctx context.Context, f model.ServiceFilter) ([]model.Service, error) {
	s.serviceFilter = f
	return nil, nil
}

func (s *stubRepo) CreateService(ctx context.Context, svc model.Service) (*model.Service, error) {
	svc.ID = 1
	return &svc, nil
}

func (s *stubRepo) UpdateService(ctx context.Context, svc model.Service) (*model.Service, error) {
	return &svc, nil
}

func (s *stubRepo) DeleteService(ctx context.Context, id int64) error { return nil }

func (s *stubRepo) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	s.filter = f
	return nil, nil
}

func (s *stubRepo) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.wallet, s.walletErr
}

func (s *stubRepo) GetWalletEntries(ctx context.Context, userID string) ([]model.WalletEntry, error) {
	return nil, nil
}

func (s *stubRepo) GetStats(ctx context.Context) (*model.Stats, error) { return &model.Stats{}, nil }

func (s *stubRepo) GetPendingEvents(ctx context.Context, limit int) ([]model.OrderEvent, error) {
	return s.events, nil
}

func (s *stubRepo) MarkEventDelivered(ctx context.Context, id string) error {
	s.delivered = append(s.delivered, id)
	return nil
}

type stubNotifier struct {
	status     int
	retryAfter time.Duration
	err        error
	got        []model.OrderEvent
}

func (n *stubNotifier) Deliver(ctx context.Context, e model.OrderEvent) (int, time.Duration, error) {
	n.got = append(n.got, e)
	return n.status, n.retryAfter, n.err
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.OrderStatus
		want     bool
	}{
		{model.OrderStatusPendingReview, model.OrderStatusProcessing, true},
		{model.OrderStatusProcessing, model.OrderStatusCompleted, true},
		{model.OrderStatusProcessing, model.OrderStatusPendingReview, true},
		{model.OrderStatusPendingReview, model.OrderStatusCompleted, false},
		{model.OrderStatusPendingReview, model.OrderStatusPendingReview, false},
		{model.OrderStatusCompleted, model.OrderStatusProcessing, false},
		{model.OrderStatusCompleted, model.OrderStatusPendingReview, false},
		{model.OrderStatusCompleted, model.OrderStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		p       model.Principal
		in      PlaceOrderInput
		wantErr error
	}{
		{
			name:    "anonymous",
			p:       model.Principal{},
			in:      PlaceOrderInput{ServiceID: 1, Quantity: 1000, TargetURL: "https://example.com"},
			wantErr: model.ErrForbidden,
		},
		{
			name:    "banned",
			p:       banned,
			in:      PlaceOrderInput{ServiceID: 1, Quantity: 1000, TargetURL: "https://example.com"},
			wantErr: model.ErrForbidden,
		},
		{
			name:    "zero quantity",
			p:       user,
			in:      PlaceOrderInput{ServiceID: 1, Quantity: 0, TargetURL: "https://example.com"},
			wantErr: model.ErrInvalidInput,
		},
		{
			name:    "empty url",
			p:       user,
			in:      PlaceOrderInput{ServiceID: 1, Quantity: 1000},
			wantErr: model.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{}
			svc := NewService(repo, nil, nil)

			_, err := svc.PlaceOrder(context.Background(), tt.p, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, repo.txCalls)
		})
	}
}

func TestPlaceOrder_ServiceNotFound(t *testing.T) {
	repo := &stubRepo{serviceErr: model.ErrNotFound}
	svc := NewService(repo, nil, nil)

	_, err := svc.PlaceOrder(context.Background(), user, PlaceOrderInput{
		ServiceID: 42, Quantity: 1000, TargetURL: "https://example.com",
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Zero(t, repo.txCalls)
}

func TestEditOrder_Guards(t *testing.T) {
	pending := &model.Order{ID: "o1", UserID: user.UserID, Status: model.OrderStatusPendingReview, Quantity: 1000, TargetURL: "https://example.com"}
	processing := &model.Order{ID: "o2", UserID: user.UserID, Status: model.OrderStatusProcessing, Quantity: 1000, TargetURL: "https://example.com"}
	completed := &model.Order{ID: "o3", UserID: user.UserID, Status: model.OrderStatusCompleted, Quantity: 1000, TargetURL: "https://example.com"}
	badQuantity := int64(-5)

	tests := []struct {
		name    string
		p       model.Principal
		order   *model.Order
		in      EditOrderInput
		wantErr error
	}{
		{name: "not owner", p: other, order: pending, wantErr: model.ErrForbidden},
		{name: "admin is not owner", p: admin, order: pending, wantErr: model.ErrForbidden},
		{name: "banned owner", p: model.Principal{UserID: user.UserID, Banned: true}, order: pending, wantErr: model.ErrForbidden},
		{name: "processing", p: user, order: processing, wantErr: model.ErrInvalidTransition},
		{name: "completed", p: user, order: completed, wantErr: model.ErrInvalidTransition},
		{name: "negative quantity", p: user, order: pending, in: EditOrderInput{Quantity: &badQuantity}, wantErr: model.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{order: tt.order}
			svc := NewService(repo, nil, nil)

			_, err := svc.EditOrder(context.Background(), tt.p, tt.order.ID, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, repo.txCalls)
		})
	}
}

func TestAdminOperations_RequireAdmin(t *testing.T) {
	repo := &stubRepo{order: &model.Order{ID: "o1", Status: model.OrderStatusPendingReview}}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.ChangeOrderStatus(ctx, user, "o1", model.OrderStatusProcessing)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = svc.DeleteOrder(ctx, user, "o1")
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = svc.FundWallet(ctx, user, user.UserID, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = svc.CreateService(ctx, user, ServiceInput{Name: "Likes"})
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = svc.ListAllOrders(ctx, user, "", 1)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = svc.Stats(ctx, model.Principal{UserID: "admin-2", Role: model.RoleAdmin, Banned: true})
	assert.ErrorIs(t, err, model.ErrForbidden)

	assert.Zero(t, repo.txCalls)
}

func TestChangeOrderStatus_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		from    model.OrderStatus
		to      model.OrderStatus
		wantErr error
	}{
		{name: "unknown target", from: model.OrderStatusPendingReview, to: "cancelled", wantErr: model.ErrInvalidInput},
		{name: "skip processing", from: model.OrderStatusPendingReview, to: model.OrderStatusCompleted, wantErr: model.ErrInvalidTransition},
		{name: "from completed", from: model.OrderStatusCompleted, to: model.OrderStatusProcessing, wantErr: model.ErrInvalidTransition},
		{name: "no-op", from: model.OrderStatusProcessing, to: model.OrderStatusProcessing, wantErr: model.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{order: &model.Order{ID: "o1", Status: tt.from}}
			svc := NewService(repo, nil, nil)

			_, err := svc.ChangeOrderStatus(context.Background(), admin, "o1", tt.to)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, repo.txCalls)
		})
	}
}

func TestDeleteOrder_CompletedRejected(t *testing.T) {
	repo := &stubRepo{order: &model.Order{ID: "o1", Status: model.OrderStatusCompleted, Total: decimal.NewFromInt(10)}}
	svc := NewService(repo, nil, nil)

	_, err := svc.DeleteOrder(context.Background(), admin, "o1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Zero(t, repo.txCalls)
}

func TestFundWallet_Validation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)
	ctx := context.Background()

	_, err := svc.FundWallet(ctx, admin, "", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = svc.FundWallet(ctx, admin, user.UserID, decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = svc.FundWallet(ctx, admin, user.UserID, decimal.RequireFromString("0.001"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestCreateService_Validation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)
	ctx := context.Background()

	_, err := svc.CreateService(ctx, admin, ServiceInput{Name: "  ", PricePer1000: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = svc.CreateService(ctx, admin, ServiceInput{Name: "Likes", PricePer1000: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = svc.CreateService(ctx, admin, ServiceInput{Name: "Likes", PricePer1000: decimal.RequireFromString("1.0000001")})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	created, err := svc.CreateService(ctx, admin, ServiceInput{Name: " Likes ", Category: "Instagram", PricePer1000: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.Equal(t, "Likes", created.Name)
}

func TestListServices_Filter(t *testing.T) {
	tests := []struct {
		name string
		in   model.ServiceFilter
		want model.ServiceFilter
	}{
		{name: "empty", in: model.ServiceFilter{}, want: model.ServiceFilter{}},
		{name: "category", in: model.ServiceFilter{Category: " Instagram "}, want: model.ServiceFilter{Category: "Instagram"}},
		{name: "all categories", in: model.ServiceFilter{Category: "All", Search: " likes"}, want: model.ServiceFilter{Search: "likes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{}
			svc := NewService(repo, nil, nil)

			_, err := svc.ListServices(context.Background(), user, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, repo.serviceFilter)
		})
	}

	_, err := NewService(&stubRepo{}, nil, nil).ListServices(context.Background(), banned, model.ServiceFilter{})
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestGetWallet_MissingWalletIsZero(t *testing.T) {
	repo := &stubRepo{walletErr: model.ErrNotFound}
	svc := NewService(repo, nil, nil)

	w, err := svc.GetWallet(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, w.UserID)
	assert.True(t, w.Balance.IsZero())
}

func TestGetOrder_Ownership(t *testing.T) {
	repo := &stubRepo{order: &model.Order{ID: "o1", UserID: user.UserID}}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.GetOrder(ctx, other, "o1")
	assert.ErrorIs(t, err, model.ErrForbidden)

	o, err := svc.GetOrder(ctx, user, "o1")
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)

	_, err = svc.GetOrder(ctx, admin, "o1")
	assert.NoError(t, err)
}

func TestListAllOrders_Paging(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	_, err := svc.ListAllOrders(context.Background(), admin, model.OrderStatusProcessing, 3)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilter{Status: model.OrderStatusProcessing, Limit: DefaultPageSize, Offset: 20}, repo.filter)

	_, err = svc.ListAllOrders(context.Background(), admin, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, repo.filter.Offset)

	_, err = svc.ListAllOrders(context.Background(), admin, "unknown", 1)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDispatchEvents_MarksDelivered(t *testing.T) {
	repo := &stubRepo{events: []model.OrderEvent{{ID: "e1"}, {ID: "e2"}}}
	notifier := &stubNotifier{status: 200}
	svc := NewService(repo, notifier, nil)

	n := svc.dispatchEvents(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, repo.delivered)
}

func TestDispatchEvents_StopsOnFailure(t *testing.T) {
	repo := &stubRepo{events: []model.OrderEvent{{ID: "e1"}, {ID: "e2"}}}
	notifier := &stubNotifier{status: 502, err: errors.New("unexpected status: 502")}
	svc := NewService(repo, notifier, nil)

	n := svc.dispatchEvents(context.Background())
	assert.Zero(t, n)
	assert.Empty(t, repo.delivered)
	assert.Len(t, notifier.got, 1)
}

func TestDispatchEvents_TooManyRequests(t *testing.T) {
	repo := &stubRepo{events: []model.OrderEvent{{ID: "e1"}, {ID: "e2"}}}
	notifier := &stubNotifier{status: 429, retryAfter: 10 * time.Millisecond}
	svc := NewService(repo, notifier, nil)

	n := svc.dispatchEvents(context.Background())
	assert.Zero(t, n)
	assert.Empty(t, repo.delivered)
}

func TestStartEventDispatch_NoNotifier(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartEventDispatch(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartEventDispatch did not return without notifier")
	}
}
