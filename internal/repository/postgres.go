// Package repository содержит хранилища леджера: PostgreSQL для продакшена и SQLite для одиночного узла.
package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/pricing"
)

const idempotencyConstraint = "orders_user_idempotency_key"

// PostgresRepository предоставляет доступ к леджеру в PostgreSQL.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, retry RetryPolicy) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := runMigrations(ctx, db, "postgres", "migrations/postgres"); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRepository{pool: pool, retry: retry}, nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func isTransientPgError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgErr.Code == pgerrcode.LockNotAvailable
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// WithTx выполняет fn в одной транзакции БД. При временных ошибках транзакция
// повторяется целиком, но не более RetryPolicy.Attempts раз.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	return withRetry(ctx, r.retry, isTransientPgError, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

type pgTx struct {
	tx pgx.Tx
}

// Debit блокирует строку кошелька на время транзакции, поэтому конкурентные списания
// по одному кошельку выполняются строго последовательно.
func (t *pgTx) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.EntryKind, orderID string) (decimal.Decimal, error) {
	cents, err := pricing.ToCents(amount)
	if err != nil {
		return decimal.Zero, err
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensure wallet: %w", err)
	}

	var balance int64
	err = t.tx.QueryRow(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock wallet for update: %w", err)
	}

	if cents == 0 {
		return pricing.FromCents(balance), nil
	}
	if cents > 0 && balance < cents {
		return decimal.Zero, &model.InsufficientFundsError{
			UserID:    userID,
			Available: pricing.FromCents(balance),
			Requested: amount,
		}
	}

	if cents < 0 && balance > math.MaxInt64+cents {
		return decimal.Zero, fmt.Errorf("%w: wallet balance overflow", model.ErrInvalidInput)
	}

	newBalance := balance - cents

	_, err = t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $2, updated_at = now() WHERE user_id = $1`,
		userID, newBalance,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("update wallet: %w", err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO wallet_entries (user_id, kind, amount, balance_after, order_id) VALUES ($1, $2, $3, $4, $5)`,
		userID, string(kind), -cents, newBalance, nullString(orderID),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert wallet entry: %w", err)
	}

	return pricing.FromCents(newBalance), nil
}

func (t *pgTx) WriteOrder(ctx context.Context, o model.Order, prior *model.Order) error {
	total, err := pricing.ToCents(o.Total)
	if err != nil {
		return err
	}

	if prior == nil {
		_, err = t.tx.Exec(ctx,
			`INSERT INTO orders
			 (id, user_id, service_id, quantity, target_url, notes, total, status, idempotency_key, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			o.ID, o.UserID, o.ServiceID, o.Quantity, o.TargetURL, o.Notes,
			total, string(o.Status), nullString(o.IdempotencyKey), o.Version,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch {
				case pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == idempotencyConstraint:
					return fmt.Errorf("%w: %s", model.ErrDuplicateOrder, o.IdempotencyKey)
				case pgErr.Code == pgerrcode.ForeignKeyViolation:
					return fmt.Errorf("%w: service %d", model.ErrNotFound, o.ServiceID)
				}
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	}

	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET quantity = $4, target_url = $5, notes = $6, total = $7, status = $8,
		     version = version + 1, updated_at = $9
		 WHERE id = $1 AND status = $2 AND version = $3`,
		prior.ID, string(prior.Status), prior.Version,
		o.Quantity, o.TargetURL, o.Notes, total, string(o.Status), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", model.ErrConflict, prior.ID)
	}
	return nil
}

func (t *pgTx) DeleteOrder(ctx context.Context, prior model.Order) error {
	cmdTag, err := t.tx.Exec(ctx,
		`DELETE FROM orders WHERE id = $1 AND status = $2 AND version = $3`,
		prior.ID, string(prior.Status), prior.Version,
	)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", model.ErrConflict, prior.ID)
	}
	return nil
}

func (t *pgTx) OrderByIdempotencyKey(ctx context.Context, userID, key string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	)
	o, err := scanPgOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}
	return o, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e model.OrderEvent) error {
	total, err := pricing.ToCents(e.Total)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO order_events (id, order_id, user_id, type, status, total, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OrderID, e.UserID, string(e.Type), string(e.Status), total, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

const pgOrderColumns = `id, user_id, service_id, quantity, target_url, notes, total, status,
	COALESCE(idempotency_key, ''), version, created_at, updated_at`

func scanPgOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		total  int64
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Quantity, &o.TargetURL, &o.Notes,
		&total, &status, &o.IdempotencyKey, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Total = pricing.FromCents(total)
	o.Status = model.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func collectPgOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanPgOrder(r.pool.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrdersByUser возвращает заказы пользователя, начиная с новых.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return collectPgOrders(rows)
}

// ListOrders возвращает страницу заказов всех пользователей с необязательным фильтром по статусу.
func (r *PostgresRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pgOrderColumns+` FROM orders
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		string(f.Status), f.Limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return collectPgOrders(rows)
}

const pgServiceColumns = `id, name, category, description, price_per_1000::text,
	estimated_process_time, tag, created_at, updated_at`

func scanPgService(row pgx.Row) (*model.Service, error) {
	var (
		s     model.Service
		price string
	)
	err := row.Scan(&s.ID, &s.Name, &s.Category, &s.Description, &price,
		&s.EstimatedProcessTime, &s.Tag, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.PricePer1000, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// GetService возвращает услугу каталога.
func (r *PostgresRepository) GetService(ctx context.Context, id int64) (*model.Service, error) {
	s, err := scanPgService(r.pool.QueryRow(ctx,
		`SELECT `+pgServiceColumns+` FROM services WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %d", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return s, nil
}

// ListServices возвращает каталог услуг с учётом фильтра.
func (r *PostgresRepository) ListServices(ctx context.Context, f model.ServiceFilter) ([]model.Service, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pgServiceColumns+` FROM services
		 WHERE ($1::text = '' OR category = $1)
		   AND ($2::text = '' OR strpos(lower(name), lower($2)) > 0 OR strpos(lower(description), lower($2)) > 0)
		 ORDER BY category, name, id`,
		f.Category, f.Search,
	)
	if err != nil {
		return nil, fmt.Errorf("select services: %w", err)
	}
	defer rows.Close()

	var res []model.Service
	for rows.Next() {
		s, err := scanPgService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateService добавляет услугу в каталог.
func (r *PostgresRepository) CreateService(ctx context.Context, s model.Service) (*model.Service, error) {
	created, err := scanPgService(r.pool.QueryRow(ctx,
		`INSERT INTO services (name, category, description, price_per_1000, estimated_process_time, tag)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6)
		 RETURNING `+pgServiceColumns,
		s.Name, s.Category, s.Description, s.PricePer1000.String(), s.EstimatedProcessTime, s.Tag,
	))
	if err != nil {
		return nil, fmt.Errorf("insert service: %w", err)
	}
	return created, nil
}

// UpdateService обновляет услугу. Сохранённые суммы заказов не пересчитываются.
func (r *PostgresRepository) UpdateService(ctx context.Context, s model.Service) (*model.Service, error) {
	updated, err := scanPgService(r.pool.QueryRow(ctx,
		`UPDATE services
		 SET name = $2, category = $3, description = $4, price_per_1000 = $5::numeric,
		     estimated_process_time = $6, tag = $7, updated_at = now()
		 WHERE id = $1
		 RETURNING `+pgServiceColumns,
		s.ID, s.Name, s.Category, s.Description, s.PricePer1000.String(), s.EstimatedProcessTime, s.Tag,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %d", model.ErrNotFound, s.ID)
		}
		return nil, fmt.Errorf("update service: %w", err)
	}
	return updated, nil
}

// DeleteService удаляет услугу, если на неё не ссылаются заказы.
func (r *PostgresRepository) DeleteService(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("%w: service %d is referenced by orders", model.ErrConflict, id)
		}
		return fmt.Errorf("delete service: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: service %d", model.ErrNotFound, id)
	}
	return nil
}

// GetWallet возвращает кошелёк пользователя.
func (r *PostgresRepository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var (
		w       model.Wallet
		balance int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, balance, updated_at FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&w.UserID, &balance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	w.Balance = pricing.FromCents(balance)
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

// GetWalletEntries возвращает журнал движений кошелька, начиная с новых.
func (r *PostgresRepository) GetWalletEntries(ctx context.Context, userID string) ([]model.WalletEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, amount, balance_after, COALESCE(order_id, ''), created_at
		 FROM wallet_entries
		 WHERE user_id = $1
		 ORDER BY id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select wallet entries: %w", err)
	}
	defer rows.Close()

	var res []model.WalletEntry
	for rows.Next() {
		var (
			e                    model.WalletEntry
			kind                 string
			amount, balanceAfter int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &amount, &balanceAfter, &e.OrderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet entry: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		e.Amount = pricing.FromCents(amount)
		e.BalanceAfter = pricing.FromCents(balanceAfter)
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetStats возвращает сводные показатели для консоли администратора.
func (r *PostgresRepository) GetStats(ctx context.Context) (*model.Stats, error) {
	var (
		st                   model.Stats
		revenue, outstanding int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM wallets),
		   (SELECT COUNT(*) FROM services),
		   COUNT(*) FILTER (WHERE status = 'pending_review'),
		   COUNT(*) FILTER (WHERE status = 'processing'),
		   COUNT(*) FILTER (WHERE status = 'completed'),
		   COALESCE(SUM(total) FILTER (WHERE status = 'completed'), 0)::bigint,
		   COALESCE(SUM(total) FILTER (WHERE status <> 'completed'), 0)::bigint
		 FROM orders`,
	).Scan(&st.Wallets, &st.Services, &st.Pending, &st.Processing, &st.Completed, &revenue, &outstanding)
	if err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}
	st.Revenue = pricing.FromCents(revenue)
	st.Outstanding = pricing.FromCents(outstanding)
	return &st, nil
}

// GetPendingEvents возвращает недоставленные события в порядке создания.
func (r *PostgresRepository) GetPendingEvents(ctx context.Context, limit int) ([]model.OrderEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, user_id, type, status, total, created_at
		 FROM order_events
		 WHERE delivered_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select order events: %w", err)
	}
	defer rows.Close()

	var res []model.OrderEvent
	for rows.Next() {
		var (
			e           model.OrderEvent
			typ, status string
			total       int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.UserID, &typ, &status, &total, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		e.Type = model.OrderEventType(typ)
		e.Status = model.OrderStatus(status)
		e.Total = pricing.FromCents(total)
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkEventDelivered отмечает событие доставленным.
func (r *PostgresRepository) MarkEventDelivered(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE order_events SET delivered_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark event delivered: %w", err)
	}
	return nil
}
