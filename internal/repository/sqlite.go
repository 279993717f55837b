package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/growthmart/internal/model"
	"github.com/mmeshcher/growthmart/internal/pricing"
)

// Время хранится в UTC с фиксированной дробной частью, чтобы строки сортировались лексикографически.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository предоставляет доступ к леджеру в SQLite.
// Транзакции открываются как BEGIN IMMEDIATE: писатели выстраиваются в очередь
// на уровне БД, ожидание ограничено busy timeout.
type SQLiteRepository struct {
	db    *sql.DB
	retry RetryPolicy
}

// NewSQLiteRepository открывает базу по указанному пути и применяет миграции.
// Путь ":memory:" создаёт базу в памяти с единственным соединением.
func NewSQLiteRepository(path string, retry RetryPolicy) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, db, "sqlite3", "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepository{db: db, retry: retry}, nil
}

// Close закрывает соединение с БД.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func isTransientSQLiteError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func sqliteConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.ExtendedCode == code {
			return true
		}
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

// WithTx выполняет fn в одной транзакции БД с ограниченным числом повторов.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	return withRetry(ctx, r.retry, isTransientSQLiteError, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(&sqliteTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.EntryKind, orderID string) (decimal.Decimal, error) {
	now := formatTime(time.Now())

	cents, err := pricing.ToCents(amount)
	if err != nil {
		return decimal.Zero, err
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO wallets (user_id, balance, updated_at) VALUES (?, 0, ?)`,
		userID, now,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensure wallet: %w", err)
	}

	var balance int64
	err = t.tx.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE user_id = ?`,
		userID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("select wallet: %w", err)
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

	_, err = t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, updated_at = ? WHERE user_id = ?`,
		newBalance, now, userID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("update wallet: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO wallet_entries (user_id, kind, amount, balance_after, order_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, string(kind), -cents, newBalance, nullString(orderID), now,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert wallet entry: %w", err)
	}

	return pricing.FromCents(newBalance), nil
}

func (t *sqliteTx) WriteOrder(ctx context.Context, o model.Order, prior *model.Order) error {
	total, err := pricing.ToCents(o.Total)
	if err != nil {
		return err
	}

	if prior == nil {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO orders
			 (id, user_id, service_id, quantity, target_url, notes, total, status, idempotency_key, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.UserID, o.ServiceID, o.Quantity, o.TargetURL, o.Notes,
			total, string(o.Status), nullString(o.IdempotencyKey), o.Version,
			formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
		)
		if err != nil {
			switch {
			case sqliteConstraint(err, sqlite3.ErrConstraintUnique):
				return fmt.Errorf("%w: %s", model.ErrDuplicateOrder, o.IdempotencyKey)
			case sqliteConstraint(err, sqlite3.ErrConstraintForeignKey):
				return fmt.Errorf("%w: service %d", model.ErrNotFound, o.ServiceID)
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders
		 SET quantity = ?, target_url = ?, notes = ?, total = ?, status = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND version = ?`,
		o.Quantity, o.TargetURL, o.Notes, total, string(o.Status), formatTime(o.UpdatedAt),
		prior.ID, string(prior.Status), prior.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return expectOneRow(res, prior.ID)
}

func (t *sqliteTx) DeleteOrder(ctx context.Context, prior model.Order) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM orders WHERE id = ? AND status = ? AND version = ?`,
		prior.ID, string(prior.Status), prior.Version,
	)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return expectOneRow(res, prior.ID)
}

func expectOneRow(res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", model.ErrConflict, orderID)
	}
	return nil
}

func (t *sqliteTx) OrderByIdempotencyKey(ctx context.Context, userID, key string) (*model.Order, error) {
	o, err := scanSQLiteOrder(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE user_id = ? AND idempotency_key = ?`,
		userID, key,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}
	return o, nil
}

func (t *sqliteTx) AppendEvent(ctx context.Context, e model.OrderEvent) error {
	total, err := pricing.ToCents(e.Total)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO order_events (id, order_id, user_id, type, status, total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.UserID, string(e.Type), string(e.Status), total, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteOrderColumns = `id, user_id, service_id, quantity, target_url, notes, total, status,
	COALESCE(idempotency_key, ''), version, created_at, updated_at`

func scanSQLiteOrder(row rowScanner) (*model.Order, error) {
	var (
		o                    model.Order
		total                int64
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Quantity, &o.TargetURL, &o.Notes,
		&total, &status, &o.IdempotencyKey, &o.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Total = pricing.FromCents(total)
	o.Status = model.OrderStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

func (r *SQLiteRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
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
func (r *SQLiteRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanSQLiteOrder(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrdersByUser возвращает заказы пользователя, начиная с новых.
func (r *SQLiteRepository) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC, id`,
		userID,
	)
}

// ListOrders возвращает страницу заказов всех пользователей с необязательным фильтром по статусу.
func (r *SQLiteRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders
		 WHERE (? = '' OR status = ?)
		 ORDER BY created_at DESC, id
		 LIMIT ? OFFSET ?`,
		string(f.Status), string(f.Status), f.Limit, f.Offset,
	)
}

const sqliteServiceColumns = `id, name, category, description, price_per_1000,
	estimated_process_time, tag, created_at, updated_at`

func scanSQLiteService(row rowScanner) (*model.Service, error) {
	var (
		s                    model.Service
		price                string
		createdAt, updatedAt string
	)
	err := row.Scan(&s.ID, &s.Name, &s.Category, &s.Description, &price,
		&s.EstimatedProcessTime, &s.Tag, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.PricePer1000, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

// GetService возвращает услугу каталога.
func (r *SQLiteRepository) GetService(ctx context.Context, id int64) (*model.Service, error) {
	s, err := scanSQLiteService(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteServiceColumns+` FROM services WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %d", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return s, nil
}

// ListServices возвращает каталог услуг с учётом фильтра.
// lower() в SQLite приводит к нижнему регистру только ASCII.
func (r *SQLiteRepository) ListServices(ctx context.Context, f model.ServiceFilter) ([]model.Service, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteServiceColumns+` FROM services
		 WHERE (? = '' OR category = ?)
		   AND (? = '' OR instr(lower(name), lower(?)) > 0 OR instr(lower(description), lower(?)) > 0)
		 ORDER BY category, name, id`,
		f.Category, f.Category, f.Search, f.Search, f.Search,
	)
	if err != nil {
		return nil, fmt.Errorf("select services: %w", err)
	}
	defer rows.Close()

	var res []model.Service
	for rows.Next() {
		s, err := scanSQLiteService(rows)
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
func (r *SQLiteRepository) CreateService(ctx context.Context, s model.Service) (*model.Service, error) {
	now := formatTime(time.Now())
	created, err := scanSQLiteService(r.db.QueryRowContext(ctx,
		`INSERT INTO services (name, category, description, price_per_1000, estimated_process_time, tag, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+sqliteServiceColumns,
		s.Name, s.Category, s.Description, s.PricePer1000.String(), s.EstimatedProcessTime, s.Tag, now, now,
	))
	if err != nil {
		return nil, fmt.Errorf("insert service: %w", err)
	}
	return created, nil
}

// UpdateService обновляет услугу. Сохранённые суммы заказов не пересчитываются.
func (r *SQLiteRepository) UpdateService(ctx context.Context, s model.Service) (*model.Service, error) {
	updated, err := scanSQLiteService(r.db.QueryRowContext(ctx,
		`UPDATE services
		 SET name = ?, category = ?, description = ?, price_per_1000 = ?,
		     estimated_process_time = ?, tag = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING `+sqliteServiceColumns,
		s.Name, s.Category, s.Description, s.PricePer1000.String(), s.EstimatedProcessTime, s.Tag,
		formatTime(time.Now()), s.ID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %d", model.ErrNotFound, s.ID)
		}
		return nil, fmt.Errorf("update service: %w", err)
	}
	return updated, nil
}

// DeleteService удаляет услугу, если на неё не ссылаются заказы.
func (r *SQLiteRepository) DeleteService(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		// ON DELETE RESTRICT срабатывает как SQLITE_CONSTRAINT_TRIGGER, а не FOREIGNKEY.
		if sqliteConstraint(err, sqlite3.ErrConstraintTrigger, sqlite3.ErrConstraintForeignKey) {
			return fmt.Errorf("%w: service %d is referenced by orders", model.ErrConflict, id)
		}
		return fmt.Errorf("delete service: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: service %d", model.ErrNotFound, id)
	}
	return nil
}

// GetWallet возвращает кошелёк пользователя.
func (r *SQLiteRepository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var (
		w         model.Wallet
		balance   int64
		updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, balance, updated_at FROM wallets WHERE user_id = ?`,
		userID,
	).Scan(&w.UserID, &balance, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	w.Balance = pricing.FromCents(balance)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

// GetWalletEntries возвращает журнал движений кошелька, начиная с новых.
func (r *SQLiteRepository) GetWalletEntries(ctx context.Context, userID string) ([]model.WalletEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, kind, amount, balance_after, COALESCE(order_id, ''), created_at
		 FROM wallet_entries
		 WHERE user_id = ?
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
			kind, createdAt      string
			amount, balanceAfter int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &amount, &balanceAfter, &e.OrderID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan wallet entry: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		e.Amount = pricing.FromCents(amount)
		e.BalanceAfter = pricing.FromCents(balanceAfter)
		e.CreatedAt = parseTime(createdAt)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetStats возвращает сводные показатели для консоли администратора.
func (r *SQLiteRepository) GetStats(ctx context.Context) (*model.Stats, error) {
	var (
		st                   model.Stats
		revenue, outstanding int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM wallets),
		   (SELECT COUNT(*) FROM services),
		   COALESCE(SUM(CASE WHEN status = 'pending_review' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'completed' THEN total ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status <> 'completed' THEN total ELSE 0 END), 0)
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
func (r *SQLiteRepository) GetPendingEvents(ctx context.Context, limit int) ([]model.OrderEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, user_id, type, status, total, created_at
		 FROM order_events
		 WHERE delivered_at IS NULL
		 ORDER BY id
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select order events: %w", err)
	}
	defer rows.Close()

	var res []model.OrderEvent
	for rows.Next() {
		var (
			e                      model.OrderEvent
			typ, status, createdAt string
			total                  int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.UserID, &typ, &status, &total, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		e.Type = model.OrderEventType(typ)
		e.Status = model.OrderStatus(status)
		e.Total = pricing.FromCents(total)
		e.CreatedAt = parseTime(createdAt)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkEventDelivered отмечает событие доставленным.
func (r *SQLiteRepository) MarkEventDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE order_events SET delivered_at = ? WHERE id = ?`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark event delivered: %w", err)
	}
	return nil
}
