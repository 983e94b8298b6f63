package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"restaurant-sync/internal/domain"
)

const uniqueViolation = "23505"

type OrderRepositoryInterface interface {
	ProductsByID(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	// CreateOrder stores o. When o carries an idempotency key that is already
	// stored, the existing order is returned and created is false.
	CreateOrder(ctx context.Context, o domain.Order, changedBy string) (stored domain.Order, created bool, err error)
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	UpdateStatusTx(ctx context.Context, id int64, to domain.Status, changedBy, notes string) (domain.Order, error)
	Timeline(ctx context.Context, id int64) ([]domain.StatusLog, error)
	CloseSession(ctx context.Context, id int64) (domain.Session, error)
	ReferenceData(ctx context.Context) (domain.ReferenceData, error)
}

type OrderRepository struct {
	db *pgxpool.Pool
}

func NewOrderRepository(db *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) ProductsByID(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, COALESCE(category_id, 0), name, price::text, available
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		var (
			p     domain.Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.CategoryID, &p.Name, &price, &p.Available); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("product %d price: %w", p.ID, err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *OrderRepository) CreateOrder(ctx context.Context, o domain.Order, changedBy string) (domain.Order, bool, error) {
	if o.IdempotencyKey != "" {
		existing, err := r.byIdempotencyKey(ctx, o.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, false, err
		}
	}

	id, err := r.insertOrder(ctx, o, changedBy)
	if err != nil {
		// A concurrent replay of the same key won the insert.
		if o.IdempotencyKey != "" && isKeyConflict(err) {
			existing, ferr := r.byIdempotencyKey(ctx, o.IdempotencyKey)
			if ferr != nil {
				return domain.Order{}, false, ferr
			}
			return existing, false, nil
		}
		return domain.Order{}, false, err
	}

	stored, err := r.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, false, err
	}
	return stored, true, nil
}

// isKeyConflict reports a unique violation on the idempotency key.
func isKeyConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation &&
		strings.Contains(pgErr.ConstraintName, "idempotency")
}

func (r *OrderRepository) insertOrder(ctx context.Context, o domain.Order, changedBy string) (id int64, err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// 1. Session for dine-in orders
	var sessionID *int64
	if o.Type == domain.OrderTypeDineIn && o.TableID != nil {
		sid, serr := r.activeSessionTx(ctx, tx, *o.TableID)
		if serr != nil {
			return 0, serr
		}
		sessionID = &sid
	}

	// 2. Order number, serialised per day
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('order_number'))`); err != nil {
		return 0, fmt.Errorf("lock order number: %w", err)
	}
	// The day comes from the same clock that stamps created_at below.
	var (
		seq int
		day time.Time
	)
	if err = tx.QueryRow(ctx, `
		SELECT now(), COUNT(*) + 1 FROM orders
		WHERE created_at >= date_trunc('day', now() AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'`).Scan(&day, &seq); err != nil {
		return 0, fmt.Errorf("next order sequence: %w", err)
	}
	number := domain.NewOrderNumber(day, seq)

	// 3. Order row
	var idemKey *string
	if o.IdempotencyKey != "" {
		idemKey = &o.IdempotencyKey
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO orders
		    (order_number, order_type, status, table_id, session_id, subtotal, tax, tip, total, idempotency_key, created_at, updated_at)
		VALUES
		    ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $11)
		RETURNING id`,
		number, string(o.Type), string(o.Status), o.TableID, sessionID,
		o.Subtotal.String(), o.Tax.String(), o.Tip.String(), o.Total.String(), idemKey, day,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}

	// 4. Items with the price snapshot
	for _, it := range o.Items {
		if _, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, name, quantity, unit_price, note, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, NOW())`,
			id, it.ProductID, it.Name, it.Quantity, it.UnitPrice.String(), it.Note); err != nil {
			return 0, fmt.Errorf("insert order item %d: %w", it.ProductID, err)
		}
	}

	// 5. Status log
	if _, err = tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by, changed_at)
		VALUES ($1, $2, $3, NOW())`, id, string(o.Status), changedBy); err != nil {
		return 0, fmt.Errorf("insert order status log: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// activeSessionTx joins the table's open session or opens one.
func (r *OrderRepository) activeSessionTx(ctx context.Context, tx pgx.Tx, tableID int64) (int64, error) {
	var number int
	err := tx.QueryRow(ctx, `SELECT number FROM tables WHERE id = $1 FOR UPDATE`, tableID).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &domain.ValidationError{Field: "table_id", Reason: fmt.Sprintf("table %d does not exist", tableID)}
	}
	if err != nil {
		return 0, fmt.Errorf("lock table: %w", err)
	}

	var sid int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM table_sessions WHERE table_id = $1 AND closed_at IS NULL`, tableID).Scan(&sid)
	if err == nil {
		return sid, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("find session: %w", err)
	}

	opened := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		INSERT INTO table_sessions (code, table_id, opened_at) VALUES ($1, $2, $3)
		RETURNING id`, domain.SessionCode(number, opened), tableID, opened).Scan(&sid)
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	return sid, nil
}

const orderColumns = `
	o.id, o.order_number, o.order_type, o.status, o.table_id, o.session_id,
	o.subtotal::text, o.tax::text, o.tip::text, o.total::text,
	COALESCE(o.idempotency_key, ''), o.created_at, o.updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                         domain.Order
		typ, status               string
		subtotal, tax, tip, total string
	)
	if err := row.Scan(&o.ID, &o.OrderNumber, &typ, &status, &o.TableID, &o.SessionID,
		&subtotal, &tax, &tip, &total, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	o.Type = domain.OrderType(typ)
	o.Status = domain.Status(status)

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Subtotal, subtotal}, {&o.Tax, tax}, {&o.Tip, tip}, {&o.Total, total}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.Order{}, fmt.Errorf("order %d amount: %w", o.ID, err)
		}
	}
	return o, nil
}

func (r *OrderRepository) byIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("find order by key: %w", err)
	}
	return r.withItems(ctx, o)
}

func (r *OrderRepository) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order %d: %w", id, err)
	}
	return r.withItems(ctx, o)
}

func (r *OrderRepository) withItems(ctx context.Context, o domain.Order) (domain.Order, error) {
	items, err := r.itemsFor(ctx, []int64{o.ID})
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (r *OrderRepository) itemsFor(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, product_id, name, quantity, unit_price::text, note
		FROM order_items WHERE order_id = ANY($1) ORDER BY id`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var (
			it      domain.OrderItem
			orderID int64
			price   string
		)
		if err := rows.Scan(&it.ID, &orderID, &it.ProductID, &it.Name, &it.Quantity, &price, &it.Note); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("item %d price: %w", it.ID, err)
		}
		out[orderID] = append(out[orderID], it)
	}
	return out, rows.Err()
}

func (r *OrderRepository) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SessionCode != "" {
		where = append(where, "s.code = "+arg(f.SessionCode))
	}
	if f.Status != nil {
		where = append(where, "o.status = "+arg(string(*f.Status)))
	}
	if f.TableID != nil {
		where = append(where, "o.table_id = "+arg(*f.TableID))
	}

	q := `SELECT ` + orderColumns + ` FROM orders o LEFT JOIN table_sessions s ON s.id = o.session_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += " ORDER BY o.created_at DESC, o.id DESC LIMIT " + arg(limit)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var (
		orders []domain.Order
		ids    []int64
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if len(orders) == 0 {
		return []domain.Order{}, nil
	}

	items, err := r.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

// UpdateStatusTx locks the order row, checks the transition and appends to
// the status log in one transaction. Two writers racing on the same order
// serialise on the lock, so the loser sees the winner's status.
func (r *OrderRepository) UpdateStatusTx(ctx context.Context, id int64, to domain.Status, changedBy, notes string) (out domain.Order, err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("lock order %d: %w", id, err)
	}

	if err = domain.CheckTransition(domain.Status(current), to); err != nil {
		return domain.Order{}, err
	}

	if _, err = tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(to)); err != nil {
		return domain.Order{}, fmt.Errorf("update order %d: %w", id, err)
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by, changed_at, notes)
		VALUES ($1, $2, $3, NOW(), $4)`, id, string(to), changedBy, notes); err != nil {
		return domain.Order{}, fmt.Errorf("insert order status log: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("commit: %w", err)
	}
	return r.GetOrder(ctx, id)
}

func (r *OrderRepository) Timeline(ctx context.Context, id int64) ([]domain.StatusLog, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check order %d: %w", id, err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	rows, err := r.db.Query(ctx, `
		SELECT order_id, status, changed_by, changed_at, notes
		FROM order_status_log WHERE order_id = $1 ORDER BY changed_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StatusLog, 0, 8)
	for rows.Next() {
		var (
			l      domain.StatusLog
			status string
		)
		if err := rows.Scan(&l.OrderID, &status, &l.ChangedBy, &l.ChangedAt, &l.Notes); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		l.Status = domain.Status(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CloseSession closes an active session once every order in it is settled.
// Closing an already closed session returns it unchanged.
func (r *OrderRepository) CloseSession(ctx context.Context, id int64) (s domain.Session, err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	err = tx.QueryRow(ctx, `
		SELECT id, code, table_id, opened_at, closed_at FROM table_sessions WHERE id = $1 FOR UPDATE`, id).
		Scan(&s.ID, &s.Code, &s.TableID, &s.OpenedAt, &s.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("lock session %d: %w", id, err)
	}
	if !s.Active() {
		err = tx.Commit(ctx)
		return s, err
	}

	rows, err := tx.Query(ctx, `SELECT status FROM orders WHERE session_id = $1 FOR UPDATE`, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session orders: %w", err)
	}
	var statuses []domain.Status
	for rows.Next() {
		var st string
		if err = rows.Scan(&st); err != nil {
			rows.Close()
			return domain.Session{}, fmt.Errorf("scan session order: %w", err)
		}
		statuses = append(statuses, domain.Status(st))
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return domain.Session{}, err
	}
	if !domain.CanCloseSession(statuses) {
		err = domain.ErrSessionHasOpenOrders
		return domain.Session{}, err
	}

	err = tx.QueryRow(ctx, `UPDATE table_sessions SET closed_at = NOW() WHERE id = $1 RETURNING closed_at`, id).Scan(&s.ClosedAt)
	if err != nil {
		return domain.Session{}, fmt.Errorf("close session %d: %w", id, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Session{}, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}

// ReferenceData reads the menu and floor plan terminals cache for offline use.
func (r *OrderRepository) ReferenceData(ctx context.Context) (domain.ReferenceData, error) {
	out := domain.ReferenceData{
		Products:   []domain.Product{},
		Categories: []domain.Category{},
		Tables:     []domain.Table{},
	}

	rows, err := r.db.Query(ctx, `SELECT id, COALESCE(category_id, 0), name, price::text, available FROM products ORDER BY id`)
	if err != nil {
		return out, fmt.Errorf("query products: %w", err)
	}
	for rows.Next() {
		var (
			p     domain.Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.CategoryID, &p.Name, &price, &p.Available); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan product: %w", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			rows.Close()
			return out, fmt.Errorf("product %d price: %w", p.ID, err)
		}
		out.Products = append(out.Products, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = r.db.Query(ctx, `SELECT id, name FROM categories ORDER BY id`)
	if err != nil {
		return out, fmt.Errorf("query categories: %w", err)
	}
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan category: %w", err)
		}
		out.Categories = append(out.Categories, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = r.db.Query(ctx, `SELECT id, number, seats, label FROM tables ORDER BY number`)
	if err != nil {
		return out, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.Table
		if err := rows.Scan(&t.ID, &t.Number, &t.Seats, &t.Label); err != nil {
			return out, fmt.Errorf("scan table: %w", err)
		}
		out.Tables = append(out.Tables, t)
	}
	return out, rows.Err()
}
