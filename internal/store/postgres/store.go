package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tableside/internal/models"
	"tableside/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const orderColumns = `order_id, COALESCE(table_id, ''), table_no, COALESCE(guest_session, ''),
	customer_name, customer_phone, guests, status,
	subtotal::text, tax::text, total_with_tax::text, version, created_at, updated_at`

const tableColumns = `table_id, table_no, seats, status, COALESCE(current_order_id, ''), booking,
	version, created_at, updated_at`

const terminalStatuses = `('completed', 'cancelled')`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Store struct {
	*conn
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{conn: &conn{q: pool}, pool: pool}
}

// EnsureSchema creates the tables and indexes when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, &conn{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

type conn struct {
	q querier
}

func (c *conn) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	row := c.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, store.ErrOrderNotFound
		}
		return models.Order{}, err
	}
	if err := c.attachItems(ctx, []*models.Order{&order}); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (c *conn) FindActiveOrderForTable(ctx context.Context, tableID string) (models.Order, bool, error) {
	row := c.q.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE table_id = $1 AND status NOT IN `+terminalStatuses+`
		ORDER BY created_at DESC
		LIMIT 1
	`, tableID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, false, nil
		}
		return models.Order{}, false, err
	}
	if err := c.attachItems(ctx, []*models.Order{&order}); err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func (c *conn) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []any
	argPos := 1

	if filter.ActiveOnly {
		query += ` AND status NOT IN ` + terminalStatuses
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.TableID != "" {
		query += fmt.Sprintf(" AND table_id = $%d", argPos)
		args = append(args, filter.TableID)
		argPos++
	}
	query += " ORDER BY created_at ASC, order_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
	}

	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := make([]*models.Order, len(orders))
	for i := range orders {
		refs[i] = &orders[i]
	}
	if err := c.attachItems(ctx, refs); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *conn) InsertOrder(ctx context.Context, order models.Order) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO orders (
			order_id, table_id, table_no, guest_session, customer_name, customer_phone, guests,
			status, subtotal, tax, total_with_tax, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10::numeric,$11::numeric,$12,$13,$14)
	`, order.OrderID, nullIfEmpty(order.TableID), order.TableNo, nullIfEmpty(order.GuestSession),
		order.Customer.Name, order.Customer.Phone, order.Customer.Guests, string(order.Status),
		order.Bills.Subtotal.String(), order.Bills.Tax.String(), order.Bills.TotalWithTax.String(),
		order.Version, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrStaleWrite
		}
		return err
	}
	return c.insertItems(ctx, order.OrderID, 1, order.Items)
}

func (c *conn) AppendOrderItems(ctx context.Context, update store.ItemsUpdate) (models.Order, error) {
	tag, err := c.q.Exec(ctx, `
		UPDATE orders
		SET subtotal = $2::numeric, tax = $3::numeric, total_with_tax = $4::numeric,
			updated_at = $5, version = version + 1
		WHERE order_id = $1 AND status NOT IN `+terminalStatuses,
		update.OrderID, update.Bills.Subtotal.String(), update.Bills.Tax.String(),
		update.Bills.TotalWithTax.String(), update.At)
	if err != nil {
		return models.Order{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Order{}, c.missingOrStale(ctx, `SELECT 1 FROM orders WHERE order_id = $1`, update.OrderID, store.ErrOrderNotFound)
	}

	var lastLine int
	if err := c.q.QueryRow(ctx, `SELECT COALESCE(MAX(line_no), 0) FROM order_items WHERE order_id = $1`, update.OrderID).Scan(&lastLine); err != nil {
		return models.Order{}, err
	}
	if err := c.insertItems(ctx, update.OrderID, lastLine+1, update.Added); err != nil {
		return models.Order{}, err
	}
	return c.GetOrder(ctx, update.OrderID)
}

func (c *conn) UpdateOrderStatus(ctx context.Context, update store.StatusUpdate) (models.Order, error) {
	tag, err := c.q.Exec(ctx, `
		UPDATE orders
		SET status = $1, updated_at = $2, version = version + 1
		WHERE order_id = $3 AND status = $4
	`, string(update.To), update.At, update.OrderID, string(update.From))
	if err != nil {
		return models.Order{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Order{}, c.missingOrStale(ctx, `SELECT 1 FROM orders WHERE order_id = $1`, update.OrderID, store.ErrOrderNotFound)
	}
	return c.GetOrder(ctx, update.OrderID)
}

func (c *conn) GetTable(ctx context.Context, tableID string) (models.Table, error) {
	return c.getTable(ctx, `SELECT `+tableColumns+` FROM dining_tables WHERE table_id = $1`, tableID)
}

func (c *conn) LockTable(ctx context.Context, tableID string) (models.Table, error) {
	return c.getTable(ctx, `SELECT `+tableColumns+` FROM dining_tables WHERE table_id = $1 FOR UPDATE`, tableID)
}

func (c *conn) getTable(ctx context.Context, query, tableID string) (models.Table, error) {
	table, err := scanTable(c.q.QueryRow(ctx, query, tableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Table{}, store.ErrTableNotFound
		}
		return models.Table{}, err
	}
	return table, nil
}

func (c *conn) ListTables(ctx context.Context) ([]models.Table, error) {
	rows, err := c.q.Query(ctx, `SELECT `+tableColumns+` FROM dining_tables ORDER BY table_no ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []models.Table
	for rows.Next() {
		table, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (c *conn) InsertTable(ctx context.Context, table models.Table) error {
	booking, err := bookingJSON(table.Booking)
	if err != nil {
		return err
	}
	_, err = c.q.Exec(ctx, `
		INSERT INTO dining_tables (table_id, table_no, seats, status, current_order_id, booking, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, table.TableID, table.TableNo, table.Seats, string(table.Status), nullIfEmpty(table.CurrentOrderRef),
		booking, table.Version, table.CreatedAt, table.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrTableNoTaken
		}
		return err
	}
	return nil
}

func (c *conn) UpdateTable(ctx context.Context, table models.Table, expected models.TableStatus) (models.Table, error) {
	booking, err := bookingJSON(table.Booking)
	if err != nil {
		return models.Table{}, err
	}
	row := c.q.QueryRow(ctx, `
		UPDATE dining_tables
		SET status = $1, current_order_id = $2, booking = $3, updated_at = $4, version = version + 1
		WHERE table_id = $5 AND status = $6
		RETURNING `+tableColumns,
		string(table.Status), nullIfEmpty(table.CurrentOrderRef), booking, table.UpdatedAt,
		table.TableID, string(expected))
	updated, err := scanTable(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Table{}, c.missingOrStale(ctx, `SELECT 1 FROM dining_tables WHERE table_id = $1`, table.TableID, store.ErrTableNotFound)
		}
		return models.Table{}, err
	}
	return updated, nil
}

func (c *conn) DeleteTable(ctx context.Context, tableID string, expected models.TableStatus) error {
	tag, err := c.q.Exec(ctx, `DELETE FROM dining_tables WHERE table_id = $1 AND status = $2`, tableID, string(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return c.missingOrStale(ctx, `SELECT 1 FROM dining_tables WHERE table_id = $1`, tableID, store.ErrTableNotFound)
	}
	return nil
}

// missingOrStale tells a conditional write that matched nothing apart: the
// record is gone, or it exists in a state the caller did not expect.
func (c *conn) missingOrStale(ctx context.Context, existsQuery, id string, notFound error) error {
	var one int
	err := c.q.QueryRow(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return store.ErrStaleWrite
}

func (c *conn) insertItems(ctx context.Context, orderID string, firstLine int, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, item := range items {
		batch.Queue(`
			INSERT INTO order_items (order_id, line_no, menu_item_id, name, item_code, quantity, unit_price, line_total, added_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9)
		`, orderID, firstLine+i, item.MenuItemID, item.Name, item.ItemCode, item.Quantity,
			item.UnitPrice.String(), item.LineTotal.String(), item.AddedAt)
	}
	results := c.q.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) attachItems(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	byID := make(map[string]*models.Order, len(orders))
	for _, order := range orders {
		order.Items = []models.OrderItem{}
		ids = append(ids, order.OrderID)
		byID[order.OrderID] = order
	}

	rows, err := c.q.Query(ctx, `
		SELECT order_id, menu_item_id, name, item_code, quantity, unit_price::text, line_total::text, added_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID, unitPrice, lineTotal string
		var item models.OrderItem
		if err := rows.Scan(&orderID, &item.MenuItemID, &item.Name, &item.ItemCode, &item.Quantity, &unitPrice, &lineTotal, &item.AddedAt); err != nil {
			return err
		}
		if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return err
		}
		if item.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
			return err
		}
		if order, ok := byID[orderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var order models.Order
	var status, subtotal, tax, total string
	if err := row.Scan(&order.OrderID, &order.TableID, &order.TableNo, &order.GuestSession,
		&order.Customer.Name, &order.Customer.Phone, &order.Customer.Guests, &status,
		&subtotal, &tax, &total, &order.Version, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return models.Order{}, err
	}
	parsed, ok := models.ParseOrderStatus(status)
	if !ok {
		return models.Order{}, fmt.Errorf("order %s has unknown status %q", order.OrderID, status)
	}
	order.Status = parsed

	var err error
	if order.Bills.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return models.Order{}, err
	}
	if order.Bills.Tax, err = decimal.NewFromString(tax); err != nil {
		return models.Order{}, err
	}
	if order.Bills.TotalWithTax, err = decimal.NewFromString(total); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func scanTable(row pgx.Row) (models.Table, error) {
	var table models.Table
	var status string
	var booking []byte
	if err := row.Scan(&table.TableID, &table.TableNo, &table.Seats, &status, &table.CurrentOrderRef,
		&booking, &table.Version, &table.CreatedAt, &table.UpdatedAt); err != nil {
		return models.Table{}, err
	}
	parsed, ok := models.ParseTableStatus(status)
	if !ok {
		return models.Table{}, fmt.Errorf("table %s has unknown status %q", table.TableID, status)
	}
	table.Status = parsed
	if len(booking) > 0 && strings.TrimSpace(string(booking)) != "null" {
		var b models.Booking
		if err := json.Unmarshal(booking, &b); err != nil {
			return models.Table{}, err
		}
		table.Booking = &b
	}
	return table, nil
}

func bookingJSON(booking *models.Booking) ([]byte, error) {
	if booking == nil {
		return nil, nil
	}
	return json.Marshal(booking)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
