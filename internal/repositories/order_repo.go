package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/orderrelay/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrEmptyUpdate = errors.New("no fields to update")
)

const orderColumns = `id, customer_name, product_name, status, updated_at`

type PostgresOrderRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresOrderRepository(pool *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{pool: pool}
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var order models.Order
	var status string
	err := row.Scan(
		&order.ID,
		&order.CustomerName,
		&order.ProductName,
		&status,
		&order.UpdatedAt,
	)
	order.Status = models.OrderStatus(status)
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, err
}

func (r *PostgresOrderRepository) collect(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// ListOrders returns every order, most recently updated first.
func (r *PostgresOrderRepository) ListOrders(ctx context.Context) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + `
	          FROM orders
	          ORDER BY updated_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return r.collect(rows)
}

func (r *PostgresOrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}
	return &order, nil
}

// Create inserts the order and fills in its id and updated_at.
func (r *PostgresOrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.Status == "" {
		order.Status = models.StatusPending
	}

	query := `INSERT INTO orders (customer_name, product_name, status)
	          VALUES ($1, $2, $3)
	          RETURNING ` + orderColumns

	created, err := scanOrder(r.pool.QueryRow(ctx, query,
		order.CustomerName,
		order.ProductName,
		string(order.Status),
	))
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	*order = created
	return nil
}

// Update applies the non-nil fields of patch and bumps updated_at.
func (r *PostgresOrderRepository) Update(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error) {
	if patch.Empty() {
		return nil, ErrEmptyUpdate
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.CustomerName != nil {
		add("customer_name", *patch.CustomerName)
	}
	if patch.ProductName != nil {
		add("product_name", *patch.ProductName)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE orders SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), orderColumns)

	order, err := scanOrder(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	return &order, nil
}

// Delete removes the order and returns the row as it was.
func (r *PostgresOrderRepository) Delete(ctx context.Context, id int64) (*models.Order, error) {
	query := `DELETE FROM orders WHERE id = $1 RETURNING ` + orderColumns

	order, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete order: %w", err)
	}
	return &order, nil
}

func (r *PostgresOrderRepository) DeleteAll(ctx context.Context) ([]models.Order, error) {
	rows, err := r.pool.Query(ctx, `DELETE FROM orders RETURNING `+orderColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to delete orders: %w", err)
	}
	return r.collect(rows)
}

// fingerprintQuery summarises the table in one row. The digest covers every
// column of every row in id order, so it does not depend on physical order.
const fingerprintQuery = `
SELECT COUNT(*),
	MAX(updated_at),
	COALESCE(md5(STRING_AGG(
		concat_ws(E'\x1f', id, customer_name, product_name, status, updated_at),
		E'\x1e' ORDER BY id)), '')
FROM orders`

// Fingerprint is computed by the database so a poll costs one short row
// regardless of table size.
func (r *PostgresOrderRepository) Fingerprint(ctx context.Context) (models.Fingerprint, error) {
	var (
		fp   models.Fingerprint
		last *time.Time
	)
	err := r.pool.QueryRow(ctx, fingerprintQuery).Scan(&fp.RowCount, &last, &fp.ContentDigest)
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("failed to fingerprint orders: %w", err)
	}
	if last != nil {
		fp.LastUpdatedAt = last.UTC()
	}
	return fp, nil
}

// Notify publishes payload on channel through the pool.
func (r *PostgresOrderRepository) Notify(ctx context.Context, channel, payload string) error {
	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("failed to notify %q: %w", channel, err)
	}
	return nil
}
