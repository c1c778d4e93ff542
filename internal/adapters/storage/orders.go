package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, market, side, quantity, price, status, realized_pnl, created_at`

// CreateOrder inserts an order. An empty ID gets a fresh UUID and a zero
// CreatedAt is set to now.
func (s *SQLiteStorage) CreateOrder(ctx context.Context, o domain.Order) (string, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	if o.Status == "" {
		o.Status = domain.OrderPending
	}

	var price any
	if o.Price != nil {
		price = o.Price.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.Market, o.Side, o.Quantity.String(), price, string(o.Status),
		o.RealizedPnL.String(), toMillis(o.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("storage.CreateOrder: %s: %w", o.Market, ports.ErrDuplicateKey)
		}
		return "", fmt.Errorf("storage.CreateOrder: %s: %w", o.Market, err)
	}
	return o.ID, nil
}

// GetOrder loads an order by ID.
func (s *SQLiteStorage) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("storage.GetOrder: %s: %w", id, err)
	}
	return o, nil
}

// FindOrderByMarket loads the order for a market key.
func (s *SQLiteStorage) FindOrderByMarket(ctx context.Context, market string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE market=?`, market)
	o, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("storage.FindOrderByMarket: %s: %w", market, err)
	}
	return o, nil
}

// CompareAndSetOrderStatus is a single conditional UPDATE: the status only
// changes if the row still holds from. The affected-row count tells the
// caller whether it won.
func (s *SQLiteStorage) CompareAndSetOrderStatus(ctx context.Context, id string, from, to domain.OrderStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return 0, fmt.Errorf("storage.CompareAndSetOrderStatus: %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage.CompareAndSetOrderStatus: rows affected: %w", err)
	}
	return n, nil
}

// DeleteOrder removes an order. Missing rows are not an error.
func (s *SQLiteStorage) DeleteOrder(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id=?`, id); err != nil {
		return fmt.Errorf("storage.DeleteOrder: %s: %w", id, err)
	}
	return nil
}

// ListRecentOrders returns the latest orders by creation time.
func (s *SQLiteStorage) ListRecentOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListRecentOrders: query: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListRecentOrders: scan row: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SumNegativePnL sums the losing realized PnL of orders created in [from, to).
// The result is zero or negative.
func (s *SQLiteStorage) SumNegativePnL(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT realized_pnl FROM orders
		WHERE created_at >= ? AND created_at < ?
		  AND CAST(realized_pnl AS REAL) < 0`,
		toMillis(from), toMillis(to))
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.SumNegativePnL: query: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("storage.SumNegativePnL: scan row: %w", err)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			continue // valor corrupto: no cuenta como pérdida
		}
		sum = sum.Add(v)
	}
	return sum, rows.Err()
}

// CountOrdersSince counts orders created at or after since, leaving out
// orders on excludeMarkets.
func (s *SQLiteStorage) CountOrdersSince(ctx context.Context, since time.Time, excludeMarkets ...string) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE created_at >= ?`
	args := []any{toMillis(since)}
	if len(excludeMarkets) > 0 {
		query += ` AND market NOT IN (?` + strings.Repeat(`, ?`, len(excludeMarkets)-1) + `)`
		for _, m := range excludeMarkets {
			args = append(args, m)
		}
	}

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.CountOrdersSince: %w", err)
	}
	return n, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o         domain.Order
		quantity  string
		price     sql.NullString
		status    string
		pnl       string
		createdAt int64
	)
	if err := row.Scan(&o.ID, &o.Market, &o.Side, &quantity, &price, &status, &pnl, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, ports.ErrNotFound
		}
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = fromMillis(createdAt)
	o.Quantity = decimalOrZero(quantity)
	o.RealizedPnL = decimalOrZero(pnl)
	if price.Valid {
		p := decimalOrZero(price.String)
		o.Price = &p
	}
	return o, nil
}

func decimalOrZero(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return v
}
