package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InsertOrder inserts a new order row. Zero timestamps are stamped with
// the current time.
func (s *Store) InsertOrder(ctx context.Context, o Order) error {
	if o.CreatedAt == 0 {
		o.CreatedAt = nowMs()
	}
	if o.UpdatedAt == 0 {
		o.UpdatedAt = o.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, client_order_id, exchange_order_id, strategy, symbol, side,
			type, price, quantity, filled_qty, status, reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ClientOrderID, o.ExchangeOrderID, o.Strategy, o.Symbol, o.Side,
		o.Type, o.Price, o.Quantity, o.FilledQty, o.Status, o.Reason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// MarkOrderSubmitted records the exchange-assigned order id.
func (s *Store) MarkOrderSubmitted(ctx context.Context, id, exchangeOrderID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET exchange_order_id = ?, updated_at = ? WHERE id = ?
	`, exchangeOrderID, nowMs(), id)
	return err
}

// MarkOrderStatus advances an order's lifecycle state.
func (s *Store) MarkOrderStatus(ctx context.Context, id, status string, filledQty, price float64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, price = ?, reason = ?, updated_at = ?
		WHERE id = ?
	`, status, filledQty, price, reason, nowMs(), id)
	return err
}

// OrderByID returns one order or ErrNotFound.
func (s *Store) OrderByID(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_order_id, exchange_order_id, strategy, symbol, side,
		       type, price, quantity, filled_qty, status, reason, created_at, updated_at
		FROM orders WHERE id = ?
	`, id)
	var o Order
	err := row.Scan(&o.ID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Strategy, &o.Symbol, &o.Side,
		&o.Type, &o.Price, &o.Quantity, &o.FilledQty, &o.Status, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// RecentOrders returns the newest orders first.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]Order, error) {
	return s.queryOrders(ctx, `
		SELECT id, client_order_id, exchange_order_id, strategy, symbol, side,
		       type, price, quantity, filled_qty, status, reason, created_at, updated_at
		FROM orders ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
}

// OpenOrders returns orders still working at the venue.
func (s *Store) OpenOrders(ctx context.Context) ([]Order, error) {
	return s.queryOrders(ctx, `
		SELECT id, client_order_id, exchange_order_id, strategy, symbol, side,
		       type, price, quantity, filled_qty, status, reason, created_at, updated_at
		FROM orders WHERE status IN ('NEW', 'PARTIALLY_FILLED')
		ORDER BY created_at DESC, id DESC
	`)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Strategy, &o.Symbol, &o.Side,
			&o.Type, &o.Price, &o.Quantity, &o.FilledQty, &o.Status, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertTrade inserts a fill row.
func (s *Store) InsertTrade(ctx context.Context, t Trade) error {
	if t.ExecutedAt == 0 {
		t.ExecutedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, strategy, symbol, side, price, quantity, fee, pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OrderID, t.Strategy, t.Symbol, t.Side, t.Price, t.Quantity, t.Fee, t.PnL, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns the newest fills first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, strategy, symbol, side, price, quantity, fee, pnl, executed_at
		FROM trades ORDER BY executed_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Strategy, &t.Symbol, &t.Side, &t.Price, &t.Quantity, &t.Fee, &t.PnL, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SavePosition upserts a position row.
func (s *Store) SavePosition(ctx context.Context, p Position) error {
	if p.Status == "" {
		p.Status = PositionOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, strategy, symbol, side, entry_price, quantity,
			stop_loss, take_profit, entry_time, exit_price, exit_time, pnl, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			exit_price = excluded.exit_price,
			exit_time = excluded.exit_time,
			pnl = excluded.pnl,
			status = excluded.status
	`, p.ID, p.Strategy, p.Symbol, p.Side, p.EntryPrice, p.Quantity,
		p.StopLoss, p.TakeProfit, p.EntryTime, p.ExitPrice, p.ExitTime, p.PnL, p.Status)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// MarkPositionClosed finalizes a position row.
func (s *Store) MarkPositionClosed(ctx context.Context, id string, exitPrice, pnl float64, exitTime int64) error {
	if exitTime == 0 {
		exitTime = nowMs()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = ?, exit_price = ?, exit_time = ?, pnl = ?
		WHERE id = ?
	`, PositionClosed, exitPrice, exitTime, pnl, id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenPositions returns rows still marked open.
func (s *Store) OpenPositions(ctx context.Context) ([]Position, error) {
	return s.queryPositions(ctx, `
		SELECT id, strategy, symbol, side, entry_price, quantity, stop_loss,
		       take_profit, entry_time, exit_price, exit_time, pnl, status
		FROM positions WHERE status = ? ORDER BY entry_time DESC, id DESC
	`, PositionOpen)
}

// PositionHistory returns the newest closed positions first.
func (s *Store) PositionHistory(ctx context.Context, limit int) ([]Position, error) {
	return s.queryPositions(ctx, `
		SELECT id, strategy, symbol, side, entry_price, quantity, stop_loss,
		       take_profit, entry_time, exit_price, exit_time, pnl, status
		FROM positions WHERE status = ? ORDER BY exit_time DESC, id DESC LIMIT ?
	`, PositionClosed, limit)
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.Strategy, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity,
			&p.StopLoss, &p.TakeProfit, &p.EntryTime, &p.ExitPrice, &p.ExitTime, &p.PnL, &p.Status); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertStrategyInstance stores a strategy definition.
func (s *Store) UpsertStrategyInstance(ctx context.Context, si StrategyInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_instances (id, name, type, symbol, interval, parameters, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			symbol = excluded.symbol,
			interval = excluded.interval,
			parameters = excluded.parameters,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, si.ID, si.Name, strings.ToLower(si.Type), si.Symbol, si.Interval, si.Parameters, si.IsActive, nowMs())
	if err != nil {
		return fmt.Errorf("upsert strategy instance: %w", err)
	}
	return nil
}

// StrategyInstances returns all stored strategy definitions.
func (s *Store) StrategyInstances(ctx context.Context) ([]StrategyInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, symbol, interval, parameters, is_active, updated_at
		FROM strategy_instances ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query strategy instances: %w", err)
	}
	defer rows.Close()

	var out []StrategyInstance
	for rows.Next() {
		var si StrategyInstance
		if err := rows.Scan(&si.ID, &si.Name, &si.Type, &si.Symbol, &si.Interval, &si.Parameters, &si.IsActive, &si.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy instance: %w", err)
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// SetStrategyInstanceActive flips one instance's active flag.
func (s *Store) SetStrategyInstanceActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_instances SET is_active = ?, updated_at = ? WHERE id = ?
	`, active, nowMs(), id)
	if err != nil {
		return fmt.Errorf("update strategy instance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveStrategySnapshot stores one strategy's serialized state.
func (s *Store) SaveStrategySnapshot(ctx context.Context, strategy string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_snapshots (strategy, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(strategy) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, strategy, string(data), nowMs())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadStrategySnapshot returns one strategy's serialized state or
// ErrNotFound.
func (s *Store) LoadStrategySnapshot(ctx context.Context, strategy string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM strategy_snapshots WHERE strategy = ?
	`, strategy).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return []byte(data), nil
}

// UpsertRiskDay stores one day's realized risk metrics.
func (s *Store) UpsertRiskDay(ctx context.Context, rd RiskDay) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_days (day, realized_pnl, trades, wins, losses, max_drawdown)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			trades = excluded.trades,
			wins = excluded.wins,
			losses = excluded.losses,
			max_drawdown = excluded.max_drawdown
	`, rd.Day, rd.RealizedPnL, rd.Trades, rd.Wins, rd.Losses, rd.MaxDrawdown)
	if err != nil {
		return fmt.Errorf("upsert risk day: %w", err)
	}
	return nil
}

// RiskDayByDate returns one day's metrics or ErrNotFound.
func (s *Store) RiskDayByDate(ctx context.Context, day string) (*RiskDay, error) {
	var rd RiskDay
	err := s.db.QueryRowContext(ctx, `
		SELECT day, realized_pnl, trades, wins, losses, max_drawdown
		FROM risk_days WHERE day = ?
	`, day).Scan(&rd.Day, &rd.RealizedPnL, &rd.Trades, &rd.Wins, &rd.Losses, &rd.MaxDrawdown)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query risk day: %w", err)
	}
	return &rd, nil
}

// RecentRiskDays returns the newest daily metrics rows, newest first.
func (s *Store) RecentRiskDays(ctx context.Context, limit int) ([]RiskDay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, realized_pnl, trades, wins, losses, max_drawdown
		FROM risk_days ORDER BY day DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk days: %w", err)
	}
	defer rows.Close()

	var days []RiskDay
	for rows.Next() {
		var rd RiskDay
		if err := rows.Scan(&rd.Day, &rd.RealizedPnL, &rd.Trades, &rd.Wins, &rd.Losses, &rd.MaxDrawdown); err != nil {
			return nil, fmt.Errorf("scan risk day: %w", err)
		}
		days = append(days, rd)
	}
	return days, rows.Err()
}

// CreateUser inserts an operator account.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, u.ID, strings.ToLower(u.Username), u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UserByUsername returns one account or ErrNotFound.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = ?
	`, strings.ToLower(username)).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
