// Package db is the engine's SQLite persistence: the drop-copy audit trail
// and the risk gate's exposure table.
package db

import (
	"context"
	"fmt"
)

// InsertDropCopyOrder appends one order audit record.
func (d *Database) InsertDropCopyOrder(ctx context.Context, rec DropCopyOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO dropcopy_orders (
			order_id, external_id, order_time, exec_time, status,
			operation_id, sub_operation_id, symbol, side, currency,
			qty, price, time_in_force, min_qty, filled_qty, best_bid, best_ask
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.OrderID, rec.ExternalID, rec.OrderTime, rec.ExecTime, rec.Status,
		rec.OperationID, rec.SubOperationID, rec.Symbol, rec.Side, rec.Currency,
		rec.Qty, rec.Price, rec.TimeInForce, rec.MinQty, rec.FilledQty, rec.BestBid, rec.BestAsk,
	)
	if err != nil {
		return fmt.Errorf("insert dropcopy order: %w", err)
	}
	return nil
}

// InsertDropCopyTrade appends one trade audit record.
func (d *Database) InsertDropCopyTrade(ctx context.Context, rec DropCopyTrade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO dropcopy_trades (
			trade_time, external_trade_id, leg_id, price, qty, best_bid, best_ask
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Time, rec.ExternalTradeID, rec.LegID, rec.Price, rec.Qty, rec.BestBid, rec.BestAsk,
	)
	if err != nil {
		return fmt.Errorf("insert dropcopy trade: %w", err)
	}
	return nil
}

// ListDropCopyOrders returns the most recent order audit records.
func (d *Database) ListDropCopyOrders(ctx context.Context, limit int) ([]DropCopyOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT seq, order_id, external_id, order_time, exec_time, status,
		       operation_id, sub_operation_id, symbol, side, currency,
		       qty, price, time_in_force, min_qty, filled_qty, best_bid, best_ask
		FROM dropcopy_orders
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dropcopy orders: %w", err)
	}
	defer rows.Close()

	var out []DropCopyOrder
	for rows.Next() {
		var rec DropCopyOrder
		if err := rows.Scan(
			&rec.Seq, &rec.OrderID, &rec.ExternalID, &rec.OrderTime, &rec.ExecTime, &rec.Status,
			&rec.OperationID, &rec.SubOperationID, &rec.Symbol, &rec.Side, &rec.Currency,
			&rec.Qty, &rec.Price, &rec.TimeInForce, &rec.MinQty, &rec.FilledQty, &rec.BestBid, &rec.BestAsk,
		); err != nil {
			return nil, fmt.Errorf("scan dropcopy order: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveExposure upserts one scope/currency net position.
func (d *Database) SaveExposure(scope, currency string, position float64) error {
	_, err := d.DB.Exec(`
		INSERT INTO risk_exposure (scope, currency, position, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(scope, currency) DO UPDATE SET
			position = excluded.position,
			updated_at = CURRENT_TIMESTAMP
	`, scope, currency, position)
	if err != nil {
		return fmt.Errorf("save exposure: %w", err)
	}
	return nil
}

// LoadExposure returns the persisted net positions of one scope.
func (d *Database) LoadExposure(scope string) (map[string]float64, error) {
	rows, err := d.DB.Query(`SELECT currency, position FROM risk_exposure WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("load exposure: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var currency string
		var position float64
		if err := rows.Scan(&currency, &position); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		out[currency] = position
	}
	return out, rows.Err()
}
