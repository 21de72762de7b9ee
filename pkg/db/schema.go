package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS dropcopy_orders (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    external_id TEXT,
    order_time DATETIME,
    exec_time DATETIME,
    status TEXT NOT NULL,
    operation_id TEXT NOT NULL,
    sub_operation_id INTEGER,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    currency TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL,
    time_in_force TEXT,
    min_qty REAL,
    filled_qty REAL NOT NULL,
    best_bid REAL,
    best_ask REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dropcopy_trades (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_time DATETIME NOT NULL,
    external_trade_id TEXT NOT NULL,
    leg_id TEXT NOT NULL,
    price REAL NOT NULL,
    qty REAL NOT NULL,
    best_bid REAL,
    best_ask REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS risk_exposure (
    scope TEXT NOT NULL,
    currency TEXT NOT NULL,
    position REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (scope, currency)
);

CREATE INDEX IF NOT EXISTS idx_dropcopy_orders_order_id ON dropcopy_orders(order_id);
CREATE INDEX IF NOT EXISTS idx_dropcopy_trades_leg_id ON dropcopy_trades(leg_id);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
