package store

// Schema is applied at startup. Decimal money travels as TEXT to keep exact
// values; an empty tenant_id means single-tenant mode.
const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL DEFAULT '',
	symbol                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	entry_price           TEXT NOT NULL DEFAULT '0',
	entry_quantity        TEXT NOT NULL DEFAULT '0',
	entry_time            TIMESTAMP,
	entry_order_id        INTEGER NOT NULL DEFAULT 0,
	stop_loss             TEXT NOT NULL DEFAULT '0',
	take_profits          TEXT NOT NULL DEFAULT '',
	leverage              INTEGER NOT NULL DEFAULT 0,
	risk_amount           TEXT NOT NULL DEFAULT '0',
	entry_commission      TEXT NOT NULL DEFAULT '0',
	signal_hash           TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	dca_count             INTEGER NOT NULL DEFAULT 0,
	total_closed_quantity TEXT NOT NULL DEFAULT '0',
	remaining_quantity    TEXT NOT NULL DEFAULT '0',
	exit_price            TEXT NOT NULL DEFAULT '0',
	exit_quantity         TEXT NOT NULL DEFAULT '0',
	exit_time             TIMESTAMP,
	exit_order_id         INTEGER NOT NULL DEFAULT 0,
	exit_reason           TEXT NOT NULL DEFAULT '',
	gross_profit          TEXT NOT NULL DEFAULT '0',
	commission            TEXT NOT NULL DEFAULT '0',
	net_profit            TEXT NOT NULL DEFAULT '0',
	source_platform       TEXT NOT NULL DEFAULT '',
	source_channel        TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_tenant_status ON trades(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_trades_tenant_symbol_status ON trades(tenant_id, symbol, status);
CREATE INDEX IF NOT EXISTS idx_trades_signal_hash ON trades(signal_hash, created_at);

CREATE TABLE IF NOT EXISTS trade_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id      TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	order_id      INTEGER NOT NULL DEFAULT 0,
	side          TEXT NOT NULL DEFAULT '',
	order_type    TEXT NOT NULL DEFAULT '',
	price         TEXT NOT NULL DEFAULT '0',
	quantity      TEXT NOT NULL DEFAULT '0',
	success       INTEGER NOT NULL DEFAULT 1,
	error_message TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	timestamp     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_events_trade ON trade_events(trade_id, timestamp);

CREATE TABLE IF NOT EXISTS signals (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id        TEXT NOT NULL DEFAULT '',
	signal_hash      TEXT NOT NULL DEFAULT '',
	action           TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL DEFAULT '',
	raw_message      TEXT NOT NULL DEFAULT '',
	execution_status TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	trade_id         TEXT NOT NULL DEFAULT '',
	timestamp        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_hash ON signals(signal_hash, timestamp);
`
