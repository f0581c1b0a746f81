package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.OrderStore and ports.TradeRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/bracket_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite order store ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		exchange_id INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		filled INTEGER NOT NULL DEFAULT 0,
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_price REAL NOT NULL DEFAULT 0,
		parent_id TEXT NULL,
		target_index INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		entry_details TEXT NULL -- JSON, entries only
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		symbol TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		saved_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders (symbol);
	CREATE INDEX IF NOT EXISTS idx_trade_history_symbol_exit_time ON trade_history (symbol, exit_time);
	CREATE INDEX IF NOT EXISTS idx_trade_history_tag ON trade_history (tag);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- OrderStore Implementation ---

// SaveSnapshot replaces the stored order book with snap in one transaction.
func (r *Repository) SaveSnapshot(ctx context.Context, snap *ports.Snapshot) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin snapshot: %w", ports.ErrUpdateFailed, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range []string{`DELETE FROM orders`, `DELETE FROM subscriptions`} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: clearing snapshot: %w", ports.ErrUpdateFailed, err)
		}
	}

	const insertOrder = `
	INSERT INTO orders (id, exchange_id, role, type, symbol, side, quantity, price, filled,
	                    filled_qty, avg_price, parent_id, target_index, created_at, entry_details)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, o := range snap.Orders {
		var details sql.NullString
		if o.Entry != nil {
			raw, mErr := json.Marshal(o.Entry)
			if mErr != nil {
				err = fmt.Errorf("encoding entry details of %s: %w", o.ID, mErr)
				return err
			}
			details = sql.NullString{String: string(raw), Valid: true}
		}
		var parent sql.NullString
		if o.ParentID != "" {
			parent = sql.NullString{String: o.ParentID, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, insertOrder,
			o.ID, o.ExchangeID, o.Role, o.Type, o.Symbol, o.Side, o.Quantity, o.Price, o.Filled,
			o.FilledQty, o.AvgPrice, parent, o.TargetIndex, o.CreatedAt, details); err != nil {
			return fmt.Errorf("%w: inserting order %s: %w", ports.ErrUpdateFailed, o.ID, err)
		}
	}

	for _, s := range snap.Subscriptions {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO subscriptions (symbol) VALUES (?)`, s); err != nil {
			return fmt.Errorf("%w: inserting subscription %s: %w", ports.ErrUpdateFailed, s, err)
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO snapshot_meta (id, saved_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at`, savedAt); err != nil {
		return fmt.Errorf("%w: recording snapshot time: %w", ports.ErrUpdateFailed, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit snapshot: %w", ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Order book snapshot saved", map[string]interface{}{"orders": len(snap.Orders), "subscriptions": len(snap.Subscriptions)})
	return nil
}

// LoadSnapshot reads the stored order book. An empty store yields an empty snapshot.
func (r *Repository) LoadSnapshot(ctx context.Context) (*ports.Snapshot, error) {
	const query = `
	SELECT id, exchange_id, role, type, symbol, side, quantity, price, filled,
	       filled_qty, avg_price, parent_id, target_index, created_at, entry_details
	FROM orders ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: loading orders: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	snap := &ports.Snapshot{Orders: make([]*domain.Order, 0)}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning order: %w", ports.ErrQueryFailed, err)
		}
		snap.Orders = append(snap.Orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating orders: %w", ports.ErrQueryFailed, err)
	}

	subRows, err := r.db.QueryContext(ctx, `SELECT symbol FROM subscriptions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("%w: loading subscriptions: %w", ports.ErrQueryFailed, err)
	}
	defer subRows.Close()
	for subRows.Next() {
		var s string
		if err := subRows.Scan(&s); err != nil {
			return nil, fmt.Errorf("%w: scanning subscription: %w", ports.ErrQueryFailed, err)
		}
		snap.Subscriptions = append(snap.Subscriptions, s)
	}
	if err = subRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating subscriptions: %w", ports.ErrQueryFailed, err)
	}

	var savedAt sql.NullTime
	err = r.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshot_meta WHERE id = 1`).Scan(&savedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: loading snapshot time: %w", ports.ErrQueryFailed, err)
	}
	if savedAt.Valid {
		snap.SavedAt = savedAt.Time
	}

	r.logger.Debug(ctx, "Order book snapshot loaded", map[string]interface{}{"orders": len(snap.Orders), "subscriptions": len(snap.Subscriptions)})
	return snap, nil
}

// --- TradeRepository Implementation ---

// CreateTrade saves a new trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trade_history (entry_id, symbol, tag, side, entry_price, exit_price, quantity,
	                           leverage, pnl, entry_time, exit_time, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		trade.EntryID, trade.Symbol, trade.Tag, trade.Side, trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.Leverage, trade.PNL, trade.EntryTime, trade.ExitTime, trade.CloseReason)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade history for symbol %s: %w", trade.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade history %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade history created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "pnl": trade.PNL})
	return id, nil
}

const tradeColumns = `id, entry_id, symbol, tag, side, entry_price, exit_price, quantity, leverage, pnl,
	       entry_time, exit_time, close_reason`

// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trade_history WHERE symbol = ? ORDER BY exit_time DESC LIMIT ?`
	return r.queryTrades(ctx, "FindBySymbol", query, symbol, limit)
}

// FindByTag retrieves the most recent trades opened for a signal tag.
func (r *Repository) FindByTag(ctx context.Context, tag string, limit int) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trade_history WHERE tag = ? ORDER BY exit_time DESC LIMIT ?`
	return r.queryTrades(ctx, "FindByTag", query, tag, limit)
}

// GetTotalProfit sums the realized PNL of every recorded trade.
func (r *Repository) GetTotalProfit(ctx context.Context) (float64, error) {
	var total float64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(pnl), 0) FROM trade_history`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w", err)
	}
	return total, nil
}

func (r *Repository) queryTrades(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query trade history: %w", op, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to scan trade history: %w", op, err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating trade history rows: %w", op, err)
	}
	return trades, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var role, typ, side string
	var parent, details sql.NullString
	err := s.Scan(&o.ID, &o.ExchangeID, &role, &typ, &o.Symbol, &side, &o.Quantity, &o.Price, &o.Filled,
		&o.FilledQty, &o.AvgPrice, &parent, &o.TargetIndex, &o.CreatedAt, &details)
	if err != nil {
		return nil, err
	}
	o.Role = domain.OrderRole(role)
	o.Type = domain.OrderType(typ)
	o.Side = domain.OrderSide(side)
	if parent.Valid {
		o.ParentID = parent.String
	}
	if details.Valid {
		o.Entry = &domain.EntryDetails{}
		if err := json.Unmarshal([]byte(details.String), o.Entry); err != nil {
			return nil, fmt.Errorf("decoding entry details of %s: %w", o.ID, err)
		}
	}
	return o, nil
}

func scanTrade(s scanner) (*domain.Trade, error) {
	th := &domain.Trade{}
	var side string
	var closeReason sql.NullString
	err := s.Scan(
		&th.ID, &th.EntryID, &th.Symbol, &th.Tag, &side, &th.EntryPrice, &th.ExitPrice, &th.Quantity,
		&th.Leverage, &th.PNL, &th.EntryTime, &th.ExitTime, &closeReason)
	if err != nil {
		return nil, err
	}
	th.Side = domain.OrderSide(side)
	if closeReason.Valid {
		th.CloseReason = domain.CloseReason(closeReason.String)
	}
	return th, nil
}
