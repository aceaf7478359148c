package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/finboard/shared"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

const (
	// SQL statements.
	createQuoteTableSQL = "CREATE TABLE IF NOT EXISTS quote (id INTEGER PRIMARY KEY AUTOINCREMENT, symbol TEXT NOT NULL, market TEXT NOT NULL, currency TEXT, price REAL, change REAL, changepercent REAL, volume INTEGER, high REAL, low REAL, open REAL, previousclose REAL, recordedon INTEGER)"
	createQuoteIndexSQL = "CREATE INDEX IF NOT EXISTS quote_symbol_market ON quote (symbol, market, recordedon)"
	persistQuoteSQL     = "INSERT INTO quote(symbol, market, currency, price, change, changepercent, volume, high, low, open, previousclose, recordedon) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)"

	// requestTimeout is the database request timeout.
	requestTimeout = time.Second * 5
)

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Now returns the snapshot record time. Defaults to time.Now when nil.
	Now func() time.Time
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *DatabaseConfig) Validate() error {
	var errs error

	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("database endpoint cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Database represents the database connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
}

// Ensure the database implements the QuoteStorer interface.
var _ shared.QuoteStorer = (*Database)(nil)

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating database config: %w", err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	httpc := &http.Client{Timeout: requestTimeout}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// execute runs the provided statements in a transaction and surfaces
// statement level errors.
func (db *Database) execute(ctx context.Context, statements rqlitehttp.SQLStatements) error {
	resp, err := db.client.Execute(ctx, statements, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("statement %d: %s", idx, errStr)
	}

	return nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	return db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createQuoteTableSQL},
		{SQL: createQuoteIndexSQL},
	})
}

// PersistQuote stores the provided quote snapshot to the database.
func (db *Database) PersistQuote(ctx context.Context, q *shared.Quote) error {
	if q == nil {
		return fmt.Errorf("quote cannot be nil")
	}

	if q.Symbol == "" || q.Price <= 0 || !q.MarketType.Valid() {
		db.cfg.Logger.Error().Msgf("unexpected quote state for snapshot: %s", spew.Sdump(q))
		return fmt.Errorf("invalid quote snapshot for %q", q.Symbol)
	}

	err := db.execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: persistQuoteSQL,
			PositionalParams: []any{q.Symbol, q.MarketType.String(), q.Currency, q.Price, q.Change,
				q.ChangePercent, q.Volume, q.High, q.Low, q.Open, q.PreviousClose, db.cfg.Now().Unix()},
		},
	})
	if err != nil {
		return fmt.Errorf("persisting %s quote: %w", q.Symbol, err)
	}

	return nil
}
