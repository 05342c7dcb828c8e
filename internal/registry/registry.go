// ABOUTME: SQLite-backed key/value registry shared through the cluster client:
// ABOUTME: the agent owns it, every worker publishes and subscribes by data id.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
)

// Name is the cluster-client name the registry is shared under.
const Name = "registry"

var (
	// ErrUnknownMethod is returned by Invoke for methods the registry lacks.
	ErrUnknownMethod = errors.New("registry: unknown method")
	// ErrBadArgs is returned when a method gets the wrong arguments.
	ErrBadArgs = errors.New("registry: bad arguments")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry: closed")
)

// Client is the registry. It satisfies clusterclient.Client.
type Client struct {
	db        *sql.DB
	logger    *slog.Logger
	listeners *events.Emitter

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the registry database at path.
func Open(path string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Several workers may open the same file across restarts.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	c := &Client{
		db:        db,
		logger:    logger,
		listeners: events.NewEmitter(logger),
	}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("registry opened", "path", path)
	return c, nil
}

func (c *Client) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS registry (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Invoke runs one registry method:
//
//	publish(key, value)  stores value and notifies subscribers of key
//	getData(key)         returns the stored value or nil
//	keys()               returns every key, sorted
//	delete(key)          removes key and notifies subscribers with nil
func (c *Client) Invoke(ctx context.Context, method string, args []any) (any, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	switch method {
	case "publish":
		key, err := keyArg(args, 2)
		if err != nil {
			return nil, err
		}
		return nil, c.Publish(ctx, key, args[1])
	case "getData":
		key, err := keyArg(args, 1)
		if err != nil {
			return nil, err
		}
		v, _, err := c.Get(ctx, key)
		return v, err
	case "keys":
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "delete":
		key, err := keyArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, c.Delete(ctx, key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func keyArg(args []any, want int) (string, error) {
	if len(args) != want {
		return "", fmt.Errorf("%w: want %d, got %d", ErrBadArgs, want, len(args))
	}
	key, ok := args[0].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: key must be a non-empty string", ErrBadArgs)
	}
	return key, nil
}

// Publish stores value under key and notifies the key's subscribers.
func (c *Client) Publish(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", key, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO registry (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}

	c.logger.Debug("published", "key", key)
	c.listeners.Emit(key, decode(raw))
	return nil
}

// Get returns the value stored under key and whether it exists.
func (c *Client) Get(ctx context.Context, key string) (any, bool, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM registry WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return decode([]byte(raw)), true, nil
}

// Keys lists every key in ascending order.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key FROM registry ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes key. Subscribers of key receive nil.
func (c *Client) Delete(ctx context.Context, key string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM registry WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.listeners.Emit(key, nil)
	}
	return nil
}

// Subscribe registers listener for {"dataId": key}. The current value, if
// any, is delivered before Subscribe returns.
func (c *Client) Subscribe(info any, listener func(value any)) error {
	if c.isClosed() {
		return ErrClosed
	}
	var req struct {
		DataID string `json:"dataId"`
	}
	if err := envelope.DecodeData(info, &req); err != nil || req.DataID == "" {
		return fmt.Errorf("%w: subscription needs a dataId", ErrBadArgs)
	}

	c.listeners.On(req.DataID, func(v any) { listener(v) })

	v, ok, err := c.Get(context.Background(), req.DataID)
	if err != nil {
		return err
	}
	if ok {
		listener(v)
	}
	return nil
}

// Close drops every subscriber and closes the database.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.listeners.RemoveAllListeners()
	c.logger.Info("closing registry")
	return c.db.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func decode(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
