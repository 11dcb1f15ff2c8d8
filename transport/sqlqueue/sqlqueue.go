// Package sqlqueue provides durable queues stored in a SQL table, for
// deployments that already run SQLite or PostgreSQL and no message broker.
// A fetched row is locked until it is acknowledged (deleted) or released.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/fenderchamp/bullfinch/internal/jsoncodec"
	"github.com/fenderchamp/bullfinch/transport"
)

const (
	SQLiteTransportName   = "sqlite"
	PostgresTransportName = "postgres"

	DefaultTable        = "bullfinch_messages"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultLockTimeout  = 30 * time.Second
	DefaultMaxRetries   = 3
)

var (
	errClosed      = errors.New("sql queue is closed")
	identifierExpr = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// OpenDB allows overriding the database handle for testing.
var OpenDB = sql.Open

func init() {
	Register()
}

// Register registers the sqlite and postgres transports with the default
// registry.
func Register() {
	transport.RegisterWithCapabilities(SQLiteTransportName, buildFor(SQLite), transport.SQLiteCapabilities)
	transport.RegisterWithCapabilities(PostgresTransportName, buildFor(Postgres), transport.PostgresCapabilities)
}

func buildFor(d Dialect) transport.Builder {
	return func(ctx context.Context, endpoint transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
		cfg, err := ConfigFromEndpoint(d, endpoint)
		if err != nil {
			return transport.Transport{}, err
		}
		q, err := New(ctx, cfg, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		return transport.Transport{Publisher: q, Subscriber: q}, nil
	}
}

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name   string
	Driver string
	// Numbered placeholders ($1, $2) instead of "?".
	numbered bool
	idColumn string
	blobType string
	// returning claims with UPDATE ... RETURNING and SKIP LOCKED.
	returning bool
}

var (
	SQLite = Dialect{
		Name:     SQLiteTransportName,
		Driver:   "sqlite3",
		idColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
		blobType: "BLOB",
	}
	Postgres = Dialect{
		Name:      PostgresTransportName,
		Driver:    "postgres",
		numbered:  true,
		idColumn:  "id BIGSERIAL PRIMARY KEY",
		blobType:  "BYTEA",
		returning: true,
	}
)

// rebind rewrites "?" placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Config holds the queue table settings.
type Config struct {
	Dialect      Dialect
	DSN          string
	Table        string
	PollInterval time.Duration
	LockTimeout  time.Duration
	MaxRetries   int
	MaxOpenConns int
}

// ConfigFromEndpoint maps an endpoint onto a queue configuration. For SQLite
// the host is the database file path. For PostgreSQL the DSN is assembled
// from host, port and the username, password, dbname and sslmode options.
func ConfigFromEndpoint(d Dialect, endpoint transport.Endpoint) (Config, error) {
	cfg := Config{
		Dialect:    d,
		Table:      endpoint.Option("table", DefaultTable),
		MaxRetries: DefaultMaxRetries,
	}
	if v := endpoint.Option("max_retries", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("max_retries: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := endpoint.Option("lock_timeout", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("lock_timeout: %w", err)
		}
		cfg.LockTimeout = time.Duration(n) * time.Second
	}

	switch d.Name {
	case SQLiteTransportName:
		if endpoint.Host == "" {
			return Config{}, fmt.Errorf("sqlite queue needs a database file path as broker_host")
		}
		cfg.DSN = endpoint.Host + "?_journal_mode=WAL&_busy_timeout=5000"
		cfg.MaxOpenConns = 1
	case PostgresTransportName:
		u := url.URL{
			Scheme: "postgres",
			Host:   endpoint.AddressOr(5432),
			Path:   "/" + endpoint.Option("dbname", "bullfinch"),
		}
		if user := endpoint.Option("username", ""); user != "" {
			u.User = url.UserPassword(user, endpoint.Option("password", ""))
		}
		u.RawQuery = url.Values{"sslmode": []string{endpoint.Option("sslmode", "disable")}}.Encode()
		cfg.DSN = u.String()
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	return c
}

// Queue implements both Publisher and Subscriber over one table.
type Queue struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New opens the database and creates the queue table when missing.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	cfg = cfg.withDefaults()
	if !identifierExpr.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid queue table name %q", cfg.Table)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := OpenDB(cfg.Dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect.Name, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Dialect.Name, err)
	}

	q := &Queue{db: db, config: cfg, logger: logger, closed: make(chan struct{})}
	if err := q.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	// #nosec G201 - table name is checked against identifierExpr
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload %s NOT NULL,
			metadata TEXT,
			available_at BIGINT NOT NULL,
			locked_until BIGINT,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`, q.config.Table, q.config.Dialect.idColumn, q.config.Dialect.blobType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_topic ON %[1]s (topic, available_at)`, q.config.Table),
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) query(format string) string {
	return q.config.Dialect.rebind(fmt.Sprintf(format, q.config.Table))
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Publish inserts messages in one transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return errClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	insert := q.query(`INSERT INTO %s (uuid, topic, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?)`)
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := tx.Exec(insert, msg.UUID, topic, msg.Payload, string(metadata), nowMillis()); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return tx.Commit()
}

// Subscribe polls topic and hands over one claimed row at a time.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, errClosed
	}
	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case <-ticker.C:
		}
		for q.deliverNext(ctx, topic, out) {
		}
	}
}

type claimedRow struct {
	id       int64
	uuid     string
	payload  []byte
	metadata sql.NullString
	retries  int
}

// deliverNext claims one row and waits until it is settled. It reports
// whether a row was delivered, so the caller drains the backlog without
// waiting for the next tick.
func (q *Queue) deliverNext(ctx context.Context, topic string, out chan<- *message.Message) bool {
	row, err := q.claim(ctx, topic)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			q.logger.Error("failed to claim message", err, watermill.LogFields{"topic": topic})
		}
		return false
	}

	msg := message.NewMessage(row.uuid, row.payload)
	if row.metadata.Valid && row.metadata.String != "" {
		if err := jsoncodec.Unmarshal([]byte(row.metadata.String), &msg.Metadata); err != nil {
			q.logger.Error("failed to unmarshal metadata", err, nil)
		}
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		q.release(row.id, false)
		return false
	case <-q.closed:
		q.release(row.id, false)
		return false
	}

	select {
	case <-msg.Acked():
		q.delete(row.id)
		return true
	case <-msg.Nacked():
		q.nack(row)
		return true
	case <-ctx.Done():
		q.release(row.id, false)
		return false
	case <-q.closed:
		q.release(row.id, false)
		return false
	}
}

func (q *Queue) claim(ctx context.Context, topic string) (claimedRow, error) {
	now := nowMillis()
	lockUntil := now + q.config.LockTimeout.Milliseconds()
	var row claimedRow

	if q.config.Dialect.returning {
		err := q.db.QueryRowContext(ctx, q.query(`
			UPDATE %[1]s SET locked_until = ?
			WHERE id = (
				SELECT id FROM %[1]s
				WHERE topic = ? AND available_at <= ? AND (locked_until IS NULL OR locked_until < ?)
				ORDER BY available_at, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, uuid, payload, metadata, retry_count`),
			lockUntil, topic, now, now,
		).Scan(&row.id, &row.uuid, &row.payload, &row.metadata, &row.retries)
		return row, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return row, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	err = tx.QueryRowContext(ctx, q.query(`
		SELECT id, uuid, payload, metadata, retry_count FROM %s
		WHERE topic = ? AND available_at <= ? AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY available_at, id
		LIMIT 1`),
		topic, now, now,
	).Scan(&row.id, &row.uuid, &row.payload, &row.metadata, &row.retries)
	if err != nil {
		return row, err
	}
	res, err := tx.ExecContext(ctx, q.query(`UPDATE %s SET locked_until = ? WHERE id = ? AND (locked_until IS NULL OR locked_until < ?)`), lockUntil, row.id, now)
	if err != nil {
		return row, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return row, sql.ErrNoRows
	}
	return row, tx.Commit()
}

func (q *Queue) delete(id int64) {
	if _, err := q.db.Exec(q.query(`DELETE FROM %s WHERE id = ?`), id); err != nil {
		q.logger.Error("failed to ack message", err, nil)
	}
}

// nack makes the row available again after a short backoff, or drops it
// once it has been retried MaxRetries times.
func (q *Queue) nack(row claimedRow) {
	if row.retries >= q.config.MaxRetries {
		q.logger.Info("Dropping message after max retries", watermill.LogFields{"uuid": row.uuid, "retries": row.retries})
		q.delete(row.id)
		return
	}
	q.release(row.id, true)
}

func (q *Queue) release(id int64, retry bool) {
	var err error
	if retry {
		_, err = q.db.Exec(q.query(`UPDATE %s SET locked_until = NULL, retry_count = retry_count + 1, available_at = ? WHERE id = ?`), nowMillis()+time.Second.Milliseconds(), id)
	} else {
		_, err = q.db.Exec(q.query(`UPDATE %s SET locked_until = NULL WHERE id = ?`), id)
	}
	if err != nil {
		q.logger.Error("failed to release message", err, nil)
	}
}

// Pending counts the rows waiting on topic, locked or not.
func (q *Queue) Pending(ctx context.Context, topic string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, q.query(`SELECT COUNT(*) FROM %s WHERE topic = ?`), topic).Scan(&n)
	return n, err
}

// Close stops the pollers, releases claimed rows and closes the database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		q.wg.Wait()
		err = q.db.Close()
	})
	return err
}

// Capabilities returns the capabilities of this queue's dialect.
func (q *Queue) Capabilities() transport.Capabilities {
	if q.config.Dialect.Name == PostgresTransportName {
		return transport.PostgresCapabilities
	}
	return transport.SQLiteCapabilities
}
