package kv

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*sqliteStore)(nil)

// NewSQLite returns a Store backed by SQLite, for single-node deployments
// that have no Redis. If dbPath is empty or ":memory:" an in-memory database
// is used. Set-if-absent is a single upsert statement, so it is atomic across
// connections and across processes sharing the database file.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
	memory := dbPath == "" || dbPath == ":memory:"
	dsn := ":memory:"
	if !memory {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "kv: open sqlite")
	}
	if memory {
		// each connection would otherwise get its own private database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "kv: create table")
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "kv: create index")
	}

	childCtx, cancel := context.WithCancel(ctx)
	s := &sqliteStore{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    applyOptions(opts),
	}
	if s.cfg.expiryCheck <= 0 {
		s.cfg.expiryCheck = time.Minute
	}
	s.waitGroup.Add(1)
	go s.run()
	return s, nil
}

// expiresAt converts a TTL into the stored unix-nano deadline; 0 means never.
func (s *sqliteStore) expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	var data []byte
	err := s.db.QueryRowContext(qctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		s.cfg.key(key), s.cfg.now().UnixNano(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "GET", key)
	}
	return data, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.defaultExpires
	}
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.cfg.key(key), val, s.expiresAt(s.cfg.now(), ttl),
	)
	return unavailable(err, "SET", key)
}

func (s *sqliteStore) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	now := s.cfg.now()
	// An expired row counts as absent and is overwritten in place.
	res, err := s.db.ExecContext(qctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv.expires_at != 0 AND kv.expires_at <= ?`,
		s.cfg.key(key), val, s.expiresAt(now, ttl), now.UnixNano(),
	)
	if err != nil {
		return false, unavailable(err, "SETNX", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "SETNX", key)
	}
	return n == 1, nil
}

func (s *sqliteStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return s.Del(ctx, key)
	}
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	now := s.cfg.now()
	res, err := s.db.ExecContext(qctx,
		`UPDATE kv SET expires_at = ? WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		s.expiresAt(now, ttl), s.cfg.key(key), now.UnixNano(),
	)
	if err != nil {
		return false, unavailable(err, "EXPIRE", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "EXPIRE", key)
	}
	return n > 0, nil
}

func (s *sqliteStore) Del(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(qctx,
		`DELETE FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		s.cfg.key(key), s.cfg.now().UnixNano(),
	)
	if err != nil {
		return false, unavailable(err, "DEL", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "DEL", key)
	}
	return n > 0, nil
}

func (s *sqliteStore) CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(qctx,
		`DELETE FROM kv WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`,
		s.cfg.key(key), val, s.cfg.now().UnixNano(),
	)
	if err != nil {
		return false, unavailable(err, "CAD", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "CAD", key)
	}
	return n > 0, nil
}

func (s *sqliteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *sqliteStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.db.ExecContext(s.ctx,
				`DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`,
				s.cfg.now().UnixNano(),
			)
		}
	}
}
