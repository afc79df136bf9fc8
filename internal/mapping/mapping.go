// Package mapping resolves which users can see a path on a storage.
//
// The backing query joins the mount table with the file cache; results are
// cached per storage id with a jittered TTL so a storage with many watchers
// does not hammer the database, and cache refreshes spread out over time.
package mapping

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/user"
)

// Access grants a user visibility of every path prefixed by Root.
type Access struct {
	User user.ID
	Root string
}

// DatabaseError distinguishes connect failures from query failures.
type DatabaseError struct {
	Op  string // "connect" or "query"
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("failed to %s database: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

type cachedAccess struct {
	access    []Access
	validTill time.Time
}

func (c *cachedAccess) valid(now time.Time) bool {
	return c.validTill.After(now)
}

// newCachedAccess stamps a fresh entry with a TTL jittered between 4 and 5
// minutes so entries for different storages expire independently.
func newCachedAccess(access []Access, now time.Time) *cachedAccess {
	ttl := 4*time.Minute + time.Duration(rand.Int63n(int64(time.Minute)))
	return &cachedAccess{access: access, validTill: now.Add(ttl)}
}

// StorageMapping caches the storage → access-list relation.
type StorageMapping struct {
	db      *sql.DB
	driver  string
	prefix  string
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cache map[int64]*cachedAccess
}

// New opens and verifies a database connection. driver is a database/sql
// driver name ("postgres" or "mysql").
func New(ctx context.Context, driver, dsn, prefix string, m *metrics.Metrics) (*StorageMapping, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &DatabaseError{Op: "connect", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &DatabaseError{Op: "connect", Err: err}
	}
	return FromConnection(db, driver, prefix, m), nil
}

// FromConnection wraps an existing pool.
func FromConnection(db *sql.DB, driver, prefix string, m *metrics.Metrics) *StorageMapping {
	return &StorageMapping{
		db:      db,
		driver:  driver,
		prefix:  prefix,
		metrics: m,
		cache:   make(map[int64]*cachedAccess),
	}
}

// Prime inserts a cache entry directly, bypassing the database. Tests use
// it to run the engine without a backing database.
func (s *StorageMapping) Prime(storage int64, access []Access) {
	s.mu.Lock()
	s.cache[storage] = newCachedAccess(access, time.Now())
	s.mu.Unlock()
}

// UsersForStoragePath returns every user with access to path on the given
// storage. The empty path matches every access root. Duplicate rows are
// returned as-is; the query yields distinct rows by construction.
func (s *StorageMapping) UsersForStoragePath(ctx context.Context, storage int64, path string) ([]user.ID, error) {
	access, err := s.storageMapping(ctx, storage)
	if err != nil {
		return nil, err
	}

	var users []user.ID
	for _, a := range access {
		if strings.HasPrefix(path, a.Root) {
			users = append(users, a.User)
		}
	}
	return users, nil
}

func (s *StorageMapping) storageMapping(ctx context.Context, storage int64) ([]Access, error) {
	now := time.Now()
	s.mu.RLock()
	cached, ok := s.cache[storage]
	s.mu.RUnlock()
	if ok && cached.valid(now) {
		return cached.access, nil
	}

	access, err := s.loadStorageMapping(ctx, storage)
	if err != nil {
		// a failed query must not poison the cache
		return nil, err
	}

	s.mu.Lock()
	s.cache[storage] = newCachedAccess(access, now)
	s.mu.Unlock()
	return access, nil
}

func (s *StorageMapping) loadStorageMapping(ctx context.Context, storage int64) ([]Access, error) {
	slog.Debug("querying storage mapping", "storage", storage)

	query := fmt.Sprintf(
		"SELECT user_id, path FROM %smounts INNER JOIN %sfilecache ON root_id = fileid WHERE storage_id = %s",
		s.prefix, s.prefix, s.placeholder(),
	)
	rows, err := s.db.QueryContext(ctx, query, storage)
	if err != nil {
		return nil, &DatabaseError{Op: "query", Err: err}
	}
	defer rows.Close()

	var access []Access
	for rows.Next() {
		var a Access
		if err := rows.Scan(&a.User, &a.Root); err != nil {
			return nil, &DatabaseError{Op: "query", Err: err}
		}
		access = append(access, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &DatabaseError{Op: "query", Err: err}
	}
	s.metrics.AddMappingQuery()

	slog.Debug("got storage mappings", "storage", storage, "count", len(access))
	return access, nil
}

// placeholder returns the bind-parameter syntax of the active backend.
func (s *StorageMapping) placeholder() string {
	if s.driver == "postgres" {
		return "$1"
	}
	return "?"
}
