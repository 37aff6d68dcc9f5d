package embed

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Cache stores embeddings keyed by (model, sha256(text)). Lookups hit an
// in-memory map first, then the optional sqlite file, so identical strings
// are embedded at most once per model across runs.
type Cache struct {
	mu  sync.RWMutex
	mem map[string][]float32
	db  *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	key        TEXT PRIMARY KEY,
	model      TEXT NOT NULL,
	dimension  INTEGER NOT NULL,
	vector     BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);
`

// NewMemoryCache builds a process-local cache with no persistence.
func NewMemoryCache() *Cache {
	return &Cache{mem: make(map[string][]float32)}
}

// OpenCache opens (or creates) the persistent embedding cache.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	// WAL allows concurrent readers while a writer is active.
	// busy_timeout reduces SQLITE_BUSY errors under contention.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create embedding cache schema: %w", err)
	}
	return &Cache{mem: make(map[string][]float32), db: db}, nil
}

// CacheKey derives the cache key for one text under one model.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached vector for a key.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	v, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	if c.db == nil {
		return nil, false
	}
	var blob []byte
	err := c.db.QueryRow(`SELECT vector FROM embeddings WHERE key = ?`, key).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec := blobToVector(blob)
	if vec == nil {
		return nil, false
	}
	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()
	return vec, true
}

// Put stores a vector under a key, in memory and on disk when persistent.
func (c *Cache) Put(key, model string, vec []float32) error {
	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	_, err := c.db.Exec(`
		INSERT INTO embeddings (key, model, dimension, vector, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, model, len(vec), vectorToBlob(vec), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache embedding: %w", err)
	}
	return nil
}

// Close releases the sqlite handle.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func vectorToBlob(vec []float32) []byte {
	blob := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToVector(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
