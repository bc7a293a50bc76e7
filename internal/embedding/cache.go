package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Cache wraps a Provider with a persistent sqlite cache plus an in-memory
// layer. Entries are keyed by content hash and model so a model change
// invalidates everything automatically.
type Cache struct {
	db       *sql.DB
	provider Provider
	memory   map[string]*cacheEntry
	mu       sync.RWMutex
	ttl      time.Duration
	enabled  bool
	now      func() time.Time
}

type cacheEntry struct {
	embedding []float32
	storedAt  time.Time
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS embedding_cache (
	content_hash TEXT NOT NULL,
	model        TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (content_hash, model)
);
`

// NewCache creates an embedding cache backed by db. A zero ttl disables
// caching and every Embed call goes straight to the provider.
func NewCache(db *sql.DB, provider Provider, ttl time.Duration) (*Cache, error) {
	if db != nil {
		if _, err := db.Exec(cacheSchema); err != nil {
			return nil, fmt.Errorf("create embedding cache table: %w", err)
		}
	}
	return &Cache{
		db:       db,
		provider: provider,
		memory:   make(map[string]*cacheEntry),
		ttl:      ttl,
		enabled:  ttl > 0 && db != nil,
		now:      time.Now,
	}, nil
}

// Embed returns a cached vector for text or computes and stores one.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.enabled {
		return c.provider.Embed(ctx, text)
	}

	key := contentHash(text)

	c.mu.RLock()
	if entry, ok := c.memory[key]; ok && c.now().Sub(entry.storedAt) < c.ttl {
		c.mu.RUnlock()
		return entry.embedding, nil
	}
	c.mu.RUnlock()

	if vec, err := c.getFromDB(ctx, key); err == nil {
		c.remember(key, vec)
		return vec, nil
	}

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	// Cache writes are best-effort; a failed insert never fails the caller.
	_ = c.storeInDB(ctx, key, vec)
	c.remember(key, vec)

	return vec, nil
}

// Dimensions returns the underlying provider's vector length.
func (c *Cache) Dimensions() int {
	return c.provider.Dimensions()
}

// Model returns the underlying provider's model name.
func (c *Cache) Model() string {
	return c.provider.Model()
}

// Stats reports in-memory and on-disk entry counts.
func (c *Cache) Stats(ctx context.Context) (memCount, dbCount int, err error) {
	c.mu.RLock()
	memCount = len(c.memory)
	c.mu.RUnlock()

	if c.db == nil {
		return memCount, 0, nil
	}
	err = c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_cache").Scan(&dbCount)
	return memCount, dbCount, err
}

func (c *Cache) remember(key string, vec []float32) {
	c.mu.Lock()
	c.memory[key] = &cacheEntry{embedding: vec, storedAt: c.now()}
	c.mu.Unlock()
}

func (c *Cache) getFromDB(ctx context.Context, key string) ([]float32, error) {
	var blob []byte
	var createdAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT embedding, created_at FROM embedding_cache
		WHERE content_hash = ? AND model = ?
	`, key, c.provider.Model()).Scan(&blob, &createdAt)
	if err != nil {
		return nil, err
	}

	if c.now().Sub(time.Unix(createdAt, 0)) >= c.ttl {
		return nil, fmt.Errorf("cache entry expired")
	}

	return deserializeVector(blob)
}

func (c *Cache) storeInDB(ctx context.Context, key string, vec []float32) error {
	blob, err := serializeVector(vec)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache (content_hash, model, embedding, created_at)
		VALUES (?, ?, ?, ?)
	`, key, c.provider.Model(), blob, c.now().Unix())
	return err
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// serializeVector packs a float32 slice as a little-endian blob with a
// leading dimension count.
func serializeVector(vec []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(vec))); err != nil {
		return nil, err
	}
	for _, val := range vec {
		if err := binary.Write(buf, binary.LittleEndian, val); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func deserializeVector(data []byte) ([]float32, error) {
	buf := bytes.NewReader(data)
	var dim uint32
	if err := binary.Read(buf, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}
	vec := make([]float32, dim)
	for i := uint32(0); i < dim; i++ {
		if err := binary.Read(buf, binary.LittleEndian, &vec[i]); err != nil {
			return nil, err
		}
	}
	return vec, nil
}
