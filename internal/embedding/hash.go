package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashProvider derives deterministic pseudo-embeddings from a content hash.
// It needs no network and gives identical text identical vectors, which is
// enough for tests and for running without an embedding endpoint.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a provider producing dims-length vectors.
func NewHashProvider(dims int) *HashProvider {
	return &HashProvider{dims: dims}
}

func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, p.dims)
	for i := range vec {
		// Stretch the 32-byte digest by hashing it with the index.
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], uint64(i))
		h := sha256.Sum256(append(sum[:], idx[:]...))
		raw := binary.LittleEndian.Uint32(h[:4])
		vec[i] = float32(raw)/float32(math.MaxUint32)*2 - 1
	}
	return normalize(vec), nil
}

func (p *HashProvider) Dimensions() int {
	return p.dims
}

func (p *HashProvider) Model() string {
	return "hash"
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
