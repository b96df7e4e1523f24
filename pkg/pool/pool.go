// Package pool provides buffer pooling for sample encoding and hashing.
//
// Encoding a batch allocates one PCM buffer per sample and hashing every
// written file allocates a copy buffer. Pooling reuses them across samples
// and batches instead of leaving them to the GC.
//
// Pooled objects:
// - PCM integer buffers (wav encoding)
// - Byte copy buffers (checksums)
//
// Usage:
//
//	pcm := pool.GetIntSlice(len(sample.Data))
//	defer pool.PutIntSlice(pcm)
package pool

import (
	"sync"
)

// PoolConfig configures pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize is the largest capacity, in elements, kept in a pool. Buffers
	// for very long samples are dropped rather than pinned in memory.
	MaxSize int
}

// CopyBufferSize is the length of buffers returned by GetCopyBuffer.
const CopyBufferSize = 64 * 1024

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled: true,
		MaxSize: 1 << 22, // ~95s of 44.1kHz stereo
	}
)

// Configure sets global pool configuration.
func Configure(config PoolConfig) {
	configMu.Lock()
	globalConfig = config
	configMu.Unlock()
}

func current() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return current().Enabled
}

// =============================================================================
// PCM Buffer Pool
// =============================================================================

var intSlicePool = sync.Pool{
	New: func() any {
		return make([]int, 0, 44100)
	},
}

// GetIntSlice returns a slice of length n. Its contents are unspecified;
// callers overwrite every element. Call PutIntSlice when done.
func GetIntSlice(n int) []int {
	cfg := current()
	if !cfg.Enabled || n > cfg.MaxSize {
		return make([]int, n)
	}
	s := intSlicePool.Get().([]int)
	if cap(s) < n {
		return make([]int, n)
	}
	return s[:n]
}

// PutIntSlice returns s to the pool. s must not be used afterwards.
func PutIntSlice(s []int) {
	cfg := current()
	if !cfg.Enabled || cap(s) > cfg.MaxSize || cap(s) == 0 {
		return
	}
	intSlicePool.Put(s[:0])
}

// =============================================================================
// Copy Buffer Pool
// =============================================================================

var copyBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, CopyBufferSize)
	},
}

// GetCopyBuffer returns a CopyBufferSize byte slice for io.CopyBuffer.
func GetCopyBuffer() []byte {
	if !IsEnabled() {
		return make([]byte, CopyBufferSize)
	}
	return copyBufferPool.Get().([]byte)
}

// PutCopyBuffer returns buf to the pool.
func PutCopyBuffer(buf []byte) {
	if !IsEnabled() || cap(buf) < CopyBufferSize {
		return
	}
	copyBufferPool.Put(buf[:CopyBufferSize])
}
