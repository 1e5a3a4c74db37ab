package driver

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"refsafe/internal/absint"
	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
	"refsafe/internal/status"
)

// Cache remembers module verdicts by module digest: an in-process LRU in
// front of an optional DiskCache.
type Cache struct {
	mu   sync.Mutex
	mem  *lru.Cache
	disk *DiskCache

	hits, misses int
}

// NewCache creates a cache holding up to entries results in memory.
func NewCache(entries int, disk *DiskCache) *Cache {
	if entries <= 0 {
		entries = 256
	}
	return &Cache{mem: lru.New(entries), disk: disk}
}

// Stats returns the number of lookups served and missed.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) get(key bytecode.Digest) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.mem.Get(key); ok {
		c.hits++
		return v.(*cacheEntry), true
	}
	// A corrupt disk entry is a miss; the next Put overwrites it.
	if e, ok, err := c.disk.Get(key); err == nil && ok {
		c.mem.Add(key, e)
		c.hits++
		return e, true
	}
	c.misses++
	return nil, false
}

func (c *Cache) put(key bytecode.Digest, e *cacheEntry) error {
	c.mu.Lock()
	c.mem.Add(key, e)
	c.mu.Unlock()
	return c.disk.Put(key, e)
}

// cacheKey binds a module digest to the options that change verdicts.
func cacheKey(d bytecode.Digest, opts Options) bytecode.Digest {
	h := sha256.New()
	h.Write(d[:])
	fmt.Fprintf(h, "schema=%d max_block_visits=%d", diskCacheSchemaVersion, opts.MaxBlockVisits)
	var key bytecode.Digest
	copy(key[:], h.Sum(nil))
	return key
}

type cacheEntry struct {
	Schema    uint16
	Name      string
	Functions []cachedFunction
}

type cachedFunction struct {
	Outcome   Outcome
	ElapsedNS int64
	Stats     absint.Stats
	// Set for OutcomeFailed.
	Code     status.Code
	Function int
	Offset   int
	Message  string
	Related  []int
}

func newCacheEntry(r *ModuleResult) *cacheEntry {
	e := &cacheEntry{Schema: diskCacheSchemaVersion, Name: r.Name, Functions: make([]cachedFunction, len(r.Functions))}
	for i, fr := range r.Functions {
		cf := cachedFunction{Outcome: fr.Outcome, ElapsedNS: int64(fr.Elapsed), Stats: fr.Stats}
		if fr.Err != nil {
			se, ok := status.As(fr.Err)
			if !ok {
				se = status.Newf(status.Unknown, "%v", fr.Err).AtCodeOffset(int(fr.Index), status.NoOffset)
			}
			cf.Code, cf.Function, cf.Offset, cf.Message, cf.Related = se.Code, se.Function, se.Offset, se.Message, se.Related
		}
		e.Functions[i] = cf
	}
	return e
}

// restore rebuilds the result of verifying m from e. It returns false when
// the entry does not describe m.
func (e *cacheEntry) restore(m *bytecode.Module, opts Options) (*ModuleResult, bool) {
	if e.Name != m.Name() || len(e.Functions) != len(m.FunctionDefs) {
		return nil, false
	}
	res := &ModuleResult{
		Name:      e.Name,
		Module:    m,
		Functions: make([]FunctionResult, len(e.Functions)),
		Bag:       diag.NewBag(opts.MaxDiagnostics),
		Cached:    true,
	}
	for i, cf := range e.Functions {
		idx := bytecode.FunctionDefinitionIndex(i) //nolint:gosec // len(FunctionDefs) was checked by VerifyModule
		fr := FunctionResult{
			Index:   idx,
			Name:    m.FunctionName(idx),
			Outcome: cf.Outcome,
			Elapsed: time.Duration(cf.ElapsedNS),
			Stats:   cf.Stats,
		}
		if cf.Outcome == OutcomeFailed {
			fr.Err = &status.Error{
				Code:     cf.Code,
				Function: cf.Function,
				Offset:   cf.Offset,
				Message:  cf.Message,
				Related:  cf.Related,
			}
		}
		res.Functions[i] = fr
	}
	res.collect(opts)
	return res, true
}
