package evidence

import (
	"log/slog"
	"sort"
	"sync"
)

// Evidence categories.
const (
	PrefixHeader = "header."
	PrefixCookie = "cookie."
	PrefixQuery  = "query."
	PrefixServer = "server."

	KeyClientIP = PrefixServer + "client-ip"
	KeyHostIP   = PrefixServer + "host-ip"
)

// Pair is a single evidence entry, used when insertion order matters.
type Pair struct {
	Key   string
	Value any
}

// Evidence is the key/value store for one flow data instance. Values are only
// kept when the owning filter accepts their key.
type Evidence struct {
	mu     sync.RWMutex
	values map[string]any
	filter KeyFilter
	logger *slog.Logger
}

// New creates an empty store guarded by filter. A nil filter accepts all keys.
func New(filter KeyFilter, logger *slog.Logger) *Evidence {
	if filter == nil {
		filter = AllowAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evidence{
		values: make(map[string]any),
		filter: filter,
		logger: logger,
	}
}

// Add stores value under key if the filter accepts the key and reports
// whether it was kept.
func (e *Evidence) Add(key string, value any) bool {
	if !e.filter.FilterEvidenceKey(key) {
		e.logger.Debug("evidence filtered", "key", key)
		return false
	}

	e.mu.Lock()
	e.values[key] = value
	e.mu.Unlock()

	e.logger.Debug("evidence added", "key", key)
	return true
}

// AddObject adds every entry of values. Entries are visited in sorted key
// order so repeated runs log identically.
func (e *Evidence) AddObject(values map[string]any) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		e.Add(key, values[key])
	}
}

// AddPairs adds entries in the given order.
func (e *Evidence) AddPairs(pairs ...Pair) {
	for _, p := range pairs {
		e.Add(p.Key, p.Value)
	}
}

// Get returns the stored value for key.
func (e *Evidence) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	value, ok := e.values[key]
	return value, ok
}

// All returns a copy of every stored entry.
func (e *Evidence) All() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.values))
	for key, value := range e.values {
		out[key] = value
	}
	return out
}

// Len returns the number of stored entries.
func (e *Evidence) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.values)
}
