package cache

// Tracker remembers recently seen keys so callers can act once per key, for
// example sharing a given evidence fingerprint only the first time it appears.
type Tracker[K comparable] struct {
	seen  *LRU[K, K]
	match func(key, tracked K) bool
}

// NewTracker creates a tracker remembering up to capacity keys. match decides
// whether a key that is already tracked should be tracked again; nil means
// never.
func NewTracker[K comparable](capacity int, match func(key, tracked K) bool) (*Tracker[K], error) {
	seen, err := NewLRU[K, K](capacity)
	if err != nil {
		return nil, err
	}
	return &Tracker[K]{seen: seen, match: match}, nil
}

// Track reports whether key should be acted upon. The first sighting of a key
// always returns true.
func (t *Tracker[K]) Track(key K) bool {
	tracked, ok := t.seen.Get(key)
	if !ok {
		t.seen.Put(key, key)
		return true
	}
	if t.match == nil {
		return false
	}
	return t.match(key, tracked)
}

// Len returns the number of tracked keys.
func (t *Tracker[K]) Len() int {
	return t.seen.Len()
}
