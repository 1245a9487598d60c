// Package evidence holds the per-request key/value input of a pipeline run and
// the key filters elements use to declare which inputs they care about.
//
// Keys follow the "<category>.<name>" convention, for example
// "header.user-agent", "query.dateofbirth", "cookie.session" or
// "server.client-ip".
package evidence

// KeyFilter decides whether an evidence key is of interest.
type KeyFilter interface {
	FilterEvidenceKey(key string) bool
}

// KeyFilterFunc adapts a plain function to KeyFilter.
type KeyFilterFunc func(key string) bool

// FilterEvidenceKey calls f(key).
func (f KeyFilterFunc) FilterEvidenceKey(key string) bool {
	return f(key)
}

// AllowAll accepts every key.
type AllowAll struct{}

// FilterEvidenceKey always returns true.
func (AllowAll) FilterEvidenceKey(string) bool {
	return true
}

// ListFilter accepts a key only if it is exactly one of a fixed set.
type ListFilter struct {
	keys map[string]struct{}
	list []string
}

// NewListFilter builds a ListFilter over keys.
func NewListFilter(keys ...string) *ListFilter {
	f := &ListFilter{
		keys: make(map[string]struct{}, len(keys)),
		list: append([]string(nil), keys...),
	}
	for _, key := range keys {
		f.keys[key] = struct{}{}
	}
	return f
}

// FilterEvidenceKey reports whether key is in the list.
func (f *ListFilter) FilterEvidenceKey(key string) bool {
	_, ok := f.keys[key]
	return ok
}

// Keys returns the accepted keys in declaration order.
func (f *ListFilter) Keys() []string {
	return append([]string(nil), f.list...)
}

// AllOf accepts a key only when every filter accepts it. An empty AllOf
// accepts everything.
func AllOf(filters ...KeyFilter) KeyFilter {
	return KeyFilterFunc(func(key string) bool {
		for _, f := range filters {
			if f != nil && !f.FilterEvidenceKey(key) {
				return false
			}
		}
		return true
	})
}

// FilterEvidence returns the subset of all whose keys f accepts. A nil filter
// accepts everything.
func FilterEvidence(f KeyFilter, all map[string]any) map[string]any {
	out := make(map[string]any, len(all))
	for key, value := range all {
		if f == nil || f.FilterEvidenceKey(key) {
			out[key] = value
		}
	}
	return out
}
