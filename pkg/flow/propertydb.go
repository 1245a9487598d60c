package flow

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// PropertyRef identifies one property of one element.
type PropertyRef struct {
	PropertyName string
	ElementKey   string
}

// PropertyDatabase indexes properties by metadata:
// metaKey -> metaValue -> propertyKey -> ref. Meta keys and values are lower
// cased. Property keys are "<dataKey>.<property>".
type PropertyDatabase map[string]map[string]map[string]PropertyRef

func (db PropertyDatabase) clone() PropertyDatabase {
	out := make(PropertyDatabase, len(db))
	for metaKey, values := range db {
		copiedValues := make(map[string]map[string]PropertyRef, len(values))
		for metaValue, refs := range values {
			copiedRefs := make(map[string]PropertyRef, len(refs))
			for k, ref := range refs {
				copiedRefs[k] = ref
			}
			copiedValues[metaValue] = copiedRefs
		}
		out[metaKey] = copiedValues
	}
	return out
}

// propertyIndex publishes immutable PropertyDatabase snapshots. Writers are
// serialized; readers never block.
type propertyIndex struct {
	mu      sync.Mutex
	current atomic.Pointer[PropertyDatabase]
}

func newPropertyIndex() *propertyIndex {
	idx := &propertyIndex{}
	empty := PropertyDatabase{}
	idx.current.Store(&empty)
	return idx
}

func (idx *propertyIndex) snapshot() PropertyDatabase {
	return *idx.current.Load()
}

// update replaces every row of src with rows built from its current properties.
func (idx *propertyIndex) update(src PropertySource) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dataKey := src.DataKey()
	next := idx.snapshot().clone()

	for metaKey, values := range next {
		for metaValue, refs := range values {
			for k, ref := range refs {
				if ref.ElementKey == dataKey {
					delete(refs, k)
				}
			}
			if len(refs) == 0 {
				delete(values, metaValue)
			}
		}
		if len(values) == 0 {
			delete(next, metaKey)
		}
	}

	for name, meta := range src.Properties() {
		ref := PropertyRef{PropertyName: name, ElementKey: dataKey}
		propertyKey := dataKey + "." + name
		for k, v := range meta {
			metaKey := strings.ToLower(k)
			metaValue := strings.ToLower(fmt.Sprint(v))
			values, ok := next[metaKey]
			if !ok {
				values = make(map[string]map[string]PropertyRef)
				next[metaKey] = values
			}
			refs, ok := values[metaValue]
			if !ok {
				refs = make(map[string]PropertyRef)
				values[metaValue] = refs
			}
			refs[propertyKey] = ref
		}
	}

	idx.current.Store(&next)
}
