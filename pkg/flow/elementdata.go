package flow

// ElementData is the output of one element for one flow data instance.
type ElementData interface {
	// Element returns the element that produced the data.
	Element() Element
	// Get returns the value of a property.
	Get(key string) (any, error)
}

// LookupFunc resolves a property value and reports whether it exists.
type LookupFunc func(key string) (any, bool)

// BaseData is element data backed by a lookup hook. Absent values are
// reported as (nil, nil) rather than as errors.
type BaseData struct {
	element Element
	lookup  LookupFunc
}

// NewData creates element data for el. A nil lookup finds nothing.
func NewData(el Element, lookup LookupFunc) *BaseData {
	return &BaseData{element: el, lookup: lookup}
}

// Element returns the producing element.
func (d *BaseData) Element() Element {
	return d.element
}

// Get returns the value for key, or nil when there is none.
func (d *BaseData) Get(key string) (any, error) {
	value, _ := d.Lookup(key)
	return value, nil
}

// Lookup runs the lookup hook.
func (d *BaseData) Lookup(key string) (any, bool) {
	if d.lookup == nil {
		return nil, false
	}
	return d.lookup(key)
}

// DictionaryData is element data over a fixed map.
type DictionaryData struct {
	*BaseData
	contents map[string]any
}

// NewDictionaryData copies contents into new element data for el.
func NewDictionaryData(el Element, contents map[string]any) *DictionaryData {
	copied := cloneContents(contents)
	return &DictionaryData{
		BaseData: NewData(el, mapLookup(copied)),
		contents: copied,
	}
}

// Contents returns a copy of the underlying map.
func (d *DictionaryData) Contents() map[string]any {
	return cloneContents(d.contents)
}

func mapLookup(contents map[string]any) LookupFunc {
	return func(key string) (any, bool) {
		value, ok := contents[key]
		return value, ok
	}
}

func cloneContents(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
