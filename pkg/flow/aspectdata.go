package flow

import (
	"slices"
	"sort"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
)

// MissingPropertyService explains a failed property lookup. Check always
// returns a non-nil error.
type MissingPropertyService interface {
	Check(key string, el Element) error
}

// DefaultMissingPropertyService classifies misses using the element's
// declared properties.
type DefaultMissingPropertyService struct{}

// Check returns a *domain.MissingPropertyError for key.
func (DefaultMissingPropertyService) Check(key string, el Element) error {
	missing := &domain.MissingPropertyError{Key: key, Reason: domain.ReasonUnknown}
	if el == nil {
		return missing
	}
	missing.ElementKey = el.DataKey()

	props := el.Properties()
	if len(props) == 0 {
		missing.Reason = domain.ReasonNoProperties
		return missing
	}

	declared := false
	available := make([]string, 0, len(props))
	for name := range props {
		if strings.EqualFold(name, key) {
			declared = true
			continue
		}
		available = append(available, name)
	}
	if declared {
		sort.Strings(available)
		missing.Reason = domain.ReasonNotPopulated
		missing.Available = available
	}
	return missing
}

// AspectData is element data that reports missing properties through a
// MissingPropertyService and honours the element's restricted property list.
type AspectData struct {
	element  Element
	lookup   LookupFunc
	missing  MissingPropertyService
	contents map[string]any
}

// AspectOption customises AspectData.
type AspectOption func(*AspectData)

// WithMissingPropertyService replaces the default missing property service.
func WithMissingPropertyService(s MissingPropertyService) AspectOption {
	return func(d *AspectData) {
		if s != nil {
			d.missing = s
		}
	}
}

// NewAspectData creates aspect data for el backed by lookup.
func NewAspectData(el Element, lookup LookupFunc, opts ...AspectOption) *AspectData {
	d := &AspectData{
		element: el,
		lookup:  lookup,
		missing: DefaultMissingPropertyService{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewAspectDictionary creates aspect data over a copy of contents.
func NewAspectDictionary(el Element, contents map[string]any, opts ...AspectOption) *AspectData {
	copied := cloneContents(contents)
	d := NewAspectData(el, mapLookup(copied), opts...)
	d.contents = copied
	return d
}

// Element returns the producing element.
func (d *AspectData) Element() Element {
	return d.element
}

// Get returns the value for key. A missing value, or a lookup that panics, is
// reported by the missing property service. A value outside the element's
// restricted properties yields *domain.PropertyExcludedError.
func (d *AspectData) Get(key string) (any, error) {
	value, ok := d.safeLookup(key)
	if !ok {
		return nil, d.missing.Check(key, d.element)
	}

	if r, isRestricter := d.element.(Restricter); isRestricter {
		if allowed := r.RestrictedProperties(); len(allowed) > 0 && !slices.Contains(allowed, key) {
			return nil, &domain.PropertyExcludedError{Key: key, ElementKey: d.element.DataKey()}
		}
	}
	return value, nil
}

// Contents returns a copy of the dictionary contents, or nil when the data is
// not dictionary backed.
func (d *AspectData) Contents() map[string]any {
	if d.contents == nil {
		return nil
	}
	return cloneContents(d.contents)
}

func (d *AspectData) safeLookup(key string) (value any, ok bool) {
	if d.lookup == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			value, ok = nil, false
		}
	}()
	return d.lookup(key)
}
