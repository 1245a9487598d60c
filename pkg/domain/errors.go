package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDuplicateDataKey   = errors.New("duplicate element data key")
	ErrNoElementData      = errors.New("no element data")
	ErrPropertyMissing    = errors.New("property not found")
	ErrPropertyExcluded   = errors.New("property excluded")
	ErrElementPanic       = errors.New("element panicked during processing")
	ErrRefreshPanic       = errors.New("datafile refresh panicked")
	ErrNoConnectionInfo   = errors.New("request carries no connection information")
	ErrCacheCapacity      = errors.New("cache capacity must be at least 1")
	ErrUnknownElementKind = errors.New("unknown element kind")
	ErrAlreadyProcessed   = errors.New("flow data already processed")
)

// MissingPropertyReason classifies why a property lookup failed.
type MissingPropertyReason string

const (
	// ReasonNoProperties means the element exposes no properties at all, which
	// usually points at a resource key or product that does not include it.
	ReasonNoProperties MissingPropertyReason = "no_properties"
	// ReasonNotPopulated means the property is declared but no value was produced.
	ReasonNotPopulated MissingPropertyReason = "not_populated"
	// ReasonUnknown is the fallback when no better explanation is available.
	ReasonUnknown MissingPropertyReason = "unknown"
)

// MissingPropertyError describes a failed property access on element data.
type MissingPropertyError struct {
	Key        string
	ElementKey string
	Reason     MissingPropertyReason
	Available  []string
}

func (e *MissingPropertyError) Error() string {
	switch e.Reason {
	case ReasonNoProperties:
		return fmt.Sprintf("property %q not found in %q: the element has no properties, check that the resource key includes it", e.Key, e.ElementKey)
	case ReasonNotPopulated:
		if len(e.Available) == 0 {
			return fmt.Sprintf("property %q not found in %q and no other properties are available", e.Key, e.ElementKey)
		}
		return fmt.Sprintf("property %q not found in %q, but sibling properties are: %s", e.Key, e.ElementKey, strings.Join(e.Available, ", "))
	default:
		return fmt.Sprintf("property %q not found in %q", e.Key, e.ElementKey)
	}
}

func (e *MissingPropertyError) Unwrap() error {
	return ErrPropertyMissing
}

// PropertyExcludedError reports a property that exists but is outside the
// element's restricted property list.
type PropertyExcludedError struct {
	Key        string
	ElementKey string
}

func (e *PropertyExcludedError) Error() string {
	return fmt.Sprintf("property %q was excluded from %q by its restricted property list", e.Key, e.ElementKey)
}

func (e *PropertyExcludedError) Unwrap() error {
	return ErrPropertyExcluded
}

// NoElementDataError is returned when flow data holds no output for a key.
// Available enumerates the keys populated at the time of the lookup.
type NoElementDataError struct {
	Key       string
	Available []string
}

func (e *NoElementDataError) Error() string {
	return fmt.Sprintf("there is no element data for %q against this flow data, available element data keys are: [%s]", e.Key, strings.Join(e.Available, ", "))
}

func (e *NoElementDataError) Unwrap() error {
	return ErrNoElementData
}
