// Package domain defines the error taxonomy shared by the flow pipeline packages.
//
// This package has ZERO dependencies outside the Go standard library. Every
// other package returns these errors, either directly or wrapped, so callers
// can classify failures with errors.Is and errors.As:
//
//	Configuration errors   ErrConfigInvalid, ErrDuplicateDataKey, ErrCacheCapacity
//	Processing errors      ErrElementPanic (plus whatever an element returns)
//	Lookup diagnostics     NoElementDataError, MissingPropertyError, PropertyExcludedError
//	Evidence extraction    ErrNoConnectionInfo
//	Data file updates      ErrRefreshPanic
package domain
