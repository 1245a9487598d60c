// Package lookup provides an element backed by a JSON lookup table kept
// current through a data file.
package lookup
