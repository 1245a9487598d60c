package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/polisai/polis-flow/pkg/cache"
	"github.com/polisai/polis-flow/pkg/datafile"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/evidence"
	"github.com/polisai/polis-flow/pkg/flow"
)

// Options control lookup element construction.
type Options struct {
	DataKey string
	// Path is the table file.
	Path string
	// DataFile keeps Path current. Its Path defaults to Path.
	DataFile *datafile.DataFile
	// CacheMaxEntries enables a result cache when positive.
	CacheMaxEntries      int
	RestrictedProperties []string
	Logger               *slog.Logger
}

// Element answers properties by looking up one evidence value in a table.
type Element struct {
	*engine.Engine

	path   string
	table  atomic.Pointer[Table]
	lru    *cache.LRU[string, flow.ElementData]
	logger *slog.Logger
}

// New loads the table and returns the element.
func New(opts Options) (*Element, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	table, err := LoadTable(opts.Path)
	if err != nil {
		return nil, err
	}

	el := &Element{path: opts.Path, logger: logger}
	el.table.Store(table)

	var results cache.DataKeyedCache[string, flow.ElementData]
	if opts.CacheMaxEntries > 0 {
		lru, err := cache.NewLRU[string, flow.ElementData](opts.CacheMaxEntries)
		if err != nil {
			return nil, err
		}
		el.lru = lru
		results = lru
	}

	eng, err := engine.New(engine.Config{
		Element: flow.ElementConfig{
			DataKey:    opts.DataKey,
			Filter:     evidence.KeyFilterFunc(el.acceptsKey),
			Properties: table.Properties,
			Process:    el.lookup,
		},
		Cache:                results,
		RestrictedProperties: opts.RestrictedProperties,
		Refresh:              el.reload,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}
	el.Engine = eng

	if opts.DataFile != nil {
		if opts.DataFile.Path == "" {
			opts.DataFile.Path = opts.Path
		}
		el.RegisterDataFile(opts.DataFile)
	}
	return el, nil
}

// Table returns the table in use.
func (e *Element) Table() *Table {
	return e.table.Load()
}

func (e *Element) acceptsKey(key string) bool {
	return key == e.table.Load().EvidenceKey
}

func (e *Element) lookup(_ context.Context, fd *flow.FlowData) error {
	table := e.table.Load()
	row := map[string]any{}
	if raw, ok := fd.Evidence().Get(table.EvidenceKey); ok {
		if found, ok := table.find(fmt.Sprint(raw)); ok {
			row = found
		}
	}
	fd.SetElementData(flow.NewAspectDictionary(e, row))
	return nil
}

// reload swaps in the table from disk and republishes its properties.
func (e *Element) reload(context.Context) error {
	table, err := LoadTable(e.path)
	if err != nil {
		return err
	}
	e.table.Store(table)
	if e.lru != nil {
		e.lru.Clear()
	}
	e.UpdateProperties(table.Properties)
	e.logger.Info("lookup table reloaded", "path", e.path, "entries", len(table.Entries))
	return nil
}
