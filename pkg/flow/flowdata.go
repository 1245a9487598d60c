package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/evidence"
)

// OtherErrorKey holds errors recorded without an element.
const OtherErrorKey = "other"

// FlowData carries one request through a pipeline. Members of a parallel
// stage may use it concurrently.
type FlowData struct {
	id       string
	pipeline *Pipeline
	logger   *slog.Logger
	evidence *evidence.Evidence

	mu     sync.RWMutex
	data   map[string]ElementData
	errors map[string]error

	processed atomic.Bool
	stopped   atomic.Bool
}

func newFlowData(p *Pipeline) *FlowData {
	id := uuid.NewString()
	logger := p.Logger().With("flow_id", id)
	return &FlowData{
		id:       id,
		pipeline: p,
		logger:   logger,
		evidence: evidence.New(p.EvidenceKeyFilter(), logger),
		data:     make(map[string]ElementData),
		errors:   make(map[string]error),
	}
}

// ID returns the flow data identifier used in logs.
func (fd *FlowData) ID() string {
	return fd.id
}

// Pipeline returns the owning pipeline.
func (fd *FlowData) Pipeline() *Pipeline {
	return fd.pipeline
}

// Evidence returns the evidence store.
func (fd *FlowData) Evidence() *evidence.Evidence {
	return fd.evidence
}

// Process runs the pipeline once. A second call fails with
// domain.ErrAlreadyProcessed.
func (fd *FlowData) Process(ctx context.Context) error {
	if !fd.processed.CompareAndSwap(false, true) {
		return domain.ErrAlreadyProcessed
	}
	return fd.pipeline.process(ctx, fd)
}

// SetElementData stores d under its element's data key, replacing earlier data.
func (fd *FlowData) SetElementData(d ElementData) {
	if d == nil || d.Element() == nil {
		return
	}
	fd.mu.Lock()
	fd.data[d.Element().DataKey()] = d
	fd.mu.Unlock()
}

// Get returns the data produced by the element registered under dataKey.
func (fd *FlowData) Get(dataKey string) (ElementData, error) {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	if d, ok := fd.data[dataKey]; ok {
		return d, nil
	}
	return nil, &domain.NoElementDataError{Key: dataKey, Available: fd.sortedKeysLocked()}
}

// GetFromElement returns the data produced by el.
func (fd *FlowData) GetFromElement(el Element) (ElementData, error) {
	if el == nil {
		return nil, &domain.NoElementDataError{Available: fd.DataKeys()}
	}
	return fd.Get(el.DataKey())
}

// DataKeys returns the data keys populated so far, sorted.
func (fd *FlowData) DataKeys() []string {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	return fd.sortedKeysLocked()
}

func (fd *FlowData) sortedKeysLocked() []string {
	keys := make([]string, 0, len(fd.data))
	for k := range fd.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetWhere returns the values of every property whose metadata metaKey equals
// value, ignoring case. Properties that cannot be read are left out.
func (fd *FlowData) GetWhere(metaKey, value string) map[string]any {
	db := fd.pipeline.props.snapshot()
	refs := db[strings.ToLower(metaKey)][strings.ToLower(value)]
	return fd.collect(refs)
}

// GetWhereFunc is GetWhere with a predicate over the lower cased meta values.
func (fd *FlowData) GetWhereFunc(metaKey string, match func(value string) bool) map[string]any {
	db := fd.pipeline.props.snapshot()
	merged := make(map[string]PropertyRef)
	for metaValue, refs := range db[strings.ToLower(metaKey)] {
		if match == nil || !match(metaValue) {
			continue
		}
		for k, ref := range refs {
			merged[k] = ref
		}
	}
	return fd.collect(merged)
}

func (fd *FlowData) collect(refs map[string]PropertyRef) map[string]any {
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		ref := refs[k]
		d, err := fd.Get(ref.ElementKey)
		if err != nil {
			fd.logger.Debug("property skipped", "data_key", ref.ElementKey, "property", ref.PropertyName, "error", err)
			continue
		}
		v, err := d.Get(ref.PropertyName)
		if err != nil {
			fd.logger.Debug("property skipped", "data_key", ref.ElementKey, "property", ref.PropertyName, "error", err)
			continue
		}
		out[ref.PropertyName] = v
	}
	return out
}

// SetError records err against el, or against OtherErrorKey when el is nil.
// A later error for the same key replaces the earlier one. Processing goes on.
func (fd *FlowData) SetError(err error, el Element) {
	if err == nil {
		return
	}
	key := OtherErrorKey
	if el != nil {
		key = el.DataKey()
	}
	fd.mu.Lock()
	fd.errors[key] = err
	fd.mu.Unlock()

	fd.logger.Error("element processing failed", "data_key", key, "error", err)
}

// Errors returns a copy of the recorded errors keyed by data key.
func (fd *FlowData) Errors() map[string]error {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	out := make(map[string]error, len(fd.errors))
	for k, v := range fd.errors {
		out[k] = v
	}
	return out
}

// Stop prevents any later stage from running. Elements already running finish.
func (fd *FlowData) Stop() {
	if fd.stopped.CompareAndSwap(false, true) {
		fd.logger.Info("flow data stopped")
	}
}

// Stopped reports whether Stop was called.
func (fd *FlowData) Stopped() bool {
	return fd.stopped.Load()
}

// String implements fmt.Stringer for log output.
func (fd *FlowData) String() string {
	return fmt.Sprintf("flowdata(%s)", fd.id)
}
