package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// ElementFactory builds an element from configuration parameters.
type ElementFactory func(ctx context.Context, params map[string]any, logger *slog.Logger) (Element, error)

// KindMetadata describes how a raw kind string was resolved.
type KindMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

// ElementRegistry stores element factories keyed "kind@version" plus aliases.
type ElementRegistry struct {
	mu        sync.RWMutex
	factories map[string]ElementFactory
	aliases   map[string]string
}

// NewElementRegistry creates an empty registry.
func NewElementRegistry() *ElementRegistry {
	return &ElementRegistry{
		factories: make(map[string]ElementFactory),
		aliases:   make(map[string]string),
	}
}

// Register stores f under kind@version. The bare kind becomes an alias of the
// first version registered for it.
func (r *ElementRegistry) Register(kind, version string, f ElementFactory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalKind(kind, version)
	r.factories[canonical] = f
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

// Resolve finds the factory for raw, which is a canonical key, an alias or a
// bare kind.
func (r *ElementRegistry) Resolve(raw string) (ElementFactory, KindMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, version := parseKind(raw)
	canonical := canonicalKind(kind, version)
	if f, ok := r.factories[canonical]; ok {
		return f, KindMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[strings.TrimSpace(raw)]; ok {
		if f, ok := r.factories[alias]; ok {
			return f, KindMetadata{Kind: kind, Version: versionOf(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if f, ok := r.factories[alias]; ok {
				return f, KindMetadata{Kind: kind, Version: versionOf(alias), Canonical: alias}, true
			}
		}
	}
	return nil, KindMetadata{}, false
}

// Build resolves raw and invokes its factory.
func (r *ElementRegistry) Build(ctx context.Context, raw string, params map[string]any, logger *slog.Logger) (Element, error) {
	f, meta, ok := r.Resolve(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownElementKind, raw)
	}
	if logger == nil {
		logger = slog.Default()
	}
	el, err := f(ctx, params, logger.With("element_kind", meta.Canonical))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", meta.Canonical, err)
	}
	return el, nil
}

// Kinds lists the canonical keys, sorted.
func (r *ElementRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func parseKind(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKind(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionOf(key string) string {
	_, version := parseKind(key)
	return version
}
