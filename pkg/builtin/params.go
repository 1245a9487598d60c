package builtin

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-flow/pkg/datafile"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/flow"
)

const maxIntValue = int(^uint(0) >> 1)

// params reads typed values out of an element's configuration map and
// remembers the first conversion error.
type params struct {
	raw map[string]any
	err error
}

func (p *params) fail(key, want string, value any) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: parameter %q: want %s, got %T", domain.ErrConfigInvalid, key, want, value)
	}
}

func (p *params) string(key string) string {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.fail(key, "string", v)
		return ""
	}
	return strings.TrimSpace(s)
}

func (p *params) bool(key string) bool {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			p.fail(key, "bool", v)
		}
		return parsed
	}
	p.fail(key, "bool", v)
	return false
}

func (p *params) int(key string) int {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return 0
	}
	n, ok := toInt(v)
	if !ok {
		p.fail(key, "integer", v)
	}
	return n
}

func (p *params) duration(key string) time.Duration {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return 0
	}
	if s, isString := v.(string); isString {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			p.fail(key, "duration", v)
		}
		return d
	}
	// Bare numbers are seconds.
	n, ok := toInt(v)
	if !ok {
		p.fail(key, "duration", v)
	}
	return time.Duration(n) * time.Second
}

func (p *params) list(key string) []string {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case string:
		return splitList(list)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, isString := item.(string)
			if !isString {
				p.fail(key, "list of strings", v)
				return nil
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out
	}
	p.fail(key, "list of strings", v)
	return nil
}

func (p *params) stringMap(key string) map[string]string {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		p.fail(key, "map of strings", v)
		return nil
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		s, isString := item.(string)
		if !isString {
			p.fail(key+"."+k, "string", item)
			return nil
		}
		out[k] = s
	}
	return out
}

func (p *params) properties(key string) flow.Properties {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return nil
	}
	switch m := v.(type) {
	case []any:
		// A plain list names properties without metadata.
		names := p.list(key)
		out := make(flow.Properties, len(names))
		for _, name := range names {
			out[name] = flow.PropertyMeta{}
		}
		return out
	case map[string]any:
		out := make(flow.Properties, len(m))
		for name, meta := range m {
			switch typed := meta.(type) {
			case nil:
				out[name] = flow.PropertyMeta{}
			case map[string]any:
				out[name] = flow.PropertyMeta(typed)
			default:
				p.fail(key+"."+name, "metadata map", meta)
				return nil
			}
		}
		return out
	}
	p.fail(key, "properties", v)
	return nil
}

func (p *params) sub(key string) (*params, bool) {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		p.fail(key, "map", v)
		return nil, false
	}
	return &params{raw: m}, true
}

// dataFile parses the optional "datafile" block. Path is filled in by the
// element that owns the file.
func (p *params) dataFile(defaultIdentifier string) *datafile.DataFile {
	sub, ok := p.sub("datafile")
	if !ok {
		return nil
	}
	df := &datafile.DataFile{
		Identifier:            sub.string("identifier"),
		TempDirectory:         sub.string("temp_directory"),
		URL:                   sub.string("url"),
		PollingInterval:       sub.duration("polling_interval"),
		MaxRandomisation:      sub.duration("max_randomisation"),
		UpdateOnStart:         sub.bool("update_on_start"),
		AutoUpdate:            sub.bool("auto_update"),
		VerifyMD5:             sub.bool("verify_md5"),
		MD5Header:             sub.string("md5_header"),
		Decompress:            sub.bool("decompress"),
		VerifyIfModifiedSince: sub.bool("verify_if_modified_since"),
		FileSystemWatcher:     sub.bool("watch"),
	}
	if df.Identifier == "" {
		df.Identifier = defaultIdentifier
	}
	if sub.err != nil && p.err == nil {
		p.err = fmt.Errorf("datafile: %w", sub.err)
	}
	return df
}

// unknown reports keys outside allowed, sorted.
func (p *params) unknown(allowed ...string) []string {
	known := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		known[k] = struct{}{}
	}
	var extra []string
	for k := range p.raw {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

//nolint:gocyclo // Type-switch branches enumerate supported numeric types for safety checks.
func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		if v >= math.MinInt && v <= int64(maxIntValue) {
			return int(v), true
		}
	case uint:
		if v <= uint(maxIntValue) {
			return int(v), true
		}
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		if uint64(v) <= uint64(maxIntValue) {
			return int(v), true
		}
	case uint64:
		if v <= uint64(maxIntValue) {
			return int(v), true
		}
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= float64(maxIntValue) {
			return int(v), true
		}
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}
