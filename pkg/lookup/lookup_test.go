package lookup

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-flow/pkg/datafile"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/flow"
)

const countries = `{
  "evidenceKey": "header.x-country",
  "caseInsensitive": true,
  "properties": {
    "currency": {"category": "location"},
    "language": {"category": "location"}
  },
  "entries": {
    "GB": {"currency": "GBP", "language": "en"},
    "fr": {"currency": "EUR"}
  }
}`

const countriesV2 = `{
  "evidenceKey": "header.x-country",
  "properties": {
    "dialCode": {"category": "telephony"}
  },
  "entries": {
    "gb": {"dialCode": 44}
  }
}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "countries.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func lookupCountry(t *testing.T, p *flow.Pipeline, country string) *flow.FlowData {
	t.Helper()
	fd := p.CreateFlowData()
	fd.Evidence().Add("header.x-country", country)
	require.NoError(t, fd.Process(context.Background()))
	require.Empty(t, fd.Errors())
	return fd
}

func TestParseTableValidation(t *testing.T) {
	_, err := ParseTable([]byte(`{"entries": {}}`))
	assert.ErrorContains(t, err, "evidenceKey")

	_, err = ParseTable([]byte(`{"evidenceKey": "k", "entries": {"a": {"x": 1}}}`))
	assert.ErrorContains(t, err, "undeclared property")

	_, err = ParseTable([]byte(`not json`))
	assert.Error(t, err)
}

func TestLookupElement(t *testing.T) {
	el, err := New(Options{DataKey: "country", Path: writeTable(t, countries), Logger: quietLogger()})
	require.NoError(t, err)

	p, err := flow.NewBuilder(flow.Config{Logger: quietLogger()}).Add(el).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	fd := lookupCountry(t, p, "gb")
	assert.Equal(t, map[string]any{"currency": "GBP", "language": "en"}, fd.GetWhere("category", "location"))

	fd = lookupCountry(t, p, "FR")
	data, err := fd.Get("country")
	require.NoError(t, err)
	_, err = data.Get("language")
	var missing *domain.MissingPropertyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, domain.ReasonNotPopulated, missing.Reason)
	assert.Equal(t, []string{"currency"}, missing.Available)

	assert.False(t, p.CreateFlowData().Evidence().Add("query.other", "x"))
}

func TestRefreshSwapsTableAndProperties(t *testing.T) {
	path := writeTable(t, countries)
	el, err := New(Options{DataKey: "country", Path: path, CacheMaxEntries: 4, Logger: quietLogger()})
	require.NoError(t, err)

	p, err := flow.NewBuilder(flow.Config{Logger: quietLogger()}).Add(el).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	lookupCountry(t, p, "gb")

	require.NoError(t, os.WriteFile(path, []byte(countriesV2), 0o600))
	require.NoError(t, el.Refresh(context.Background()))

	db := p.PropertyDatabase()
	assert.NotContains(t, db["category"], "location")
	assert.Contains(t, db["category"], "telephony")

	fd := lookupCountry(t, p, "gb")
	assert.Equal(t, map[string]any{"dialCode": float64(44)}, fd.GetWhere("category", "telephony"))
}

func TestDataFileUpdatesTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(countriesV2))
	}))
	t.Cleanup(server.Close)

	path := writeTable(t, countries)
	df := &datafile.DataFile{Identifier: "countries", URL: server.URL, UpdateOnStart: true}
	el, err := New(Options{DataKey: "country", Path: path, DataFile: df, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, path, df.Path)

	p, err := flow.NewBuilder(flow.Config{Logger: quietLogger()}).Add(el).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Contains(t, el.Table().Properties, "dialCode")
	fd := lookupCountry(t, p, "gb")
	data, err := fd.Get("country")
	require.NoError(t, err)
	value, err := data.Get("dialCode")
	require.NoError(t, err)
	assert.Equal(t, float64(44), value)
}
