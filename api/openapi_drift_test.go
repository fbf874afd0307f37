package api

import (
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths map[string]map[string]any `yaml:"paths"`
}

// TestOpenAPIDrift compares the routes registered on the chi router with
// the paths documented in openapi.yaml, in both directions.
func TestOpenAPIDrift(t *testing.T) {
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	documented := make(map[string]bool)
	for path, methods := range doc.Paths {
		for method := range methods {
			method = strings.ToUpper(method)
			if strings.HasPrefix(method, "X-") || method == "PARAMETERS" {
				continue
			}
			documented[method+" "+path] = true
		}
	}

	// Router only registers routes, so a zero API is enough.
	registered := make(map[string]bool)
	err := chi.Walk((&API{}).Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		registered[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, difference(registered, documented), "routes missing from openapi.yaml")
	assert.Empty(t, difference(documented, registered), "openapi.yaml paths with no route")
}

func difference(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
