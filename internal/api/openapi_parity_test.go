package api

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "runtime.Caller failed")
	repoRoot := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))

	content, err := os.ReadFile(filepath.Join(repoRoot, "api", "openapi.yaml"))
	require.NoError(t, err)

	var document struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(content, &document))

	routes := map[string]string{
		"/v1/health":                         "get",
		"/v1/ready":                          "get",
		"/v1/metrics":                        "get",
		"/v1/sessions":                       "post",
		"/v1/sessions/{id}":                  "delete",
		"/v1/sessions/{id}/schema":           "get",
		"/v1/sessions/{id}/ask":              "post",
		"/v1/sessions/{id}/presets/{preset}": "post",
		"/v1/sessions/{id}/history":          "get",
		"/v1/sessions/{id}/query":            "post",
		"/v1/sessions/{id}/export":           "post",
		"/v1/presets":                        "get",
		"/v1/history":                        "get",
	}
	for path, method := range routes {
		operations, ok := document.Paths[path]
		require.True(t, ok, "openapi missing path %s", path)
		require.Contains(t, operations, method, "openapi missing %s %s", method, path)
	}
}
