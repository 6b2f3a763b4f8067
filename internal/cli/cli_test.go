// ============================================================================
// CLI Tests
// ============================================================================

package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novalto/dpo-orchestrator/internal/orchestrator"
	"github.com/novalto/dpo-orchestrator/internal/runstore"
)

func TestBuildCLIStructure(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "dpo-orchestrator", root.Use)
	assert.Equal(t, orchestrator.Version, root.Version)

	names := make([]string, 0, 2)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "health")
}

func TestHealthCommandPrintsStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(orchestrator.HealthStatus{
			Status:        "ok",
			UptimeSeconds: 42,
			Workers:       2,
			Runs:          runstore.Stats{Total: 3, Completed: 2, Running: 1},
		})
	}))
	defer srv.Close()

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"health", "--addr", srv.URL})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Status:       ok")
	assert.Contains(t, out.String(), "Workers:      2")
	assert.Contains(t, out.String(), "3 total")
}

func TestHealthCommandFailsWhenUnreachable(t *testing.T) {
	root := BuildCLI()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"health", "--addr", "http://127.0.0.1:1"})
	assert.Error(t, root.Execute())
}
