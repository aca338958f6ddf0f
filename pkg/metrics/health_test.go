package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReflectsWorstComponent(t *testing.T) {
	c := NewChecker("node")
	c.Set("node", true, "")
	c.Set("transport", true, "")

	assert.Equal(t, "healthy", c.Health().Status)

	c.Set("transport", false, "listener not bound")
	doc := c.Health()
	assert.Equal(t, "unhealthy", doc.Status)
	assert.Equal(t, "unhealthy: listener not bound", doc.Components["transport"])
}

func TestReadinessRequiresEveryCriticalComponent(t *testing.T) {
	c := NewChecker("node", "transport", "secure")

	c.Set("node", true, "")
	doc := c.Readiness()
	assert.Equal(t, "not_ready", doc.Status, "unregistered critical components gate readiness")
	assert.NotEmpty(t, doc.Message)

	c.Set("transport", true, "")
	c.Set("secure", true, "")
	assert.Equal(t, "ready", c.Readiness().Status)
}

func TestReadinessIgnoresNonCriticalComponents(t *testing.T) {
	c := NewChecker("node")
	c.Set("node", true, "")
	c.Set("portal", false, "outlet target unreachable")

	assert.Equal(t, "ready", c.Readiness().Status)
	assert.Equal(t, "unhealthy", c.Health().Status, "the failing portal still shows in liveness")
}

func TestReadinessRecoversAfterComponentHeals(t *testing.T) {
	c := NewChecker("node", "transport")
	c.Set("node", true, "")
	c.Set("transport", false, "listener not bound")

	require.Equal(t, "not_ready", c.Readiness().Status)

	c.Set("transport", true, "tcp listening")
	assert.Equal(t, "ready", c.Readiness().Status)
}

func getDoc(t *testing.T, h http.HandlerFunc, path string) (int, HealthStatus) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	h(w, req)

	var doc HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	return w.Code, doc
}

func TestHealthzHandlerStatusCodes(t *testing.T) {
	c := NewChecker()
	c.SetVersion("test")
	c.Set("node", true, "")

	code, doc := getDoc(t, c.HealthzHandler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", doc.Status)
	assert.Equal(t, "test", doc.Version)
	assert.NotEmpty(t, doc.Uptime)

	c.Set("node", false, "shutting down")
	code, doc = getDoc(t, c.HealthzHandler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", doc.Status)
}

func TestReadyzHandlerStatusCodes(t *testing.T) {
	c := NewChecker("node")

	code, doc := getDoc(t, c.ReadyzHandler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", doc.Status)

	c.Set("node", true, "")
	code, doc = getDoc(t, c.ReadyzHandler(), "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", doc.Status)
}

func TestDefaultCheckerHelpers(t *testing.T) {
	RegisterComponent("node", true, "running")
	UpdateComponent("node", true, "still running")

	code, _ := getDoc(t, HealthHandler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
}
