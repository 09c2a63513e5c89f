package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("gpuproxy")
	m.Counter("tasks", "added").Inc(2)
	m.Gauge("state", "init").Update(5)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"gpuproxy.tasks.added": 2`)
	assert.Contains(t, w.Body.String(), `"gpuproxy.state.init": 5`)
}
