package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_Counters(t *testing.T) {
	su := newStatsUpdater(new(expvar.Map).Init())
	su.RegisterMetric("NumMessages")
	su.RegisterGauge("NumOnlineUsers", func() int { return 3 })
	su.Run()

	su.Incr("NumMessages")
	su.Incr("NumMessages")
	su.Decr("NumMessages")
	su.Stop()

	assert.Eventually(t, func() bool {
		return su.vars.Get("NumMessages").(*expvar.Int).Value() == 1
	}, time.Second, 10*time.Millisecond, "expected counter to settle at 1")

	rec := httptest.NewRecorder()
	su.expvarHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["NumMessages"])
	assert.EqualValues(t, 3, body["NumOnlineUsers"])
	assert.Contains(t, body, "Uptime")
}
