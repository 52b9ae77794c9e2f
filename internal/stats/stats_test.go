package stats

import (
	"encoding/json"
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

	// A second updater must not collide with the first.
	assert.NotPanics(t, func() { NewStatsUpdater(http.NewServeMux()) })
}

func TestStatsUpdater_Counters(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterFunc(ActiveRooms, func() any { return 3 })
	su.Run()
	defer su.Stop()

	su.Incr(RoomsCreated)
	su.Incr(RoomsCreated)
	su.Decr(RoomsCreated)
	su.Incr(QuotaRejections)

	read := func() map[string]any {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
		if rr.Code != http.StatusOK {
			return nil
		}

		var data map[string]any
		json.Unmarshal(rr.Body.Bytes(), &data)
		return data
	}

	assert.Eventually(t, func() bool {
		data := read()
		return data[RoomsCreated] == float64(1) && data[QuotaRejections] == float64(1)
	}, time.Second, 10*time.Millisecond)

	data := read()
	require.NotNil(t, data)
	assert.Equal(t, float64(3), data[ActiveRooms])
	assert.Equal(t, float64(0), data[MessagesAppended])
	assert.Contains(t, data, "Uptime")
}
