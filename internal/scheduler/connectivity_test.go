package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPProbeReachableHost(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		// Even an error status proves the network path works.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	probe := NewHTTPProbe(server.URL, time.Minute)
	assert.True(t, probe.Online(context.Background()))

	// Second check within the cache window must not hit the endpoint again.
	assert.True(t, probe.Online(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPProbeUnreachableHost(t *testing.T) {
	probe := NewHTTPProbe("http://127.0.0.1:1", time.Minute)
	assert.False(t, probe.Online(context.Background()))
}

func TestAlwaysOnline(t *testing.T) {
	assert.True(t, AlwaysOnline{}.Online(context.Background()))
}
