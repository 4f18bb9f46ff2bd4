package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ConnectivityProbe reports whether network-dependent tasks may run.
type ConnectivityProbe interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline is the probe used when no remote URL is configured and in tests.
type AlwaysOnline struct{}

func (AlwaysOnline) Online(context.Context) bool { return true }

// HTTPProbe checks reachability of the remote service base URL. Results are
// cached briefly so a busy scheduler does not hammer the endpoint.
type HTTPProbe struct {
	url        string
	httpClient *http.Client
	cacheFor   time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	lastSeen  bool
}

func NewHTTPProbe(url string, cacheFor time.Duration) *HTTPProbe {
	if cacheFor <= 0 {
		cacheFor = 15 * time.Second
	}
	return &HTTPProbe{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cacheFor:   cacheFor,
	}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastCheck) < p.cacheFor {
		return p.lastSeen
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.lastCheck = time.Now()
		p.lastSeen = false
		return false
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	// Any HTTP response, even an error status, proves the network path works.
	p.lastCheck = time.Now()
	p.lastSeen = err == nil
	return p.lastSeen
}
