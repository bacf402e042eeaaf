package streamtap

import (
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// NewProxy is a reverse proxy to upstream whose streamed responses are
// observed. The agent is pointed at it through its API base URL.
func NewProxy(upstream string, obs Observer, logger *log.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(strings.TrimSpace(upstream))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", upstream)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
	}
	proxy.Transport = &Transport{Observer: obs, Logger: logger}
	// Flush every write so the agent sees deltas as they arrive.
	proxy.FlushInterval = -1
	proxy.ErrorLog = logger
	return proxy, nil
}
