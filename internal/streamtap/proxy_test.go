package streamtap

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProxyForwardsAndObservesStream(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody)
	}))
	defer upstream.Close()

	obs := newRecordingObserver()
	proxy, err := NewProxy(upstream.URL, obs, nil)
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	front := httptest.NewServer(proxy)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodPost, front.URL+"/v1/messages", strings.NewReader(`{"stream":true}`))
	req.Header.Set("X-Api-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != sseBody {
		t.Fatalf("body was altered")
	}
	if gotPath != "/v1/messages" || gotKey != "secret" {
		t.Fatalf("got path=%q key=%q", gotPath, gotKey)
	}

	select {
	case <-obs.ended:
	case <-time.After(2 * time.Second):
		t.Fatalf("observer never saw the end of the stream")
	}
	if got := obs.joined(); got != "Hello world" {
		t.Fatalf("got=%q want=%q", got, "Hello world")
	}
}

func TestNewProxyRejectsBadUpstream(t *testing.T) {
	t.Parallel()

	for _, upstream := range []string{"", "api.anthropic.com", "://bad"} {
		if _, err := NewProxy(upstream, ObserverFunc(func(string) {}), nil); err == nil {
			t.Fatalf("upstream=%q expected error", upstream)
		}
	}
}
