package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftkv/driftkv/lib/engine"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	e, err := engine.Open(engine.Options{
		NodeID:  1,
		WALPath: filepath.Join(t.TempDir(), "http.wal"),
	})
	if err != nil {
		t.Fatalf("engine open failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	ts := httptest.NewServer(NewServer(e, "", false).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestPutGetDelete(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := do(t, http.MethodPut, srv.URL+"/kv/user1", []byte(`{"name":"zoe"}`))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/kv/user1", nil)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, []byte(`{"name":"zoe"}`)) {
		t.Fatalf("GET = %d %q", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/kv/user1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/kv/user1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete = %d, want 404", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/kv/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE of absent key = %d, want 404", resp.StatusCode)
	}
}

func TestPatchEndpoints(t *testing.T) {
	srv := newTestServer(t)

	do(t, http.MethodPut, srv.URL+"/kv/doc", []byte(`{"views":1}`))

	resp, _ := do(t, http.MethodPost, srv.URL+"/kv/doc/inc?field=views&value=5", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("inc status = %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/kv/doc/set?field=owner&value=zoe", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set status = %d", resp.StatusCode)
	}

	_, body := do(t, http.MethodGet, srv.URL+"/kv/doc", nil)
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		t.Fatalf("patched doc not JSON: %v", err)
	}
	if obj["views"] != float64(5) || obj["owner"] != "zoe" {
		t.Errorf("patched doc = %v", obj)
	}

	// missing field parameter
	resp, _ = do(t, http.MethodPost, srv.URL+"/kv/doc/inc?value=5", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inc without field = %d, want 400", resp.StatusCode)
	}

	// non-numeric value
	resp, _ = do(t, http.MethodPost, srv.URL+"/kv/doc/inc?field=views&value=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inc with bad value = %d, want 400", resp.StatusCode)
	}
}

func TestHealthAndStats(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/kv/health", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}

	do(t, http.MethodPut, srv.URL+"/kv/some-key", []byte("v"))

	resp, body = do(t, http.MethodGet, srv.URL+"/kv/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats = %d", resp.StatusCode)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("stats not JSON: %v", err)
	}
	for _, field := range []string{"engine", "wal", "merkle_root"} {
		if _, ok := stats[field]; !ok {
			t.Errorf("stats missing %q", field)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	// Prometheus exposition text; go_* process metrics are always present
	if !strings.Contains(string(body), "go_") {
		t.Errorf("metrics output looks empty: %q", body[:min(len(body), 200)])
	}
}
