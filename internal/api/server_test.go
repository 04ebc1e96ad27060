package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-agent/internal/auth"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/registry"
	"github.com/nerrad567/gray-logic-agent/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// testServer creates a Server over a running registry backed by a
// migrated SQLite database.
func testServer(t *testing.T, secret string) (*Server, *httptest.Server) {
	t.Helper()

	db, err := database.Open(context.Background(), config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "agent.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(registry.NewSQLiteRepository(db.DB), "edge01")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx) //nolint:errcheck // Test registry
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			Path:           "/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Tokens:          testSigner(secret),
		Logger:          log,
		Registry:        reg,
		FileTransferDir: t.TempDir(),
		Version:         "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	go srv.hub.Run(hubCtx)
	t.Cleanup(stopHub)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// testSigner returns the signer of device edge01, or nil for an empty
// secret.
func testSigner(secret string) *auth.Signer {
	if secret == "" {
		return nil
	}
	return auth.NewSigner(secret, "edge01", time.Minute)
}

type response struct {
	status int
	body   []byte
}

func (r response) errorMessage(t *testing.T) string {
	t.Helper()
	var e Error
	if err := json.Unmarshal(r.body, &e); err != nil {
		t.Fatalf("error body %q: %v", r.body, err)
	}
	return e.Error
}

func do(t *testing.T, ts *httptest.Server, method, path, body string, header ...string) response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return response{status: resp.StatusCode, body: b}
}

func TestNew_RequiresDeps(t *testing.T) {
	log := logging.Default()
	reg := registry.New(nil, "edge01")
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Registry: reg, FileTransferDir: "/tmp"}},
		{"no registry", Deps{Logger: log, FileTransferDir: "/tmp"}},
		{"no file transfer dir", Deps{Logger: log, Registry: reg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	_, ts := testServer(t, testSecret)

	resp := do(t, ts, http.MethodGet, "/health", "")
	if resp.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.status)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.body, &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestRegisterEntity(t *testing.T) {
	_, ts := testServer(t, "")

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{
			name:   "child device",
			body:   `{"@topic-id":"device/child1//","@type":"child-device","name":"Child 1"}`,
			status: http.StatusCreated,
		},
		{
			name:    "already registered",
			body:    `{"@topic-id":"device/child1//","@type":"child-device","@parent":"device/main//","@id":"other"}`,
			status:  http.StatusConflict,
			message: "device/child1//",
		},
		{
			name:    "identical registration",
			body:    `{"@topic-id":"device/child1//","@type":"child-device","name":"Child 1"}`,
			status:  http.StatusConflict,
			message: "device/child1//",
		},
		{
			name:    "unknown parent",
			body:    `{"@topic-id":"device/child2//","@type":"child-device","@parent":"device/nope//"}`,
			status:  http.StatusBadRequest,
			message: "device/nope//",
		},
		{
			name:    "invalid twin key",
			body:    `{"@topic-id":"device/child3//","with/slash":1}`,
			status:  http.StatusBadRequest,
			message: "with/slash",
		},
		{
			name:    "missing topic id",
			body:    `{"@type":"child-device"}`,
			status:  http.StatusUnprocessableEntity,
			message: "@topic-id",
		},
		{
			name:   "invalid json",
			body:   `{"@topic-id":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid type",
			body:   `{"@topic-id":"device/child4//","@type":"gateway"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "not an object",
			body:   `["device/child5//"]`,
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, http.MethodPost, "/v1/entities", tt.body)
			if resp.status != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.status, tt.status, resp.body)
			}
			if tt.status == http.StatusCreated {
				if got := string(bytes.TrimSpace(resp.body)); got != `{"@topic-id":"device/child1//"}` {
					t.Errorf("body = %s", got)
				}
				return
			}
			if msg := resp.errorMessage(t); !strings.Contains(msg, tt.message) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.message)
			}
		})
	}
}

func TestGetEntity(t *testing.T) {
	_, ts := testServer(t, "")
	do(t, ts, http.MethodPost, "/v1/entities", `{"@topic-id":"device/child1//","@type":"child-device"}`)

	resp := do(t, ts, http.MethodGet, "/v1/entities/device/child1//", "")
	if resp.status != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.status, resp.body)
	}
	var m map[string]any
	if err := json.Unmarshal(resp.body, &m); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"@topic-id": "device/child1//",
		"@type":     "child-device",
		"@parent":   "device/main//",
		"@id":       "edge01:device:child1",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}

	resp = do(t, ts, http.MethodGet, "/v1/entities/device/unknown//", "")
	if resp.status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.status)
	}
	if msg := resp.errorMessage(t); msg != "Entity with topic id: device/unknown// not found" {
		t.Errorf("error = %q", msg)
	}
}

func TestListEntities(t *testing.T) {
	_, ts := testServer(t, "")
	for _, body := range []string{
		`{"@topic-id":"device/child1//","@type":"child-device"}`,
		`{"@topic-id":"device/child2//","@type":"child-device","@parent":"device/child1//"}`,
		`{"@topic-id":"device/child1/service/collectd","@type":"service"}`,
	} {
		if resp := do(t, ts, http.MethodPost, "/v1/entities", body); resp.status != http.StatusCreated {
			t.Fatalf("register %s: status %d %s", body, resp.status, resp.body)
		}
	}

	ids := func(t *testing.T, resp response) []string {
		t.Helper()
		var list []map[string]any
		if err := json.Unmarshal(resp.body, &list); err != nil {
			t.Fatalf("body %s: %v", resp.body, err)
		}
		out := make([]string, 0, len(list))
		for _, m := range list {
			out = append(out, m["@topic-id"].(string))
		}
		return out
	}

	tests := []struct {
		query  string
		status int
		want   []string
	}{
		{"", http.StatusOK, []string{"device/main//", "device/child1//", "device/child2//", "device/child1/service/collectd"}},
		{"?root=device/child1//", http.StatusOK, []string{"device/child1//", "device/child2//", "device/child1/service/collectd"}},
		{"?parent=device/child1//", http.StatusOK, []string{"device/child2//", "device/child1/service/collectd"}},
		{"?type=service", http.StatusOK, []string{"device/child1/service/collectd"}},
		{"?root=&parent=", http.StatusOK, []string{"device/main//", "device/child1//", "device/child2//", "device/child1/service/collectd"}},
		{"?root=device/main//&parent=device/main//", http.StatusBadRequest, nil},
		{"?root=not/a/valid/topic/id", http.StatusBadRequest, nil},
		{"?type=gateway", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := do(t, ts, http.MethodGet, "/v1/entities"+tt.query, "")
			if resp.status != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.status, tt.status, resp.body)
			}
			if tt.status != http.StatusOK {
				return
			}
			got := ids(t, resp)
			if len(got) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			seen := make(map[string]bool)
			for _, id := range got {
				seen[id] = true
			}
			for _, id := range tt.want {
				if !seen[id] {
					t.Errorf("ids = %v, missing %s", got, id)
				}
			}
		})
	}

	resp := do(t, ts, http.MethodGet, "/v1/entities?root=device/main//&parent=device/main//", "")
	if msg := resp.errorMessage(t); msg != registry.ErrIncompatibleFilters.Error() {
		t.Errorf("error = %q", msg)
	}
}

func TestTwinData(t *testing.T) {
	_, ts := testServer(t, "")
	do(t, ts, http.MethodPost, "/v1/entities", `{"@topic-id":"device/child1//","@type":"child-device","name":"Child 1"}`)
	const base = "/v1/entities/device/child1///twin"

	steps := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{"initial twin from registration", http.MethodGet, base + "/name", "", http.StatusOK, `"Child 1"`},
		{"set fragment echoes value", http.MethodPut, base + "/maintenance", `{"mode":"on"}`, http.StatusOK, `{"mode":"on"}`},
		{"get fragment", http.MethodGet, base + "/maintenance", "", http.StatusOK, `{"mode":"on"}`},
		{"get all fragments", http.MethodGet, base, "", http.StatusOK, `{"maintenance":{"mode":"on"},"name":"Child 1"}`},
		{"unknown key", http.MethodGet, base + "/nope", "", http.StatusNotFound, ""},
		{"invalid key", http.MethodPut, base + "/@id", `1`, http.StatusBadRequest, ""},
		{"invalid json", http.MethodPut, base + "/x", `{`, http.StatusBadRequest, ""},
		{"delete fragment", http.MethodDelete, base + "/maintenance", "", http.StatusNoContent, ""},
		{"deleted fragment is gone", http.MethodGet, base + "/maintenance", "", http.StatusNotFound, ""},
		{"replace all fragments", http.MethodPut, base, `{"a":1,"b":"two"}`, http.StatusOK, `{"a":1,"b":"two"}`},
		{"replaced", http.MethodGet, base, "", http.StatusOK, `{"a":1,"b":"two"}`},
		{"replace with non-object", http.MethodPut, base, `[1]`, http.StatusBadRequest, ""},
		{"replace with invalid key", http.MethodPut, base, `{"ok":1,"@bad":2}`, http.StatusBadRequest, ""},
		{"invalid replace changed nothing", http.MethodGet, base, "", http.StatusOK, `{"a":1,"b":"two"}`},
		{"delete all fragments", http.MethodDelete, base, "", http.StatusNoContent, ""},
		{"all gone", http.MethodGet, base, "", http.StatusOK, `{}`},
		{"twin of unknown entity", http.MethodGet, "/v1/entities/device/nope///twin", "", http.StatusNotFound, ""},
		{"twin path too deep", http.MethodGet, base + "/a/b", "", http.StatusBadRequest, ""},
	}
	for _, st := range steps {
		resp := do(t, ts, st.method, st.path, st.body)
		if resp.status != st.status {
			t.Fatalf("%s: status = %d, want %d (body %s)", st.name, resp.status, st.status, resp.body)
		}
		if st.want != "" {
			if got := string(bytes.TrimSpace(resp.body)); got != st.want {
				t.Errorf("%s: body = %s, want %s", st.name, got, st.want)
			}
		}
	}

	resp := do(t, ts, http.MethodGet, base+"/nope", "")
	if msg := resp.errorMessage(t); msg != "Entity twin data for entity: device/child1// with fragment key: nope not found" {
		t.Errorf("error = %q", msg)
	}
}

func TestPatchEntity(t *testing.T) {
	_, ts := testServer(t, "")
	do(t, ts, http.MethodPost, "/v1/entities", `{"@topic-id":"device/child1//","@type":"child-device"}`)
	do(t, ts, http.MethodPost, "/v1/entities", `{"@topic-id":"device/child2//","@type":"child-device"}`)

	resp := do(t, ts, http.MethodPatch, "/v1/entities/device/child2//", `{"@parent":"device/child1//","@health":"device/child1/service/health"}`)
	if resp.status != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.status, resp.body)
	}
	var m map[string]any
	if err := json.Unmarshal(resp.body, &m); err != nil {
		t.Fatal(err)
	}
	if m["@parent"] != "device/child1//" || m["@health"] != "device/child1/service/health" {
		t.Errorf("updated entity = %v", m)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown entity", "/v1/entities/device/nope//", `{"@health":"x"}`, http.StatusNotFound},
		{"unknown parent", "/v1/entities/device/child2//", `{"@parent":"device/nope//"}`, http.StatusBadRequest},
		{"cycle", "/v1/entities/device/child1//", `{"@parent":"device/child2//"}`, http.StatusBadRequest},
		{"twin channel", "/v1/entities/device/child1///twin", `{}`, http.StatusMethodNotAllowed},
		{"invalid body", "/v1/entities/device/child1//", `{"@parent":7}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(t, ts, http.MethodPatch, tt.path, tt.body); resp.status != tt.status {
				t.Errorf("status = %d, want %d (body %s)", resp.status, tt.status, resp.body)
			}
		})
	}
}

func TestDeleteEntity(t *testing.T) {
	_, ts := testServer(t, "")
	do(t, ts, http.MethodPost, "/v1/entities", `{"@topic-id":"device/child1//","@type":"child-device"}`)
	do(t, ts, http.MethodPost, "/v1/entities", `{"@topic-id":"device/child2//","@type":"child-device","@parent":"device/child1//"}`)

	resp := do(t, ts, http.MethodDelete, "/v1/entities/device/child1//", "")
	if resp.status != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.status, resp.body)
	}
	var deleted []map[string]any
	if err := json.Unmarshal(resp.body, &deleted); err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 || deleted[0]["@topic-id"] != "device/child1//" {
		t.Errorf("deleted = %v, want child1 then child2", deleted)
	}

	if resp := do(t, ts, http.MethodDelete, "/v1/entities/device/child1//", ""); resp.status != http.StatusNoContent {
		t.Errorf("second delete status = %d, want 204", resp.status)
	}
	if resp := do(t, ts, http.MethodGet, "/v1/entities/device/child2//", ""); resp.status != http.StatusNotFound {
		t.Errorf("descendant still registered: status %d", resp.status)
	}

	resp = do(t, ts, http.MethodDelete, "/v1/entities/device/main//", "")
	if resp.status != http.StatusBadRequest {
		t.Fatalf("main device delete status = %d, want 400", resp.status)
	}
	if msg := resp.errorMessage(t); msg != registry.ErrMainDevice.Error() {
		t.Errorf("error = %q", msg)
	}
}

func TestResourcePaths(t *testing.T) {
	_, ts := testServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		status int
		msg    string
	}{
		{"put on metadata", http.MethodPut, "/v1/entities/device/main//", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{"command channel", http.MethodGet, "/v1/entities/device/main///cmd", http.StatusNotFound, "Actions on channel: cmd are not supported"},
		{"single segment", http.MethodGet, "/v1/entities/device", http.StatusNotFound, "Not Found"},
		{"invalid topic id", http.MethodGet, "/v1/entities/device/+//", http.StatusBadRequest, "An entity topic identifier cannot contain MQTT wildcards"},
		{"unknown route", http.MethodGet, "/v2/things", http.StatusNotFound, "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, tt.method, tt.path, "")
			if resp.status != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.status, tt.status, resp.body)
			}
			if tt.msg != "" {
				if msg := resp.errorMessage(t); msg != tt.msg {
					t.Errorf("error = %q, want %q", msg, tt.msg)
				}
			}
		})
	}
}

func TestBodySizeLimit(t *testing.T) {
	_, ts := testServer(t, "")

	big := `{"@topic-id":"device/big//","blob":"` + strings.Repeat("x", defaultMaxBodySize) + `"}`
	resp := do(t, ts, http.MethodPost, "/v1/entities", big)
	if resp.status != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.status)
	}

	// The file transfer service accepts large uploads.
	resp = do(t, ts, http.MethodPut, "/te/v1/files/big.bin", strings.Repeat("x", 2*defaultMaxBodySize))
	if resp.status != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.status)
	}
}

func TestAuth(t *testing.T) {
	_, ts := testServer(t, testSecret)

	token := func(role auth.Role) string {
		s, err := testSigner(testSecret).Issue("client", role)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	reader, operator := token(auth.RoleReader), token(auth.RoleOperator)
	register := `{"@topic-id":"device/child1//","@type":"child-device"}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header []string
		status int
	}{
		{"health is open", http.MethodGet, "/health", "", nil, http.StatusOK},
		{"missing token", http.MethodGet, "/v1/entities", "", nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/v1/entities", "", []string{"Authorization", "Bearer garbage"}, http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/v1/entities", "", []string{"Authorization", "Basic " + reader}, http.StatusUnauthorized},
		{"reader lists", http.MethodGet, "/v1/entities", "", []string{"Authorization", "Bearer " + reader}, http.StatusOK},
		{"reader cannot register", http.MethodPost, "/v1/entities", register, []string{"Authorization", "Bearer " + reader}, http.StatusForbidden},
		{"operator registers", http.MethodPost, "/v1/entities", register, []string{"Authorization", "Bearer " + operator}, http.StatusCreated},
		{"query token", http.MethodGet, "/v1/entities?access_token=" + reader, "", nil, http.StatusOK},
		{"reader cannot upload", http.MethodPut, "/te/v1/files/a.txt", "a", []string{"Authorization", "Bearer " + reader}, http.StatusForbidden},
		{"operator uploads", http.MethodPut, "/te/v1/files/a.txt", "a", []string{"Authorization", "Bearer " + operator}, http.StatusCreated},
		{"reader downloads", http.MethodGet, "/te/v1/files/a.txt", "", []string{"Authorization", "Bearer " + reader}, http.StatusOK},
		{"anonymous download", http.MethodGet, "/te/v1/files/a.txt", "", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(t, ts, tt.method, tt.path, tt.body, tt.header...); resp.status != tt.status {
				t.Errorf("status = %d, want %d (body %s)", resp.status, tt.status, resp.body)
			}
		})
	}
}

func TestFileTransfer(t *testing.T) {
	srv, ts := testServer(t, "")
	root := srv.files.root

	// A file published by symlink from outside the root.
	outside := filepath.Join(t.TempDir(), "cached.bin")
	if err := os.WriteFile(outside, []byte("firmware"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "child1", "firmware_update"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "child1", "firmware_update", "abc")); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{"upload", http.MethodPut, "/te/v1/files/child1/config_snapshot/mosquitto", "listener 1883", http.StatusCreated, ""},
		{"download", http.MethodGet, "/te/v1/files/child1/config_snapshot/mosquitto", "", http.StatusOK, "listener 1883"},
		{"replace", http.MethodPut, "/te/v1/files/child1/config_snapshot/mosquitto", "listener 8883", http.StatusCreated, ""},
		{"replaced", http.MethodGet, "/te/v1/files/child1/config_snapshot/mosquitto", "", http.StatusOK, "listener 8883"},
		{"follows symlinks", http.MethodGet, "/te/v1/files/child1/firmware_update/abc", "", http.StatusOK, "firmware"},
		{"directory", http.MethodGet, "/te/v1/files/child1", "", http.StatusNotFound, ""},
		{"upload over directory", http.MethodPut, "/te/v1/files/child1", "x", http.StatusConflict, ""},
		{"missing", http.MethodGet, "/te/v1/files/nope", "", http.StatusNotFound, ""},
		{"traversal", http.MethodGet, "/te/v1/files/a/%2e%2e/%2e%2e/etc/passwd", "", http.StatusBadRequest, ""},
		{"delete", http.MethodDelete, "/te/v1/files/child1/config_snapshot/mosquitto", "", http.StatusNoContent, ""},
		{"deleted", http.MethodGet, "/te/v1/files/child1/config_snapshot/mosquitto", "", http.StatusNotFound, ""},
		{"delete missing", http.MethodDelete, "/te/v1/files/child1/config_snapshot/mosquitto", "", http.StatusAccepted, ""},
		{"delete symlink", http.MethodDelete, "/te/v1/files/child1/firmware_update/abc", "", http.StatusNoContent, ""},
	}
	for _, st := range steps {
		resp := do(t, ts, st.method, st.path, st.body)
		if resp.status != st.status {
			t.Fatalf("%s: status = %d, want %d (body %s)", st.name, resp.status, st.status, resp.body)
		}
		if st.want != "" && string(resp.body) != st.want {
			t.Errorf("%s: body = %q, want %q", st.name, resp.body, st.want)
		}
	}

	// Deleting the link leaves its target alone.
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("symlink target removed: %v", err)
	}
	// No temporary upload files are left behind.
	matches, err := filepath.Glob(filepath.Join(root, "child1", "config_snapshot", ".upload-*"))
	if err != nil || len(matches) != 0 {
		t.Errorf("leftover temporary files: %v %v", matches, err)
	}
}

func TestWebSocket_CommandEvents(t *testing.T) {
	srv, ts := testServer(t, "")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // Test deadline

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{CommandChannel("firmware_update")}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	// Other operations and malformed states are not relayed.
	srv.Hub().ObserveCommand(operation.Message{Topic: "te/device/main///cmd/config_update/c-1", Payload: []byte(`{"status":"init"}`)})
	srv.Hub().ObserveCommand(operation.Message{Topic: "te/device/main///cmd/firmware_update/bad", Payload: []byte(`{"no":"status"}`)})
	srv.Hub().ObserveCommand(operation.Message{
		Topic:   "te/device/child1///cmd/firmware_update/c-2",
		Payload: []byte(`{"status":"executing","name":"core","version":"1.2"}`),
	})
	srv.Hub().ObserveCommand(operation.Message{Topic: "te/device/child1///cmd/firmware_update/c-2"})

	var ev struct {
		Type      string       `json:"type"`
		EventType string       `json:"event_type"`
		Payload   CommandEvent `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != "command.firmware_update" {
		t.Fatalf("event = %+v", ev)
	}
	p := ev.Payload
	if p.Entity != "device/child1//" || p.CmdID != "c-2" || p.Status != "executing" || p.State["version"] != "1.2" {
		t.Errorf("payload = %+v", p)
	}

	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if !ev.Payload.Cleared || ev.Payload.CmdID != "c-2" {
		t.Errorf("cleared payload = %+v", ev.Payload)
	}
}

func TestWebSocket_ReplaysLiveCommands(t *testing.T) {
	srv, ts := testServer(t, "")

	hub := srv.Hub()
	hub.ObserveCommand(operation.Message{Topic: "te/device/main///cmd/software_update/s-1", Payload: []byte(`{"status":"executing"}`)})
	hub.ObserveCommand(operation.Message{Topic: "te/device/child1///cmd/firmware_update/f-1", Payload: []byte(`{"status":"executing"}`)})
	hub.ObserveCommand(operation.Message{Topic: "te/device/child2///cmd/firmware_update/f-2", Payload: []byte(`{"status":"successful"}`)})
	hub.ObserveCommand(operation.Message{Topic: "te/device/child2///cmd/firmware_update/f-2"})
	if n := hub.LiveCommands(); n != 2 {
		t.Fatalf("LiveCommands() = %d, want 2", n)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // Test deadline

	// One bad channel rejects the request.
	bad := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{"*", "devices"}}}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatal(err)
	}
	var reply WSMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != WSTypeError || reply.ID != "1" {
		t.Fatalf("reply = %+v, want an error", reply)
	}

	sub := WSMessage{Type: WSTypeSubscribe, ID: "2", Payload: WSSubscribePayload{Channels: []string{"*"}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != WSTypeResponse || reply.ID != "2" {
		t.Fatalf("ack = %+v", reply)
	}

	var topics []string
	for range 2 {
		var ev struct {
			Type    string       `json:"type"`
			Payload CommandEvent `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != WSTypeEvent || ev.Payload.Status != "executing" {
			t.Errorf("replayed event = %+v", ev)
		}
		topics = append(topics, ev.Payload.Topic)
	}
	want := []string{"te/device/child1///cmd/firmware_update/f-1", "te/device/main///cmd/software_update/s-1"}
	if strings.Join(topics, ",") != strings.Join(want, ",") {
		t.Errorf("replayed topics = %v, want %v", topics, want)
	}
}

func TestValidChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"*", true},
		{"command.firmware_update", true},
		{"command.", false},
		{"command.a/b", false},
		{"devices", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validChannel(tt.channel); got != tt.want {
			t.Errorf("validChannel(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestWebSocket_RequiresToken(t *testing.T) {
	_, ts := testServer(t, testSecret)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	token, err := testSigner(testSecret).Issue("ui", auth.RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token="+token, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestServe_Shutdown(t *testing.T) {
	srv, _ := testServer(t, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.HealthCheck(context.Background()) != nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRun_ListenError(t *testing.T) {
	srv, _ := testServer(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	srv.cfg.Port = ln.Addr().(*net.TCPAddr).Port

	if err := srv.Run(context.Background()); err == nil {
		t.Error("Run() should fail when the port is taken")
	}
}
