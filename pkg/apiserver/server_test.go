package apiserver_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Peterbackson-desing/dashboard/pkg/apiserver"
	"github.com/Peterbackson-desing/dashboard/pkg/auth"
	"github.com/Peterbackson-desing/dashboard/pkg/bus"
	"github.com/Peterbackson-desing/dashboard/pkg/bus/bustest"
	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/observability"
	"github.com/Peterbackson-desing/dashboard/pkg/ota"
	"github.com/Peterbackson-desing/dashboard/pkg/relay"
	"github.com/Peterbackson-desing/dashboard/pkg/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	maxSize = 1024
	device  = "device1"
)

type fixtureOptions struct {
	relay          bool
	relayConnected bool
	triggerTimeout time.Duration
	server         *apiserver.ServerOptions
}

type fixture struct {
	ts        *httptest.Server
	broker    *bustest.Broker
	artifacts *store.Artifacts
	relay     *relay.Relay
	metrics   *observability.Metrics
	admin     string
	operator  string
}

func newFixture(t *testing.T, o fixtureOptions) *fixture {
	t.Helper()
	f := &fixture{broker: bustest.NewBroker(), metrics: observability.NewMetrics()}

	creds, err := auth.DevelopmentCredentials()
	if err != nil {
		t.Fatal(err)
	}
	gate, err := auth.NewGate("test-secret", 0, creds)
	if err != nil {
		t.Fatal(err)
	}
	_, f.admin, err = gate.Issue("admin", "admin123")
	if err != nil {
		t.Fatal(err)
	}
	_, f.operator, err = gate.Issue("operador", "oper123")
	if err != nil {
		t.Fatal(err)
	}

	blobs, err := store.NewFSBlobs(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f.artifacts = store.NewArtifacts(blobs, store.NewMemoryIndex(), store.WithMaxSize(maxSize), store.WithLogger(quiet))

	busCfg := bus.Config{
		BrokerURL:     "tcp://broker.test:1883",
		Factory:       f.broker.Factory(),
		RetryInterval: 50 * time.Millisecond,
	}
	timeout := o.triggerTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	trigger := ota.New(ota.Config{Bus: busCfg, BaseURL: "http://ota.test", Timeout: timeout}, f.artifacts, f.metrics, quiet)

	deps := apiserver.Deps{
		Gate:      gate,
		Artifacts: f.artifacts,
		Trigger:   trigger,
		Metrics:   f.metrics,
		Logger:    quiet,
	}
	if o.relay {
		if !o.relayConnected {
			f.broker.SetConnectError(errors.New("dial tcp: connection refused"))
		}
		f.relay, err = relay.New(relay.Config{Bus: busCfg, DeviceID: device}, f.metrics, quiet)
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.relay.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		if o.relayConnected {
			waitFor(t, func() bool { return f.broker.Subscribed(model.TelemetryTopic(device)) })
		}
		deps.Relay = f.relay
	}

	opts := apiserver.DefaultServerOptions()
	opts.RateLimit = 0
	if o.server != nil {
		opts = *o.server
	}
	f.ts = httptest.NewServer(apiserver.NewServer(deps, opts).Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	} else {
		out = map[string]interface{}{"raw": string(raw)}
	}
	return resp, out
}

func (f *fixture) postJSON(t *testing.T, path, token string, v interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return f.do(t, http.MethodPost, path, token, bytes.NewReader(buf), "application/json")
}

func multipartBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename == "" {
		mw.WriteField(field, string(content))
	} else {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, token, filename string, content []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	body, ct := multipartBody(t, "firmware", filename, content)
	return f.do(t, http.MethodPost, "/ota/upload", token, body, ct)
}

func TestHealthAndReadyz(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, body := f.do(t, http.MethodGet, "/health", "", nil, "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["timestamp"] == nil {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
	_, body = f.do(t, http.MethodGet, "/readyz", "", nil, "")
	if body["status"] != "ready" || body["relay"] != "disabled" {
		t.Fatalf("readyz without relay: %v", body)
	}

	f = newFixture(t, fixtureOptions{relay: true, relayConnected: true})
	_, body = f.do(t, http.MethodGet, "/readyz", "", nil, "")
	if body["status"] != "ready" || body["relay"] != "connected" {
		t.Fatalf("readyz with relay: %v", body)
	}
}

func TestLoginAndVerify(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, body := f.postJSON(t, "/auth/login", "", map[string]string{"username": "admin", "password": "admin123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %v", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	user, _ := body["user"].(map[string]interface{})
	if token == "" || user["role"] != "admin" || user["username"] != "admin" {
		t.Fatalf("unexpected login response %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/auth/verify", token, nil, "")
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify: %d %v", resp.StatusCode, body)
	}

	// Legacy /api prefix.
	resp, _ = f.do(t, http.MethodGet, "/api/auth/verify", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify under /api: %d", resp.StatusCode)
	}
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	cases := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing password", map[string]string{"username": "admin"}, http.StatusBadRequest},
		{"wrong password", map[string]string{"username": "admin", "password": "nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "ghost", "password": "admin123"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.postJSON(t, "/auth/login", "", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d %v", tc.want, resp.StatusCode, body)
			}
			if body["error"] == nil {
				t.Fatalf("missing error field: %v", body)
			}
		})
	}

	resp, _ := f.do(t, http.MethodPost, "/auth/login", "", strings.NewReader("{"), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON: expected 400, got %d", resp.StatusCode)
	}
}

func TestTokenErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, _ := f.do(t, http.MethodGet, "/auth/verify", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/auth/verify", "not-a-token", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("invalid token: expected 403, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/ota/list", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("list without token: expected 401, got %d", resp.StatusCode)
	}
}

func TestUploadListFetch(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	content := bytes.Repeat([]byte{0xE9}, 600)

	resp, body := f.upload(t, f.admin, "app.bin", content)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: %d %v", resp.StatusCode, body)
	}
	fw, _ := body["firmware"].(map[string]interface{})
	name, _ := fw["filename"].(string)
	if !strings.HasPrefix(name, "firmware_") || fw["originalName"] != "app.bin" || fw["size"] != float64(600) {
		t.Fatalf("unexpected firmware record %v", fw)
	}
	if fw["uploadedBy"] != "admin" || fw["path"] != "/ota/firmware/"+name {
		t.Fatalf("unexpected firmware record %v", fw)
	}

	_, body = f.do(t, http.MethodGet, "/ota/list", f.operator, nil, "")
	list, _ := body["firmwares"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("expected 1 firmware, got %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/ota/firmware/"+name, "", nil, "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("fetch: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if body["raw"] != string(content) {
		t.Fatal("fetched bytes differ from upload")
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), name) {
		t.Fatalf("unexpected Content-Disposition %q", resp.Header.Get("Content-Disposition"))
	}
	sum := sha256.Sum256(content)
	if got := resp.Header.Get("X-Checksum-Sha256"); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum header = %q", got)
	}

	for _, bad := range []string{"firmware_1.bin", "metadata.json", ".hidden.bin"} {
		resp, _ = f.do(t, http.MethodGet, "/ota/firmware/"+bad, "", nil, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("fetch %s: expected 404, got %d", bad, resp.StatusCode)
		}
	}
}

func TestListEmpty(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, body := f.do(t, http.MethodGet, "/ota/list", f.admin, nil, "")
	list, ok := body["firmwares"].([]interface{})
	if !ok || len(list) != 0 {
		t.Fatalf("expected empty list, got %v", body)
	}
}

func TestUploadForbiddenForOperator(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, _ := f.upload(t, f.operator, "app.bin", []byte("x"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	list, err := f.artifacts.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Fatalf("index changed after forbidden upload: %v %v", list, err)
	}
}

func TestUploadRejections(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, _ := f.upload(t, f.admin, "app.exe", []byte("x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad extension: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = f.upload(t, f.admin, "big.bin", make([]byte, maxSize+1))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("too large: expected 413, got %d", resp.StatusCode)
	}
	body, ct := multipartBody(t, "note", "", []byte("hello"))
	resp, _ = f.do(t, http.MethodPost, "/ota/upload", f.admin, body, ct)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no file: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = f.postJSON(t, "/ota/upload", f.admin, map[string]string{"file": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("not multipart: expected 400, got %d", resp.StatusCode)
	}

	list, _ := f.artifacts.List(context.Background())
	if len(list) != 0 {
		t.Fatalf("rejected uploads reached the index: %v", list)
	}
	if f.metrics.GetMetrics()["upload_rejected"] != 4 {
		t.Fatalf("rejections not counted: %v", f.metrics.GetMetrics())
	}
}

func storedFirmware(t *testing.T, f *fixture) string {
	t.Helper()
	art, err := f.artifacts.Store(context.Background(), strings.NewReader("fw"), "app.bin", "admin")
	if err != nil {
		t.Fatal(err)
	}
	return art.Filename
}

func TestTrigger(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	name := storedFirmware(t, f)

	resp, body := f.postJSON(t, "/ota/trigger", f.admin, map[string]string{"deviceId": device, "firmwareFilename": name})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d %v", resp.StatusCode, body)
	}
	if body["device"] != device || body["firmwareUrl"] != "http://ota.test/ota/firmware/"+name {
		t.Fatalf("unexpected trigger response %v", body)
	}
	pubs := f.broker.Published()
	if len(pubs) != 1 || pubs[0].Topic != "device1/cmd" {
		t.Fatalf("unexpected publications %+v", pubs)
	}
}

func TestTriggerFailures(t *testing.T) {
	cases := []struct {
		name    string
		token   func(*fixture) string
		body    func(name string) map[string]string
		setup   func(*bustest.Broker)
		timeout time.Duration
		want    int
		reason  string
	}{
		{
			name:  "operator",
			token: func(f *fixture) string { return f.operator },
			body:  func(n string) map[string]string { return map[string]string{"deviceId": device, "firmwareFilename": n} },
			want:  http.StatusForbidden,
		},
		{
			name: "missing device",
			body: func(n string) map[string]string { return map[string]string{"firmwareFilename": n} },
			want: http.StatusBadRequest,
		},
		{
			name: "unknown firmware",
			body: func(string) map[string]string {
				return map[string]string{"deviceId": device, "firmwareFilename": "firmware_1.bin"}
			},
			want: http.StatusNotFound,
		},
		{
			name:   "broker down",
			body:   func(n string) map[string]string { return map[string]string{"deviceId": device, "firmwareFilename": n} },
			setup:  func(b *bustest.Broker) { b.SetConnectError(errors.New("dial tcp: connection refused")) },
			want:   http.StatusInternalServerError,
			reason: "connect",
		},
		{
			name:   "publish refused",
			body:   func(n string) map[string]string { return map[string]string{"deviceId": device, "firmwareFilename": n} },
			setup:  func(b *bustest.Broker) { b.FailPublishes(errors.New("not authorised")) },
			want:   http.StatusInternalServerError,
			reason: "publish",
		},
		{
			name:    "no ack",
			body:    func(n string) map[string]string { return map[string]string{"deviceId": device, "firmwareFilename": n} },
			setup:   func(b *bustest.Broker) { b.HoldPublishes(true) },
			timeout: 150 * time.Millisecond,
			want:    http.StatusGatewayTimeout,
			reason:  "timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{triggerTimeout: tc.timeout})
			if tc.setup != nil {
				tc.setup(f.broker)
			}
			token := f.admin
			if tc.token != nil {
				token = tc.token(f)
			}
			resp, body := f.postJSON(t, "/ota/trigger", token, tc.body(storedFirmware(t, f)))
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d %v", tc.want, resp.StatusCode, body)
			}
			if tc.reason != "" && body["reason"] != tc.reason {
				t.Fatalf("expected reason %q, got %v", tc.reason, body)
			}
		})
	}
}

func TestRelayCommand(t *testing.T) {
	f := newFixture(t, fixtureOptions{relay: true, relayConnected: true})

	resp, body := f.postJSON(t, "/relay/command", f.operator, map[string]interface{}{"action": "relay", "value": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("command: %d %v", resp.StatusCode, body)
	}
	pubs := f.broker.Published()
	if len(pubs) != 1 || string(pubs[0].Payload) != `{"action":"relay","value":1}` {
		t.Fatalf("unexpected publications %+v", pubs)
	}

	resp, _ = f.postJSON(t, "/relay/command", f.operator, map[string]interface{}{"action": "led", "value": 7})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad value: expected 400, got %d", resp.StatusCode)
	}
}

func TestRelayCommandNotConnected(t *testing.T) {
	f := newFixture(t, fixtureOptions{relay: true})
	resp, body := f.postJSON(t, "/relay/command", f.admin, map[string]interface{}{"action": "auto"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %v", resp.StatusCode, body)
	}
}

func TestRelayDisabled(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, _ := f.do(t, http.MethodGet, "/relay/state", f.admin, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	_, body := f.do(t, http.MethodGet, "/ota/logs", f.admin, nil, "")
	if logs, ok := body["logs"].([]interface{}); !ok || len(logs) != 0 {
		t.Fatalf("expected empty logs, got %v", body)
	}
}

func TestRelayStateAndLogs(t *testing.T) {
	f := newFixture(t, fixtureOptions{relay: true, relayConnected: true})
	topic := model.TelemetryTopic(device)
	f.broker.Inject(topic, []byte(`{"temperature":21.5,"humidity":40}`), false)
	f.broker.Inject(topic, []byte("OTA download progress 50%"), false)

	_, body := f.do(t, http.MethodGet, "/relay/state", f.operator, nil, "")
	tel, _ := body["telemetry"].(map[string]interface{})
	if body["connection"] != "connected" || tel["temperature"] != 21.5 {
		t.Fatalf("unexpected state %v", body)
	}
	if h, _ := body["history"].([]interface{}); len(h) != 1 {
		t.Fatalf("unexpected history %v", body["history"])
	}

	_, body = f.do(t, http.MethodGet, "/ota/logs", f.operator, nil, "")
	logs, _ := body["logs"].([]interface{})
	if len(logs) != 1 {
		t.Fatalf("expected one log line, got %v", body)
	}
	if line := logs[0].(map[string]interface{}); line["tag"] != relay.TagProgress {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t, fixtureOptions{relay: true, relayConnected: true})
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/relay/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v %v", resp, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+f.operator, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first["type"] != "snapshot" {
		t.Fatalf("expected snapshot first, got %v", first)
	}
	waitFor(t, func() bool { return f.metrics.GetMetrics()["stream_clients"] == 1 })

	f.broker.Inject(model.TelemetryTopic(device), []byte(`{"temperature":30}`), false)
	var ev relay.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != relay.EventTelemetry || ev.Telemetry == nil || ev.Telemetry.Temperature != 30 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.do(t, http.MethodGet, "/ota/list", f.admin, nil, "")

	resp, body := f.do(t, http.MethodGet, "/metrics", "", nil, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body["raw"].(string), "otad_requests_total 1") {
		t.Fatalf("unexpected metrics output %v", body)
	}
	_, body = f.do(t, http.MethodGet, "/metrics?format=json", "", nil, "")
	if body["request_count"] == nil {
		t.Fatalf("unexpected JSON metrics %v", body)
	}
}

func TestRateLimit(t *testing.T) {
	opts := apiserver.DefaultServerOptions()
	opts.RateLimit = 0.001
	opts.RateBurst = 2
	f := newFixture(t, fixtureOptions{server: &opts})

	for i := 0; i < 2; i++ {
		if resp, _ := f.do(t, http.MethodGet, "/ota/list", f.admin, nil, ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: %d", i, resp.StatusCode)
		}
	}
	if resp, _ := f.do(t, http.MethodGet, "/ota/list", f.admin, nil, ""); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/health", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health was rate limited: %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	opts := apiserver.DefaultServerOptions()
	opts.AllowedOrigins = []string{"http://dashboard.test"}
	f := newFixture(t, fixtureOptions{server: &opts})

	req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/ota/list", nil)
	req.Header.Set("Origin", "http://dashboard.test")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://dashboard.test" {
		t.Fatalf("preflight: %d %v", resp.StatusCode, resp.Header)
	}
}
