package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"liuproxy_validator/internal/shared/types"
	manager "liuproxy_validator/proxypool"
	"liuproxy_validator/proxypool/model"
)

// mockController is a hand-written ScanController.
type mockController struct {
	scanned   []string
	saved     []manager.SaveItem
	sources   []string
	fetchErr  error
	records   []model.Record
	saveErr   error
	fetchedIn []string
}

func (m *mockController) Scan(ctx context.Context, uris []string) (string, <-chan model.Outcome) {
	m.scanned = uris
	ch := make(chan model.Outcome, len(uris))
	for i, u := range uris {
		o := model.Outcome{URI: u, CheckedAt: time.Unix(0, 0)}
		if i%2 == 0 {
			o.Result = model.Success(int64(100 + i))
			o.Location = &model.Location{CountryCode: "DE", Country: "Germany"}
		} else {
			o.Result = model.Failure(model.FailureTimeout, "probe timed out\nafter 5s")
		}
		ch <- o
	}
	close(ch)
	return "scan-1", ch
}

func (m *mockController) FetchSources(ctx context.Context, sources []string) ([]string, error) {
	m.fetchedIn = sources
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return []string{"trojan://pw@a:1", "trojan://pw@b:1", "trojan://pw@c:1"}, nil
}

func (m *mockController) Sources() ([]string, error) { return m.sources, nil }

func (m *mockController) SetSources(lines []string) (int, error) {
	m.sources = nil
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			m.sources = append(m.sources, l)
		}
	}
	return len(m.sources), nil
}

func (m *mockController) SaveSelected(items []manager.SaveItem) (int, error) {
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	m.saved = items
	return len(items), nil
}

func (m *mockController) Results() []model.Record { return m.records }

func (m *mockController) Status() manager.Status {
	return manager.Status{EngineVersion: "Xray 25.1.30", PoolCapacity: 30, PoolAvailable: 30}
}

func newTestServer(t *testing.T, cfg types.LocalConf, c ScanController) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	mux, err := NewMux(cfg, c, hub)
	if err != nil {
		t.Fatalf("NewMux() returned an error: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, hub
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, resp *http.Response) []model.OutcomeView {
	t.Helper()
	var events []model.OutcomeView
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected SSE line %q", line)
		}
		var v model.OutcomeView
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &v); err != nil {
			t.Fatalf("invalid event json: %v", err)
		}
		events = append(events, v)
	}
	return events
}

func TestHandleScan_StreamsSSE(t *testing.T) {
	c := &mockController{}
	srv, _ := newTestServer(t, types.LocalConf{}, c)

	resp := post(t, srv.URL+"/scan", `{"servers":["trojan://pw@a:1","trojan://pw@b:1","trojan://pw@c:1"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := readEvents(t, resp)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Status != "SUCCESS" || events[0].CountryCode != "DE" || events[0].Latency != 100 {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Status != "FAILED" || events[1].Kind != model.FailureTimeout {
		t.Errorf("event 1 = %+v", events[1])
	}
	if len(c.scanned) != 3 {
		t.Errorf("controller received %v", c.scanned)
	}
}

func TestHandleScan_RejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, types.LocalConf{}, &mockController{})

	resp, err := http.Get(srv.URL + "/scan")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /scan status = %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/scan", `{not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}
}

func TestHandleScanSources(t *testing.T) {
	c := &mockController{}
	srv, _ := newTestServer(t, types.LocalConf{}, c)

	resp := post(t, srv.URL+"/api/scan_sources", `{"sources":["https://example.com/sub"]}`)
	if got := len(readEvents(t, resp)); got != 3 {
		t.Errorf("got %d events", got)
	}
	if len(c.fetchedIn) != 1 {
		t.Errorf("sources passed = %v", c.fetchedIn)
	}

	c.fetchErr = errors.New("no subscription sources configured")
	if resp := post(t, srv.URL+"/api/scan_sources", ``); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("fetch failure status = %d", resp.StatusCode)
	}
}

func TestHandleSave(t *testing.T) {
	c := &mockController{}
	srv, _ := newTestServer(t, types.LocalConf{}, c)

	resp := post(t, srv.URL+"/save", `{"servers":["trojan://pw@a:1", {"uri":"trojan://pw@b:1","country_code":"US"}, "  "]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var msg messageResponse
	json.NewDecoder(resp.Body).Decode(&msg)
	if msg.Message != "2 servers saved." {
		t.Errorf("message = %q", msg.Message)
	}
	if len(c.saved) != 2 || c.saved[0].CountryCode != "" || c.saved[1].CountryCode != "US" {
		t.Errorf("saved = %+v", c.saved)
	}

	if resp := post(t, srv.URL+"/save", `{"servers":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty save status = %d", resp.StatusCode)
	}
	c.saveErr = errors.New("disk full")
	if resp := post(t, srv.URL+"/save", `{"servers":["x"]}`); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failed save status = %d", resp.StatusCode)
	}
}

func TestURLsRoundTrip(t *testing.T) {
	c := &mockController{}
	srv, _ := newTestServer(t, types.LocalConf{}, c)

	if resp := post(t, srv.URL+"/api/save_urls", `{"urls":"https://a.example.com/sub\n\nhttps://b.example.com/sub"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("save_urls status = %d", resp.StatusCode)
	}
	resp, err := http.Get(srv.URL + "/api/urls")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got urlsPayload
	json.NewDecoder(resp.Body).Decode(&got)
	if got.URLs != "https://a.example.com/sub\nhttps://b.example.com/sub" {
		t.Errorf("urls = %q", got.URLs)
	}
}

func TestHandleResults_Filter(t *testing.T) {
	c := &mockController{records: []model.Record{
		{URI: "a", OK: true, LatencyMs: 10, LastChecked: time.Unix(100, 0)},
		{URI: "b", Kind: model.FailureRefused},
	}}
	srv, _ := newTestServer(t, types.LocalConf{}, c)

	resp, err := http.Get(srv.URL + "/api/results?status=success")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var views []resultView
	json.NewDecoder(resp.Body).Decode(&views)
	if len(views) != 1 || views[0].URI != "a" || views[0].LastChecked != 100 {
		t.Errorf("views = %+v", views)
	}
}

func TestBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t, types.LocalConf{WebUser: "admin", WebPassword: "secret"}, &mockController{})

	resp, err := http.Get(srv.URL + "/api/urls")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/urls", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}

	// status stays public
	resp, err = http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st struct {
		EngineVersion string `json:"engine_version"`
		PoolCapacity  int    `json:"pool_capacity"`
	}
	json.NewDecoder(resp.Body).Decode(&st)
	if resp.StatusCode != http.StatusOK || st.PoolCapacity != 30 || st.EngineVersion == "" {
		t.Errorf("status = %d %+v", resp.StatusCode, st)
	}
}

func TestIndexPage(t *testing.T) {
	srv, _ := newTestServer(t, types.LocalConf{}, &mockController{})
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("index: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	resp2, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp2.StatusCode)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	srv, hub := newTestServer(t, types.LocalConf{}, &mockController{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.BroadcastOutcome("scan-9", model.Outcome{URI: "trojan://pw@a:1", Result: model.Success(42)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string       `json:"type"`
		Data OutcomeEvent `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "outcome" || msg.Data.ScanID != "scan-9" || msg.Data.Latency != 42 || msg.Data.Status != "SUCCESS" {
		t.Errorf("message = %+v", msg)
	}
}
