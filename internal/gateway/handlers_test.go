package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microstructure-v1/internal/analytics"
	"microstructure-v1/internal/correlation"
	"microstructure-v1/internal/indicator"
	"microstructure-v1/internal/model"
)

type fakeAnalytics struct {
	mu     sync.Mutex
	resets []string
	subs   []indicator.Request
}

func (f *fakeAnalytics) Symbols() []string { return []string{"BTCUSDT", "ETHUSDT"} }

func (f *fakeAnalytics) known(sym string) bool { return sym == "BTCUSDT" || sym == "ETHUSDT" }

func (f *fakeAnalytics) Snapshot(_ context.Context, sym string) (analytics.Snapshot, error) {
	if !f.known(sym) {
		return analytics.Snapshot{}, analytics.ErrUnknownSymbol
	}
	return analytics.Snapshot{Symbol: sym, Version: 7, LastPrice: 100}, nil
}

func (f *fakeAnalytics) Correlation() correlation.Matrix {
	m, _ := correlation.Compute(f.Symbols(), [][]float64{{1, 2, 3}, {2, 4, 6}}, 0)
	return m
}

func (f *fakeAnalytics) ResetSymbol(_ context.Context, sym, reason string) error {
	if !f.known(sym) {
		return analytics.ErrUnknownSymbol
	}
	f.mu.Lock()
	f.resets = append(f.resets, sym+":"+reason)
	f.mu.Unlock()
	return nil
}

func (f *fakeAnalytics) Subscribe(_ context.Context, req indicator.Request) (bool, error) {
	if !f.known(req.Symbol) {
		return false, analytics.ErrUnknownSymbol
	}
	if req.TF <= 0 {
		return false, errors.New("tf must be positive")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.Key() == req.Key() {
			return false, nil
		}
	}
	f.subs = append(f.subs, req)
	return true, nil
}

type staticHistory []model.Candle

func (s staticHistory) RecentCandles(_ context.Context, symbol string, tf int, n int64) ([]model.Candle, error) {
	var out []model.Candle
	for _, c := range s {
		if c.Symbol == symbol && c.TF == tf {
			out = append(out, c)
		}
	}
	if int64(len(out)) > n {
		out = out[int64(len(out))-n:]
	}
	return out, nil
}

type failingHistory struct{}

func (failingHistory) RecentCandles(context.Context, string, int, int64) ([]model.Candle, error) {
	return nil, errors.New("redis down")
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *fakeAnalytics) {
	t.Helper()
	api := &fakeAnalytics{}
	hub := NewHub(api, Config{RatePerSecond: 1000, Burst: 1000})
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hist := staticHistory{
		{Symbol: "BTCUSDT", TF: 60, Time: t0, Open: 1, High: 2, Low: 1, Close: 2, Volume: 3},
		{Symbol: "BTCUSDT", TF: 60, Time: t0.Add(time.Minute), Open: 2, High: 3, Low: 2, Close: 3, Volume: 1},
	}
	srv := httptest.NewServer(NewRouter(hub, RouterOptions{
		Timeframes: []int{60, 300},
		History:    []analytics.CandleHistory{failingHistory{}, hist},
		Start:      time.Now(),
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub, api
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestRouter_Symbols(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var resp SymbolsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/symbols", &resp))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, resp.Symbols)
	assert.Equal(t, []TFInfo{{60, "1m"}, {300, "5m"}}, resp.Timeframes)
}

func TestRouter_Snapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var snap analytics.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/symbols/BTCUSDT/snapshot", &snap))
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, uint64(7), snap.Version)

	var herr HTTPError
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/symbols/DOGE/snapshot", &herr))
	assert.NotEmpty(t, herr.Error)
}

func TestRouter_SubscribeIndicator(t *testing.T) {
	srv, _, api := newTestServer(t)
	post := func(sym, body string) (*http.Response, IndicatorResponse) {
		resp, err := http.Post(srv.URL+"/api/symbols/"+sym+"/indicators", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out IndicatorResponse
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, out := post("BTCUSDT", `{"spec":"ema:21","tf":60}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, out.Created)
	assert.Contains(t, out.Key, "BTCUSDT:60")

	resp, out = post("BTCUSDT", `{"spec":"ema:21","tf":60}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, out.Created)

	resp, _ = post("BTCUSDT", `{"spec":"ema:x","tf":60}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post("BTCUSDT", `{"spec":"ema:21","tf":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post("DOGE", `{"spec":"ema:21","tf":60}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Len(t, api.subs, 1)
}

func TestRouter_Candles(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var resp CandlesResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/symbols/BTCUSDT/candles?tf=60&limit=1", &resp))
	require.Len(t, resp.Candles, 1)
	assert.Equal(t, 3.0, resp.Candles[0].Close)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/symbols/BTCUSDT/candles?tf=abc", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/symbols/DOGE/candles?tf=60", nil))
}

func TestRouter_Reset(t *testing.T) {
	srv, _, api := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/symbols/ETHUSDT/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ETHUSDT:manual"}, api.resets)

	resp, err = http.Get(srv.URL + "/api/symbols/ETHUSDT/reset")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouter_Correlation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body struct {
		Symbols []string     `json:"symbols"`
		Values  [][]*float64 `json:"matrix"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/correlation", &body))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, body.Symbols)
	require.Len(t, body.Values, 2)
	require.NotNil(t, body.Values[0][0])
	assert.Equal(t, 1.0, *body.Values[0][0])
	assert.Nil(t, body.Values[0][1], "too few samples")
}

func TestRouter_CORSPreflight(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/symbols/BTCUSDT/reset", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRouter_MissedReplaysBroadcasts(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		hub.Broadcast("BTCUSDT", []byte(`{"symbol":"BTCUSDT"}`))
	}

	var resp MissedResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/missed?topic=BTCUSDT&from=2", &resp))
	assert.Equal(t, int64(3), resp.Seq)
	require.Len(t, resp.Messages, 2)

	var env wsEnvelope
	require.NoError(t, json.Unmarshal([]byte(resp.Messages[0]), &env))
	assert.Equal(t, int64(2), env.TopicSeq)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/missed?topic=BTCUSDT&from=x", nil))
}

type wsEnvelope struct {
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data"`
	TS       string          `json:"ts"`
	Seq      int64           `json:"seq"`
	TopicSeq int64           `json:"topic_seq"`
	Initial  bool            `json:"initial"`
	Type     string          `json:"type"`
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessages reads one frame and splits coalesced messages.
func readMessages(t *testing.T, conn *websocket.Conn) [][]byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	return bytes.Split(frame, []byte{'\n'})
}

// readUntil reads messages until one satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsEnvelope) bool) wsEnvelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		for _, m := range readMessages(t, conn) {
			var env wsEnvelope
			require.NoError(t, json.Unmarshal(m, &env))
			if match(env) {
				return env
			}
		}
	}
	t.Fatal("no matching websocket message")
	return wsEnvelope{}
}

func TestWS_SymbolFilter(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	conn := dialWS(t, srv, "?symbol=BTCUSDT")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast("ETHUSDT", []byte(`{"symbol":"ETHUSDT"}`))
	hub.Broadcast(analytics.TopicCorrelation, []byte(`{"symbols":[]}`))
	hub.Broadcast("BTCUSDT", []byte(`{"symbol":"BTCUSDT"}`))

	var topics []string
	for len(topics) < 2 {
		for _, m := range readMessages(t, conn) {
			var env wsEnvelope
			require.NoError(t, json.Unmarshal(m, &env))
			topics = append(topics, env.Topic)
		}
	}
	assert.Equal(t, []string{analytics.TopicCorrelation, "BTCUSDT"}, topics)
}

func TestWS_InitialStateAndSubscribe(t *testing.T) {
	srv, hub, api := newTestServer(t)
	hub.Broadcast("ETHUSDT", []byte(`{"symbol":"ETHUSDT","updatedAt":"2024-03-01T12:00:00Z"}`))

	conn := dialWS(t, srv, "")
	env := readUntil(t, conn, func(e wsEnvelope) bool { return e.Initial })
	assert.Equal(t, "ETHUSDT", env.Topic)
	assert.Equal(t, int64(1), env.TopicSeq)

	require.NoError(t, conn.WriteJSON(SubscribeMsg{
		Type:       "SUBSCRIBE",
		ReqID:      "r1",
		Symbols:    []string{"BTCUSDT"},
		Indicators: []IndicatorRequest{{Spec: "RSI:14", TF: 60}},
	}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply SnapshotsMessage
	for reply.Type != "SNAPSHOT" {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		json.Unmarshal(bytes.Split(frame, []byte{'\n'})[0], &reply)
	}
	assert.Equal(t, "r1", reply.ReqID)
	require.Len(t, reply.Snapshots, 1)
	assert.Equal(t, "BTCUSDT", reply.Snapshots[0].Symbol)

	api.mu.Lock()
	require.Len(t, api.subs, 1)
	assert.Equal(t, "BTCUSDT", api.subs[0].Symbol)
	api.mu.Unlock()

	// ETHUSDT is now filtered out.
	hub.Broadcast("ETHUSDT", []byte(`{"symbol":"ETHUSDT"}`))
	hub.Broadcast("BTCUSDT", []byte(`{"symbol":"BTCUSDT"}`))
	env = readUntil(t, conn, func(e wsEnvelope) bool { return e.Topic != "" && !e.Initial })
	assert.Equal(t, "BTCUSDT", env.Topic)
}

func TestWS_RejectsUnknownSymbol(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?symbol=DOGE"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcast_EnvelopeAndLatency(t *testing.T) {
	hub := NewHub(&fakeAnalytics{}, Config{})
	updated := time.Now().UTC().Add(-50 * time.Millisecond).Format(time.RFC3339Nano)
	hub.Broadcast("BTCUSDT", []byte(`{"updatedAt":"`+updated+`"}`))
	hub.Broadcast("BTCUSDT", []byte(`{"updatedAt":"not a time"}`))

	assert.Equal(t, 1, hub.Latency.Count())
	p50, _, _ := hub.Latency.Percentiles()
	assert.GreaterOrEqual(t, p50, 50.0)

	msgs := hub.ReplayRange("BTCUSDT", 1, 2)
	require.Len(t, msgs, 2)
	var env wsEnvelope
	require.NoError(t, json.Unmarshal(msgs[1], &env))
	assert.Equal(t, "BTCUSDT", env.Topic)
	assert.Equal(t, int64(2), env.Seq)
	assert.Equal(t, int64(2), env.TopicSeq)
	assert.JSONEq(t, `{"updatedAt":"not a time"}`, string(env.Data))

	latest, ok := hub.Latest("BTCUSDT")
	require.True(t, ok)
	assert.JSONEq(t, `{"updatedAt":"not a time"}`, string(latest))
}

func TestTFLabel(t *testing.T) {
	cases := map[int]string{15: "15s", 60: "1m", 90: "90s", 300: "5m", 3600: "1h", 5400: "90m", 14400: "4h"}
	for tf, want := range cases {
		assert.Equal(t, want, TFLabel(tf), "tf=%d", tf)
	}
}
