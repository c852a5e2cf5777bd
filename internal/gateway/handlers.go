package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"microstructure-v1/internal/analytics"
	"microstructure-v1/internal/indicator"
)

const (
	requestTimeout = 5 * time.Second
	maxCandles     = 1000
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// RouterOptions carries what the REST handlers read besides the hub.
type RouterOptions struct {
	Timeframes []int
	// History serves /candles; sources are tried in order.
	History []analytics.CandleHistory
	Start   time.Time
}

// NewRouter builds the gateway's HTTP routes.
func NewRouter(hub *Hub, opts RouterOptions) *mux.Router {
	h := &handlers{hub: hub, api: hub.api, opts: opts}
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/ws", h.serveWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/symbols", h.symbols).Methods(http.MethodGet)
	api.HandleFunc("/symbols/{symbol}/snapshot", h.snapshot).Methods(http.MethodGet)
	api.HandleFunc("/symbols/{symbol}/indicators", h.indicators).Methods(http.MethodGet)
	api.HandleFunc("/symbols/{symbol}/indicators", h.subscribe).Methods(http.MethodPost)
	api.HandleFunc("/symbols/{symbol}/candles", h.candles).Methods(http.MethodGet)
	api.HandleFunc("/symbols/{symbol}/reset", h.reset).Methods(http.MethodPost)
	api.HandleFunc("/correlation", h.correlation).Methods(http.MethodGet)
	api.HandleFunc("/missed", h.missed).Methods(http.MethodGet)
	api.HandleFunc("/metrics", h.metrics).Methods(http.MethodGet)
	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

type handlers struct {
	hub  *Hub
	api  Analytics
	opts RouterOptions
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, HTTPError{Error: msg})
}

// writeAPIError maps analytics errors to HTTP statuses.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, analytics.ErrUnknownSymbol):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, analytics.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if raw := r.URL.Query().Get("symbol"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if !h.hub.isSymbol(s) {
				writeError(w, http.StatusBadRequest, "unknown symbol "+s)
				return
			}
			symbols = append(symbols, s)
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	h.hub.register(conn, symbols, r.URL.Query().Get("last_ts"))
}

func (h *handlers) symbols(w http.ResponseWriter, r *http.Request) {
	resp := SymbolsResponse{Symbols: h.api.Symbols(), Timeframes: make([]TFInfo, len(h.opts.Timeframes))}
	for i, tf := range h.opts.Timeframes {
		resp.Timeframes[i] = TFInfo{Seconds: tf, Label: TFLabel(tf)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snap, err := h.api.Snapshot(ctx, mux.Vars(r)["symbol"])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) indicators(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snap, err := h.api.Snapshot(ctx, mux.Vars(r)["symbol"])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Indicators)
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var body IndicatorRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	cfg, err := indicator.ParseSpec(body.Spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := indicator.Request{Symbol: symbol, TF: body.TF, Config: cfg}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	created, err := h.api.Subscribe(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, analytics.ErrUnknownSymbol), errors.Is(err, context.DeadlineExceeded), errors.Is(err, analytics.ErrStopped):
		writeAPIError(w, err)
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	req.Config = req.Config.Normalize()
	writeJSON(w, status, IndicatorResponse{Symbol: symbol, Key: req.Key(), Created: created})
}

func (h *handlers) candles(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !h.hub.isSymbol(symbol) {
		writeAPIError(w, analytics.ErrUnknownSymbol)
		return
	}
	q := r.URL.Query()
	tf, err := strconv.Atoi(q.Get("tf"))
	if err != nil || tf <= 0 {
		writeError(w, http.StatusBadRequest, "tf must be a positive integer")
		return
	}
	limit := int64(200)
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxCandles {
		limit = maxCandles
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	resp := CandlesResponse{Symbol: symbol, TF: tf}
	var lastErr error
	for _, src := range h.opts.History {
		cs, err := src.RecentCandles(ctx, symbol, tf, limit)
		if err != nil {
			lastErr = err
			continue
		}
		if len(cs) > 0 {
			resp.Candles = cs
			break
		}
	}
	if resp.Candles == nil && lastErr != nil {
		writeError(w, http.StatusBadGateway, lastErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.api.ResetSymbol(ctx, symbol, reason); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Symbol: symbol, Reason: reason})
}

func (h *handlers) correlation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.Correlation())
}

// missed serves /api/missed?topic=BTCUSDT&from=N&to=M for clients that
// detected a topic_seq gap.
func (h *handlers) missed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topic := q.Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an integer")
		return
	}
	to := h.hub.TopicSeq(topic)
	if raw := q.Get("to"); raw != "" {
		if to, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "to must be an integer")
			return
		}
	}
	resp := MissedResponse{Topic: topic, Seq: h.hub.TopicSeq(topic), Messages: []string{}}
	for _, m := range h.hub.ReplayRange(topic, from, to) {
		resp.Messages = append(resp.Messages, string(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	m := CollectMetrics(h.opts.Start)
	m.LatencyP50, m.LatencyP95, m.LatencyP99 = h.hub.Latency.Percentiles()
	m.Clients = h.hub.ClientCount()
	writeJSON(w, http.StatusOK, m)
}
