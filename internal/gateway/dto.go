package gateway

import (
	"microstructure-v1/internal/analytics"
	"microstructure-v1/internal/model"
)

// TFInfo describes a configured timeframe.
type TFInfo struct {
	Seconds int    `json:"seconds"`
	Label   string `json:"label"`
}

// SymbolsResponse is the body of GET /api/symbols.
type SymbolsResponse struct {
	Symbols    []string `json:"symbols"`
	Timeframes []TFInfo `json:"timeframes"`
}

// IndicatorRequest is the body of POST /api/symbols/{symbol}/indicators.
type IndicatorRequest struct {
	Spec string `json:"spec"` // "TYPE:P1:P2", e.g. "EMA:21"
	TF   int    `json:"tf"`
}

// IndicatorResponse acknowledges an indicator subscription.
type IndicatorResponse struct {
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Created bool   `json:"created"`
}

// CandlesResponse is the body of GET /api/symbols/{symbol}/candles.
type CandlesResponse struct {
	Symbol  string         `json:"symbol"`
	TF      int            `json:"tf"`
	Candles []model.Candle `json:"candles"`
}

// ResetResponse acknowledges a manual symbol reset.
type ResetResponse struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// MissedResponse is the body of GET /api/missed.
type MissedResponse struct {
	Topic    string   `json:"topic"`
	Seq      int64    `json:"seq"`
	Messages []string `json:"messages"`
}

// HTTPError is the body of every non-2xx REST response.
type HTTPError struct {
	Error string `json:"error"`
}

// SnapshotsMessage is the websocket reply to SUBSCRIBE.
type SnapshotsMessage struct {
	Type      string               `json:"type"` // "SNAPSHOT"
	ReqID     string               `json:"reqId,omitempty"`
	Snapshots []analytics.Snapshot `json:"snapshots"`
}
