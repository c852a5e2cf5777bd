package gateway

import (
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Broadcast sends data on topic to every interested client. It implements
// analytics.Broadcaster. The envelope JSON is built by hand to keep the
// hot path free of reflection; topic_seq lets clients detect gaps and
// backfill through /api/missed.
func (h *Hub) Broadcast(topic string, data []byte) {
	now := time.Now().UTC()

	if srcTS := extractTS(data); !srcTS.IsZero() {
		if ms := float64(now.Sub(srcTS).Microseconds()) / 1000.0; ms >= 0 {
			h.Latency.Record(ms)
		}
	}

	h.mu.Lock()
	h.topicSeqs[topic]++
	topicSeq := h.topicSeqs[topic]
	h.seq++
	seq := h.seq
	h.latest[topic] = latestEntry{Data: data, TS: now, Seq: topicSeq}
	rb, ok := h.replay[topic]
	if !ok {
		rb = NewReplayBuffer(h.cfg.ReplaySize)
		h.replay[topic] = rb
	}
	h.mu.Unlock()

	buf := buildEnvelope(topic, data, now, seq, topicSeq)
	rb.Push(topicSeq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(topic) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

func buildEnvelope(topic string, data []byte, now time.Time, seq, topicSeq int64) []byte {
	buf := make([]byte, 0, len(topic)+len(data)+160)
	buf = append(buf, `{"topic":"`...)
	buf = append(buf, topic...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"topic_seq":`...)
	buf = strconv.AppendInt(buf, topicSeq, 10)
	buf = append(buf, '}')
	return buf
}

// extractTS reads the event time of a snapshot payload ("updatedAt").
func extractTS(data []byte) time.Time {
	v := gjson.GetBytes(data, "updatedAt")
	if !v.Exists() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String())
	if err != nil || t.Year() < 2000 {
		return time.Time{}
	}
	return t
}
