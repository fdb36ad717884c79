package gateway

import (
	"strconv"
	"time"
)

// broadcast wraps data in an envelope and sends it to every client whose
// filters match channel. Slow clients drop the message.
//
// Envelope: {"channel":"...","data":{...},"ts":"...","seq":N,"channel_seq":M}
func (h *Hub) broadcast(channel string, data []byte, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.seq++
	seq := h.seq

	env := buildEnvelope(channel, data, ts, seq, channelSeq)
	h.latest[channel] = latestEntry{Data: env, TS: ts, Seq: channelSeq}

	rb := h.replayBufs[channel]
	if rb == nil {
		rb = NewReplayBuffer(replayCapacity)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	rb.Push(channelSeq, env)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(channel) {
			continue
		}
		select {
		case c.send <- env:
		default:
			if h.OnSlowClient != nil {
				h.OnSlowClient()
			}
		}
	}
}

// buildEnvelope hand-crafts the envelope JSON; data is already encoded.
func buildEnvelope(channel string, data []byte, ts time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+128)
	buf = append(buf, `{"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}
