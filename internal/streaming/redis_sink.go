package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/models"
)

// RedisSink persists trace events to one Redis stream per session so traces
// outlive in-memory retention.
type RedisSink struct {
	rw     *circuitbreaker.RedisWrapper
	prefix string
	maxLen int64
	ttl    time.Duration
}

// NewRedisSink creates a sink writing to "<prefix><session_id>" streams.
func NewRedisSink(rw *circuitbreaker.RedisWrapper, prefix string, maxLen int64, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "agent:trace:"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{rw: rw, prefix: prefix, maxLen: maxLen, ttl: ttl}
}

func (s *RedisSink) streamKey(sessionID string) string {
	return s.prefix + sessionID
}

// Write appends one event.
func (s *RedisSink) Write(ctx context.Context, evt models.TraceEvent) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal trace payload: %w", err)
	}
	_, err = s.rw.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(evt.SessionID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":       evt.Seq,
			"type":      evt.Type,
			"timestamp": evt.Timestamp.UnixNano(),
			"payload":   string(payload),
		},
	}, s.ttl)
	if err != nil {
		return fmt.Errorf("xadd trace event: %w", err)
	}
	return nil
}

// Load reads back the persisted trace of a session ordered by Seq.
func (s *RedisSink) Load(ctx context.Context, sessionID string) ([]models.TraceEvent, error) {
	msgs, err := s.rw.XRange(ctx, s.streamKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("xrange trace: %w", err)
	}
	out := make([]models.TraceEvent, 0, len(msgs))
	for _, msg := range msgs {
		evt := models.TraceEvent{SessionID: sessionID}
		if v, ok := msg.Values["type"].(string); ok {
			evt.Type = v
		}
		if v, ok := msg.Values["seq"].(string); ok {
			evt.Seq, _ = strconv.ParseUint(v, 10, 64)
		}
		if v, ok := msg.Values["timestamp"].(string); ok {
			if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
				evt.Timestamp = time.Unix(0, ns)
			}
		}
		if v, ok := msg.Values["payload"].(string); ok && v != "" && v != "null" {
			_ = json.Unmarshal([]byte(v), &evt.Payload)
		}
		out = append(out, evt)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
