package stream

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
)

// cacheKey joins cache key parts with a separator that cannot appear in
// client IDs (UUIDs) and is unlikely in topic names.
func cacheKey(parts ...string) string {
	return strings.Join(parts, "|")
}

func clonePayload(p domain.Payload) domain.Payload {
	out := make(domain.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func payloadSize(p domain.Payload) int {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}

// payloadCompressor replaces a payload with a cache reference when it is
// structurally identical to the last payload sent to the same client for the
// same topic and producing user. State is owned by the dispatcher goroutine.
type payloadCompressor struct {
	cache     map[string]domain.Payload
	lastRatio float64
}

func newPayloadCompressor() *payloadCompressor {
	return &payloadCompressor{
		cache:     make(map[string]domain.Payload),
		lastRatio: 1.0,
	}
}

// apply transforms dp in place and reports whether a cache hit occurred.
// On a miss the payload is cached and sent in full.
func (pc *payloadCompressor) apply(clientID string, dp *domain.DataPoint) bool {
	key := cacheKey(clientID, dp.Topic, dp.UserID)
	prev, ok := pc.cache[key]
	if ok && reflect.DeepEqual(prev, dp.Payload) {
		origSize := payloadSize(dp.Payload)
		ref := domain.Payload{"cacheRef": key}
		if origSize > 0 {
			pc.lastRatio = float64(payloadSize(ref)) / float64(origSize)
		}
		dp.Payload = ref
		dp.Compressed = true
		return true
	}
	pc.cache[key] = clonePayload(dp.Payload)
	return false
}

// ratio is the rolling compression-ratio estimate for the most recent hit.
func (pc *payloadCompressor) ratio() float64 {
	return pc.lastRatio
}

// forget drops all cache entries for a client. Called on eviction so a
// re-registering client always starts with full payloads.
func (pc *payloadCompressor) forget(clientID string) {
	prefix := clientID + "|"
	for key := range pc.cache {
		if strings.HasPrefix(key, prefix) {
			delete(pc.cache, key)
		}
	}
}

// deltaEncoder rewrites a payload as a shallow field-level diff against the
// last full payload sent to the same client for the same topic. The first
// delivery is always sent in full and cached.
type deltaEncoder struct {
	cache map[string]domain.Payload
}

func newDeltaEncoder() *deltaEncoder {
	return &deltaEncoder{cache: make(map[string]domain.Payload)}
}

// apply transforms dp in place. Removed fields appear in the diff as nil so
// consumers can clear them.
func (de *deltaEncoder) apply(clientID string, dp *domain.DataPoint) {
	key := cacheKey(clientID, dp.Topic)
	prev, ok := de.cache[key]
	if !ok {
		de.cache[key] = clonePayload(dp.Payload)
		return
	}

	diff := make(domain.Payload)
	for k, v := range dp.Payload {
		if pv, seen := prev[k]; !seen || !reflect.DeepEqual(pv, v) {
			diff[k] = v
		}
	}
	for k := range prev {
		if _, still := dp.Payload[k]; !still {
			diff[k] = nil
		}
	}

	de.cache[key] = clonePayload(dp.Payload)
	dp.Payload = diff
	dp.Delta = true
}

func (de *deltaEncoder) forget(clientID string) {
	prefix := clientID + "|"
	for key := range de.cache {
		if strings.HasPrefix(key, prefix) {
			delete(de.cache, key)
		}
	}
}
