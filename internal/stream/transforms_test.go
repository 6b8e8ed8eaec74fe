package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
)

func metricPoint(payload domain.Payload) domain.DataPoint {
	return domain.DataPoint{
		ID:      newDataPointID(),
		Topic:   TopicSEOMetrics,
		UserID:  domain.SystemUserID,
		Payload: payload,
	}
}

func TestPayloadCompressor_FirstDeliveryIsMiss(t *testing.T) {
	pc := newPayloadCompressor()

	dp := metricPoint(domain.Payload{"traffic": 100})
	hit := pc.apply("c1", &dp)

	assert.False(t, hit)
	assert.False(t, dp.Compressed)
	assert.Equal(t, 100, dp.Payload["traffic"])
}

func TestPayloadCompressor_IdenticalPayloadHits(t *testing.T) {
	pc := newPayloadCompressor()

	first := metricPoint(domain.Payload{"traffic": 100, "authority": 42})
	pc.apply("c1", &first)

	second := metricPoint(domain.Payload{"traffic": 100, "authority": 42})
	hit := pc.apply("c1", &second)

	require.True(t, hit)
	assert.True(t, second.Compressed)
	assert.Contains(t, second.Payload, "cacheRef")
	assert.NotContains(t, second.Payload, "traffic")
	assert.Less(t, pc.ratio(), 1.0)
}

func TestPayloadCompressor_ChangedPayloadMisses(t *testing.T) {
	pc := newPayloadCompressor()

	first := metricPoint(domain.Payload{"traffic": 100})
	pc.apply("c1", &first)

	second := metricPoint(domain.Payload{"traffic": 200})
	hit := pc.apply("c1", &second)

	assert.False(t, hit)
	assert.Equal(t, 200, second.Payload["traffic"])

	// The changed payload replaces the cached one.
	third := metricPoint(domain.Payload{"traffic": 200})
	assert.True(t, pc.apply("c1", &third))
}

func TestPayloadCompressor_CachePerClientTopicUser(t *testing.T) {
	pc := newPayloadCompressor()

	payload := domain.Payload{"traffic": 100}

	first := metricPoint(payload)
	pc.apply("c1", &first)

	// Same payload, different client: no hit.
	other := metricPoint(domain.Payload{"traffic": 100})
	assert.False(t, pc.apply("c2", &other))

	// Same payload, different producing user: no hit.
	byUser := metricPoint(domain.Payload{"traffic": 100})
	byUser.UserID = "u9"
	assert.False(t, pc.apply("c1", &byUser))
}

func TestPayloadCompressor_Forget(t *testing.T) {
	pc := newPayloadCompressor()

	first := metricPoint(domain.Payload{"traffic": 100})
	pc.apply("c1", &first)
	pc.forget("c1")

	// After forget the same payload is a miss again.
	second := metricPoint(domain.Payload{"traffic": 100})
	assert.False(t, pc.apply("c1", &second))
}

func TestDeltaEncoder_FirstDeliveryFull(t *testing.T) {
	de := newDeltaEncoder()

	dp := metricPoint(domain.Payload{"traffic": 100, "authority": 42})
	de.apply("c1", &dp)

	assert.False(t, dp.Delta)
	assert.Equal(t, 100, dp.Payload["traffic"])
	assert.Equal(t, 42, dp.Payload["authority"])
}

func TestDeltaEncoder_EmitsOnlyChangedFields(t *testing.T) {
	de := newDeltaEncoder()

	first := metricPoint(domain.Payload{"traffic": 100, "authority": 42})
	de.apply("c1", &first)

	second := metricPoint(domain.Payload{"traffic": 150, "authority": 42})
	de.apply("c1", &second)

	require.True(t, second.Delta)
	assert.Equal(t, 150, second.Payload["traffic"])
	assert.NotContains(t, second.Payload, "authority")
}

func TestDeltaEncoder_RemovedFieldsNulledOut(t *testing.T) {
	de := newDeltaEncoder()

	first := metricPoint(domain.Payload{"traffic": 100, "authority": 42})
	de.apply("c1", &first)

	second := metricPoint(domain.Payload{"traffic": 100})
	de.apply("c1", &second)

	require.True(t, second.Delta)
	require.Contains(t, second.Payload, "authority")
	assert.Nil(t, second.Payload["authority"])
	assert.NotContains(t, second.Payload, "traffic")
}

func TestDeltaEncoder_DiffsAgainstLastFullPayload(t *testing.T) {
	de := newDeltaEncoder()

	first := metricPoint(domain.Payload{"a": 1, "b": 1})
	de.apply("c1", &first)

	second := metricPoint(domain.Payload{"a": 2, "b": 1})
	de.apply("c1", &second)
	assert.Equal(t, domain.Payload{"a": 2}, second.Payload)

	// Third diff is against the second full payload, not the delta.
	third := metricPoint(domain.Payload{"a": 2, "b": 2})
	de.apply("c1", &third)
	assert.Equal(t, domain.Payload{"b": 2}, third.Payload)
}

func TestDeltaEncoder_CachePerClientAndTopic(t *testing.T) {
	de := newDeltaEncoder()

	first := metricPoint(domain.Payload{"a": 1})
	de.apply("c1", &first)

	// Different topic: full delivery.
	other := metricPoint(domain.Payload{"a": 1})
	other.Topic = TopicPerformance
	de.apply("c1", &other)
	assert.False(t, other.Delta)

	// Different client: full delivery.
	byClient := metricPoint(domain.Payload{"a": 1})
	de.apply("c2", &byClient)
	assert.False(t, byClient.Delta)
}

func TestDeltaEncoder_Forget(t *testing.T) {
	de := newDeltaEncoder()

	first := metricPoint(domain.Payload{"a": 1})
	de.apply("c1", &first)
	de.forget("c1")

	second := metricPoint(domain.Payload{"a": 2})
	de.apply("c1", &second)
	assert.False(t, second.Delta, "first delivery after forget is full again")
}

func TestClonePayloadIsShallowCopy(t *testing.T) {
	orig := domain.Payload{"a": 1}
	clone := clonePayload(orig)
	clone["a"] = 2

	assert.Equal(t, 1, orig["a"])
}
