package stream

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
)

// Built-in demo topics.
const (
	TopicSEOMetrics     = "seo-metrics"
	TopicKeywordRanking = "keyword-ranking"
	TopicPerformance    = "performance"
	TopicCompetitor     = "competitor"
)

func newDataPointID() string {
	return uuid.NewString()
}

// Generator produces synthetic data points for demo topics on a fixed
// interval and publishes them through any Publisher. It is deliberately
// separate from the Dispatcher: the dispatch engine accepts publishes from
// any producer, and this is just its illustrative data source.
type Generator struct {
	publisher domain.Publisher
	clock     clockwork.Clock
	interval  time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewGenerator creates a generator. Topics start lazily via EnsureTopic.
func NewGenerator(publisher domain.Publisher, clock clockwork.Clock, interval time.Duration) *Generator {
	return &Generator{
		publisher: publisher,
		clock:     clock,
		interval:  interval,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// EnsureTopic starts the topic's generation loop if it is not already
// running. Implements domain.TopicStarter. Loops run until Stop; topics are
// never torn down when subscribers leave.
func (g *Generator) EnsureTopic(ctx context.Context, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, running := g.cancels[topic]; running {
		return
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancels[topic] = cancel
	g.wg.Add(1)
	go g.loop(loopCtx, topic)

	slog.Info("Topic generator started", "topic", topic, "interval", g.interval)
}

// ActiveTopics returns the number of running generation loops.
func (g *Generator) ActiveTopics() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}

// Stop cancels every generation loop and waits for them to exit. Idempotent.
func (g *Generator) Stop() {
	g.mu.Lock()
	for topic, cancel := range g.cancels {
		cancel()
		delete(g.cancels, topic)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Generator) loop(ctx context.Context, topic string) {
	defer g.wg.Done()

	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.publisher.Publish(g.makePoint(topic))
		}
	}
}

func (g *Generator) makePoint(topic string) domain.DataPoint {
	return domain.DataPoint{
		ID:        newDataPointID(),
		Topic:     topic,
		UserID:    domain.SystemUserID,
		Payload:   syntheticPayload(topic),
		Timestamp: g.clock.Now(),
		Source:    "generator",
	}
}

var (
	demoKeywords = []string{
		"seo audit tool", "keyword research", "backlink checker",
		"rank tracker", "site crawler", "content optimizer",
	}
	demoCompetitors = []string{
		"semrush.com", "ahrefs.com", "moz.com", "similarweb.com",
	}
)

func syntheticPayload(topic string) domain.Payload {
	switch topic {
	case TopicSEOMetrics:
		return domain.Payload{
			"organicTraffic":  5000 + rand.Intn(20000),
			"domainAuthority": 20 + rand.Intn(70),
			"backlinks":       1000 + rand.Intn(50000),
			"avgPosition":     roundTo(1+rand.Float64()*40, 1),
		}
	case TopicKeywordRanking:
		position := 1 + rand.Intn(100)
		return domain.Payload{
			"keyword":          demoKeywords[rand.Intn(len(demoKeywords))],
			"position":         position,
			"previousPosition": clampPosition(position + rand.Intn(11) - 5),
			"searchVolume":     100 + rand.Intn(10000),
		}
	case TopicPerformance:
		return domain.Payload{
			"lcpMs":            800 + rand.Intn(3000),
			"cls":              roundTo(rand.Float64()*0.4, 3),
			"ttfbMs":           50 + rand.Intn(800),
			"performanceScore": 40 + rand.Intn(60),
		}
	case TopicCompetitor:
		return domain.Payload{
			"competitor":      demoCompetitors[rand.Intn(len(demoCompetitors))],
			"visibilityScore": roundTo(rand.Float64()*100, 1),
			"keywordOverlap":  rand.Intn(500),
		}
	default:
		return domain.Payload{
			"value": roundTo(rand.Float64()*100, 2),
		}
	}
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	return float64(int(v*scale+0.5)) / scale
}

func clampPosition(p int) int {
	if p < 1 {
		return 1
	}
	if p > 100 {
		return 100
	}
	return p
}
