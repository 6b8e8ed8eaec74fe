package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
	"github.com/Rizz-Vii/rankpilot-stream/internal/metrics"
)

const (
	commandTimeout     = 5 * time.Second
	stopTimeout        = 10 * time.Second
	cmdChannelCapacity = 256
	metricsChanBuffer  = 8
)

// dispatcherCmd is the command interface for the Dispatcher actor.
type dispatcherCmd interface{ isDispatcherCmd() }

type baseDispatcherCmd struct{}

func (baseDispatcherCmd) isDispatcherCmd() {}

// RegisterParams carries the inputs of a client registration.
type RegisterParams struct {
	ClientID    string
	UserID      string
	Tier        domain.Tier
	Kind        domain.ConnectionKind
	DashboardID string
	Sink        domain.Sink
}

type registerResult struct {
	client domain.Client
	err    error
}

type registerCmd struct {
	baseDispatcherCmd
	params RegisterParams
	reply  chan registerResult
}

type subscribeResult struct {
	accepted []string
	err      error
}

type subscribeCmd struct {
	baseDispatcherCmd
	clientID string
	topics   []string
	reply    chan subscribeResult
}

type unsubscribeCmd struct {
	baseDispatcherCmd
	clientID string
	topics   []string
	reply    chan subscribeResult
}

type publishCmd struct {
	baseDispatcherCmd
	dp domain.DataPoint
}

type collabCmd struct {
	baseDispatcherCmd
	event domain.CollaborationEvent
}

type heartbeatCmd struct {
	baseDispatcherCmd
	clientID string
}

type unregisterCmd struct {
	baseDispatcherCmd
	clientID string
	reply    chan bool
}

type clientCountCmd struct {
	baseDispatcherCmd
	userID string // empty for total
	reply  chan int
}

type subscriptionsCmd struct {
	baseDispatcherCmd
	clientID string
	reply    chan subscribeResult
}

type snapshotCmd struct {
	baseDispatcherCmd
	reply chan domain.MetricsSnapshot
}

type stopCmd struct {
	baseDispatcherCmd
}

// Options configures a Dispatcher. Zero values fall back to production
// defaults.
type Options struct {
	Clock           clockwork.Clock
	SweepInterval   time.Duration // staleness sweep period
	StaleAfter      time.Duration // heartbeat age beyond which a client is evicted
	MetricsInterval time.Duration // aggregate reporting window
	TopicStarter    domain.TopicStarter
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = time.Second
	}
}

// Dispatcher fans published data points out to registered clients under
// per-tier connection, subscription, and update-rate quotas. All state is
// owned by a single goroutine; the exported methods only exchange commands
// with it.
type Dispatcher struct {
	cmdCh chan dispatcherCmd
	clock clockwork.Clock
	opts  Options

	clients   map[string]*client
	order     []*client // registration order, drives per-topic delivery order
	userConns map[string]int
	topics    map[string]struct{} // never removed once created

	compressor *payloadCompressor
	delta      *deltaEncoder

	deliveredInWindow int
	metricsCh         chan domain.MetricsSnapshot

	done      chan struct{}
	closeDone sync.Once
	stopped   atomic.Bool
}

// NewDispatcher creates a dispatcher and starts its actor goroutine.
func NewDispatcher(opts Options) *Dispatcher {
	opts.applyDefaults()
	d := &Dispatcher{
		cmdCh:      make(chan dispatcherCmd, cmdChannelCapacity),
		clock:      opts.Clock,
		opts:       opts,
		clients:    make(map[string]*client),
		userConns:  make(map[string]int),
		topics:     make(map[string]struct{}),
		compressor: newPayloadCompressor(),
		delta:      newDeltaEncoder(),
		metricsCh:  make(chan domain.MetricsSnapshot, metricsChanBuffer),
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

// Register adds a client under its tier's connection quota and returns the
// created registration. Fails fast on invalid tier, duplicate client id, or
// an exhausted per-user connection quota.
func (d *Dispatcher) Register(p RegisterParams) (domain.Client, error) {
	if d.stopped.Load() {
		return domain.Client{}, domain.ErrDispatcherStopped
	}

	reply := make(chan registerResult, 1)
	d.cmdCh <- registerCmd{params: p, reply: reply}

	timer := d.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.client, res.err
	case <-timer.Chan():
		return domain.Client{}, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Subscribe adds topics to a client's subscription set in request order,
// stopping at the tier's topic cap. Returns the topics actually subscribed,
// which may be a strict subset of the request.
func (d *Dispatcher) Subscribe(clientID string, topics []string) ([]string, error) {
	reply := make(chan subscribeResult, 1)
	return d.roundTrip(subscribeCmd{clientID: clientID, topics: topics, reply: reply}, reply)
}

// Unsubscribe removes topics from a client's subscription set. Topics keep
// generating after their last subscriber leaves; only delivery stops.
func (d *Dispatcher) Unsubscribe(clientID string, topics []string) ([]string, error) {
	reply := make(chan subscribeResult, 1)
	return d.roundTrip(unsubscribeCmd{clientID: clientID, topics: topics, reply: reply}, reply)
}

// Subscriptions returns the client's current subscription set.
func (d *Dispatcher) Subscriptions(clientID string) ([]string, error) {
	reply := make(chan subscribeResult, 1)
	return d.roundTrip(subscriptionsCmd{clientID: clientID, reply: reply}, reply)
}

func (d *Dispatcher) roundTrip(cmd dispatcherCmd, reply chan subscribeResult) ([]string, error) {
	if d.stopped.Load() {
		return nil, domain.ErrDispatcherStopped
	}
	d.cmdCh <- cmd

	timer := d.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.accepted, res.err
	case <-timer.Chan():
		return nil, fmt.Errorf("command timed out after %v", commandTimeout)
	}
}

// Publish fans a data point out to eligible subscribers. Fire and forget:
// delivery errors evict the affected client and never surface here.
func (d *Dispatcher) Publish(dp domain.DataPoint) {
	if d.stopped.Load() {
		return
	}
	d.cmdCh <- publishCmd{dp: dp}
}

// BroadcastCollaboration delivers a dashboard event to every client sharing
// the event's dashboard except the originating user, bypassing subscriptions,
// rate limits, and payload transforms.
func (d *Dispatcher) BroadcastCollaboration(ev domain.CollaborationEvent) {
	if d.stopped.Load() {
		return
	}
	d.cmdCh <- collabCmd{event: ev}
}

// Heartbeat refreshes a client's liveness timestamp. Unknown ids are ignored.
func (d *Dispatcher) Heartbeat(clientID string) {
	if d.stopped.Load() {
		return
	}
	d.cmdCh <- heartbeatCmd{clientID: clientID}
}

// Unregister removes a client, closing its sink. Idempotent: returns false
// without error for an unknown id.
func (d *Dispatcher) Unregister(clientID string) bool {
	if d.stopped.Load() {
		return false
	}

	reply := make(chan bool, 1)
	d.cmdCh <- unregisterCmd{clientID: clientID, reply: reply}

	timer := d.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case ok := <-reply:
		return ok
	case <-timer.Chan():
		slog.Warn("Unregister timed out", "client_id", clientID, "timeout", commandTimeout)
		return false
	}
}

// ClientCount returns the number of registered clients.
// Returns -1 if the dispatcher is stopped or the command times out.
func (d *Dispatcher) ClientCount() int {
	return d.count("")
}

// ConnectionsForUser returns the number of registered clients for one user.
func (d *Dispatcher) ConnectionsForUser(userID string) int {
	return d.count(userID)
}

func (d *Dispatcher) count(userID string) int {
	if d.stopped.Load() {
		return -1
	}

	reply := make(chan int, 1)
	d.cmdCh <- clientCountCmd{userID: userID, reply: reply}

	timer := d.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Snapshot returns current aggregate counters synchronously. Because the
// command channel is FIFO with a single consumer, a Snapshot issued after a
// Publish observes that publish's effects.
func (d *Dispatcher) Snapshot() domain.MetricsSnapshot {
	if d.stopped.Load() {
		return domain.MetricsSnapshot{}
	}

	reply := make(chan domain.MetricsSnapshot, 1)
	d.cmdCh <- snapshotCmd{reply: reply}

	timer := d.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case s := <-reply:
		return s
	case <-timer.Chan():
		slog.Warn("Snapshot timed out", "timeout", commandTimeout)
		return domain.MetricsSnapshot{}
	}
}

// Metrics exposes the periodic aggregate snapshots. Snapshots are dropped,
// not buffered, when the receiver lags.
func (d *Dispatcher) Metrics() <-chan domain.MetricsSnapshot {
	return d.metricsCh
}

// Stop evicts all clients, stops every timer, and shuts the actor down.
// Idempotent and safe to call multiple times.
func (d *Dispatcher) Stop() {
	if d.stopped.Swap(true) {
		<-d.done
		return
	}

	d.cmdCh <- stopCmd{}

	timeout := d.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-d.done:
		slog.Info("Dispatcher stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Dispatcher stop timeout exceeded, forcing exit", "timeout", stopTimeout)
		metrics.DispatcherStopTimeoutsTotal.Inc()
		// The actor may still exit on its own later; the Once keeps the
		// forced close from racing its deferred close.
		d.closeDone.Do(func() { close(d.done) })
	}
}

func (d *Dispatcher) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher panic recovered", "panic", r)
			metrics.DispatcherPanicsTotal.Inc()
			d.evictAll("panic")
		}
	}()

	sweepTicker := d.clock.NewTicker(d.opts.SweepInterval)
	defer sweepTicker.Stop()

	metricsTicker := d.clock.NewTicker(d.opts.MetricsInterval)
	defer metricsTicker.Stop()

	defer d.closeDone.Do(func() { close(d.done) })

	for {
		select {
		case cmd := <-d.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				d.handleRegister(c)
			case subscribeCmd:
				d.handleSubscribe(c)
			case unsubscribeCmd:
				d.handleUnsubscribe(c)
			case publishCmd:
				d.handlePublish(c.dp)
			case collabCmd:
				d.handleCollaboration(c.event)
			case heartbeatCmd:
				d.handleHeartbeat(c.clientID)
			case unregisterCmd:
				c.reply <- d.handleUnregister(c.clientID)
			case clientCountCmd:
				if c.userID == "" {
					c.reply <- len(d.clients)
				} else {
					c.reply <- d.userConns[c.userID]
				}
			case subscriptionsCmd:
				d.handleSubscriptions(c)
			case snapshotCmd:
				c.reply <- d.snapshot()
			case stopCmd:
				d.handleStop()
				return
			default:
				slog.Warn("Dispatcher received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-sweepTicker.Chan():
			d.handleSweep()
		case <-metricsTicker.Chan():
			d.handleMetricsTick()
		}
	}
}

func (d *Dispatcher) handleRegister(c registerCmd) {
	p := c.params

	if !p.Tier.Valid() {
		c.reply <- registerResult{err: fmt.Errorf("tier %q: %w", p.Tier, domain.ErrInvalidTier)}
		return
	}
	if p.Sink == nil {
		c.reply <- registerResult{err: fmt.Errorf("registration requires a sink")}
		return
	}
	if _, exists := d.clients[p.ClientID]; exists {
		c.reply <- registerResult{err: fmt.Errorf("client %q: %w", p.ClientID, domain.ErrClientExists)}
		return
	}

	quota := p.Tier.Quota()
	if d.userConns[p.UserID] >= quota.MaxConnectionsPerUser {
		slog.Warn("Rejecting client: connection quota reached",
			"user_id", p.UserID,
			"tier", p.Tier,
			"max_connections", quota.MaxConnectionsPerUser,
		)
		metrics.StreamQuotaRejectionsTotal.WithLabelValues("connections").Inc()
		c.reply <- registerResult{err: fmt.Errorf("user %q at %d connections (tier %s): %w",
			p.UserID, quota.MaxConnectionsPerUser, p.Tier, domain.ErrQuotaExceeded)}
		return
	}

	cl := newClient(p.ClientID, p.UserID, p.DashboardID, p.Tier, p.Kind, p.Sink, d.clock.Now())
	d.clients[cl.id] = cl
	d.order = append(d.order, cl)
	d.userConns[cl.userID]++

	metrics.StreamConnectedClients.Set(float64(len(d.clients)))
	metrics.StreamConnectionsTotal.WithLabelValues(string(cl.tier)).Inc()

	slog.Debug("Client registered",
		"client_id", cl.id,
		"user_id", cl.userID,
		"tier", cl.tier,
		"kind", cl.kind,
		"total_clients", len(d.clients),
	)
	c.reply <- registerResult{client: cl.snapshot()}
}

func (d *Dispatcher) handleSubscribe(c subscribeCmd) {
	cl, ok := d.clients[c.clientID]
	if !ok {
		c.reply <- subscribeResult{err: fmt.Errorf("client %q: %w", c.clientID, domain.ErrClientNotFound)}
		return
	}

	limit := cl.tier.Quota().MaxTopicsPerClient
	accepted := make([]string, 0, len(c.topics))
	seen := make(map[string]struct{}, len(c.topics))
	for _, topic := range c.topics {
		if topic == domain.TopicUserAction {
			// Reserved for collaboration broadcasts, never directly subscribable.
			slog.Debug("Ignoring subscription to reserved topic", "client_id", cl.id)
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		if cl.subscribed(topic) {
			accepted = append(accepted, topic)
			continue
		}
		if len(cl.subs) >= limit {
			// Partial success: earlier topics stay subscribed, the rest
			// of the request is not processed.
			metrics.StreamQuotaRejectionsTotal.WithLabelValues("subscriptions").Inc()
			slog.Debug("Subscription cap reached",
				"client_id", cl.id,
				"tier", cl.tier,
				"limit", limit,
			)
			break
		}
		cl.subs[topic] = struct{}{}
		accepted = append(accepted, topic)
		d.ensureTopic(topic)
	}

	c.reply <- subscribeResult{accepted: accepted}
}

func (d *Dispatcher) handleUnsubscribe(c unsubscribeCmd) {
	cl, ok := d.clients[c.clientID]
	if !ok {
		c.reply <- subscribeResult{err: fmt.Errorf("client %q: %w", c.clientID, domain.ErrClientNotFound)}
		return
	}

	removed := make([]string, 0, len(c.topics))
	for _, topic := range c.topics {
		if cl.subscribed(topic) {
			delete(cl.subs, topic)
			removed = append(removed, topic)
		}
	}

	c.reply <- subscribeResult{accepted: removed}
}

func (d *Dispatcher) handleSubscriptions(c subscriptionsCmd) {
	cl, ok := d.clients[c.clientID]
	if !ok {
		c.reply <- subscribeResult{err: fmt.Errorf("client %q: %w", c.clientID, domain.ErrClientNotFound)}
		return
	}
	subs := make([]string, 0, len(cl.subs))
	for topic := range cl.subs {
		subs = append(subs, topic)
	}
	c.reply <- subscribeResult{accepted: subs}
}

// ensureTopic records the topic and lazily starts its producer. Topics are
// never removed once created, even when the last subscriber leaves.
func (d *Dispatcher) ensureTopic(topic string) {
	if _, exists := d.topics[topic]; exists {
		return
	}
	d.topics[topic] = struct{}{}
	metrics.StreamActiveTopics.Set(float64(len(d.topics)))

	if starter := d.opts.TopicStarter; starter != nil {
		// Run outside the actor so a slow producer cannot stall dispatch.
		go starter.EnsureTopic(context.Background(), topic)
	}

	slog.Info("Topic activated", "topic", topic, "active_topics", len(d.topics))
}

func (d *Dispatcher) handlePublish(dp domain.DataPoint) {
	var failed []*client
	for _, cl := range d.order {
		if !cl.subscribed(dp.Topic) {
			continue
		}
		if dp.DashboardID != "" && cl.dashboardID != dp.DashboardID {
			continue
		}
		if !d.deliver(cl, dp) {
			failed = append(failed, cl)
		}
	}
	for _, cl := range failed {
		d.evict(cl, "sink_error")
	}
}

// deliver applies the client's rate limit and payload transforms and writes
// to its sink. Returns false only on a sink write error.
func (d *Dispatcher) deliver(cl *client, dp domain.DataPoint) bool {
	if !cl.limiter(dp.Topic).AllowN(d.clock.Now(), 1) {
		// Last-value-wins drop policy: no queueing, no backpressure.
		metrics.StreamDroppedTotal.WithLabelValues(dp.Topic).Inc()
		return true
	}

	out := dp
	if cl.prefs.Compress {
		hit := d.compressor.apply(cl.id, &out)
		if hit {
			metrics.StreamCompressionRatio.Set(d.compressor.ratio())
		} else if cl.prefs.Delta {
			d.delta.apply(cl.id, &out)
		}
	}

	if err := cl.sink.Send(out); err != nil {
		slog.Warn("Delivery failed, marking client for eviction",
			"client_id", cl.id,
			"topic", dp.Topic,
			"error", err,
		)
		return false
	}

	cl.lastSeen = d.clock.Now()
	d.deliveredInWindow++
	metrics.StreamDeliveriesTotal.WithLabelValues(dp.Topic).Inc()
	return true
}

func (d *Dispatcher) handleCollaboration(ev domain.CollaborationEvent) {
	if ev.DashboardID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.clock.Now()
	}

	payload := clonePayload(ev.Payload)
	if payload == nil {
		payload = make(domain.Payload)
	}
	payload["action"] = string(ev.Type)

	dp := domain.DataPoint{
		ID:          newDataPointID(),
		Topic:       domain.TopicUserAction,
		UserID:      ev.UserID,
		DashboardID: ev.DashboardID,
		Payload:     payload,
		Timestamp:   ev.Timestamp,
		Source:      "collaboration",
	}

	metrics.StreamCollaborationEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	// Always full payloads: no rate limiting, compression, or delta for
	// cursor/edit events, where staleness is unacceptable.
	var failed []*client
	for _, cl := range d.order {
		if cl.dashboardID != ev.DashboardID || cl.userID == ev.UserID {
			continue
		}
		if err := cl.sink.Send(dp); err != nil {
			slog.Warn("Collaboration delivery failed",
				"client_id", cl.id,
				"dashboard_id", ev.DashboardID,
				"error", err,
			)
			failed = append(failed, cl)
			continue
		}
		cl.lastSeen = d.clock.Now()
		d.deliveredInWindow++
		metrics.StreamDeliveriesTotal.WithLabelValues(domain.TopicUserAction).Inc()
	}
	for _, cl := range failed {
		d.evict(cl, "sink_error")
	}
}

func (d *Dispatcher) handleHeartbeat(clientID string) {
	if cl, ok := d.clients[clientID]; ok {
		cl.lastSeen = d.clock.Now()
	}
}

func (d *Dispatcher) handleUnregister(clientID string) bool {
	cl, ok := d.clients[clientID]
	if !ok {
		return false
	}
	d.evict(cl, "unregister")
	return true
}

func (d *Dispatcher) handleSweep() {
	now := d.clock.Now()
	var stale []*client
	for _, cl := range d.order {
		if now.Sub(cl.lastSeen) > d.opts.StaleAfter {
			stale = append(stale, cl)
		}
	}
	for _, cl := range stale {
		slog.Info("Evicting stale client",
			"client_id", cl.id,
			"user_id", cl.userID,
			"last_seen", cl.lastSeen,
		)
		d.evict(cl, "stale")
	}
}

// evict removes a client exactly once: sink closed best-effort, subscriptions
// and transform caches dropped, per-user connection count decremented.
func (d *Dispatcher) evict(cl *client, reason string) {
	if _, ok := d.clients[cl.id]; !ok {
		return
	}

	_ = cl.sink.Close()

	delete(d.clients, cl.id)
	for i, c := range d.order {
		if c == cl {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}

	if n := d.userConns[cl.userID]; n > 1 {
		d.userConns[cl.userID] = n - 1
	} else {
		delete(d.userConns, cl.userID)
	}

	d.compressor.forget(cl.id)
	d.delta.forget(cl.id)

	metrics.StreamConnectedClients.Set(float64(len(d.clients)))
	metrics.StreamEvictionsTotal.WithLabelValues(reason).Inc()

	slog.Debug("Client removed",
		"client_id", cl.id,
		"reason", reason,
		"remaining_clients", len(d.clients),
	)
}

func (d *Dispatcher) snapshot() domain.MetricsSnapshot {
	return domain.MetricsSnapshot{
		TotalClients:      len(d.clients),
		ActiveTopics:      len(d.topics),
		DeliveredInWindow: d.deliveredInWindow,
		CompressionRatio:  d.compressor.ratio(),
		At:                d.clock.Now(),
	}
}

func (d *Dispatcher) handleMetricsTick() {
	snap := d.snapshot()
	d.deliveredInWindow = 0

	metrics.DispatcherCommandChannelDepth.Set(float64(len(d.cmdCh)))

	select {
	case d.metricsCh <- snap:
	default:
		// Receiver lagging; drop rather than stall the actor.
	}
}

func (d *Dispatcher) handleStop() {
	total := len(d.clients)
	slog.Info("Dispatcher shutting down", "clients", total, "topics", len(d.topics))
	d.evictAll("shutdown")
	slog.Info("Dispatcher shutdown complete", "disconnected_clients", total)
}

// evictAll closes every client sink best-effort and clears all registries.
// Used during graceful shutdown and panic recovery.
func (d *Dispatcher) evictAll(reason string) {
	for _, cl := range d.order {
		_ = cl.sink.Close()
		metrics.StreamEvictionsTotal.WithLabelValues(reason).Inc()
	}
	d.clients = make(map[string]*client)
	d.order = nil
	d.userConns = make(map[string]int)
	metrics.StreamConnectedClients.Set(0)
}
