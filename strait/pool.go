package strait

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// StatusCallback observes per-endpoint status transitions.
type StatusCallback func(relayURL string, status ConnectionStatus)

type PoolOptions struct {
	Logger            *slog.Logger
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	QueryTimeout      time.Duration
	ReconcileInterval time.Duration
	SeenCapacity      int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

func normalizePoolOptions(opts PoolOptions) PoolOptions {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.SeenCapacity <= 0 {
		opts.SeenCapacity = DefaultSeenCapacity
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	return opts
}

type retryState struct {
	attempts int
	next     time.Time
}

// RelayPool manages concurrent connections to the configured relay
// endpoints. Partial relay failure is the expected steady state: every
// per-endpoint attempt is independent, races a fixed timeout, and is
// surfaced as status rather than as an error. The pool exclusively owns
// its endpoint, connection, status, and subscription maps; status is
// mutated only through applyStatus so callbacks fire exactly on
// transitions.
type RelayPool struct {
	dial Dialer
	opts PoolOptions
	log  *slog.Logger

	mu        sync.Mutex
	endpoints map[string]RelayEndpoint
	conns     map[string]RelayConn
	statuses  map[string]ConnectionStatus
	retries   map[string]*retryState
	keepAlive map[string]RelaySubscription
	groups    map[int]*SubscriptionGroup
	nextGroup int
	callbacks []StatusCallback

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}

	seenMu sync.Mutex
	seen   *BoundedSet
}

// NewRelayPool builds a pool around the given transport dialer. The
// dialer is the only way the pool creates connections.
func NewRelayPool(dial Dialer, opts PoolOptions) (*RelayPool, error) {
	if dial == nil {
		return nil, fmt.Errorf("nil transport dialer")
	}
	opts = normalizePoolOptions(opts)
	seen, err := NewBoundedSet(opts.SeenCapacity)
	if err != nil {
		return nil, err
	}
	return &RelayPool{
		dial:      dial,
		opts:      opts,
		log:       opts.Logger,
		endpoints: map[string]RelayEndpoint{},
		conns:     map[string]RelayConn{},
		statuses:  map[string]ConnectionStatus{},
		retries:   map[string]*retryState{},
		keepAlive: map[string]RelaySubscription{},
		groups:    map[int]*SubscriptionGroup{},
		seen:      seen,
	}, nil
}

// Connect replaces any existing connection set and dials every endpoint
// concurrently. One endpoint's failure never aborts the others; each
// outcome is recorded independently. Read-eligible endpoints get a
// keep-alive subscription so idle links are not reclaimed, and a
// periodic reconciliation loop is started.
func (p *RelayPool) Connect(ctx context.Context, endpoints []RelayEndpoint) error {
	p.Disconnect()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.runCtx = runCtx
	p.runCancel = cancel
	p.runDone = done
	for _, endpoint := range endpoints {
		url := strings.TrimSpace(endpoint.URL)
		if url == "" {
			continue
		}
		endpoint.URL = url
		p.endpoints[url] = endpoint
	}
	targets := make([]RelayEndpoint, 0, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		targets = append(targets, endpoint)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, endpoint := range targets {
		endpoint := endpoint
		p.applyStatus(endpoint.URL, StatusConnecting)
		g.Go(func() error {
			p.connectOne(gctx, endpoint)
			return nil
		})
	}
	_ = g.Wait()

	go p.reconcileLoop(runCtx, done)
	return ctx.Err()
}

func (p *RelayPool) connectOne(ctx context.Context, endpoint RelayEndpoint) {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, endpoint.URL)
	if err != nil {
		p.log.Warn("relay connect failed", "relay", endpoint.URL, "err", err)
		p.scheduleRetry(endpoint.URL)
		p.applyStatus(endpoint.URL, StatusError)
		return
	}

	p.mu.Lock()
	if old := p.conns[endpoint.URL]; old != nil {
		_ = old.Close()
	}
	p.conns[endpoint.URL] = conn
	delete(p.retries, endpoint.URL)
	runCtx := p.runCtx
	p.mu.Unlock()

	p.applyStatus(endpoint.URL, StatusConnected)

	if endpoint.Read && runCtx != nil {
		p.establishKeepAlive(runCtx, endpoint.URL, conn)
		p.reattachGroups(runCtx, endpoint.URL, conn)
	}
}

// reattachGroups re-issues every live subscription group's filters on a
// freshly (re)connected endpoint. Without this, an endpoint that dropped
// and was redialed would carry only its keep-alive subscription and
// events arriving through it would be lost.
func (p *RelayPool) reattachGroups(ctx context.Context, url string, conn RelayConn) {
	p.mu.Lock()
	groups := make([]*SubscriptionGroup, 0, len(p.groups))
	for _, group := range p.groups {
		groups = append(groups, group)
	}
	p.mu.Unlock()

	for _, group := range groups {
		for _, filter := range group.filters {
			sub, err := conn.Subscribe(ctx, filter, group.deliver)
			if err != nil {
				p.log.Warn("re-subscribe failed", "relay", url, "err", err)
				continue
			}
			if !group.addSub(sub) {
				_ = sub.Close()
			}
		}
	}
}

// establishKeepAlive subscribes with a filter that can never match (a
// far-future since) purely to keep the link active.
func (p *RelayPool) establishKeepAlive(ctx context.Context, url string, conn RelayConn) {
	sub, err := conn.Subscribe(ctx, keepAliveFilter(), func(Event) {})
	if err != nil {
		p.log.Warn("keep-alive subscribe failed", "relay", url, "err", err)
		return
	}
	p.mu.Lock()
	if old := p.keepAlive[url]; old != nil {
		_ = old.Close()
	}
	p.keepAlive[url] = sub
	p.mu.Unlock()
}

func keepAliveFilter() Filter {
	return Filter{Kinds: []int{SignalEventKind}, Since: keepAliveSince, Limit: 1}
}

// Disconnect stops reconciliation, closes all subscriptions and endpoint
// connections, and clears internal state. Idempotent.
func (p *RelayPool) Disconnect() {
	p.mu.Lock()
	cancel := p.runCancel
	done := p.runDone
	p.runCtx = nil
	p.runCancel = nil
	p.runDone = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.mu.Lock()
	groups := p.groups
	keepAlive := p.keepAlive
	conns := p.conns
	p.groups = map[int]*SubscriptionGroup{}
	p.keepAlive = map[string]RelaySubscription{}
	p.conns = map[string]RelayConn{}
	p.endpoints = map[string]RelayEndpoint{}
	p.statuses = map[string]ConnectionStatus{}
	p.retries = map[string]*retryState{}
	p.mu.Unlock()

	for _, group := range groups {
		group.closeSubs()
	}
	for _, sub := range keepAlive {
		_ = sub.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}

	p.seenMu.Lock()
	p.seen.Clear()
	p.seenMu.Unlock()
}

// Publish fans the event out to all write-eligible connected endpoints
// and returns one result per attempted endpoint. No writable endpoint is
// a diagnostic, not an error: the result set is empty.
func (p *RelayPool) Publish(ctx context.Context, event Event) []PublishResult {
	type target struct {
		url  string
		conn RelayConn
	}
	p.mu.Lock()
	targets := make([]target, 0, len(p.conns))
	for url, conn := range p.conns {
		endpoint := p.endpoints[url]
		if conn == nil || !endpoint.Write || p.statuses[url] != StatusConnected {
			continue
		}
		targets = append(targets, target{url: url, conn: conn})
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		p.log.Debug("publish: no writable relays connected", "event_id", event.ID)
		return []PublishResult{}
	}

	results := make([]PublishResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, tgt := range targets {
		i, tgt := i, tgt
		g.Go(func() error {
			publishCtx, cancel := context.WithTimeout(gctx, p.opts.PublishTimeout)
			defer cancel()
			if err := tgt.conn.Publish(publishCtx, event); err != nil {
				results[i] = PublishResult{Relay: tgt.url, Success: false, Message: err.Error()}
				return nil
			}
			results[i] = PublishResult{Relay: tgt.url, Success: true}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Relay < results[j].Relay })
	return results
}

// Subscribe fans in from all read-eligible connected endpoints. Each
// filter is issued as an independent single-filter subscription (the
// transport malforms multi-filter requests) and the whole set is tracked
// as one logical group. Delivered events are deduplicated by id.
func (p *RelayPool) Subscribe(ctx context.Context, filters []Filter, onEvent func(Event)) (*SubscriptionGroup, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("subscribe: at least one filter is required")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("subscribe: nil event callback")
	}

	type target struct {
		url  string
		conn RelayConn
	}
	p.mu.Lock()
	targets := make([]target, 0, len(p.conns))
	for url, conn := range p.conns {
		endpoint := p.endpoints[url]
		if conn == nil || !endpoint.Read || p.statuses[url] != StatusConnected {
			continue
		}
		targets = append(targets, target{url: url, conn: conn})
	}
	p.nextGroup++
	groupID := p.nextGroup
	p.mu.Unlock()

	deliver := func(event Event) {
		if p.firstDelivery(event.ID) {
			onEvent(event)
		}
	}

	group := &SubscriptionGroup{
		id:      groupID,
		pool:    p,
		filters: append([]Filter(nil), filters...),
		deliver: deliver,
	}
	for _, tgt := range targets {
		for _, filter := range filters {
			sub, err := tgt.conn.Subscribe(ctx, filter, deliver)
			if err != nil {
				p.log.Warn("subscribe failed", "relay", tgt.url, "err", err)
				continue
			}
			group.subs = append(group.subs, sub)
		}
	}

	p.mu.Lock()
	p.groups[groupID] = group
	p.mu.Unlock()
	return group, nil
}

func (p *RelayPool) firstDelivery(eventID string) bool {
	if strings.TrimSpace(eventID) == "" {
		return true
	}
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if p.seen.Has(eventID) {
		return false
	}
	p.seen.Add(eventID)
	return true
}

// QuerySync performs a one-shot fetch across read-eligible endpoints.
// The whole call shares a single maxWait deadline (default QueryTimeout)
// regardless of filter count. Failures degrade to an empty result, never
// an error.
func (p *RelayPool) QuerySync(ctx context.Context, filters []Filter, maxWait time.Duration) []Event {
	if maxWait <= 0 {
		maxWait = p.opts.QueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	type target struct {
		url  string
		conn RelayConn
	}
	p.mu.Lock()
	targets := make([]target, 0, len(p.conns))
	for url, conn := range p.conns {
		endpoint := p.endpoints[url]
		if conn == nil || !endpoint.Read || p.statuses[url] != StatusConnected {
			continue
		}
		targets = append(targets, target{url: url, conn: conn})
	}
	p.mu.Unlock()

	var resultMu sync.Mutex
	merged := make([]Event, 0, 16)
	seenIDs := map[string]bool{}

	g, gctx := errgroup.WithContext(queryCtx)
	for _, tgt := range targets {
		tgt := tgt
		g.Go(func() error {
			for _, filter := range filters {
				events, err := tgt.conn.Query(gctx, filter, maxWait)
				if err != nil {
					p.log.Debug("query failed", "relay", tgt.url, "err", err)
					continue
				}
				resultMu.Lock()
				for _, event := range events {
					if event.ID != "" && seenIDs[event.ID] {
						continue
					}
					seenIDs[event.ID] = true
					merged = append(merged, event)
				}
				resultMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merged
}

// GetStatus returns a snapshot of endpoint statuses.
func (p *RelayPool) GetStatus() map[string]ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ConnectionStatus, len(p.statuses))
	for url, status := range p.statuses {
		out[url] = status
	}
	return out
}

// OnStatusChange registers a callback fired on actual status transitions
// only; repeated identical statuses are no-ops.
func (p *RelayPool) OnStatusChange(callback StatusCallback) {
	if callback == nil {
		return
	}
	p.mu.Lock()
	p.callbacks = append(p.callbacks, callback)
	p.mu.Unlock()
}

// Endpoints returns the configured endpoints ordered by Order.
func (p *RelayPool) Endpoints() []RelayEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RelayEndpoint, 0, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		out = append(out, endpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// applyStatus is the single mutation path for cached endpoint status.
// Callbacks fire synchronously, outside the pool lock, and only when the
// status actually changed.
func (p *RelayPool) applyStatus(url string, status ConnectionStatus) {
	p.mu.Lock()
	current, known := p.statuses[url]
	if known && current == status {
		p.mu.Unlock()
		return
	}
	p.statuses[url] = status
	callbacks := make([]StatusCallback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.Unlock()

	for _, callback := range callbacks {
		callback(url, status)
	}
}

func (p *RelayPool) reconcileLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

// reconcile compares transport-reported connectivity against cached
// status and redials failed endpoints once their backoff has elapsed.
func (p *RelayPool) reconcile(ctx context.Context) {
	p.mu.Lock()
	conns := make(map[string]RelayConn, len(p.conns))
	for url, conn := range p.conns {
		conns[url] = conn
	}
	endpoints := make(map[string]RelayEndpoint, len(p.endpoints))
	for url, endpoint := range p.endpoints {
		endpoints[url] = endpoint
	}
	p.mu.Unlock()

	for url, conn := range conns {
		if conn == nil {
			continue
		}
		p.applyStatus(url, conn.Status())
	}

	now := time.Now()
	for url, endpoint := range endpoints {
		p.mu.Lock()
		status := p.statuses[url]
		retry := p.retries[url]
		p.mu.Unlock()

		if status == StatusConnected || status == StatusConnecting {
			continue
		}
		if retry != nil && now.Before(retry.next) {
			continue
		}
		p.applyStatus(url, StatusConnecting)
		p.connectOne(ctx, endpoint)
	}
}

func (p *RelayPool) scheduleRetry(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	retry := p.retries[url]
	if retry == nil {
		retry = &retryState{}
		p.retries[url] = retry
	}
	delay := backoffDelay(p.opts.BackoffInitial, p.opts.BackoffMax, retry.attempts)
	retry.attempts++
	retry.next = time.Now().Add(delay)
}

// backoffDelay doubles per attempt from initial up to max, with ±20%
// jitter so a fleet of clients does not reconnect in lockstep.
func backoffDelay(initial time.Duration, max time.Duration, attempts int) time.Duration {
	delay := initial
	for i := 0; i < attempts && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}

// SubscriptionGroup is one logical subscription spanning every
// read-eligible endpoint and every requested filter. Its filters are
// re-issued on endpoints that reconnect, so the group survives relay
// drops. Closing it tears down only its own relay-level subscriptions.
type SubscriptionGroup struct {
	id      int
	pool    *RelayPool
	filters []Filter
	deliver func(Event)

	mu     sync.Mutex
	subs   []RelaySubscription
	closed bool
}

// addSub attaches a relay-level subscription unless the group has
// already been closed.
func (g *SubscriptionGroup) addSub(sub RelaySubscription) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.subs = append(g.subs, sub)
	return true
}

func (g *SubscriptionGroup) Close() error {
	g.pool.mu.Lock()
	delete(g.pool.groups, g.id)
	g.pool.mu.Unlock()
	g.closeSubs()
	return nil
}

func (g *SubscriptionGroup) closeSubs() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}
