package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kwv/pemesh/quadkey"
)

// ErrConnectionUnavailable is returned when no connection to the edge node
// owning a sector is open.
var ErrConnectionUnavailable = errors.New("connection unavailable")

// SceneHandler receives scenes delivered for a sector.
type SceneHandler func(sector string, scene *Scene)

// Dialer opens a connected bridge to the edge node owning edge.
type Dialer func(ctx context.Context, edge quadkey.QuadKey, host string) (Bridge, error)

// MQTTDialer returns a Dialer that connects an MQTTBridge per edge node,
// reusing the credentials of base.
func MQTTDialer(base BridgeOptions) Dialer {
	return func(ctx context.Context, edge quadkey.QuadKey, host string) (Bridge, error) {
		opts := base
		opts.Broker = "tcp://" + host
		opts.ClientID = fmt.Sprintf("%s-%s", base.ClientID, edge)
		b := NewMQTTBridge(opts)
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
		return b, nil
	}
}

// SubscriptionOptions configures a TileSubscriptionManager.
type SubscriptionOptions struct {
	RemoteLevel    int
	EdgeLevel      int
	RawPrefix      string
	FusedPrefix    string
	Edges          map[string]string
	HostTemplate   string
	Port           int
	ConnectTimeout time.Duration
	RateLimit      time.Duration
}

// SubscriptionOptionsFromConfig extracts the manager settings from cfg.
func SubscriptionOptionsFromConfig(cfg *Config) SubscriptionOptions {
	return SubscriptionOptions{
		RemoteLevel:    cfg.Tiles.RemoteLevel,
		EdgeLevel:      cfg.Tiles.EdgeLevel,
		RawPrefix:      cfg.MQTT.RawPrefix,
		FusedPrefix:    cfg.MQTT.FusedPrefix,
		Edges:          cfg.Subscription.Edges,
		HostTemplate:   cfg.Subscription.HostTemplate,
		Port:           cfg.Subscription.Port,
		ConnectTimeout: cfg.Subscription.ConnectTimeout,
		RateLimit:      cfg.Subscription.RateLimit,
	}
}

// TileSubscriptionManager keeps connections to the edge nodes owning the
// 3x3 sector neighbourhood around the vehicle and subscribes to the fused
// topics of those sectors. Inbound scenes are decoded and handed to a
// throttled handler.
type TileSubscriptionManager struct {
	opts    SubscriptionOptions
	dial    Dialer
	codec   Codec
	handler SceneHandler

	reconcileMu sync.Mutex

	mu              sync.Mutex
	currentPosition quadkey.QuadKey
	currentParent   quadkey.QuadKey
	connections     map[string]Bridge
	subscriptions   map[string]struct{}

	closed atomic.Bool
}

// NewTileSubscriptionManager creates an idle manager. handler is wrapped
// with Throttle using opts.RateLimit.
func NewTileSubscriptionManager(opts SubscriptionOptions, dial Dialer, codec Codec, handler SceneHandler) *TileSubscriptionManager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if handler == nil {
		handler = func(string, *Scene) {}
	}
	return &TileSubscriptionManager{
		opts:          opts,
		dial:          dial,
		codec:         codec,
		handler:       Throttle(handler, opts.RateLimit),
		connections:   make(map[string]Bridge),
		subscriptions: make(map[string]struct{}),
	}
}

// Throttle serialises calls to handler. A call arriving while another is in
// progress is dropped. After handler returns the lock is held for rateLimit,
// which bounds the delivery rate.
func Throttle(handler SceneHandler, rateLimit time.Duration) SceneHandler {
	var mu sync.Mutex
	return func(sector string, scene *Scene) {
		if !mu.TryLock() {
			droppedCallbacks.Inc()
			log.Printf("[SUB] Dropping scene for sector %s: previous delivery still running", sector)
			return
		}
		defer mu.Unlock()

		handler(sector, scene)
		if rateLimit > 0 {
			time.Sleep(rateLimit)
		}
	}
}

// EdgeHost resolves the broker address of the edge node owning edge.
func (m *TileSubscriptionManager) EdgeHost(edge quadkey.QuadKey) string {
	if host, ok := m.opts.Edges[edge.String()]; ok {
		return host
	}
	host := strings.ReplaceAll(m.opts.HostTemplate, "{tile}", edge.String())
	if m.opts.Port > 0 {
		host += ":" + strconv.Itoa(m.opts.Port)
	}
	return host
}

func (m *TileSubscriptionManager) fusedTopic(sector string) string {
	return m.opts.FusedPrefix + "/" + sector
}

func (m *TileSubscriptionManager) rawTopic(sector string) string {
	return m.opts.RawPrefix + "/" + sector
}

// UpdatePosition re-evaluates connections and subscriptions when qk lies in
// a different sector than before. It reports whether the sector changed.
// When another reconcile is already running it returns at once and the
// running one moves on to the latest position.
func (m *TileSubscriptionManager) UpdatePosition(ctx context.Context, qk quadkey.QuadKey) bool {
	if m.closed.Load() {
		return false
	}
	parent := qk.Truncate(m.opts.RemoteLevel)

	m.mu.Lock()
	m.currentPosition = qk
	changed := parent != m.currentParent
	m.mu.Unlock()

	if changed {
		m.settle(ctx)
	}
	return changed
}

// Refresh re-evaluates the current sector, retrying connections and
// subscriptions that failed earlier. It is skipped while another reconcile
// is running.
func (m *TileSubscriptionManager) Refresh(ctx context.Context) {
	if m.closed.Load() {
		return
	}
	m.mu.Lock()
	idle := m.currentParent.IsZero()
	m.mu.Unlock()
	if idle {
		return
	}
	m.settle(ctx)
}

// settle reconciles until the sector matches the latest position.
func (m *TileSubscriptionManager) settle(ctx context.Context) {
	for !m.closed.Load() && m.reconcileMu.TryLock() {
		m.mu.Lock()
		parent := m.currentPosition.Truncate(m.opts.RemoteLevel)
		m.mu.Unlock()

		m.reconcile(ctx, parent)
		m.reconcileMu.Unlock()

		m.mu.Lock()
		done := m.currentPosition.Truncate(m.opts.RemoteLevel) == m.currentParent
		m.mu.Unlock()
		if done {
			return
		}
	}
}

type sectorConn struct {
	sector string
	conn   Bridge
}

// reconcile must be called with m.reconcileMu held. m.mu guards only the
// bookkeeping; dials and broker round trips run without it.
func (m *TileSubscriptionManager) reconcile(ctx context.Context, parent quadkey.QuadKey) {
	subTiles := make(map[string]quadkey.QuadKey)
	nodeTiles := make(map[string]quadkey.QuadKey)
	for _, t := range parent.Nearby(1) {
		subTiles[t.String()] = t
		edge := t.Truncate(m.opts.EdgeLevel)
		nodeTiles[edge.String()] = edge
	}

	m.mu.Lock()
	previous := m.currentParent
	m.currentParent = parent

	// Connections to edge nodes that own none of the sectors.
	stale := make(map[string]Bridge)
	for key, conn := range m.connections {
		if _, ok := nodeTiles[key]; !ok {
			stale[key] = conn
			delete(m.connections, key)
		}
	}
	// Sectors that left the neighbourhood.
	var dropped []sectorConn
	for sector := range m.subscriptions {
		if _, ok := subTiles[sector]; ok {
			continue
		}
		if conn, ok := m.connections[m.owner(sector)]; ok {
			dropped = append(dropped, sectorConn{sector, conn})
		}
		delete(m.subscriptions, sector)
	}
	var missing []string
	for _, key := range sortedKeys(nodeTiles) {
		if _, ok := m.connections[key]; !ok {
			missing = append(missing, key)
		}
	}
	m.mu.Unlock()

	for _, key := range sortedKeys(stale) {
		log.Printf("[SUB] Closing connection to edge %s", key)
		stale[key].Disconnect()
	}
	for _, d := range dropped {
		if err := d.conn.Unsubscribe(m.fusedTopic(d.sector)); err != nil {
			log.Printf("[SUB] Error unsubscribing from sector %s: %v", d.sector, err)
		}
	}

	dialed := make(map[string]Bridge)
	for _, key := range missing {
		edge := nodeTiles[key]
		host := m.EdgeHost(edge)

		dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		conn, err := m.dial(dctx, edge, host)
		cancel()
		if err != nil {
			log.Printf("[SUB] Warning: %v: edge %s at %s: %v", ErrConnectionUnavailable, key, host, err)
			continue
		}
		log.Printf("[SUB] Connected to edge %s at %s", key, host)
		dialed[key] = conn
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		for _, conn := range dialed {
			conn.Disconnect()
		}
		return
	}
	maps.Copy(m.connections, dialed)
	var pending []sectorConn
	for _, sector := range sortedKeys(subTiles) {
		if _, ok := m.subscriptions[sector]; ok {
			continue
		}
		if conn, ok := m.connections[m.owner(sector)]; ok {
			pending = append(pending, sectorConn{sector, conn})
		}
	}
	m.mu.Unlock()

	// Subscribe to new sectors through their owning connection.
	var subscribed []string
	for _, p := range pending {
		if err := p.conn.Subscribe(m.fusedTopic(p.sector), m.onMessage); err != nil {
			log.Printf("[SUB] Error subscribing to sector %s: %v", p.sector, err)
			continue
		}
		subscribed = append(subscribed, p.sector)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return
	}
	for _, sector := range subscribed {
		m.subscriptions[sector] = struct{}{}
	}
	if parent != previous {
		log.Printf("[SUB] Sector %s -> %s: %d connections, %d subscriptions",
			previous, parent, len(m.connections), len(m.subscriptions))
	}
	subscriptionConnections.Set(float64(len(m.connections)))
	subscriptionSectors.Set(float64(len(m.subscriptions)))
}

// owner returns the edge tile key owning a sector key.
func (m *TileSubscriptionManager) owner(sector string) string {
	if len(sector) <= m.opts.EdgeLevel {
		return sector
	}
	return sector[:m.opts.EdgeLevel]
}

func (m *TileSubscriptionManager) onMessage(topic string, payload []byte) {
	if m.closed.Load() {
		return
	}
	sector := topic[strings.LastIndex(topic, "/")+1:]

	scene, err := m.codec.Decode(payload)
	if err != nil {
		decodeFailures.WithLabelValues("subscription").Inc()
		log.Printf("[SUB] Dropping scene on %s: %v", topic, err)
		return
	}
	m.handler(sector, scene)
}

// PublishGraph publishes encoded once to the raw topic of every distinct
// sector touched by tiles, through the connection owning the current sector.
func (m *TileSubscriptionManager) PublishGraph(encoded []byte, tiles []quadkey.QuadKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentParent.IsZero() {
		return fmt.Errorf("%w: no position yet", ErrConnectionUnavailable)
	}
	owner := m.currentParent.Truncate(m.opts.EdgeLevel).String()
	conn, ok := m.connections[owner]
	if !ok {
		return fmt.Errorf("%w: edge %s", ErrConnectionUnavailable, owner)
	}

	sectors := make(map[string]struct{})
	for _, t := range tiles {
		sectors[t.Truncate(m.opts.RemoteLevel).String()] = struct{}{}
	}

	var errs []error
	for _, sector := range sortedKeys(sectors) {
		if err := conn.Publish(m.rawTopic(sector), encoded); err != nil {
			errs = append(errs, err)
			continue
		}
		publishedScenes.WithLabelValues("raw").Inc()
	}
	return errors.Join(errs...)
}

// Active reports whether at least one connection exists and all of them
// are connected.
func (m *TileSubscriptionManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.connections) == 0 {
		return false
	}
	for _, conn := range m.connections {
		if !conn.IsConnected() {
			return false
		}
	}
	return true
}

// Position returns the last position and its sector.
func (m *TileSubscriptionManager) Position() (position, sector quadkey.QuadKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPosition, m.currentParent
}

// Subscriptions returns the subscribed sector keys in sorted order.
func (m *TileSubscriptionManager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.subscriptions)
}

// Connections returns the connected edge tile keys in sorted order.
func (m *TileSubscriptionManager) Connections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.connections)
}

// Close stops callback delivery, unsubscribes and disconnects everything.
func (m *TileSubscriptionManager) Close() {
	if m.closed.Swap(true) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for sector := range m.subscriptions {
		if conn, ok := m.connections[m.owner(sector)]; ok {
			if err := conn.Unsubscribe(m.fusedTopic(sector)); err != nil {
				log.Printf("[SUB] Error unsubscribing from sector %s: %v", sector, err)
			}
		}
	}
	for key, conn := range m.connections {
		conn.Disconnect()
		delete(m.connections, key)
	}
	clear(m.subscriptions)

	subscriptionConnections.Set(0)
	subscriptionSectors.Set(0)
	log.Println("[SUB] Subscription manager closed")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
