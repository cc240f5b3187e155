// Package registry resolves logical service names (stt, llm, tts,
// delivery) to endpoints. Entries come from static config, from explicit
// Register calls and from node announcements on the bus.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/protocol"
)

var ErrServiceNotFound = errors.New("service not found")

// EndpointAttribute on an announced capability makes it resolvable under
// the capability name.
const EndpointAttribute = "endpoint"

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Service is one resolvable entry.
type Service struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	NodeID string `json:"node_id,omitempty"`
	Static bool   `json:"static"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	node   config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu     sync.RWMutex
	static map[string]string
	nodes  map[string]*NodeInfo
}

// New seeds the registry from cfg. With a nil bus only static and
// registered entries resolve.
func New(ctx context.Context, node config.NodeConfig, cfg config.RegistryConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		node:   node,
		log:    log.With(slog.String("component", "registry")),
		bus:    busClient,
		clock:  time.Now,
		cancel: cancel,
		static: make(map[string]string),
		nodes:  make(map[string]*NodeInfo),
	}
	for name, endpoint := range cfg.Services {
		if err := r.Register(name, endpoint); err != nil {
			cancel()
			return nil, err
		}
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	local := convertCapabilities(node.Capabilities)
	r.updateNode(node.ID, node.Role, local, r.clock(), true)
	if busClient == nil {
		return r, nil
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.announce(local); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	interval := time.Duration(node.HeartbeatInterval) * time.Millisecond
	if interval > 0 {
		go r.runHeartbeat(ctx, interval)
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// Register adds or replaces a static entry.
func (r *Registry) Register(name, endpoint string) error {
	if name == "" {
		return errors.New("service name is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service %s: invalid url %q", name, endpoint)
	}
	r.mu.Lock()
	r.static[name] = endpoint
	r.mu.Unlock()
	return nil
}

// Resolve returns the endpoint for name. Static entries win; otherwise the
// first healthy announcing node (by id) is used.
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if endpoint, ok := r.static[name]; ok {
		return endpoint, nil
	}
	now := r.clock()
	for _, id := range r.sortedNodeIDs() {
		node := r.nodes[id]
		if !r.fresh(node, now) {
			continue
		}
		for _, c := range node.Capabilities {
			if c.Name == name && c.Attributes[EndpointAttribute] != "" {
				return c.Attributes[EndpointAttribute], nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrServiceNotFound, name)
}

// Services lists every resolvable entry.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Service
	for name, endpoint := range r.static {
		out = append(out, Service{Name: name, URL: endpoint, Static: true})
	}
	now := r.clock()
	for _, id := range r.sortedNodeIDs() {
		node := r.nodes[id]
		if !r.fresh(node, now) {
			continue
		}
		for _, c := range node.Capabilities {
			if endpoint := c.Attributes[EndpointAttribute]; endpoint != "" {
				out = append(out, Service{Name: c.Name, URL: endpoint, NodeID: id})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Nodes returns a snapshot of known nodes with health evaluated now.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock()
	results := make([]NodeInfo, 0, len(r.nodes))
	for _, id := range r.sortedNodeIDs() {
		node := *r.nodes[id]
		node.Healthy = r.fresh(&node, now)
		results = append(results, node)
	}
	return results
}

func (r *Registry) sortedNodeIDs() []string {
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) fresh(node *NodeInfo, now time.Time) bool {
	if node.ID == r.node.ID {
		return true
	}
	timeout := time.Duration(r.node.HeartbeatTimeout) * time.Millisecond
	if timeout <= 0 {
		return node.Healthy
	}
	return node.Healthy && now.Sub(node.LastSeen) <= timeout
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) announce(capabilities []Capability) error {
	return r.bus.PublishJSON(protocol.SubjectNodeAnnounce, announceMessage{
		NodeID:       r.node.ID,
		Role:         r.node.Role,
		Capabilities: capabilities,
		Timestamp:    r.clock().UTC(),
	})
}

func (r *Registry) publishHeartbeat() error {
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeat+"."+r.node.ID, heartbeatMessage{
		NodeID:    r.node.ID,
		Timestamp: r.clock().UTC(),
	})
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" || announcement.NodeID == r.node.ID {
		return
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, r.clock(), true)
	r.log.Debug("node announced", slog.String("node_id", announcement.NodeID), slog.Int("capabilities", len(announcement.Capabilities)))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" || hb.NodeID == r.node.ID {
		return
	}
	r.updateNode(hb.NodeID, "", nil, r.clock(), true)
}

// updateNode stamps LastSeen with the local clock so remote clock skew does
// not affect freshness.
func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, seen time.Time, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = healthy
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-pipeline/registry")
	nodes, err := meter.Int64ObservableGauge("loqa.registry.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	services, err := meter.Int64ObservableGauge("loqa.registry.services", metric.WithDescription("Number of resolvable services"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Nodes())))
		obs.ObserveInt64(services, int64(len(r.Services())))
		return nil
	}, nodes, services)
	return err
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: c.Attributes,
		})
	}
	return result
}
