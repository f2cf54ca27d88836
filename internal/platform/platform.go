// ABOUTME: Platform assembles the configured agents, their shared stores and the health surfaces.
// ABOUTME: Run starts everything in order, blocks until the context ends, then shuts down.

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/coven-senses/internal/config"
	"github.com/2389/coven-senses/internal/events"
	"github.com/2389/coven-senses/internal/node"
	"github.com/2389/coven-senses/internal/peer"
	"github.com/2389/coven-senses/internal/roles"
	"github.com/2389/coven-senses/internal/store"
	"github.com/2389/coven-senses/internal/transport"
)

// Role tags of the four sense agents.
const (
	RoleBrain       = "brain"
	RoleAudioInput  = "audio_input"
	RoleVision      = "vision"
	RoleAudioOutput = "audio_output"
)

// Collaborators are the external capabilities the role agents call. Nil
// fields are filled from configuration.
type Collaborators struct {
	LLM         roles.LLM
	Transcriber roles.Transcriber
	Frames      roles.FrameSource
	Speaker     roles.Speaker
}

// Platform runs the agents listed in platform.start_order.
type Platform struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.SQLiteStore
	dir      *peer.Directory
	bus      *events.Bus
	registry *prometheus.Registry
	orch     *Orchestrator
	nodes    []*node.Node

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	httpAddr   string
	grpcAddr   string
	serveErr   chan error

	ready    atomic.Bool
	mu       sync.Mutex
	running  map[string]bool
	lastSeen map[string]time.Time
	unwatch  context.CancelFunc
}

// New builds the platform from cfg. Nothing touches the network until Start.
func New(cfg *config.Config, collab Collaborators, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Platform{
		cfg:      cfg,
		logger:   logger.With("component", "platform"),
		bus:      events.NewBus(logger),
		registry: prometheus.NewRegistry(),
		running:  make(map[string]bool),
		lastSeen: make(map[string]time.Time),
		serveErr: make(chan error, 2),
	}
	p.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var persist peer.Persister
	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		p.store = s
		persist = s
	}
	p.dir = peer.NewDirectory(PeerTable(cfg), persist, logger)

	metrics := node.NewMetrics(p.registry)
	collab = p.defaultCollaborators(collab)

	members := make([]Member, 0, len(cfg.StartOrder()))
	for _, id := range cfg.StartOrder() {
		agentCfg, _ := cfg.Agent(id)
		n, err := p.newNode(agentCfg, metrics, logger)
		if err != nil {
			p.closeStore()
			return nil, err
		}
		p.nodes = append(p.nodes, n)
		members = append(members, p.newMember(n, agentCfg, collab, logger))
	}

	p.orch = NewOrchestrator(members, logger)
	p.orch.OnTransition = p.transition
	p.buildServers()
	return p, nil
}

// PeerTable builds the directory defaults from the configured agents, preferring advertise_host.
func PeerTable(cfg *config.Config) []peer.Record {
	recs := make([]peer.Record, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		host := a.Host
		if a.AdvertiseHost != "" {
			host = a.AdvertiseHost
		}
		recs = append(recs, peer.Record{AgentID: a.ID, Name: a.Name, Role: a.Role, Host: host, Port: a.Port})
	}
	return recs
}

func (p *Platform) newNode(a config.AgentConfig, metrics *node.Metrics, logger *slog.Logger) (*node.Node, error) {
	c := p.cfg.Connect
	opts := transport.Options{
		PingInterval: c.PingInterval,
		PingTimeout:  c.PingTimeout,
		Logger:       logger,
	}
	params := node.Params{
		ID:            a.ID,
		Role:          a.Role,
		Host:          a.Host,
		Port:          a.Port,
		AdvertiseHost: a.AdvertiseHost,
		Policy: node.Policy{
			MaxAttempts:      c.MaxAttempts,
			RetryDelay:       c.RetryDelay,
			DialTimeout:      c.DialTimeout,
			HandshakeTimeout: c.HandshakeTimeout,
			WriteTimeout:     c.WriteTimeout,
		},
		Directory:  p.dir,
		Dialer:     node.WebSocketDialer(opts),
		Listen:     node.WebSocketListen(opts),
		DedupeTTL:  p.cfg.Dedupe.TTL,
		DedupeSize: p.cfg.Dedupe.MaxSize,
		Events:     p.bus,
		Metrics:    metrics,
		Logger:     logger,
	}
	if p.store != nil {
		params.Ledger = p.store
	}
	n, err := node.New(params)
	if err != nil {
		return nil, fmt.Errorf("creating node %s: %w", a.ID, err)
	}
	return n, nil
}

func (p *Platform) defaultCollaborators(c Collaborators) Collaborators {
	if c.LLM == nil {
		c.LLM = roles.NewOllama(p.cfg.Brain.OllamaURL, p.cfg.Brain.RequestTimeout)
	}
	if c.Transcriber == nil {
		c.Transcriber = roles.NewLineTranscriber(os.Stdin)
	}
	if c.Frames == nil && p.cfg.Eye.FramePath != "" {
		c.Frames = roles.FileFrameSource{Path: p.cfg.Eye.FramePath}
	}
	if c.Speaker == nil {
		if len(p.cfg.Mouth.Command) > 0 {
			c.Speaker = roles.CommandSpeaker{Command: p.cfg.Mouth.Command}
		} else {
			c.Speaker = roles.LogSpeaker{Logger: p.logger.With("agent_id", "mouth")}
		}
	}
	return c
}

// newMember wraps n in the role agent for its role. Unknown roles, and
// vision without a frame source, run as bare nodes.
func (p *Platform) newMember(n *node.Node, a config.AgentConfig, c Collaborators, logger *slog.Logger) Member {
	switch a.Role {
	case RoleBrain:
		b := p.cfg.Brain
		return roles.NewBrain(n, c.LLM, roles.BrainConfig{
			Models:     roles.Models{Text: b.Models.Text, Image: b.Models.Image, Audio: b.Models.Audio},
			History:    b.History,
			RetryCount: b.RetryCount,
			RetryDelay: b.RetryDelay,
			Mouth:      p.agentWithRole(RoleAudioOutput, "mouth"),
		}, logger)
	case RoleAudioInput:
		return roles.NewEar(n, c.Transcriber, roles.EarConfig{
			RetryDelay: p.cfg.Ear.RetryDelay,
			Brain:      p.agentWithRole(RoleBrain, "brain"),
		}, logger)
	case RoleVision:
		if c.Frames == nil {
			p.logger.Warn("no frame source configured, vision agent runs without capture", "agent_id", a.ID)
			return n
		}
		return roles.NewEye(n, c.Frames, roles.EyeConfig{
			AnalysisInterval: p.cfg.Eye.AnalysisInterval,
			Brain:            p.agentWithRole(RoleBrain, "brain"),
		}, logger)
	case RoleAudioOutput:
		return roles.NewMouth(n, c.Speaker, roles.MouthConfig{QueueSize: p.cfg.Mouth.QueueSize}, logger)
	default:
		return n
	}
}

// agentWithRole returns the first configured agent id with role, or fallback.
func (p *Platform) agentWithRole(role, fallback string) string {
	for _, a := range p.cfg.Agents {
		if a.Role == role {
			return a.ID
		}
	}
	return fallback
}

// Start loads learned peers, prunes the ledger, opens the health servers and
// starts every agent in order.
func (p *Platform) Start(ctx context.Context) error {
	if p.store != nil {
		if err := p.dir.Load(ctx); err != nil {
			p.logger.Warn("loading learned peers failed", "error", err)
		}
		if r := p.cfg.Database.LedgerRetention; r > 0 {
			pruned, err := p.store.PruneEnvelopes(ctx, time.Now().Add(-r))
			if err != nil {
				p.logger.Warn("pruning ledger failed", "error", err)
			} else if pruned > 0 {
				p.logger.Info("pruned ledger", "entries", pruned, "older_than", r)
			}
		}
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.unwatch = cancel
	p.watch(watchCtx)

	if err := p.startServers(ctx); err != nil {
		p.abort()
		return err
	}

	if err := p.orch.Start(ctx); err != nil {
		_ = p.shutdownServers(context.WithoutCancel(ctx))
		p.abort()
		return err
	}
	p.ready.Store(true)
	p.setOverallHealth(true)
	return nil
}

// Run starts the platform, blocks until ctx is cancelled or a health server
// fails, then stops everything.
func (p *Platform) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	var serverErr error
	select {
	case <-ctx.Done():
		p.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-p.serveErr:
		p.logger.Error("server error", "error", serverErr)
	}

	// the original context is already canceled
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopErr := p.Stop(stopCtx)

	if serverErr != nil {
		return serverErr
	}
	return stopErr
}

// Stop stops the agents in start order, then the servers and stores.
func (p *Platform) Stop(ctx context.Context) error {
	p.logger.Info("shutting down platform")
	p.ready.Store(false)
	p.setOverallHealth(false)

	var errs []error
	errs = appendCloseError(errs, "agents", p.orch.Stop(ctx))
	errs = appendCloseError(errs, "servers", p.shutdownServers(ctx))

	if p.unwatch != nil {
		p.unwatch()
	}
	p.bus.Close()
	errs = appendCloseError(errs, "store close", p.closeStore())

	return errors.Join(errs...)
}

// abort releases what Start acquired before it failed.
func (p *Platform) abort() {
	p.unwatch()
	p.bus.Close()
	if err := p.closeStore(); err != nil {
		p.logger.Warn("closing store failed", "error", err)
	}
}

// Directory returns the peer directory shared by every local node.
func (p *Platform) Directory() *peer.Directory { return p.dir }

// Nodes returns the local nodes in start order.
func (p *Platform) Nodes() []*node.Node { return p.nodes }

// HTTPAddr returns the bound health address once started.
func (p *Platform) HTTPAddr() string { return p.httpAddr }

// GRPCAddr returns the bound gRPC health address once started.
func (p *Platform) GRPCAddr() string { return p.grpcAddr }

// Ready reports whether every agent has started.
func (p *Platform) Ready() bool { return p.ready.Load() }

func (p *Platform) transition(id string, running bool) {
	p.mu.Lock()
	p.running[id] = running
	p.mu.Unlock()
	p.setNodeHealth(id, running)
}

// watch records the time of the latest event per node for readiness output.
func (p *Platform) watch(ctx context.Context) {
	ch, _ := p.bus.Subscribe(ctx, "")
	go func() {
		for ev := range ch {
			p.mu.Lock()
			p.lastSeen[ev.NodeID] = ev.Time
			p.mu.Unlock()
		}
	}()
}

func (p *Platform) closeStore() error {
	if p.store == nil {
		return nil
	}
	err := p.store.Close()
	p.store = nil
	return err
}

func (p *Platform) listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
