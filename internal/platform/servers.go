// ABOUTME: HTTP health, readiness and metrics endpoints plus the gRPC health service.
// ABOUTME: Each agent id is a gRPC health service name; "" tracks the whole platform.

package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// NodeStatus is one agent's entry in the readiness report.
type NodeStatus struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Addr      string     `json:"addr,omitempty"`
	Running   bool       `json:"running"`
	Peers     []string   `json:"peers"`
	LastEvent *time.Time `json:"last_event,omitempty"`
}

// Readiness is the body of GET /health/ready.
type Readiness struct {
	Ready bool         `json:"ready"`
	Nodes []NodeStatus `json:"nodes"`
}

func (p *Platform) buildServers() {
	if addr := p.cfg.Server.HTTPAddr; addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", p.handleHealth)
		mux.HandleFunc("/health/ready", p.handleReady)
		if p.cfg.Metrics.Enabled {
			mux.Handle(p.cfg.Metrics.Path, promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
		}
		p.httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if p.cfg.Server.GRPCAddr != "" {
		p.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		p.health = health.NewServer()
		p.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		for _, n := range p.nodes {
			p.health.SetServingStatus(n.ID(), healthpb.HealthCheckResponse_NOT_SERVING)
		}
		healthpb.RegisterHealthServer(p.grpcServer, p.health)
	}
}

func (p *Platform) startServers(ctx context.Context) error {
	if p.grpcServer != nil {
		ln, err := p.listen(ctx, p.cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listening on gRPC addr: %w", err)
		}
		p.grpcAddr = ln.Addr().String()
		go func() {
			p.logger.Info("gRPC health server listening", "addr", p.grpcAddr)
			if err := p.grpcServer.Serve(ln); err != nil {
				p.serveErr <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	if p.httpServer != nil {
		ln, err := p.listen(ctx, p.cfg.Server.HTTPAddr)
		if err != nil {
			if p.grpcServer != nil {
				p.grpcServer.Stop()
			}
			return fmt.Errorf("listening on HTTP addr: %w", err)
		}
		p.httpAddr = ln.Addr().String()
		go func() {
			p.logger.Info("HTTP server listening", "addr", p.httpAddr)
			if err := p.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				p.serveErr <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}
	return nil
}

func (p *Platform) shutdownServers(ctx context.Context) error {
	var err error
	if p.httpServer != nil {
		err = p.httpServer.Shutdown(ctx)
	}
	if p.grpcServer != nil {
		p.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			p.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			p.grpcServer.Stop()
		}
	}
	return err
}

func (p *Platform) setNodeHealth(id string, serving bool) {
	if p.health == nil {
		return
	}
	p.health.SetServingStatus(id, servingStatus(serving))
}

func (p *Platform) setOverallHealth(serving bool) {
	if p.health == nil {
		return
	}
	p.health.SetServingStatus("", servingStatus(serving))
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// handleHealth returns 200 OK if the process is alive.
func (p *Platform) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once every agent has started, 503 before that.
func (p *Platform) handleReady(w http.ResponseWriter, r *http.Request) {
	report := p.Readiness()
	body, err := sonic.Marshal(report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !report.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}

// Readiness reports each local agent's state.
func (p *Platform) Readiness() Readiness {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Readiness{Ready: p.ready.Load(), Nodes: make([]NodeStatus, 0, len(p.nodes))}
	for _, n := range p.nodes {
		st := NodeStatus{
			ID:      n.ID(),
			Role:    n.Role(),
			Running: p.running[n.ID()],
			Peers:   n.ConnectedAgents(),
		}
		if st.Running {
			st.Addr = n.Addr()
		}
		if t, ok := p.lastSeen[n.ID()]; ok {
			st.LastEvent = &t
		}
		out.Nodes = append(out.Nodes, st)
	}
	return out
}
