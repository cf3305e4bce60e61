// Package agent assembles a runnable aronia node from configuration:
// identity, swarm, node runtime, control socket, and metrics endpoint.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/aronia/internal/config"
	"github.com/postalsys/aronia/internal/control"
	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/logging"
	"github.com/postalsys/aronia/internal/metrics"
	"github.com/postalsys/aronia/internal/node"
	"github.com/postalsys/aronia/internal/swarm"
	"github.com/postalsys/aronia/internal/trust"
)

// Agent is a fully wired node process.
type Agent struct {
	cfg    *config.Config
	kp     *identity.Keypair
	logger *slog.Logger

	node  *node.Node
	swarm *swarm.MeshSwarm

	controlServer *control.Server
	metricsServer *http.Server

	mu      sync.Mutex
	running bool
}

// New builds an agent from configuration.
func New(cfg *config.Config) (*Agent, error) {
	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	kp, created, err := identity.LoadOrCreate(cfg.Agent.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if created {
		logger.Info("generated new node identity", logging.KeyPeer, kp.Public.String())
	}

	listeners := make([]swarm.Endpoint, 0, len(cfg.Swarm.Listeners))
	for _, ep := range cfg.Swarm.Listeners {
		listeners = append(listeners, swarm.Endpoint{Transport: ep.Transport, Address: ep.Address})
	}
	bootstrap := make([]swarm.Endpoint, 0, len(cfg.Swarm.Bootstrap))
	for _, ep := range cfg.Swarm.Bootstrap {
		bootstrap = append(bootstrap, swarm.Endpoint{Transport: ep.Transport, Address: ep.Address})
	}

	sw, err := swarm.NewMeshSwarm(swarm.MeshConfig{
		Keypair:   kp,
		Listeners: listeners,
		Bootstrap: bootstrap,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create swarm: %w", err)
	}

	whitelist, err := cfg.WhitelistKeys()
	if err != nil {
		return nil, fmt.Errorf("parse whitelist: %w", err)
	}

	trustCfg := trust.NewConfig()
	trustCfg.MaxDepth = cfg.Trust.MaxDepth
	autoAccept, err := cfg.AutoAcceptKeys()
	if err != nil {
		return nil, fmt.Errorf("parse auto-accept set: %w", err)
	}
	for _, pub := range autoAccept {
		trustCfg.SetAutoAccept(pub, true)
	}
	for _, token := range cfg.Trust.RequireApprovalFor {
		trustCfg.RequireApprovalFor[token] = struct{}{}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Default()
	}

	n, err := node.New(node.Options{
		Keypair:               kp,
		Topic:                 cfg.Topic,
		Swarm:                 sw,
		Whitelist:             whitelist,
		Trust:                 trustCfg,
		Accepts:               cfg.Agent.Accepts,
		HeartbeatInterval:     cfg.Timing.HeartbeatInterval,
		HeartbeatTimeout:      cfg.Timing.HeartbeatTimeout,
		DefaultRequestTimeout: cfg.Timing.RequestTimeout,
		BackpressureTimeout:   cfg.Timing.BackpressureTimeout,
		IntroductionMaxAge:    cfg.Trust.MaxIntroductionAge,
		Logger:                logger,
		Metrics:               m,
	})
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}

	a := &Agent{
		cfg:    cfg,
		kp:     kp,
		logger: logger,
		node:   n,
		swarm:  sw,
	}

	if cfg.Control.Enabled {
		a.controlServer = control.NewServer(control.ServerConfig{
			SocketPath:   cfg.Control.SocketPath,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, n)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// PublicKey returns the agent's node address.
func (a *Agent) PublicKey() identity.PublicKey {
	return a.kp.Public
}

// Node exposes the node runtime.
func (a *Agent) Node() *node.Node {
	return a.node
}

// Start joins the swarm and brings up the control and metrics surfaces.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent already running")
	}
	a.running = true
	a.mu.Unlock()

	if err := a.node.Start(); err != nil {
		return err
	}

	if a.controlServer != nil {
		if err := a.controlServer.Start(); err != nil {
			a.node.Stop()
			return fmt.Errorf("start control server: %w", err)
		}
		a.logger.Info("control socket ready", "path", a.controlServer.SocketPath())
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics server failed", logging.KeyError, err)
			}
		}()
		a.logger.Info("metrics endpoint ready", "address", a.cfg.Metrics.Address)
	}

	return nil
}

// Stop tears everything down. Idempotent.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	if a.metricsServer != nil {
		a.metricsServer.Close()
	}
	if a.controlServer != nil {
		a.controlServer.Stop()
	}

	return a.node.Stop()
}
