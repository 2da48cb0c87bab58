// Package supervisor owns the lifetime of every sync-core subsystem: it
// builds the store, bus, peer server, peer client, cloud uplink, and
// reconciler as explicit values, starts them in dependency order, and
// tears them down in reverse. No subsystem handle lives in a package
// global.
package supervisor

import (
	"context"
	"fmt"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/clouduplink"
	"github.com/laneforge/possync/internal/peerclient"
	"github.com/laneforge/possync/internal/peerserver"
	"github.com/laneforge/possync/internal/reconciler"
	"github.com/laneforge/possync/internal/sales"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/pkg/logging"
)

// Supervisor wires and runs the sync core for one terminal.
type Supervisor struct {
	cfg *Config
	log *logging.Logger

	store      *store.Store
	bus        *bus.Bus
	server     *peerserver.Server
	client     *peerclient.Client
	uplink     *clouduplink.Uplink
	reconciler *reconciler.Reconciler
	recorder   *sales.Recorder

	started bool
}

// New builds the full subsystem graph from the validated configuration.
// Nothing is started yet; the store is opened here because every other
// subsystem needs it at construction.
func New(cfg *Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logging.GetDefault().Component("supervisor")

	st, err := store.New(&store.Config{DataDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	b := bus.New(st)

	client := peerclient.New(peerclient.Config{
		TerminalID:     cfg.TerminalID,
		PeerURLs:       cfg.PeerURLs,
		AckTimeoutBase: cfg.BackoffBase,
		ReconnectBase:  cfg.BackoffBase,
	}, st, b)

	rec := reconciler.New(reconciler.Config{
		TerminalID: cfg.TerminalID,
	}, st, b, client)
	client.SetResponseSink(rec)

	server := peerserver.New(peerserver.Config{
		TerminalID: cfg.TerminalID,
		Port:       cfg.Port,
	}, st, rec)

	uplink := clouduplink.New(clouduplink.Config{
		BaseURL:     cfg.CloudBaseURL,
		ServiceKey:  cfg.CloudServiceKey,
		TerminalID:  cfg.TerminalID,
		BackoffBase: cfg.BackoffBase,
	}, b)

	return &Supervisor{
		cfg:        cfg,
		log:        log,
		store:      st,
		bus:        b,
		server:     server,
		client:     client,
		uplink:     uplink,
		reconciler: rec,
		recorder:   sales.NewRecorder(cfg.TerminalID, st, b),
	}, nil
}

// Start brings the subsystems up in dependency order: the store is
// already open, then the peer server (with one port+1 fallback), the
// peer client, the cloud uplink, and the reconciler.
func (s *Supervisor) Start() error {
	if err := s.server.Start(); err != nil {
		s.store.Close()
		return err
	}
	if err := s.client.Start(); err != nil {
		s.server.Stop()
		s.store.Close()
		return err
	}
	if err := s.uplink.Start(); err != nil {
		s.client.Stop()
		s.server.Stop()
		s.store.Close()
		return err
	}
	s.reconciler.Start()
	s.started = true

	s.log.Info("Terminal started",
		"terminal", s.cfg.TerminalID,
		"port", s.server.Port(),
		"peers", len(s.cfg.PeerURLs),
		"cloud", s.cfg.CloudConfigured())
	return nil
}

// Stop tears everything down in reverse start order. Drain loops finish
// their current iteration, connections and timers are cancelled, and the
// store closes last so in-flight writes commit.
func (s *Supervisor) Stop() error {
	if !s.started {
		return s.store.Close()
	}
	s.started = false

	s.reconciler.Stop()
	s.uplink.Stop()
	s.client.Stop()
	if err := s.server.Stop(); err != nil {
		s.log.Warn("Peer server stop failed", "error", err)
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("supervisor: close store: %w", err)
	}
	s.log.Info("Terminal stopped", "terminal", s.cfg.TerminalID)
	return nil
}

// Store exposes the store for read paths and operator tooling.
func (s *Supervisor) Store() *store.Store { return s.store }

// Bus exposes the message bus for transaction-writing collaborators.
func (s *Supervisor) Bus() *bus.Bus { return s.bus }

// Recorder exposes the sale ingest surface.
func (s *Supervisor) Recorder() *sales.Recorder { return s.recorder }

// Reconciler exposes the reconciler for on-demand runs.
func (s *Supervisor) Reconciler() *reconciler.Reconciler { return s.reconciler }

// PeerPort returns the actually-bound peer listen port.
func (s *Supervisor) PeerPort() int { return s.server.Port() }

// ConnectedPeers returns how many peers currently hold a live outbound
// connection.
func (s *Supervisor) ConnectedPeers() int { return s.client.ConnectedCount() }

// LogStats logs a one-line outbox health summary; the status ticker in
// the daemon calls this periodically.
func (s *Supervisor) LogStats(ctx context.Context) {
	stats, err := s.store.OutboxStats(ctx)
	if err != nil {
		s.log.Warn("Outbox stats failed", "error", err)
		return
	}
	s.log.Info("Status",
		"peers_connected", s.client.ConnectedCount(),
		"pending", stats[store.OutboxPending],
		"peer_ack", stats[store.OutboxPeerAck],
		"cloud_ack", stats[store.OutboxCloudAck],
		"error", stats[store.OutboxError])
}
