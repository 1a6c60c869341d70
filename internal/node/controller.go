// Package node wires the sync layer into a running host or client.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/coopsync/internal/api/grpc/servers"
	"github.com/iggydv12/coopsync/internal/api/rest"
	"github.com/iggydv12/coopsync/internal/assetcache"
	"github.com/iggydv12/coopsync/internal/clock"
	"github.com/iggydv12/coopsync/internal/config"
	"github.com/iggydv12/coopsync/internal/connection"
	"github.com/iggydv12/coopsync/internal/discovery"
	"github.com/iggydv12/coopsync/internal/ledger"
	"github.com/iggydv12/coopsync/internal/metrics"
	"github.com/iggydv12/coopsync/internal/physics"
	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/session"
	"github.com/iggydv12/coopsync/internal/storage/local"
	"github.com/iggydv12/coopsync/internal/transport"
	"github.com/iggydv12/coopsync/internal/workerpool"
)

// ErrSessionEnded stops a client's run once the host link is gone.
var ErrSessionEnded = errors.New("node: session ended")

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	cfg    *config.Config
	role   Role
	peerID protocol.PeerID
	reg    *prometheus.Registry
	logger *zap.Logger
}

// NewController creates a Controller for the given role. A zero configured peer id
// is replaced with a random one.
func NewController(cfg *config.Config, role Role, logger *zap.Logger) *Controller {
	id := protocol.PeerID(cfg.Node.PeerID)
	for id == 0 {
		id = protocol.PeerID(rand.Uint32())
	}
	return &Controller{
		cfg:    cfg,
		role:   role,
		peerID: id,
		reg:    prometheus.NewRegistry(),
		logger: logger.With(zap.Uint32("self", uint32(id))),
	}
}

// PeerID returns the id this node runs under.
func (c *Controller) PeerID() protocol.PeerID { return c.peerID }

// core holds the components every role shares.
type core struct {
	metrics *metrics.Metrics
	blobs   *local.PebbleStorage
	pool    *workerpool.Pool
	clock   *clock.Clock
	ws      *transport.WebSocket
	conns   *connection.Manager
	world   *physics.World
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.logger.Info("Starting coopsync node", zap.String("role", c.role.String()))

	// --- 1. Metrics ---
	c.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(c.reg)

	// --- 2. Storage ---
	dbPath := filepath.Join(c.cfg.Node.DataDir, fmt.Sprintf("peer-%d", c.peerID))
	blobs := local.NewPebbleStorage(dbPath, c.logger)
	if err := blobs.Init(); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer blobs.Close()

	// --- 3. Worker pool ---
	pool := workerpool.New(c.logger)
	pool.Start(c.cfg.Pool.Workers)
	m.PoolWorkers(pool.Workers())
	defer pool.Stop()

	// --- 4. Connections ---
	opts, err := connection.OptionsFromConfig(c.cfg.Net)
	if err != nil {
		return fmt.Errorf("net config: %w", err)
	}
	ws := transport.NewWebSocket(c.peerID, c.logger)
	defer ws.Close()
	conns := connection.NewManager(opts, ws, nil, m, c.logger)
	ws.Bind(conns)

	k := &core{
		metrics: m,
		blobs:   blobs,
		pool:    pool,
		clock:   clock.New(c.cfg.Clock.TickMs),
		ws:      ws,
		conns:   conns,
		world:   physics.NewWorld(c.role == RoleHost),
	}

	g, gctx := errgroup.WithContext(ctx)
	switch c.role {
	case RoleHost:
		err = c.runHost(gctx, g, k)
	case RoleClient:
		err = c.runClient(gctx, g, k)
	default:
		err = fmt.Errorf("unsupported role %s", c.role)
	}
	if err != nil {
		return err
	}
	g.Go(func() error { return c.tickLoop(gctx, k) })

	err = g.Wait()
	for _, p := range conns.Peers() {
		conns.Disconnect(p, "shutdown")
	}
	if errors.Is(err, ErrSessionEnded) {
		c.logger.Info("Session ended")
		return nil
	}
	c.logger.Info("Node stopped")
	return err
}

func (c *Controller) runHost(ctx context.Context, g *errgroup.Group, k *core) error {
	var journal ledger.Journal
	if c.cfg.Ledger.Journal {
		journal = ledger.NewStoreJournal(k.blobs)
	}
	led := ledger.New(c.cfg.Ledger.StartingBalance, journal, k.metrics, c.logger)
	if err := led.Load(); err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}
	sessions := session.NewStore(k.blobs, c.cfg.Session.History, c.logger)

	host := NewHost(c.peerID, HostDeps{
		Clock:      k.clock,
		Conns:      k.conns,
		World:      k.world,
		Ledger:     led,
		Sessions:   sessions,
		Pool:       k.pool,
		PublishDir: c.cfg.Cache.PublishDir,
	}, c.logger)

	// gRPC ledger service
	if addr := c.cfg.Node.GRPCAddr; addr != "" {
		grpcSrv, err := servers.NewLedgerServiceServer(led, c.logger).Serve(addr)
		if err != nil {
			return fmt.Errorf("ledger gRPC serve: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	// REST API and websocket endpoint
	api := rest.New(rest.Deps{
		Peers:     k.conns,
		Ledger:    led,
		Pool:      poolView{pool: k.pool, metrics: k.metrics},
		Sessions:  sessions,
		CacheRoot: c.cfg.Cache.Dir,
		Gatherer:  c.reg,
		WebSocket: k.ws,
	}, c.logger)
	g.Go(func() error { return api.Serve(ctx, c.cfg.Node.HTTPAddr) })

	// LAN advertisement
	if c.cfg.Discovery.Enabled {
		disc := discovery.NewLibP2PDiscovery(discovery.Options{ServiceTag: c.cfg.Discovery.ServiceTag}, c.logger)
		if err := disc.Init(); err != nil {
			c.logger.Warn("Discovery disabled", zap.Error(err))
		} else {
			announce := func(players int) {
				disc.Advertise(discovery.Announcement{
					PeerID:   uint32(c.peerID),
					Name:     fmt.Sprintf("coop-%d", c.peerID),
					Endpoint: wsEndpoint(c.cfg.Node.HTTPAddr),
					Players:  players,
				})
			}
			announce(0)
			host.OnPartyChange(announce)
			g.Go(func() error {
				<-ctx.Done()
				return disc.Close()
			})
		}
	}

	// Schedulers
	sched := c.cfg.Schedule
	every(ctx, g, sched.VehicleBroadcast, func() error {
		host.BroadcastVehicles()
		return nil
	})
	every(ctx, g, sched.SessionSave, func() error {
		if host.Phase() == PhasePlaying {
			host.SaveSession()
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if _, err := sessions.Save(host.State()); err != nil {
			c.logger.Warn("Final session save failed", zap.Error(err))
		}
		return nil
	})

	c.logger.Info("Hosting session",
		zap.String("session", host.SessionID()),
		zap.String("http", c.cfg.Node.HTTPAddr),
		zap.String("grpc", c.cfg.Node.GRPCAddr))
	return nil
}

func (c *Controller) runClient(ctx context.Context, g *errgroup.Group, k *core) error {
	streamer, err := assetcache.New(c.cfg.Cache, k.metrics, c.logger)
	if err != nil {
		return fmt.Errorf("asset cache: %w", err)
	}
	streamer.Start()
	g.Go(func() error {
		<-ctx.Done()
		streamer.Close()
		return nil
	})

	client := NewClient(c.peerID, fmt.Sprintf("player-%d", c.peerID), ClientDeps{
		Clock:     k.clock,
		Conns:     k.conns,
		World:     k.world,
		Assembler: assetcache.NewAssembler(c.cfg.Cache.MaxBundleBytes),
		Streamer:  streamer,
	}, c.logger)

	api := rest.New(rest.Deps{
		Peers:     k.conns,
		Pool:      poolView{pool: k.pool, metrics: k.metrics},
		CacheRoot: c.cfg.Cache.Dir,
		Gatherer:  c.reg,
	}, c.logger)
	g.Go(func() error { return api.Serve(ctx, c.cfg.Node.HTTPAddr) })

	g.Go(func() error {
		endpoint, err := c.resolveHost(ctx)
		if err != nil {
			return err
		}
		return client.Join(ctx, k.ws, endpoint)
	})

	every(ctx, g, c.cfg.Schedule.CachePoll, func() error {
		client.PollBundles()
		if client.Phase() == PhaseEnded {
			return ErrSessionEnded
		}
		return nil
	})
	return nil
}

// resolveHost returns the configured host URL or waits for the first host found on the LAN.
func (c *Controller) resolveHost(ctx context.Context) (string, error) {
	if c.cfg.Node.HostURL != "" {
		return c.cfg.Node.HostURL, nil
	}
	if !c.cfg.Discovery.Enabled {
		return "", errors.New("no host URL configured and discovery disabled")
	}

	disc := discovery.NewLibP2PDiscovery(discovery.Options{ServiceTag: c.cfg.Discovery.ServiceTag}, c.logger)
	found := make(chan discovery.Announcement, 1)
	disc.OnFound(func(a discovery.Announcement) {
		select {
		case found <- a:
		default:
		}
	})
	if err := disc.Init(); err != nil {
		return "", fmt.Errorf("discovery init: %w", err)
	}
	defer disc.Close()

	c.logger.Info("Browsing LAN for hosts", zap.String("service", c.cfg.Discovery.ServiceTag))
	select {
	case a := <-found:
		c.logger.Info("Host found", zap.Uint32("host", a.PeerID), zap.String("endpoint", a.Endpoint))
		return a.Endpoint, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// tickLoop advances the clock, connections and world once per clock step.
func (c *Controller) tickLoop(ctx context.Context, k *core) error {
	ticker := time.NewTicker(time.Duration(k.clock.StepMs() * float64(time.Millisecond)))
	defer ticker.Stop()

	start := time.Now()
	last := start
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dtMs := float64(now.Sub(last)) / float64(time.Millisecond)
			last = now
			begin := time.Now()
			k.clock.Advance(dtMs)
			k.conns.Tick(float64(now.Sub(start)) / float64(time.Millisecond))
			k.world.Advance(dtMs)
			k.metrics.ObserveTick(time.Since(begin).Seconds())
		}
	}
}

// every runs fn on a ticker until ctx is done or fn fails. Non-positive intervals disable it.
func every(ctx context.Context, g *errgroup.Group, interval time.Duration, fn func() error) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(); err != nil {
					return err
				}
			}
		}
	})
}

// wsEndpoint builds the websocket URL clients dial for a listen address.
func wsEndpoint(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "ws://" + listen + "/coop/ws"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}
	return "ws://" + net.JoinHostPort(host, port) + "/coop/ws"
}

// poolView exposes the pool to the admin API and keeps the worker gauge current.
type poolView struct {
	pool    *workerpool.Pool
	metrics *metrics.Metrics
}

func (v poolView) Workers() int { return v.pool.Workers() }
func (v poolView) Pending() int { return v.pool.Pending() }

func (v poolView) Resize(n int) {
	v.pool.Resize(n)
	v.metrics.PoolWorkers(v.pool.Workers())
}
