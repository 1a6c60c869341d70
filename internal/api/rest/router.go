// Package rest provides the Gin-based status and admin API.
package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/assetcache"
	"github.com/iggydv12/coopsync/internal/connection"
	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/session"
)

// Peers is the connection view the API reads and administers.
type Peers interface {
	Status() []connection.Status
	Disconnect(peer protocol.PeerID, reason string) bool
}

// Ledger is the economy view the API reads and grants through.
type Ledger interface {
	Balance(peer protocol.PeerID) uint64
	Snapshot() map[protocol.PeerID]uint64
	Transfer(peer protocol.PeerID, delta int64, nonce uint64) (bool, uint64)
}

// Pool reports and resizes the worker pool.
type Pool interface {
	Workers() int
	Pending() int
	Resize(n int)
}

// Sessions reads and rolls back saved sessions.
type Sessions interface {
	Latest(id string) (session.State, error)
	History(id string) ([]uint64, error)
	Rollback(id string, steps int) (session.State, error)
}

// Deps are the components behind the API. Nil members answer 503.
type Deps struct {
	Peers     Peers
	Ledger    Ledger
	Pool      Pool
	Sessions  Sessions
	CacheRoot string
	Gatherer  prometheus.Gatherer
	// WebSocket, when set, is mounted at /coop/ws.
	WebSocket http.Handler
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	deps   Deps
	logger *zap.Logger
}

// New creates a REST Server.
func New(deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, deps: deps, logger: logger}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("REST API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// registerRoutes sets up the /coop context path.
func (s *Server) registerRoutes() {
	if s.deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	coop := s.engine.Group("/coop")
	coop.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.deps.WebSocket != nil {
		coop.GET("/ws", gin.WrapH(s.deps.WebSocket))
	}

	peers := coop.Group("/peers")
	{
		peers.GET("", s.listPeers)
		peers.GET("/:id", s.getPeer)
		peers.POST("/:id/disconnect", s.disconnectPeer)
	}

	ledgerGroup := coop.Group("/ledger")
	{
		ledgerGroup.GET("", s.ledgerSnapshot)
		ledgerGroup.GET("/:id", s.balance)
		ledgerGroup.POST("/:id/transfer", s.transfer)
	}

	coop.GET("/cache", s.cacheUsage)
	coop.GET("/pool", s.poolStatus)
	coop.POST("/pool", s.resizePool)

	sessions := coop.Group("/sessions")
	{
		sessions.GET("/:id", s.latestSession)
		sessions.GET("/:id/history", s.sessionHistory)
		sessions.POST("/:id/rollback", s.rollbackSession)
	}
}

func unavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not available on this node"})
}

func peerParam(c *gin.Context) (protocol.PeerID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return 0, false
	}
	return protocol.PeerID(id), true
}

// --- Peer handlers ---

func (s *Server) listPeers(c *gin.Context) {
	if s.deps.Peers == nil {
		unavailable(c)
		return
	}
	c.JSON(http.StatusOK, s.deps.Peers.Status())
}

func (s *Server) getPeer(c *gin.Context) {
	if s.deps.Peers == nil {
		unavailable(c)
		return
	}
	id, ok := peerParam(c)
	if !ok {
		return
	}
	for _, st := range s.deps.Peers.Status() {
		if st.Peer == id {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
}

func (s *Server) disconnectPeer(c *gin.Context) {
	if s.deps.Peers == nil {
		unavailable(c)
		return
	}
	id, ok := peerParam(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "kicked"
	}
	if !s.deps.Peers.Disconnect(id, body.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
		return
	}
	s.logger.Info("Peer disconnected by admin", zap.Uint32("peer", uint32(id)), zap.String("reason", body.Reason))
	c.JSON(http.StatusOK, gin.H{"result": true})
}

// --- Ledger handlers ---

func (s *Server) ledgerSnapshot(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c)
		return
	}
	c.JSON(http.StatusOK, s.deps.Ledger.Snapshot())
}

func (s *Server) balance(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c)
		return
	}
	id, ok := peerParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer": id, "balance": s.deps.Ledger.Balance(id)})
}

func (s *Server) transfer(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c)
		return
	}
	id, ok := peerParam(c)
	if !ok {
		return
	}
	var body struct {
		Delta int64  `json:"delta"`
		Nonce uint64 `json:"nonce" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted, bal := s.deps.Ledger.Transfer(id, body.Delta, body.Nonce)
	status := http.StatusOK
	if !accepted {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"accepted": accepted, "balance": bal})
}

// --- Cache and pool ---

func (s *Server) cacheUsage(c *gin.Context) {
	if s.deps.CacheRoot == "" {
		unavailable(c)
		return
	}
	usage, err := assetcache.Usage(s.deps.CacheRoot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var total int64
	for _, u := range usage {
		total += u.Bytes
	}
	c.JSON(http.StatusOK, gin.H{"bundles": usage, "totalBytes": total})
}

func (s *Server) poolStatus(c *gin.Context) {
	if s.deps.Pool == nil {
		unavailable(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": s.deps.Pool.Workers(), "pending": s.deps.Pool.Pending()})
}

func (s *Server) resizePool(c *gin.Context) {
	if s.deps.Pool == nil {
		unavailable(c)
		return
	}
	var body struct {
		Workers int `json:"workers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Workers <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workers must be a positive integer"})
		return
	}
	s.deps.Pool.Resize(body.Workers)
	c.JSON(http.StatusOK, gin.H{"workers": s.deps.Pool.Workers(), "pending": s.deps.Pool.Pending()})
}

// --- Session handlers ---

func (s *Server) sessionError(c *gin.Context, err error) {
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) latestSession(c *gin.Context) {
	if s.deps.Sessions == nil {
		unavailable(c)
		return
	}
	st, err := s.deps.Sessions.Latest(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) sessionHistory(c *gin.Context) {
	if s.deps.Sessions == nil {
		unavailable(c)
		return
	}
	seqs, err := s.deps.Sessions.History(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seqs": seqs})
}

func (s *Server) rollbackSession(c *gin.Context) {
	if s.deps.Sessions == nil {
		unavailable(c)
		return
	}
	var body struct {
		Steps int `json:"steps"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Steps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "steps must be a non-negative integer"})
		return
	}
	st, err := s.deps.Sessions.Rollback(c.Param("id"), body.Steps)
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
