// Package controlapi exposes §6's operational surface over HTTP: check_queue,
// cancel_job, retry_job, and start_queue/stop_queue. It is a supplemented
// feature — the spec names these as operations "the core consumes", leaving
// the transport unspecified, so this gives them a concrete surface the way
// the teacher's internal/handlers package fronts its domain services with
// gin, generalized from REST resource handlers to these five operations.
package controlapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/midwife"
	"github.com/oceanrun/jobkeep/internal/producer"
	"github.com/oceanrun/jobkeep/internal/registry"
)

// Store is the subset of store.Store the control API calls directly.
type Store interface {
	Cancel(ctx context.Context, jobID uint64, reason string, now time.Time) error
	Retry(ctx context.Context, jobID uint64, now time.Time) error
	RunningIDs(ctx context.Context, queue string) ([]uint64, error)
}

type Server struct {
	cfg      serverConfig
	store    Store
	midwife  *midwife.Midwife
	registry *registry.Registry
	log      *logger.Logger
	engine   *gin.Engine
	now      func() time.Time
}

type serverConfig struct {
	instance string
	node     string
	addr     string
}

func New(instance, node, addr string, store Store, mw *midwife.Midwife, reg *registry.Registry, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	engine.Use(requestIDMiddleware)

	s := &Server{
		cfg:      serverConfig{instance: instance, node: node, addr: addr},
		store:    store,
		midwife:  mw,
		registry: reg,
		log:      log.With("component", "ControlAPI"),
		engine:   engine,
		now:      time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.POST("/jobs/:id/cancel", s.handleCancelJob)
	s.engine.POST("/jobs/:id/retry", s.handleRetryJob)
	s.engine.GET("/queues/:name", s.handleCheckQueue)
	s.engine.POST("/queues/:name/start", s.handleStartQueue)
	s.engine.POST("/queues/:name/stop", s.handleStopQueue)
}

// Run blocks serving HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// requestIDMiddleware stamps every request with a correlation id, echoed
// back in the response header so operators can thread a request through
// logs even though job ids are opaque uint64s.
func requestIDMiddleware(c *gin.Context) {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.New().String()
	}
	c.Set("request_id", id)
	c.Header("X-Request-ID", id)
	c.Next()
}

func parseJobID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := s.store.Cancel(c.Request.Context(), id, body.Reason, s.now().UTC()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if producerHandle, ok := s.findProducer(c.Query("queue")); ok {
		producerHandle.Pkill(id)
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": "cancelled"})
}

func (s *Server) handleRetryJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	if err := s.store.Retry(c.Request.Context(), id, s.now().UTC()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": "available"})
}

// handleCheckQueue implements check_queue's response shape: {limit, paused,
// node, queue, running: [ids], started_at}, using the in-memory running set
// when the queue has a live local Producer, falling back to the durable
// RunningIDs query otherwise.
func (s *Server) handleCheckQueue(c *gin.Context) {
	queue := c.Param("name")
	p, live := s.findProducer(queue)
	if live {
		c.JSON(http.StatusOK, gin.H{
			"queue":      queue,
			"limit":      p.Limit(),
			"paused":     p.Paused(),
			"node":       p.Node(),
			"running":    p.Snapshot(),
			"started_at": p.StartedAt(),
		})
		return
	}

	ids, err := s.store.RunningIDs(c.Request.Context(), queue)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "running": ids, "paused": nil, "node": nil})
}

func (s *Server) handleStartQueue(c *gin.Context) {
	queue := c.Param("name")
	var body struct {
		Limit int64 `json:"limit"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Limit <= 0 {
		body.Limit = 1
	}
	s.midwife.StartQueue(c.Request.Context(), producer.Config{Queue: queue, Limit: body.Limit, Node: s.cfg.node})
	c.JSON(http.StatusOK, gin.H{"queue": queue, "status": "started"})
}

func (s *Server) handleStopQueue(c *gin.Context) {
	queue := c.Param("name")
	s.midwife.StopQueue(queue)
	c.JSON(http.StatusOK, gin.H{"queue": queue, "status": "stopped"})
}

func (s *Server) findProducer(queue string) (*producer.Producer, bool) {
	if queue == "" {
		return nil, false
	}
	handle, ok := s.registry.Get(registry.Key{Instance: s.cfg.instance, Role: registry.RoleProducer, Queue: queue})
	if !ok {
		return nil, false
	}
	p, ok := handle.(*producer.Producer)
	return p, ok
}
