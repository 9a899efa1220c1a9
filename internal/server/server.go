// Package server exposes matching runs over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4thel00z/turntable/internal"
)

// Runner executes a pipeline run. *internal.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, in internal.RunInput) (*internal.RunResult, error)
}

// RunStore reads back exported runs. *internal.SQLiteStore satisfies it.
type RunStore interface {
	ListRuns(ctx context.Context, limit, offset int) ([]internal.RunReport, error)
	GetRun(ctx context.Context, id string) (internal.RunReport, error)
	DeleteRun(ctx context.Context, id string) error
}

type Config struct {
	Version       string
	MaxConcurrent int
	QueueTimeout  time.Duration
	FailedRunTTL  time.Duration // zero keeps failures for an hour
	Mode          string        // gin mode: debug, release or test
}

const defaultFailedRunTTL = time.Hour

type job struct {
	cancel   context.CancelFunc
	status   RunStatus
	err      string
	failedAt time.Time
}

// Server accepts runs, executes them in the background one slot at a time
// and serves their stored reports.
type Server struct {
	runner       Runner
	store        RunStore
	loaded       func() []string
	logger       *zap.Logger
	version      string
	semaphore    chan struct{}
	queueTimeout time.Duration
	failedTTL    time.Duration
	now          func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup

	router *gin.Engine
}

// New wires the routes. loaded reports which models are in memory and may
// be nil.
func New(cfg Config, runner Runner, store RunStore, loaded func() []string, logger *zap.Logger) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.FailedRunTTL <= 0 {
		cfg.FailedRunTTL = defaultFailedRunTTL
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if loaded == nil {
		loaded = func() []string { return nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		runner:       runner,
		store:        store,
		loaded:       loaded,
		logger:       logger,
		version:      cfg.Version,
		semaphore:    make(chan struct{}, cfg.MaxConcurrent),
		queueTimeout: cfg.QueueTimeout,
		failedTTL:    cfg.FailedRunTTL,
		now:          time.Now,
		jobs:         make(map[string]*job),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	r.GET("/health", s.health)
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": s.version})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/runs", s.createRun)
		api.GET("/runs", s.listRuns)
		api.GET("/runs/:id", s.getRun)
		api.DELETE("/runs/:id", s.deleteRun)
	}

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is done, then cancels running jobs and
// waits for them to finish their current image.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait(true)
	return err
}

// Wait blocks until background runs end, canceling them first when cancel is set.
func (s *Server) Wait(cancel bool) {
	if cancel {
		s.mu.Lock()
		for _, j := range s.jobs {
			if j.cancel != nil {
				j.cancel()
			}
		}
		s.mu.Unlock()
	}
	s.wg.Wait()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"models":  s.loaded(),
	})
}

func (s *Server) createRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Message: "invalid request", Error: err.Error()})
		return
	}

	id := uuid.NewString()
	in, err := req.Input(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Message: "invalid run", Error: err.Error()})
		return
	}

	if !s.acquire(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, Response{Message: "run queue is full, retry later"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.pruneFailedLocked()
	s.jobs[id] = &job{cancel: cancel, status: StatusRunning}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.semaphore }()
		defer cancel()
		s.execute(ctx, id, in)
	}()

	c.JSON(http.StatusAccepted, Response{Success: true, Data: RunState{ID: id, Status: StatusRunning}})
}

func (s *Server) acquire(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.queueTimeout)
	defer cancel()

	select {
	case s.semaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) execute(ctx context.Context, id string, in internal.RunInput) {
	run, err := s.runner.Run(ctx, in)

	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.jobs[id]
	switch {
	case run == nil:
		j.status = StatusFailed
		j.err = err.Error()
		j.cancel = nil
		j.failedAt = s.now()
		s.logger.Error("run failed", zap.String("run", id), zap.Error(err))
	case err != nil:
		s.logger.Warn("run finished with export errors", zap.String("run", id), zap.Error(err))
		delete(s.jobs, id)
	default:
		delete(s.jobs, id)
	}
}

func (s *Server) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	runs, err := s.store.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Message: "list runs failed", Error: err.Error()})
		return
	}
	if runs == nil {
		runs = []internal.RunReport{}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: runs})
}

func (s *Server) getRun(c *gin.Context) {
	id := c.Param("id")

	if state, ok := s.jobState(id); ok {
		c.JSON(http.StatusOK, Response{Success: true, Data: state})
		return
	}

	rep, err := s.store.GetRun(c.Request.Context(), id)
	if errors.Is(err, internal.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, Response{Message: "run not found"})
		return
	}
	if err != nil {
		s.logger.Error("get run", zap.String("run", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Message: "get run failed", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: rep})
}

// deleteRun cancels a running job or deletes a stored run.
func (s *Server) deleteRun(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	s.pruneFailedLocked()
	if j, ok := s.jobs[id]; ok {
		if j.status == StatusFailed {
			delete(s.jobs, id)
			s.mu.Unlock()
			c.Status(http.StatusNoContent)
			return
		}
		j.status = StatusCanceling
		j.cancel()
		s.mu.Unlock()
		c.JSON(http.StatusAccepted, Response{Success: true, Data: RunState{ID: id, Status: StatusCanceling}})
		return
	}
	s.mu.Unlock()

	err := s.store.DeleteRun(c.Request.Context(), id)
	if errors.Is(err, internal.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, Response{Message: "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Message: "delete run failed", Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) jobState(id string) (RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneFailedLocked()
	j, ok := s.jobs[id]
	if !ok {
		return RunState{}, false
	}
	return RunState{ID: id, Status: j.status, Error: j.err}, true
}

// pruneFailedLocked forgets failed runs older than the TTL. Failed runs have
// no stored report, so after this they answer 404. Callers hold s.mu.
func (s *Server) pruneFailedLocked() {
	cutoff := s.now().Add(-s.failedTTL)
	for id, j := range s.jobs {
		if j.status == StatusFailed && j.failedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}
