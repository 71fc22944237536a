// Package status serves a read-only view of sync health and bookings over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/logging"
)

// Server is the status HTTP server.
type Server struct {
	store      booking.Store
	props      booking.Directory
	gatherer   prometheus.Gatherer
	logger     *logging.Logger
	now        func() time.Time
	staleAfter time.Duration
	engine     *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithStaleAfter sets the age past which a property's last success is stale.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithGatherer exposes metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server.
func New(store booking.Store, props booking.Directory, logger *logging.Logger, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:      store,
		props:      props,
		logger:     logging.OrNop(logger).Component("status"),
		now:        time.Now,
		staleAfter: 2 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.accessLog())
	engine.GET("/healthz", s.handleHealth)

	api := engine.Group("/api")
	{
		api.GET("/properties", s.handleProperties)
		api.GET("/bookings", s.handleBookings)
		api.GET("/tasks", s.handleTasks)
		api.GET("/messages", s.handleMessages)
	}

	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	s.engine = engine
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	err := s.store.View(c.Request.Context(), func(tx booking.Tx) error {
		_, err := tx.ListPollStatuses(c.Request.Context())
		return err
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PropertyStatus is one row of /api/properties.
type PropertyStatus struct {
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	Stale bool                `json:"stale"`
	Poll  *booking.PollStatus `json:"poll,omitempty"`
}

func (s *Server) handleProperties(c *gin.Context) {
	var polls []booking.PollStatus
	err := s.store.View(c.Request.Context(), func(tx booking.Tx) error {
		var err error
		polls, err = tx.ListPollStatuses(c.Request.Context())
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	byID := make(map[string]booking.PollStatus, len(polls))
	for _, p := range polls {
		byID[p.PropertyID] = p
	}

	now := s.now()
	out := make([]PropertyStatus, 0, len(s.props))
	for _, p := range s.props.Enabled() {
		row := PropertyStatus{ID: p.ID, Name: s.props.Name(p.ID), Stale: true}
		if poll, ok := byID[p.ID]; ok {
			row.Poll = &poll
			row.Stale = poll.Stale(now, s.staleAfter)
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleBookings(c *gin.Context) {
	f := booking.Filter{PropertyID: c.Query("property"), Statuses: booking.ActiveStatuses()}
	if st := c.Query("status"); st != "" {
		if st == "all" {
			f.Statuses = nil
		} else {
			f.Statuses = []booking.Status{booking.Status(st)}
		}
	}
	if from := c.Query("from"); from != "" {
		day, err := booking.ParseDay(from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.CheckOutFrom = day
	}

	var list []booking.Booking
	err := s.store.View(c.Request.Context(), func(tx booking.Tx) error {
		var err error
		list, err = tx.ListBookings(c.Request.Context(), f)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []booking.Booking{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleTasks(c *gin.Context) {
	f := booking.TaskFilter{
		PropertyID: c.Query("property"),
		Statuses:   []booking.TaskStatus{booking.TaskPending, booking.TaskNotified},
	}
	var list []booking.CleaningTask
	err := s.store.View(c.Request.Context(), func(tx booking.Tx) error {
		var err error
		list, err = tx.ListTasks(c.Request.Context(), f)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []booking.CleaningTask{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleMessages(c *gin.Context) {
	list := []booking.Message{}
	err := s.store.View(c.Request.Context(), func(tx booking.Tx) error {
		all, err := tx.ListMessages(c.Request.Context(), 0)
		if err != nil {
			return err
		}
		for _, m := range all {
			if m.Status == booking.MessageQueued {
				list = append(list, m)
			}
		}
		return nil
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("status query failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
