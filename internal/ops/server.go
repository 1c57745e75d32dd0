// Package ops is the operator HTTP surface: health, Prometheus metrics,
// the current event list as JSON and as an iCalendar feed.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"eventbot/internal/eventbus"
	"eventbot/internal/model"
	"eventbot/internal/storage"
	"eventbot/internal/task/scheduler"
	logx "eventbot/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInsecureBind is returned by Run for a non-loopback address without a token.
var ErrInsecureBind = errors.New("ops: non-loopback addr requires token or allow_insecure")

// Config controls the HTTP server.
//
// Prefer binding to localhost. A non-loopback Addr needs Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	CalendarName  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Tracker is the read side of tracker.Engine.
type Tracker interface {
	Current(ctx context.Context) ([]model.Event, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// SchedulerView is satisfied by *scheduler.Service.
type SchedulerView interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the collaborators. Bus, Gatherer and Scheduler are optional.
type Deps struct {
	Tracker   Tracker
	DB        Pinger
	Bus       eventbus.Bus
	Gatherer  prometheus.Gatherer
	Scheduler SchedulerView
	Clock     func() time.Time
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu   sync.RWMutex
	last map[string]eventbus.RunSummary

	handler http.Handler
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// pprof profile defaults to 30s of sampling.
		cfg.WriteTimeout = 60 * time.Second
	}
	if strings.TrimSpace(cfg.CalendarName) == "" {
		cfg.CalendarName = "eventbot"
	}
	s := &Service{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "ops")),
		last: map[string]eventbus.RunSummary{},
	}
	s.handler = s.routes()
	return s
}

// Handler exposes the router (used by tests and embedding).
func (s *Service) Handler() http.Handler { return s.handler }

// Record stores the latest run summary of its kind for /healthz.
func (s *Service) Record(sum eventbus.RunSummary) {
	s.mu.Lock()
	s.last[sum.Kind] = sum
	s.mu.Unlock()
}

func (s *Service) lastRuns() map[string]eventbus.RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]eventbus.RunSummary, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

// Run serves until ctx is done, recording run summaries from the bus.
func (s *Service) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			s.log.Error("ops refused to start", logx.String("addr", addr))
			return ErrInsecureBind
		}
		s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if s.deps.Bus != nil {
		ch, unsub := s.deps.Bus.Subscribe(16, eventbus.TypeScanCompleted, eventbus.TypeCountdownCompleted)
		defer unsub()
		go func() {
			for ev := range ch {
				if sum, ok := ev.Data.(eventbus.RunSummary); ok {
					s.Record(sum)
				}
			}
		}()
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("ops started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(sctx)
	s.log.Info("ops stopped")
	return err
}

func (s *Service) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), withAuth(s.cfg.Token))

	r.GET("/healthz", s.health)
	r.GET("/api/events", s.events)
	r.GET("/calendar.ics", s.calendar)
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttpHandler(s.deps.Gatherer)))
	}
	if s.cfg.Pprof {
		mountPprof(r.Group("/debug/pprof"))
	}
	return r
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request ok", fields...)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
