// Package web provides the HTTP status server: health, the latest run report,
// run history, Prometheus metrics and an authenticated run trigger.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/core"
	mw "github.com/JonMunkholm/cnpjsync/internal/web/middleware"
)

// Runner is the pipeline as seen by the status server.
type Runner interface {
	// TryStart claims the run slot; the returned function executes the run.
	TryStart() (func(ctx context.Context) (core.RunReport, error), bool)
	Last() (core.RunReport, bool)
	Running() bool
	Transfers() core.TransferLimiterStatus
}

// History lists past runs, newest first.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]core.RunReport, error)
}

// Server is the HTTP status server.
type Server struct {
	ctx     context.Context
	runner  Runner
	history History
	cfg     config.StatusConfig
	log     *slog.Logger
	router  *chi.Mux
	server  *http.Server

	// wg tracks runs started over HTTP
	wg sync.WaitGroup
}

// NewServer creates a status server. Runs triggered over HTTP use ctx and
// stop when it is cancelled. history may be nil.
func NewServer(ctx context.Context, runner Runner, history History, cfg config.StatusConfig, log *slog.Logger) *Server {
	s := &Server{
		ctx:     ctx,
		runner:  runner,
		history: history,
		cfg:     cfg,
		log:     log.With("component", "status"),
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/report", s.handleReport)
	s.router.Get("/report/summary", s.handleReportSummary)
	s.router.Get("/runs", s.handleRuns)

	// Triggering runs is write access: API key and a per-IP rate limit
	s.router.Group(func(r chi.Router) {
		limiter := newRateLimiter(s.ctx, rate.Every(time.Minute/10), 10, 5*time.Minute)
		r.Use(limiter.middleware)
		r.Use(mw.APIKeyAuth(s.cfg.APIKeys))
		r.Post("/run", s.handleTriggerRun)
	})
}

// Start begins listening for HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("starting status server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and waits for runs it started.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration // entries unseen this long are evicted
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows burst requests at once and r per second after that.
// Idle entries are evicted until ctx is done.
func newRateLimiter(ctx context.Context, r rate.Limit, burst int, idle time.Duration) *rateLimiter {
	rl := &rateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    burst,
		idle:     idle,
	}
	go rl.cleanup(ctx)
	return rl
}

// cleanup removes idle entries every idle period.
func (rl *rateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rl.evict(time.Now().Add(-rl.idle))
	}
}

func (rl *rateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

// allow reports whether ip may proceed now and, if not, how long until its
// next token.
func (rl *rateLimiter) allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()

	res := entry.limiter.Reserve()
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// middleware returns an HTTP middleware that rate limits by IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RemoteAddr was rewritten by TrustedRealIP for trusted proxies
		ok, retryAfter := rl.allow(mw.ClientIP(r))
		if !ok {
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
