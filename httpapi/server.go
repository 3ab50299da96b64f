// Package httpapi exposes the gate over HTTP with fiber.
//
// Every response uses the Envelope shape. Admission control runs before
// authentication, so a flood of bad tokens is throttled like any other
// traffic.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/oauth"
)

// Service is the part of the gate the HTTP layer drives.
type Service interface {
	Authenticate(token string) (creditgate.Claims, error)
	Login(ctx context.Context, id creditgate.Identity) (creditgate.LoginResult, error)
	Me(ctx context.Context, token string) (creditgate.Account, creditgate.Billing, error)
	Summarize(ctx context.Context, req creditgate.SummarizeRequest) (creditgate.SummarizeResult, error)
}

var _ Service = (*creditgate.Gate)(nil)

// Server is the HTTP front end.
type Server struct {
	app        *fiber.App
	service    Service
	exchangers *oauth.Registry
	limiter    *IPLimiter
	logger     *slog.Logger
}

// Option configures the Server.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	limiter     *IPLimiter
	bodyLimit   int
	corsOrigins []string
}

// WithLogger sets the access and error logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLimiter enables per-IP admission control.
func WithLimiter(l *IPLimiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithBodyLimit caps request bodies in bytes (default 262144).
func WithBodyLimit(n int) Option {
	return func(o *options) { o.bodyLimit = n }
}

// WithCORSOrigins sets the allowed CORS origins (default any).
func WithCORSOrigins(origins ...string) Option {
	return func(o *options) { o.corsOrigins = origins }
}

// ConfigOptions builds server options from the server and ratelimit
// config sections.
func ConfigOptions(cfg creditgate.Config) []Option {
	return []Option{
		WithBodyLimit(cfg.Server.BodyLimit),
		WithCORSOrigins(cfg.Server.CORSOrigins...),
		WithLimiter(NewIPLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Period.Std(), cfg.RateLimit.Burst)),
	}
}

// New builds the fiber app and registers all routes.
func New(service Service, exchangers *oauth.Registry, opts ...Option) *Server {
	o := options{
		logger:      slog.Default(),
		bodyLimit:   262144,
		corsOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if exchangers == nil {
		exchangers = oauth.NewRegistry()
	}

	s := &Server{
		service:    service,
		exchangers: exchangers,
		limiter:    o.limiter,
		logger:     o.logger,
	}

	s.app = fiber.New(fiber.Config{
		BodyLimit:    o.bodyLimit,
		ErrorHandler: s.handleError,
	})

	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.accessLog)
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: o.corsOrigins,
		AllowHeaders: []string{fiber.HeaderAuthorization, fiber.HeaderContentType},
	}))
	if s.limiter != nil {
		s.app.Use(s.rateLimit)
	}

	api := s.app.Group("/api")
	api.Post("/oauth/access/:provider", s.login)
	api.Get("/oauth/validate", s.validate)
	api.Get("/accounts/@me", s.me)
	api.Post("/services/summarize", s.summarize)

	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Limiter returns the admission limiter, or nil when disabled.
func (s *Server) Limiter() *IPLimiter { return s.limiter }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) accessLog(c fiber.Ctx) error {
	start := time.Now()
	if err := c.Next(); err != nil {
		if herr := s.handleError(c, err); herr != nil {
			return herr
		}
	}

	s.logger.Info("http_request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration_ms", time.Since(start).Milliseconds(),
		"ip", c.IP(),
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
	)
	return nil
}

func (s *Server) rateLimit(c fiber.Ctx) error {
	if !s.limiter.Allow(c.IP()) {
		return fail(c, http.StatusTooManyRequests, IDTooManyRequests, "Too many requests")
	}
	return c.Next()
}

func (s *Server) handleError(c fiber.Ctx, err error) error {
	status, id, message := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Context(), "request_failed",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
			"error", err,
		)
	}
	return fail(c, status, id, message)
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(c fiber.Ctx) (string, error) {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if header == "" {
		return "", creditgate.ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", creditgate.ErrMalformedToken
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", creditgate.ErrMalformedToken
	}
	return token, nil
}
