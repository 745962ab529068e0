package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/config"
	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/metrics"
	"github.com/jia-app/paymentgateway/internal/service"
	"github.com/jia-app/paymentgateway/internal/tracing"
)

// WebhookPath is the single endpoint the processor delivers to
const WebhookPath = "/webhooks/stripe"

// SignatureHeader carries the processor's signature
const SignatureHeader = "Stripe-Signature"

const (
	corsAllowMethods = "POST, OPTIONS"
	corsAllowHeaders = "Content-Type, stripe-signature"
	corsMaxAge       = "86400"
	bodyLimit        = 1 << 20
)

// WebhookProcessor verifies and applies one delivery
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, req *service.WebhookRequest) (*service.WebhookResponse, error)
}

// HTTPServer is the webhook entry point
type HTTPServer struct {
	app       *fiber.App
	config    config.ServerConfig
	processor WebhookProcessor
	logger    *zap.Logger
}

// NewHTTPServer creates the webhook HTTP server
func NewHTTPServer(cfg config.ServerConfig, processor WebhookProcessor, logger *zap.Logger) *HTTPServer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 8 * time.Second
	}

	s := &HTTPServer{
		config:    cfg,
		processor: processor,
		logger:    logger,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "webhook-gateway",
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ReadTimeout:           cfg.RequestTimeout,
		WriteTimeout:          cfg.RequestTimeout,
		ErrorHandler:          s.handleError,
	})

	// requestContext wraps recover so panics still get a log line and a JSON body
	s.app.Use(s.requestContext, recover.New(), s.cors)
	s.app.All(WebhookPath, s.handleWebhook)
	return s
}

// App returns the underlying fiber app
func (s *HTTPServer) App() *fiber.App {
	return s.app
}

// Start listens on the configured address until Shutdown
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting webhook HTTP server",
		zap.String("address", s.config.Address),
		zap.String("path", WebhookPath))
	return s.app.Listen(s.config.Address)
}

// Shutdown stops accepting deliveries and waits for in-flight ones
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down webhook HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// requestContext attaches a request id and span to the delivery and emits
// the one log line per request.
func (s *HTTPServer) requestContext(c *fiber.Ctx) error {
	start := time.Now()
	requestID := uuid.New().String()

	ctx := log.WithRequestID(c.UserContext(), requestID)
	ctx, span := tracing.StartSpan(ctx, "webhook.http")
	defer span.End()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		ctx = log.WithTraceID(ctx, traceID)
	}
	c.SetUserContext(ctx)
	c.Set("X-Request-ID", requestID)

	if err := c.Next(); err != nil {
		tracing.RecordError(span, err)
		if herr := s.handleError(c, err); herr != nil {
			return herr
		}
	}

	status := c.Response().StatusCode()
	duration := time.Since(start)
	metrics.RecordHTTPRequest(c.Method(), strconv.Itoa(status), duration)
	span.SetAttributes(
		attribute.String("http.method", c.Method()),
		attribute.Int("http.status_code", status),
	)

	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.Int("body_bytes", len(c.Body())),
	}
	switch {
	case status >= fiber.StatusInternalServerError:
		log.Error(ctx, "Webhook request failed", fields...)
	case status >= fiber.StatusBadRequest:
		log.Warn(ctx, "Webhook request rejected", fields...)
	default:
		log.Info(ctx, "Webhook request completed", fields...)
	}
	return nil
}

// cors sets the allow-list headers on every response, preflight or not
func (s *HTTPServer) cors(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, s.allowedOrigin(c.Get(fiber.HeaderOrigin)))
	c.Set(fiber.HeaderAccessControlAllowMethods, corsAllowMethods)
	c.Set(fiber.HeaderAccessControlAllowHeaders, corsAllowHeaders)
	c.Set(fiber.HeaderAccessControlMaxAge, corsMaxAge)
	c.Vary(fiber.HeaderOrigin)
	return c.Next()
}

// allowedOrigin echoes origin when it is allow-listed and otherwise pins the first entry
func (s *HTTPServer) allowedOrigin(origin string) string {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return allowed
		}
	}
	if len(s.config.AllowedOrigins) == 0 {
		return ""
	}
	return s.config.AllowedOrigins[0]
}

func (s *HTTPServer) handleWebhook(c *fiber.Ctx) error {
	switch c.Method() {
	case fiber.MethodOptions:
		return c.SendStatus(fiber.StatusNoContent)
	case fiber.MethodPost:
	default:
		c.Set(fiber.HeaderAllow, corsAllowMethods)
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "Method not allowed"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.config.RequestTimeout)
	defer cancel()

	// fasthttp reuses the body buffer once the handler returns
	payload := append([]byte(nil), c.Body()...)

	resp, err := s.processor.ProcessWebhook(ctx, &service.WebhookRequest{
		Payload:   payload,
		Signature: c.Get(SignatureHeader),
	})
	if err != nil {
		return s.writeError(c, err)
	}

	fields := []zap.Field{
		zap.String("event_id", resp.EventID),
		zap.String("event_type", resp.EventType),
		zap.String("outcome", resp.Outcome),
	}
	log.Debug(ctx, "Webhook accepted", fields...)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true})
}

// writeError maps err to its status. Client errors carry only the message and
// verification details; server errors add success=false and the error type.
func (s *HTTPServer) writeError(c *fiber.Ctx, err error) error {
	var werr *domain.WebhookError
	if !errors.As(err, &werr) {
		werr = domain.NewWebhookError(fiber.StatusInternalServerError, "Internal server error", err)
	}
	status := werr.StatusCode
	if status == 0 {
		status = fiber.StatusInternalServerError
	}

	body := fiber.Map{"error": werr.Message}
	if werr.Code != "" {
		body["code"] = werr.Code
	}
	if werr.Detail != "" {
		body["detail"] = werr.Detail
	}
	if status >= fiber.StatusInternalServerError {
		body["success"] = false
		if werr.Type != "" {
			body["type"] = werr.Type
		}
	}
	return c.Status(status).JSON(body)
}

// handleError answers errors that escaped a handler, including recovered panics
func (s *HTTPServer) handleError(c *fiber.Ctx, err error) error {
	var ferr *fiber.Error
	if errors.As(err, &ferr) {
		if ferr.Code == fiber.StatusRequestEntityTooLarge || ferr.Code < fiber.StatusInternalServerError {
			return c.Status(ferr.Code).JSON(fiber.Map{"error": ferr.Message})
		}
	}
	log.Error(c.UserContext(), "Unhandled webhook error", zap.Error(err))
	return s.writeError(c, err)
}
