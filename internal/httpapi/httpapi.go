// Package httpapi exposes the producer and consumer over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

// Greeting is the request GET /send publishes
const (
	GreetingPattern = "message_print"
	GreetingText    = "Hello from Producer!"
)

const maxBodyBytes = 1 << 20

// Sender publishes on behalf of HTTP callers
type Sender interface {
	Send(ctx context.Context, pattern string, payload any) (json.RawMessage, error)
	Emit(ctx context.Context, pattern string, payload any) error
}

// ProducerConfig holds the dependencies of the producer router
type ProducerConfig struct {
	Sender      Sender
	Ready       http.Handler
	Metrics     http.Handler
	CORSOrigins []string
	Logger      *slog.Logger
}

// ConsumerConfig holds the dependencies of the consumer router
type ConsumerConfig struct {
	Queue    string
	Patterns []string
	Ready    http.Handler
	Metrics  http.Handler
	Logger   *slog.Logger
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type producer struct {
	sender Sender
	logger *slog.Logger
}

// NewProducerRouter builds the producer's HTTP handler
func NewProducerRouter(cfg ProducerConfig) http.Handler {
	p := &producer{sender: cfg.Sender, logger: cfg.Logger}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	hr := newRouter()
	hr.GET("/send", p.greet)
	hr.POST("/send/:pattern", p.send)
	hr.POST("/emit/:pattern", p.emit)
	mountCommon(hr, cfg.Ready, cfg.Metrics)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(hr)
}

// NewConsumerRouter builds the consumer's HTTP handler
func NewConsumerRouter(cfg ConsumerConfig) http.Handler {
	hr := newRouter()
	hr.GET("/", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, map[string]any{
			"queue":    cfg.Queue,
			"patterns": cfg.Patterns,
		}, http.StatusOK)
	})
	mountCommon(hr, cfg.Ready, cfg.Metrics)
	return hr
}

func newRouter() *httprouter.Router {
	return &httprouter.Router{
		RedirectTrailingSlash:  true,
		RedirectFixedPath:      true,
		HandleMethodNotAllowed: true,
		HandleOPTIONS:          true,
		NotFound: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, errorResponse{Message: "endpoint not found"}, http.StatusNotFound)
		}),
		MethodNotAllowed: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, errorResponse{Message: "method not allowed"}, http.StatusMethodNotAllowed)
		}),
	}
}

func mountCommon(hr *httprouter.Router, ready, metrics http.Handler) {
	hr.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	if ready != nil {
		hr.Handler(http.MethodGet, "/readyz", ready)
	}
	if metrics != nil {
		hr.Handler(http.MethodGet, "/metrics", metrics)
	}
}

// greet sends the fixed greeting request and writes the reply as text
func (p *producer) greet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	reply, err := p.sender.Send(r.Context(), GreetingPattern, map[string]string{"text": GreetingText})
	if err != nil {
		p.fail(w, GreetingPattern, err)
		return
	}

	var text string
	if err := json.Unmarshal(reply, &text); err != nil {
		writeRaw(w, reply, http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (p *producer) send(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pattern := ps.ByName("pattern")
	payload, err := readPayload(w, r)
	if err != nil {
		p.fail(w, pattern, err)
		return
	}

	reply, err := p.sender.Send(r.Context(), pattern, payload)
	if err != nil {
		p.fail(w, pattern, err)
		return
	}
	writeRaw(w, reply, http.StatusOK)
}

func (p *producer) emit(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pattern := ps.ByName("pattern")
	payload, err := readPayload(w, r)
	if err != nil {
		p.fail(w, pattern, err)
		return
	}

	if err := p.sender.Emit(r.Context(), pattern, payload); err != nil {
		p.fail(w, pattern, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (p *producer) fail(w http.ResponseWriter, pattern string, err error) {
	code := StatusFor(err)
	resp := errorResponse{Message: err.Error()}

	var handlerErr *messaging.HandlerError
	if errors.As(err, &handlerErr) {
		resp.Message = handlerErr.Message
		resp.Code = handlerErr.Code
	}

	if code >= http.StatusInternalServerError {
		p.logger.Error("request failed", "pattern", pattern, "status", code, "error", err)
	} else {
		p.logger.Warn("request rejected", "pattern", pattern, "status", code, "error", err)
	}
	writeJSON(w, resp, code)
}

// StatusFor maps a publishing error to an HTTP status code
func StatusFor(err error) int {
	var (
		handlerErr *messaging.HandlerError
		publishErr *messaging.PublishError
		connErr    *messaging.ConnectionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case messaging.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &handlerErr):
		return http.StatusBadGateway
	case errors.Is(err, contracts.ErrInvalidPayload),
		errors.Is(err, contracts.ErrInvalidEnvelope),
		errors.Is(err, messaging.ErrEmptyPattern):
		return http.StatusBadRequest
	case errors.Is(err, messaging.ErrNotConnected),
		errors.Is(err, messaging.ErrPublisherClosed),
		errors.Is(err, messaging.ErrTransportClosed),
		errors.As(err, &publishErr),
		errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readPayload reads the request body as raw JSON. An empty body is null.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Join(contracts.ErrInvalidPayload, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, errors.Join(contracts.ErrInvalidPayload, errors.New("body is not valid JSON"))
	}
	return body, nil
}

func writeRaw(w http.ResponseWriter, body json.RawMessage, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}
