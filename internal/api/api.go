// Package api provides the HTTP server and the process wiring for FlowPipe.
//
// It exposes endpoints for publishing flows and for starting and advancing
// conversations, and connects the store, transport, generation and scheduler
// modules to the conversation service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/actions"
	"github.com/BTreeMap/FlowPipe/internal/conversation"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// TransportWhatsApp delivers through a whatsmeow session.
	TransportWhatsApp = "whatsapp"
	// TransportTwilio delivers through the Twilio WhatsApp API.
	TransportTwilio = "twilio"
	// DefaultAIFallback is sent when AI generation is unavailable.
	DefaultAIFallback = "Thanks! A member of our team will follow up with you shortly."
	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration for Run.
type Opts struct {
	Addr              string
	Transport         string
	TwilioWebhookURL  string
	DefaultFlowID     string
	FlowsDir          string
	IdleTimeout       time.Duration
	SweepSchedule     string
	AIFallback        string
	UnhandledReplyMsg *string
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTransport selects TransportWhatsApp or TransportTwilio.
func WithTransport(t string) Option {
	return func(o *Opts) { o.Transport = t }
}

// WithTwilioWebhookURL sets the public webhook URL used to verify Twilio
// signatures.
func WithTwilioWebhookURL(url string) Option {
	return func(o *Opts) { o.TwilioWebhookURL = url }
}

// WithDefaultFlow auto-enrolls unknown senders into flowID.
func WithDefaultFlow(flowID string) Option {
	return func(o *Opts) { o.DefaultFlowID = flowID }
}

// WithFlowsDir publishes every *.json file in dir at startup, using the file
// name without extension as the flow id.
func WithFlowsDir(dir string) Option {
	return func(o *Opts) { o.FlowsDir = dir }
}

// WithIdleTimeout sets how long a conversation may be inactive before the
// sweep abandons it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// WithSweepSchedule sets the cron expression of the idle sweep.
func WithSweepSchedule(expr string) Option {
	return func(o *Opts) { o.SweepSchedule = expr }
}

// WithAIFallback sets the message used when AI generation fails.
func WithAIFallback(msg string) Option {
	return func(o *Opts) { o.AIFallback = msg }
}

// WithUnhandledReplyMessage sets the reply sent to messages that no
// conversation takes. An empty message disables it.
func WithUnhandledReplyMessage(msg string) Option {
	return func(o *Opts) { o.UnhandledReplyMsg = &msg }
}

// Server serves the FlowPipe HTTP API.
type Server struct {
	conv   *conversation.Service
	st     store.Store
	twilio *messaging.TwilioService
	mux    *http.ServeMux
}

// NewServer creates a Server. When msgService is a *messaging.TwilioService
// its webhook is mounted at /webhooks/twilio.
func NewServer(conv *conversation.Service, st store.Store, msgService messaging.Service) *Server {
	s := &Server{conv: conv, st: st, mux: http.NewServeMux()}
	if tw, ok := msgService.(*messaging.TwilioService); ok {
		s.twilio = tw
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("POST /validate", s.validateFlowHandler)
	s.mux.HandleFunc("POST /flows/{id}", s.publishFlowHandler)
	s.mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	s.mux.HandleFunc("POST /conversations", s.startConversationHandler)
	s.mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	s.mux.HandleFunc("POST /conversations/{id}/messages", s.advanceConversationHandler)
	s.mux.HandleFunc("GET /receipts", s.receiptsHandler)
	s.mux.HandleFunc("GET /responses", s.responsesHandler)
	if s.twilio != nil {
		s.mux.HandleFunc("POST /webhooks/twilio", s.twilio.TwilioWebhookHandler)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run wires every module from the given options, serves the API and blocks
// until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:          DefaultAddr,
		Transport:     TransportWhatsApp,
		SweepSchedule: scheduler.DefaultSweepSchedule,
		IdleTimeout:   scheduler.DefaultIdleTimeout,
		AIFallback:    DefaultAIFallback,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := createStore(storeOpts)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, closeTransport, err := createMessagingService(cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}
	defer closeTransport()

	var gen actions.Generator
	genClient, err := genai.NewClient(genaiOpts...)
	switch {
	case errors.Is(err, genai.ErrMissingAPIKey):
		slog.Warn("OpenAI API key not set; AI actions will use the fallback message")
	case err != nil:
		return fmt.Errorf("failed to create GenAI client: %w", err)
	default:
		gen = genClient
	}

	convOpts := []conversation.Option{
		conversation.WithMessaging(msgService),
		conversation.WithActions(actions.NewDefaultRegistry(gen, cfg.AIFallback)),
	}
	if cfg.DefaultFlowID != "" {
		convOpts = append(convOpts, conversation.WithDefaultFlow(cfg.DefaultFlowID))
	}
	conv := conversation.NewService(st, convOpts...)

	if cfg.FlowsDir != "" {
		if err := PublishDir(ctx, conv, cfg.FlowsDir); err != nil {
			return err
		}
	}

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	respHandler := messaging.NewResponseHandler(msgService, conv.HandleResponse)
	if cfg.UnhandledReplyMsg != nil {
		respHandler.SetDefaultMessage(*cfg.UnhandledReplyMsg)
	}
	respHandler.SetDeduper(st)
	respHandler.Start(ctx)
	go messaging.RecordReceipts(ctx, msgService, st)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleIdleSweep(cfg.SweepSchedule, conv, cfg.IdleTimeout); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewServer(conv, st, msgService),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("FlowPipe API listening", "addr", cfg.Addr, "transport", cfg.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	if err := msgService.Stop(); err != nil {
		slog.Error("messaging service stop failed", "error", err)
	}
	respHandler.Wait()
	return nil
}

// createStore picks the store backend from the DSN.
func createStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("no database DSN configured; using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		st, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open Postgres store: %w", err)
		}
		return st, nil
	}
	st, err := store.NewSQLiteStore(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}
	return st, nil
}

func createMessagingService(cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, func(), error) {
	switch cfg.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookURL(cfg.TwilioWebhookURL))
		}
		return messaging.NewTwilioService(client, opts...), func() {}, nil
	case TransportWhatsApp, "":
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// PublishDir publishes every *.json file in dir, named after the file.
func PublishDir(ctx context.Context, conv *conversation.Service, dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list flows in %s: %w", dir, err)
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, err := conv.Publish(ctx, id, raw); err != nil {
			return fmt.Errorf("failed to publish %s: %w", path, err)
		}
	}
	slog.Info("flows loaded from directory", "dir", dir, "count", len(paths))
	return nil
}
