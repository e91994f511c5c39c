// Package api exposes the evaluation service over REST/JSON: the MONITORING
// entry point, registry administration, and health. Evaluation faults never
// become 5xx; the handler completes with a degraded decision instead.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardsentry/monitoring/internal/admission"
	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/metrics"
	"github.com/cardsentry/monitoring/internal/publish"
	"github.com/cardsentry/monitoring/internal/registry"
	"github.com/cardsentry/monitoring/internal/rules"
	"github.com/cardsentry/monitoring/internal/transaction"
)

// StorageProbe answers whether the artifact store is reachable. Implemented
// by artifact.Loader.
type StorageProbe interface {
	StorageAccessible(ctx context.Context) bool
}

// Server wires the evaluation entry point and the registry admin surface.
type Server struct {
	evaluator *engine.Evaluator
	registry  *registry.Registry
	fieldSvc  *fields.Service
	admission *admission.Controller
	publisher *publish.Async
	storage   StorageProbe
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	requestTimeout time.Duration
	ready          atomic.Bool
}

// Options carries the server's collaborators.
type Options struct {
	Evaluator      *engine.Evaluator
	Registry       *registry.Registry
	FieldSvc       *fields.Service
	Admission      *admission.Controller
	Publisher      *publish.Async
	Storage        StorageProbe
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
}

// NewServer builds the server. Readiness starts false and is flipped by main
// once bootstrap finishes.
func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 100 * time.Millisecond
	}
	return &Server{
		evaluator:      opts.Evaluator,
		registry:       opts.Registry,
		fieldSvc:       opts.FieldSvc,
		admission:      opts.Admission,
		publisher:      opts.Publisher,
		storage:        opts.Storage,
		metrics:        opts.Metrics,
		gatherer:       opts.Gatherer,
		requestTimeout: opts.RequestTimeout,
	}
}

// SetReady flips the readiness flag reported by the health endpoint.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/evaluate/monitoring",
		s.admission.Middleware(s.recoverDegraded(http.HandlerFunc(s.handleEvaluateMonitoring)))).Methods(http.MethodPost)
	v1.HandleFunc("/evaluate/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/evaluate/rulesets/registry/status", s.handleRegistryStatus).Methods(http.MethodGet)
	v1.HandleFunc("/evaluate/rulesets/registry/{country}", s.handleRegistryCountry).Methods(http.MethodGet)
	v1.HandleFunc("/evaluate/rulesets/hotswap", s.handleHotSwap).Methods(http.MethodPost)
	v1.HandleFunc("/evaluate/rulesets/load", s.handleLoad).Methods(http.MethodPost)
	v1.HandleFunc("/evaluate/rulesets/bulk-load", s.handleBulkLoad).Methods(http.MethodPost)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start serves until the context is cancelled, then drains for up to 5 s.
func (s *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] Listening", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// errorResponse is the 400 body for input validation failures.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] Response write failed", "error", err)
	}
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: message})
}

// recoverDegraded turns a handler panic into a 200 degraded response. The
// evaluation boundary is fail-open: consumers prefer a degraded decision over
// an error they would have to special-case.
func (s *Server) recoverDegraded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("[API] Panic in evaluation handler", "panic", rec)
				d := engine.Degraded("", rules.ActionApprove, transaction.DefaultRulesetKey, engine.ErrCodeInternal)
				writeJSON(w, http.StatusOK, d)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvaluateMonitoring(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	txn, err := transaction.Decode(r.Body)
	if err != nil {
		writeInvalidRequest(w, "malformed transaction body")
		return
	}
	caller, err := rules.NormalizeDecision(txn.Decision)
	if err != nil {
		writeInvalidRequest(w, err.Error())
		return
	}

	reg := s.fieldSvc.Current()
	rec, err := txn.ToRecord(reg)
	if err != nil {
		writeInvalidRequest(w, err.Error())
		return
	}

	d := s.evaluator.EvaluateMonitoring(ctx, engine.Request{
		TransactionID:  txn.TransactionID,
		Record:         rec,
		CallerDecision: caller,
		Country:        txn.CountryCode,
		RulesetKey:     txn.RulesetKey(),
	})

	if s.publisher != nil {
		s.publisher.Enqueue(d)
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "UP"
	code := http.StatusOK
	if !s.ready.Load() {
		status = "DOWN"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"storageAccessible": s.storageAccessible(r.Context()),
	})
}

func (s *Server) handleRegistryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalRulesets":     s.registry.Size(),
		"countries":         s.registry.Countries(),
		"storageAccessible": s.storageAccessible(r.Context()),
	})
}

func (s *Server) handleRegistryCountry(w http.ResponseWriter, r *http.Request) {
	country := mux.Vars(r)["country"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"country": country,
		"keys":    s.registry.Keys(country),
	})
}

// swapRequest is the admin body for hotswap and load.
type swapRequest struct {
	Country string `json:"country"`
	Key     string `json:"key"`
	Version int    `json:"version"`
}

func (s *Server) decodeSwapRequest(w http.ResponseWriter, r *http.Request) (swapRequest, bool) {
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w, "malformed request body")
		return req, false
	}
	if req.Key == "" {
		writeInvalidRequest(w, "key is required")
		return req, false
	}
	if req.Version <= 0 {
		writeInvalidRequest(w, "version must be positive")
		return req, false
	}
	if req.Country == "" {
		req.Country = registry.GlobalCountry
	}
	return req, true
}

func (s *Server) handleHotSwap(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSwapRequest(w, r)
	if !ok {
		return
	}
	res := s.registry.HotSwap(r.Context(), req.Country, req.Key, req.Version)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	s.handleHotSwap(w, r)
}

type bulkLoadRequest struct {
	Rulesets []registry.Target `json:"rulesets"`
}

func (s *Server) handleBulkLoad(w http.ResponseWriter, r *http.Request) {
	var req bulkLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w, "malformed request body")
		return
	}
	for _, t := range req.Rulesets {
		if t.Key == "" || t.Version <= 0 {
			writeInvalidRequest(w, "every ruleset needs a key and a positive version")
			return
		}
	}
	loaded := s.registry.BulkLoad(r.Context(), req.Rulesets)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       loaded == len(req.Rulesets),
		"loaded":        loaded,
		"totalRulesets": s.registry.Size(),
	})
}

func (s *Server) storageAccessible(ctx context.Context) bool {
	if s.storage == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.storage.StorageAccessible(probeCtx)
}
