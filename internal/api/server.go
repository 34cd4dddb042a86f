// Package api exposes the protocol engine over HTTP. The acting address is taken from
// the X-Caller header; authenticating it is left to the deployment in front.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"arbiter-escrow/internal/protocol"
	"arbiter-escrow/internal/protoerr"
	"arbiter-escrow/internal/version"
)

// CallerHeader carries the acting address.
const CallerHeader = "X-Caller"

// Options tune the HTTP surface.
type Options struct {
	RateLimit float64
	Burst     int
	// Gatherer serves /metrics; nil leaves the route unmounted.
	Gatherer prometheus.Gatherer
}

// Server routes HTTP requests to the protocol engine.
type Server struct {
	engine  *protocol.Engine
	limiter *callerLimiter
	logger  zerolog.Logger
	router  chi.Router
}

// New builds the router.
func New(engine *protocol.Engine, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		engine:  engine,
		limiter: newCallerLimiter(opts.RateLimit, opts.Burst),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, version.Get()) })
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.rateLimit)

		api.Get("/policy", s.getPolicy)
		api.Put("/policy", s.setPolicy)
		api.Put("/policy/fee-collector", s.setFeeCollector)
		api.Put("/policy/owner", s.transferOwnership)

		api.Route("/arbiters", func(ar chi.Router) {
			ar.Get("/", s.listArbiters)
			ar.Post("/", s.registerArbiter)
			ar.Get("/{address}", s.getArbiter)
			ar.Post("/stake", s.addStake)
			ar.Post("/unstake", s.unstake)
			ar.Put("/operator", s.setOperator)
			ar.Put("/revenue", s.setRevenue)
			ar.Put("/params", s.setParams)
			ar.Post("/pause", s.pause)
			ar.Post("/resume", s.resume)
		})

		api.Get("/quote", s.quote)

		api.Route("/transactions", func(tr chi.Router) {
			tr.Get("/", s.listTransactions)
			tr.Post("/", s.registerTransaction)
			tr.Get("/{id}", s.getTransaction)
			tr.Post("/{id}/arbitration", s.requestArbitration)
			tr.Post("/{id}/signature", s.submitArbitration)
			tr.Post("/{id}/complete", s.completeTransaction)
		})

		api.Route("/claims", func(cr chi.Router) {
			cr.Get("/", s.listClaims)
			cr.Post("/", s.claim)
			cr.Get("/{id}", s.getClaim)
			cr.Post("/{id}/withdraw", s.withdraw)
		})

		api.Post("/evidence", s.requestEvidence)
		api.Get("/balances/{address}", s.balance)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return ctx.Err()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(CallerHeader)
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.limiter.allow(key, time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "RateLimited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// statusFor maps a protocol rejection to an HTTP status.
func statusFor(err error) int {
	if protoerr.IsNotFound(err) {
		return http.StatusNotFound
	}
	if errors.Is(err, protoerr.ErrAttestationMissing) {
		return http.StatusFailedDependency
	}
	kind, ok := protoerr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case protoerr.KindAuthorization:
		return http.StatusForbidden
	case protoerr.KindState:
		return http.StatusConflict
	case protoerr.KindBounds, protoerr.KindAttestation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: protoerr.ReasonOf(err), Message: err.Error()}
	if kind, ok := protoerr.KindOf(err); ok {
		body.Kind = kind.String()
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("unclassified error")
		body.Error = "Internal"
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "decode body: %v", err)
		return false
	}
	return true
}

// caller resolves the acting address or writes a 400.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(raw) {
		badRequest(w, "%s header must carry a hex address", CallerHeader)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		badRequest(w, "%s must be a hex address", name)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func pathHash(w http.ResponseWriter, r *http.Request, name string) (common.Hash, bool) {
	raw := chi.URLParam(r, name)
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		badRequest(w, "%s must be a 32-byte hex hash", name)
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}
