// Package httpapi serves the billing HTTP/JSON API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/BaseRock-Technologies/bill-management/internal/auth"
	"github.com/BaseRock-Technologies/bill-management/internal/catalog"
	"github.com/BaseRock-Technologies/bill-management/internal/metrics"
	"github.com/BaseRock-Technologies/bill-management/internal/service"
	"github.com/BaseRock-Technologies/bill-management/internal/settlement"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin  string
	RequestTimeout time.Duration
	AuthRequired   bool
	LoginRateLimit int
	Production     bool
}

type API struct {
	service  *service.Service
	tokens   *TokenIssuer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	opts     Options
}

func New(svc *service.Service, tokens *TokenIssuer, m *metrics.Metrics, logger *zap.Logger, opts Options) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.LoginRateLimit < 1 {
		opts.LoginRateLimit = 5
	}
	return &API{
		service:  svc,
		tokens:   tokens,
		metrics:  m,
		logger:   logger,
		validate: newValidator(),
		opts:     opts,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return v
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		a.requestLogger,
		middleware.Recoverer,
		middleware.StripSlashes,
		a.secureHeaders(),
		a.cors,
		limitBody,
		a.metrics.Middleware,
		middleware.Timeout(a.opts.RequestTimeout),
	)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	loginLimiter := httprate.Limit(a.opts.LoginRateLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		}),
	)
	r.With(loginLimiter).Post("/login", a.handleLogin)
	r.Post("/users", a.handleRegister)
	r.With(a.authenticate).Post("/users/update-password", a.handleUpdatePassword)

	r.Get("/all_products", a.handleListAllProducts)
	r.Route("/products", func(r chi.Router) {
		r.Get("/", a.handleSearchProducts)
		r.Get("/{code}", a.handleGetProduct)
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)
			r.Post("/", a.handleCreateProduct)
			r.Put("/{code}", a.handleUpdateProduct)
			r.Delete("/{code}", a.handleDeleteProduct)
		})
	})

	r.Route("/bills", func(r chi.Router) {
		r.Get("/", a.handleListBills)
		r.Get("/{id}", a.handleGetBill)
		r.With(a.authenticate).Post("/", a.handleCreateBill)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return r
}

func (a *API) secureHeaders() func(http.Handler) http.Handler {
	return secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      !a.opts.Production,
	}).Handler
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Health(r.Context()); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// statusFor maps domain errors to HTTP status codes and client-facing detail.
func statusFor(err error) (int, string) {
	var partial *settlement.PartiallyAppliedError
	if errors.As(err, &partial) {
		return http.StatusInternalServerError, fmt.Sprintf("bill %s was only partially applied and needs reconciliation", partial.BillID)
	}

	switch {
	case errors.Is(err, settlement.ErrProductNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid username or password"
	case errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusBadRequest, "Username already exists"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, settlement.ErrEmptyBill),
		errors.Is(err, settlement.ErrInvalidLineTotal),
		errors.Is(err, settlement.ErrInvalidBillTotals),
		errors.Is(err, settlement.ErrInsufficientStock),
		errors.Is(err, settlement.ErrDuplicateBill),
		errors.Is(err, catalog.ErrDuplicateCode),
		errors.Is(err, catalog.ErrCodeMismatch),
		errors.Is(err, catalog.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidProduct),
		errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, auth.ErrInvalidPassword),
		errors.Is(err, store.ErrConflict):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.failWith(w, r, err, "")
}

// failWith is fail with a resource-specific detail for store.ErrNotFound.
func (a *API) failWith(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	status, detail := statusFor(err)
	if notFound != "" && errors.Is(err, store.ErrNotFound) {
		detail = notFound
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{StatusCode: status, Detail: detail})
}

type errorResponse struct {
	StatusCode int    `json:"status_code"`
	Detail     string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{StatusCode: status, Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON accepts unknown fields; billing clients send derived values
// such as per-line grand totals that the server does not store.
func decodeJSON(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return fmt.Errorf("request body exceeds %d bytes", maxBytes.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseSkip(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	skip, err := strconv.Atoi(trimmed)
	if err != nil || skip < 0 {
		return 0, fmt.Errorf("skip must be a non-negative integer")
	}
	return skip, nil
}

func parseOptionalFloat(name string, raw string) (*float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	return &value, nil
}
