package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"tokenbroker.org/internal/audit"
	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/document"
	"tokenbroker.org/internal/obs"
)

const serviceName = "tokenbroker"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the permission store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Issuer issues resource tokens for a caller's access token.
type Issuer interface {
	IssueToken(ctx context.Context, accessToken string) (broker.IssuedToken, error)
}

// Documents serves partition-scoped documents to resource token holders.
type Documents interface {
	Upsert(ctx context.Context, token string, doc document.Document) (document.Document, error)
	Query(ctx context.Context, token, docType, partitionKey string) ([]document.Document, error)
}

// API is the HTTP layer.
type API struct {
	mux            *http.ServeMux
	readyProbe     ReadyProbe
	issuer         Issuer
	docs           Documents
	version        string
	collection     string
	requestTimeout time.Duration
	limiter        *rateLimiter
	corsOrigins    []string
	trustedProxies []netip.Prefix
	rateBurst      int
	ratePerSec     int
	tokenTTL       time.Duration
}

// Option configures API.
type Option func(*API)

// WithDocuments enables the document endpoints.
func WithDocuments(d Documents) Option {
	return func(a *API) { a.docs = d }
}

// WithRequestTimeout bounds each token issuance.
func WithRequestTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.requestTimeout = d
		}
	}
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithCORSOrigins lists the browser origins allowed to call the API.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is honored.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithTokenTTL sets the lifetime reported by /v1/info.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *API) {
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

// WithCollection names the collection reported by /v1/info.
func WithCollection(name string) Option {
	return func(a *API) { a.collection = name }
}

func New(rp ReadyProbe, version string, issuer Issuer, opts ...Option) *API {
	a := &API{
		mux:            http.NewServeMux(),
		readyProbe:     rp,
		issuer:         issuer,
		version:        version,
		requestTimeout: 30 * time.Second,
		rateBurst:      20,
		ratePerSec:     10,
		tokenTTL:       broker.TokenTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.limiter = newRateLimiter(a.rateBurst, a.ratePerSec)

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/v1/token", a.handleToken)
	a.mux.HandleFunc("/v1/documents/", a.handleDocuments)
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the mux wrapped in the middleware stack.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = a.limiter.middleware(h)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RealIP(h, a.trustedProxies)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       serviceName,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"version":    a.version,
		"collection": a.collection,
		"token_ttl":  int64(a.tokenTTL / time.Second),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}
