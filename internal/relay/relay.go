// Package relay proxies client websockets to the realtime backend, rewriting
// frames and running tool calls in between.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/jobtalk/internal/auth"
	"github.com/ashureev/jobtalk/internal/config"
	"github.com/ashureev/jobtalk/internal/identity"
	"github.com/ashureev/jobtalk/internal/jobsearch"
	"github.com/ashureev/jobtalk/internal/metrics"
	"github.com/ashureev/jobtalk/internal/session"
	"github.com/ashureev/jobtalk/internal/tools"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// ClientRequestIDHeader is copied from the client handshake to the
	// upstream one for request tracing.
	ClientRequestIDHeader = "x-ms-client-request-id"

	realtimePath = "/openai/realtime"
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// Options configures a Handler.
type Options struct {
	Realtime      config.RealtimeConfig
	UIMessages    config.RateConfig
	Credential    auth.Credential
	Sessions      *session.Manager
	Tools         *tools.Registry[*jobsearch.Searcher]
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
	// HTTPClient is used for the upstream handshake. Nil uses the default.
	HTTPClient *http.Client
}

// Handler accepts client websockets and relays each one to its own
// upstream connection.
type Handler struct {
	upstreamURL   string
	credential    auth.Credential
	sessions      *session.Manager
	tools         *tools.Registry[*jobsearch.Searcher]
	policy        *sessionPolicy
	delivery      string
	toolTimeout   time.Duration
	readLimit     int64
	uiRate        rate.Limit
	uiBurst       int
	allowedOrigin string
	isDev         bool
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewHandler creates a relay handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Sessions == nil {
		return nil, errors.New("relay: session manager is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("relay: tool registry is required")
	}
	if opts.Credential == nil {
		return nil, errors.New("relay: upstream credential is required")
	}
	upstream, err := upstreamURL(opts.Realtime)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	toolTimeout := opts.Realtime.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	uiRate, uiBurst := rate.Limit(opts.UIMessages.PerSecond), opts.UIMessages.Burst
	if uiRate <= 0 || uiBurst <= 0 {
		uiRate, uiBurst = rate.Inf, 1
	}
	delivery := opts.Realtime.ToolDelivery
	if delivery == "" {
		delivery = config.DeliveryListener
	}

	return &Handler{
		upstreamURL: upstream,
		credential:  opts.Credential,
		sessions:    opts.Sessions,
		tools:       opts.Tools,
		policy: &sessionPolicy{
			settings:   opts.Realtime.Session,
			tools:      opts.Tools.Schemas(),
			toolChoice: opts.Tools.ToolChoice(),
		},
		delivery:      delivery,
		toolTimeout:   toolTimeout,
		readLimit:     opts.Realtime.ReadLimitSize,
		uiRate:        uiRate,
		uiBurst:       uiBurst,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		httpClient:    opts.HTTPClient,
		logger:        logger,
	}, nil
}

// upstreamURL builds {endpoint}/openai/realtime?api-version=..&deployment=..
func upstreamURL(cfg config.RealtimeConfig) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse realtime endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + realtimePath
	q := u.Query()
	q.Set("api-version", cfg.APIVersion)
	q.Set("deployment", cfg.Deployment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Attach registers the relay endpoint at path. Requests without a valid
// session id are rejected unless singleSession is set, in which case they
// share one generated id.
func (h *Handler) Attach(r chi.Router, path string, singleSession bool) {
	fallback := ""
	if singleSession {
		fallback = uuid.NewString()
		h.logger.Info("Single-session mode", "session_id", fallback)
	}
	r.With(identity.Middleware(fallback)).Get(path, h.ServeHTTP)
}

// ServeHTTP relays one client connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, "session id (sid) query parameter is required", http.StatusBadRequest)
		return
	}
	logger := h.logger.With("session_id", sessionID)
	logger.Info("Realtime connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer client.CloseNow()
	if h.readLimit > 0 {
		client.SetReadLimit(h.readLimit)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The session is resolved only once the upstream leg exists, so a
	// failed connect leaves no session state behind.
	upstream, err := h.dialUpstream(ctx, r)
	if err != nil {
		code, reason := closeCodeFor(err)
		logger.Error("Failed to open upstream connection", "error", err, "close_code", code)
		_ = client.Close(code, reason)
		return
	}
	defer upstream.CloseNow()
	if h.readLimit > 0 {
		upstream.SetReadLimit(h.readLimit)
	}
	logger.Info("Connected to realtime backend")

	sess, err := h.sessions.Acquire(ctx, sessionID, client)
	if err != nil {
		logger.Error("Failed to resolve session", "error", err)
		_ = upstream.Close(websocket.StatusNormalClosure, "")
		_ = client.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	c := &conn{
		h:        h,
		sess:     sess,
		client:   client,
		upstream: upstream,
		limiter:  rate.NewLimiter(h.uiRate, h.uiBurst),
		logger:   logger,
	}

	if h.delivery == config.DeliveryListener {
		id := sess.UI.Subscribe(pushState(client))
		defer sess.UI.RemoveListener(id)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: client -> backend.
	go func() {
		defer wg.Done()
		defer cancel()
		c.clientLoop(ctx)
	}()

	// Output loop: backend -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		c.upstreamLoop(ctx)
	}()

	wg.Wait()

	if sess.Detach(client) {
		if err := h.sessions.Persist(context.WithoutCancel(r.Context()), sess); err != nil {
			logger.Warn("Failed to persist session on disconnect", "error", err)
		}
	}
	logger.Info("Realtime session ended")
}

func (h *Handler) dialUpstream(ctx context.Context, r *http.Request) (*websocket.Conn, error) {
	hdr := http.Header{}
	if id := r.Header.Get(ClientRequestIDHeader); id != "" {
		hdr.Set(ClientRequestIDHeader, id)
	}
	if err := h.credential.Apply(ctx, hdr); err != nil {
		return nil, &authError{err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, h.upstreamURL, &websocket.DialOptions{
		HTTPHeader: hdr,
		HTTPClient: h.httpClient,
	})
	if err != nil {
		if resp != nil {
			return nil, &handshakeError{status: resp.StatusCode, err: err}
		}
		return nil, fmt.Errorf("dial realtime backend: %w", err)
	}
	return conn, nil
}

// authError means no credential could be applied to the handshake.
type authError struct{ err error }

func (e *authError) Error() string { return "upstream authorization failed: " + e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

// handshakeError means the backend answered but refused the upgrade.
type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("realtime handshake failed with status %d: %v", e.status, e.err)
}
func (e *handshakeError) Unwrap() error { return e.err }

// closeCodeFor maps a connect failure to the client close code. An
// unreachable backend is worth retrying; a refused handshake or missing
// credential is a misconfiguration.
func closeCodeFor(err error) (websocket.StatusCode, string) {
	var ae *authError
	var he *handshakeError
	switch {
	case errors.As(err, &ae):
		return websocket.StatusInternalError, "authorization failed"
	case errors.As(err, &he):
		return websocket.StatusInternalError, "backend connection error"
	default:
		return websocket.StatusTryAgainLater, "cannot reach backend service"
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
