// Package gate is the per-connection entry point of the console gateway: it
// admits or rejects an inbound upgrade, opens the backend leg, runs the RFB
// security negotiation and then degrades into a dumb byte pump.
package gate

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rackgate/rackgate/internal/bridge"
	"github.com/rackgate/rackgate/internal/httpx"
	"github.com/rackgate/rackgate/internal/machine"
	"github.com/rackgate/rackgate/internal/obs"
	"github.com/rackgate/rackgate/internal/ratelimit"
	"github.com/rackgate/rackgate/internal/rfb"
	"github.com/rackgate/rackgate/internal/token"
	"github.com/rackgate/rackgate/internal/web"
)

// Config carries the admission policy knobs.
type Config struct {
	AllowedOrigins   []string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration // 0 disables the handshake deadline
}

// Gate owns exactly one pair of transports per invocation of ServeHTTP;
// nothing here is shared across connections except counters.
type Gate struct {
	store      machine.Store
	tokens     *token.Authority
	negotiator *rfb.Negotiator    // nil proxies raw without security interception
	limiter    *ratelimit.Limiter // nil disables admission rate limiting
	cfg        Config
	upgrader   websocket.Upgrader

	active int64
	total  int64
}

func New(store machine.Store, tokens *token.Authority, negotiator *rfb.Negotiator, limiter *ratelimit.Limiter, cfg Config) *Gate {
	return &Gate{
		store:      store,
		tokens:     tokens,
		negotiator: negotiator,
		limiter:    limiter,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"binary"},
			// Origin policy runs before the upgrade so denial renders as a
			// normal 403 instead of a failed handshake.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stats reports active and total proxied sessions.
func (g *Gate) Stats() (active, total int64) {
	return atomic.LoadInt64(&g.active), atomic.LoadInt64(&g.total)
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteIP := httpx.HostnameWithoutPort(r.RemoteAddr)

	if g.limiter != nil && !g.limiter.Allow(remoteIP) {
		g.deny(w, r, "rate_limited", errors.New("admission rate exceeded"))
		return
	}

	machineID := r.URL.Query().Get("machine")
	tok := r.URL.Query().Get("token")
	if tok == "" {
		if c, err := r.Cookie("token"); err == nil {
			tok = c.Value
		}
	}
	if machineID == "" {
		g.deny(w, r, "no_machine", errors.New("missing machine parameter"))
		return
	}

	// Lookup failures of any kind render exactly like a bad token so an
	// untrusted caller cannot probe which machine ids exist.
	m, err := g.store.Get(r.Context(), machineID)
	if err != nil {
		g.deny(w, r, "machine_lookup", err)
		return
	}
	if err := g.tokens.Validate(m, tok); err != nil {
		g.deny(w, r, "token", err)
		return
	}
	if err := httpx.VerifyOrigin(r, g.cfg.AllowedOrigins); err != nil {
		g.deny(w, r, "origin", err)
		return
	}

	if m.BackendHost == "" || m.BackendPort == 0 {
		g.unavailable(w, r, machineID, errors.New("machine has no console endpoint"))
		return
	}
	addr := net.JoinHostPort(m.BackendHost, strconv.Itoa(m.BackendPort))
	dialStart := time.Now()
	backendConn, err := net.DialTimeout("tcp", addr, g.cfg.ConnectTimeout)
	if err != nil {
		g.unavailable(w, r, machineID, err)
		return
	}
	obs.BackendConnectSeconds.Observe(time.Since(dialStart).Seconds())

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		obs.Error("gate.upgrade", obs.Fields{"err": err.Error(), "machine": machineID, "remote": remoteIP})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		_ = backendConn.Close()
		return
	}
	tenant := bridge.New(ws)
	sessionID := newSessionID()

	backend := backendConn
	if g.negotiator != nil {
		authed, err := g.negotiate(tenant, backendConn)
		if err != nil {
			var nerr *rfb.NegotiationError
			code := "negotiation"
			if errors.As(err, &nerr) {
				code = nerr.Code
			}
			obs.Error("gate.negotiate", obs.Fields{"err": err.Error(), "machine": machineID, "session": sessionID, "remote": remoteIP})
			obs.NegotiationFailedTotal.WithLabelValues(code).Inc()
			_ = tenant.Close()
			_ = backendConn.Close()
			return
		}
		backend = authed
	}

	// Forward anything read ahead of the handshake before the pumps start,
	// so no byte between negotiation and raw proxying is lost.
	if leftover := tenant.Drain(); len(leftover) > 0 {
		if _, err := backend.Write(leftover); err != nil {
			obs.Error("gate.forward_readahead", obs.Fields{"err": err.Error(), "session": sessionID})
			_ = tenant.Close()
			_ = backend.Close()
			return
		}
	}

	obs.Info("session.established", obs.Fields{"machine": machineID, "session": sessionID, "backend": addr, "remote": remoteIP})
	obs.SessionsTotal.Inc()
	atomic.AddInt64(&g.total, 1)
	atomic.AddInt64(&g.active, 1)
	obs.ActiveSessions.Inc()
	start := time.Now()

	toBackend, toTenant := runProxy(tenant, backend)

	atomic.AddInt64(&g.active, -1)
	obs.ActiveSessions.Dec()
	obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
	obs.ProxyBytesTotal.WithLabelValues("tenant_to_backend").Add(float64(toBackend))
	obs.ProxyBytesTotal.WithLabelValues("backend_to_tenant").Add(float64(toTenant))
	obs.Info("session.closed", obs.Fields{
		"machine": machineID, "session": sessionID,
		"tenant_to_backend": toBackend, "backend_to_tenant": toTenant,
		"duration": time.Since(start).String(),
	})
}

// negotiate runs the security handshake under the configured deadline. The
// deadline is cleared again before raw proxying, which has no inactivity
// limit of its own.
func (g *Gate) negotiate(tenant, backend net.Conn) (net.Conn, error) {
	if g.cfg.HandshakeTimeout > 0 {
		deadline := time.Now().Add(g.cfg.HandshakeTimeout)
		_ = tenant.SetDeadline(deadline)
		_ = backend.SetDeadline(deadline)
	}
	authed, err := g.negotiator.Connect(tenant, backend)
	if err != nil {
		return nil, err
	}
	if g.cfg.HandshakeTimeout > 0 {
		_ = tenant.SetDeadline(time.Time{})
		_ = authed.SetDeadline(time.Time{})
	}
	return authed, nil
}

// deny renders every admission failure identically: one status, one body,
// reason only in logs and metrics.
func (g *Gate) deny(w http.ResponseWriter, r *http.Request, reason string, err error) {
	obs.Warn("gate.admit.denied", obs.Fields{
		"reason": reason, "err": err.Error(),
		"machine": r.URL.Query().Get("machine"), "remote": r.RemoteAddr,
	})
	obs.AdmissionDeniedTotal.WithLabelValues(reason).Inc()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_ = web.Render(w, "denied", nil)
}

func (g *Gate) unavailable(w http.ResponseWriter, r *http.Request, machineID string, err error) {
	obs.Error("gate.backend.unavailable", obs.Fields{"err": err.Error(), "machine": machineID, "remote": r.RemoteAddr})
	obs.ErrorsTotal.WithLabelValues("backend_connect").Inc()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_ = web.Render(w, "unavailable", nil)
}
