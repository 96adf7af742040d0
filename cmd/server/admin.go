package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rackgate/rackgate/internal/gate"
	"github.com/rackgate/rackgate/internal/machine"
	"github.com/rackgate/rackgate/internal/obs"
	"github.com/rackgate/rackgate/internal/proto"
	"github.com/rackgate/rackgate/internal/token"
	"github.com/rackgate/rackgate/internal/web"
)

// startAdminServer serves Prometheus metrics, health endpoints, the operator
// dashboard and the machine/token admin API.
func startAdminServer(addr string, store machine.Store, tokens *token.Authority, g *gate.Gate, hs *health) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if hs.closing.Load() || !hs.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
		renderDashboard(w, r, store, tokens, g)
	})

	api := &adminAPI{store: store, tokens: tokens}
	mux.HandleFunc("GET /api/machines", api.guard(api.listMachines))
	mux.HandleFunc("PUT /api/machines/{id}", api.guard(api.upsertMachine))
	mux.HandleFunc("DELETE /api/machines/{id}", api.guard(api.deleteMachine))
	mux.HandleFunc("POST /api/machines/{id}/console-token", api.guard(api.issueToken))
	mux.HandleFunc("DELETE /api/machines/{id}/console-token", api.guard(api.revokeToken))

	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("admin.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}

type adminAPI struct {
	store  machine.Store
	tokens *token.Authority
}

// guard enforces the shared admin secret. An empty configured token disables
// the whole API rather than leaving it open.
func (a *adminAPI) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.AdminToken == "" {
			writeJSON(w, http.StatusNotFound, proto.Error{Error: "admin API disabled"})
			return
		}
		got := r.Header.Get("X-Auth-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.AdminToken)) != 1 {
			obs.Warn("admin.auth", obs.Fields{"remote": r.RemoteAddr})
			writeJSON(w, http.StatusUnauthorized, proto.Error{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (a *adminAPI) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := a.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, proto.Error{Error: "list failed"})
		return
	}
	out := make([]proto.MachineInfo, 0, len(machines))
	for _, m := range machines {
		info := proto.MachineInfo{
			ID:          m.ID,
			BackendHost: m.BackendHost,
			BackendPort: m.BackendPort,
			HasToken:    m.ConsoleToken != "",
		}
		if until, err := a.tokens.ValidUntil(m); err == nil {
			info.ValidUntil = until.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminAPI) upsertMachine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body proto.MachineUpsert
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, proto.Error{Error: "invalid body"})
		return
	}
	if body.BackendHost == "" || body.BackendPort <= 0 || body.BackendPort > 65535 {
		writeJSON(w, http.StatusBadRequest, proto.Error{Error: "backend_host and backend_port required"})
		return
	}
	m, err := a.store.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, machine.ErrNotFound) {
			writeJSON(w, http.StatusInternalServerError, proto.Error{Error: "store failed"})
			return
		}
		m = &machine.Machine{ID: id}
	}
	m.BackendHost = body.BackendHost
	m.BackendPort = body.BackendPort
	if err := a.store.Save(r.Context(), m); err != nil {
		writeJSON(w, http.StatusInternalServerError, proto.Error{Error: "store failed"})
		return
	}
	obs.Info("admin.machine.upsert", obs.Fields{"machine": id, "backend": body.BackendHost})
	writeJSON(w, http.StatusOK, proto.MachineInfo{
		ID: id, BackendHost: m.BackendHost, BackendPort: m.BackendPort, HasToken: m.ConsoleToken != "",
	})
}

func (a *adminAPI) deleteMachine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.store.Delete(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, proto.Error{Error: "store failed"})
		return
	}
	obs.Info("admin.machine.deleted", obs.Fields{"machine": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) issueToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := a.store.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, proto.Error{Error: "unknown machine"})
		return
	}
	tok, err := a.tokens.Authorize(r.Context(), m)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, proto.Error{Error: "token issue failed"})
		return
	}
	until, _ := a.tokens.ValidUntil(m)
	obs.Info("admin.token.issued", obs.Fields{"machine": id, "valid_until": until.UTC().Format(time.RFC3339)})
	writeJSON(w, http.StatusOK, proto.ConsoleTokenResponse{
		MachineID:  id,
		Token:      tok,
		ValidUntil: until.UTC().Format(time.RFC3339),
	})
}

func (a *adminAPI) revokeToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := a.store.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, proto.Error{Error: "unknown machine"})
		return
	}
	if err := a.tokens.Unauthorize(r.Context(), m); err != nil {
		writeJSON(w, http.StatusInternalServerError, proto.Error{Error: "token revoke failed"})
		return
	}
	obs.Info("admin.token.revoked", obs.Fields{"machine": id})
	w.WriteHeader(http.StatusNoContent)
}

func renderDashboard(w http.ResponseWriter, r *http.Request, store machine.Store, tokens *token.Authority, g *gate.Gate) {
	active, total := g.Stats()
	machines, err := store.List(r.Context())
	if err != nil {
		obs.Error("dashboard.list", obs.Fields{"err": err.Error()})
	}
	rows := make([]map[string]any, 0, len(machines))
	for _, m := range machines {
		state := "none"
		if m.ConsoleToken != "" {
			state = "expired"
			if until, err := tokens.ValidUntil(m); err == nil && time.Now().Before(until) {
				state = "valid until " + until.UTC().Format(time.RFC3339)
			}
		}
		rows = append(rows, map[string]any{
			"ID":      m.ID,
			"Backend": m.BackendHost,
			"Token":   state,
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := web.Render(w, "dashboard", map[string]any{
		"Active":      active,
		"Total":       total,
		"Machines":    len(machines),
		"MachineRows": rows,
	}); err != nil {
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte("dashboard template missing"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
