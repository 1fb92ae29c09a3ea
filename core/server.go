package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/gorilla/mux"
	"github.com/interledger4j/ilpv4-connector-sub010/perf"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const maxAdminBody = 1 << 20

// ConnectorServer runs the ILP-over-HTTP listener and, when admin_bind is
// set, the admin api.
type ConnectorServer struct {
	// Addrs lists the bound addresses, ilp listener first.
	Addrs   []net.Addr
	servers []*http.Server
}

func (c *ConnectorServer) Init(s *state.State) error {
	cfg := s.Cfg()
	ilp := &http.Server{
		Handler:           NewIlpHandler(Get[*LinkManager](s), s.Log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := c.serve(s, ilp, cfg.IlpBind, "ilp"); err != nil {
		return err
	}
	if cfg.AdminBind != "" {
		admin := &http.Server{
			Handler:           NewAdminHandler(NewAdmin(s), s.Log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := c.serve(s, admin, cfg.AdminBind, "admin"); err != nil {
			_ = c.Cleanup(s)
			return err
		}
	}
	return nil
}

func (c *ConnectorServer) serve(s *state.State, srv *http.Server, bind, name string) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	c.servers = append(c.servers, srv)
	c.Addrs = append(c.Addrs, ln.Addr())
	s.Log.Info("listening", "server", name, "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Cancel(err)
		}
	}()
	return nil
}

func (c *ConnectorServer) Cleanup(s *state.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, srv := range c.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

type ilpHandler struct {
	links LinkSource
	log   *slog.Logger
}

// NewIlpHandler serves POST /accounts/{id}/ilp over HTTP/1.1 and cleartext HTTP/2.
func NewIlpHandler(links LinkSource, log *slog.Logger) http.Handler {
	h := &ilpHandler{links: links, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/accounts/{id}/ilp", h.handlePacket).Methods(http.MethodPost)
	return h2c.NewHandler(r, &http2.Server{})
}

func (h *ilpHandler) handlePacket(w http.ResponseWriter, r *http.Request) {
	id := state.AccountId(mux.Vars(r)["id"])
	l, ok := h.links.Get(id)
	link, isHttp := l.(*HttpLink)
	if !ok || !isHttp {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}
	if err := link.Authenticate(r.Header.Get("Authorization")); err != nil {
		h.log.Debug("refused ilp request", "account", id, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPacketBytes+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxPacketBytes {
		http.Error(w, "packet too large", http.StatusRequestEntityTooLarge)
		return
	}
	prepare, err := protocol.UnmarshalPrepare(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp protocol.Response
	if link.Allow() {
		resp = link.HandleIncoming(r.Context(), prepare)
	} else {
		resp = protocol.NewReject(protocol.T05_RATE_LIMITED, link.operator, "account %s exceeded its rate limit", id)
	}
	out, err := protocol.MarshalResponse(resp)
	if err != nil {
		h.log.Error("failed to encode response", "account", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeOer)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

type adminHandler struct {
	admin *Admin
	log   *slog.Logger
}

type RouteView struct {
	Prefix  protocol.Address   `json:"prefix"`
	NextHop state.AccountId    `json:"next_hop"`
	Path    []protocol.Address `json:"path,omitempty"`
	Static  bool               `json:"static"`
}

type staticRouteBody struct {
	NextHop state.AccountId `json:"next_hop"`
}

func NewAdminHandler(admin *Admin, log *slog.Logger) http.Handler {
	h := &adminHandler{admin: admin, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", h.putAccount).Methods(http.MethodPut)
	r.HandleFunc("/accounts/{id}", h.deleteAccount).Methods(http.MethodDelete)
	r.HandleFunc("/accounts/{id}/balance", h.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/settlements", h.receiveSettlement).Methods(http.MethodPost)
	r.HandleFunc("/routes", h.listRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routes/static/{prefix}", h.putStaticRoute).Methods(http.MethodPut)
	r.HandleFunc("/routes/static/{prefix}", h.deleteStaticRoute).Methods(http.MethodDelete)
	r.Handle("/debug/metrics", perf.Handler()).Methods(http.MethodGet)
	return r
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAccounts encodes accounts with their yaml field names.
func writeAccounts(w http.ResponseWriter, v any) {
	b, err := yaml.MarshalWithOptions(v, yaml.JSON())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, ErrUnknownAccount), errors.Is(err, ErrNoStaticRoute):
		status = http.StatusNotFound
	case errors.Is(err, ErrSettlementDisabled):
		status = http.StatusConflict
	}
	writeJson(w, status, map[string]string{"error": err.Error()})
}

func (h *adminHandler) listAccounts(w http.ResponseWriter, r *http.Request) {
	writeAccounts(w, h.admin.Accounts())
}

func (h *adminHandler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.admin.Account(state.AccountId(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeAccounts(w, acct)
}

func (h *adminHandler) putAccount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		writeError(w, err)
		return
	}
	var acct state.AccountSettings
	if err := yaml.Unmarshal(body, &acct); err != nil {
		writeError(w, err)
		return
	}
	id := state.AccountId(mux.Vars(r)["id"])
	if acct.Id == "" {
		acct.Id = id
	}
	if acct.Id != id {
		writeError(w, errors.New("account id in the body does not match the url"))
		return
	}
	if err := h.admin.PutAccount(r.Context(), acct); err != nil {
		h.log.Warn("failed to update account", "account", id, "error", err)
		writeError(w, err)
		return
	}
	saved, err := h.admin.Account(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAccounts(w, saved)
}

func (h *adminHandler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteAccount(state.AccountId(mux.Vars(r)["id"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.admin.Balance(state.AccountId(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, bal)
}

func (h *adminHandler) receiveSettlement(w http.ResponseWriter, r *http.Request) {
	var q state.SettlementQuantity
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&q); err != nil {
		writeError(w, err)
		return
	}
	id := state.AccountId(mux.Vars(r)["id"])
	applied, err := h.admin.ReceiveSettlement(id, r.Header.Get("Idempotency-Key"), q)
	if err != nil && !errors.Is(err, ErrDuplicateSettlement) {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusCreated, applied)
}

func (h *adminHandler) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes := h.admin.Routes()
	out := make([]RouteView, 0, len(routes))
	for _, rt := range routes {
		out = append(out, RouteView{Prefix: rt.Prefix, NextHop: rt.NextHop, Path: rt.Path, Static: rt.Static})
	}
	writeJson(w, http.StatusOK, out)
}

func (h *adminHandler) putStaticRoute(w http.ResponseWriter, r *http.Request) {
	prefix, err := protocol.ParsePrefix(mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, err)
		return
	}
	var body staticRouteBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&body); err != nil {
		writeError(w, err)
		return
	}
	route := state.StaticRouteCfg{Prefix: prefix, NextHop: body.NextHop}
	if err := h.admin.SetStaticRoute(route); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, RouteView{Prefix: prefix, NextHop: body.NextHop, Static: true})
}

func (h *adminHandler) deleteStaticRoute(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteStaticRoute(protocol.Address(mux.Vars(r)["prefix"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
