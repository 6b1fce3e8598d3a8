package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"

	"github.com/tolelom/idprovider/identity"
)

const maxBodySize = 1 * 1024 * 1024

// TxIndex lists the transactions submitted for an address.
type TxIndex interface {
	TransactionsBy(addr common.Address) ([]common.Hash, error)
}

// Server exposes an Engine over HTTP.
type Server struct {
	engine    *Engine
	registry  *identity.Registry
	addr      string
	authToken string // empty → no auth required
	tlsConfig *tls.Config
	index     TxIndex
	srv       *http.Server
	ln        net.Listener
}

// NewServer creates a Server on addr. If authToken is non-empty, every
// request must carry a matching "Authorization: Bearer <token>" header.
func NewServer(addr string, engine *Engine, registry *identity.Registry, authToken string) *Server {
	s := &Server{engine: engine, registry: registry, addr: addr, authToken: authToken}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/", s.authorized(s.serveRPC))
	router.GET("/identities", s.authorized(s.serveIdentities))
	router.GET("/identities/:address/transactions", s.authorized(s.serveTransactions))
	return router
}

// UseIndex serves per-identity transaction history from ix.
func (s *Server) UseIndex(ix TxIndex) {
	s.index = ix
}

// UseTLS serves HTTPS with cfg. It must be called before Start.
func (s *Server) UseTLS(cfg *tls.Config) {
	s.tlsConfig = cfg
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the port synchronously (so callers know immediately if binding
// fails) then serves requests in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln
	log.Info("RPC server listening", "addr", ln.Addr(), "tls", s.tlsConfig != nil)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("RPC server failed", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting up to 5 seconds for
// in-flight requests to complete.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) authorized(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.authToken != "" && r.Header.Get("Authorization") != "Bearer "+s.authToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(errResponse(nil, CodeUnauthorized, "unauthorized"))
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, errResponse(nil, CodeParseError, err.Error()))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			writeJSON(w, errResponse(nil, CodeParseError, err.Error()))
			return
		}
		if len(raw) == 0 {
			writeJSON(w, errResponse(nil, CodeInvalidRequest, "empty batch"))
			return
		}
		out := make([]Response, len(raw))
		for i, msg := range raw {
			out[i] = s.serveOne(r.Context(), msg)
		}
		writeJSON(w, out)
		return
	}
	writeJSON(w, s.serveOne(r.Context(), body))
}

func (s *Server) serveOne(ctx context.Context, msg json.RawMessage) Response {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return errResponse(nil, CodeParseError, err.Error())
	}
	if req.JSONRPC != "2.0" {
		return errResponse(req.ID, CodeInvalidRequest, "jsonrpc must be '2.0'")
	}
	if req.Method == "" {
		return errResponse(req.ID, CodeInvalidRequest, "method is required")
	}
	return s.engine.Handle(ctx, req)
}

func (s *Server) serveIdentities(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, s.registry.Identities())
}

func (s *Server) serveTransactions(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.index == nil {
		http.NotFound(w, r)
		return
	}
	addr, err := identity.ParseAddress(ps.ByName("address"))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errResponse(nil, CodeInvalidParams, err.Error()))
		return
	}
	hashes, err := s.index.TransactionsBy(addr)
	if err != nil {
		log.Error("Failed to read transaction index", "address", addr, "err", err)
		http.Error(w, "index unavailable", http.StatusInternalServerError)
		return
	}
	if hashes == nil {
		hashes = []common.Hash{}
	}
	writeJSON(w, hashes)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "err", err)
	}
}
