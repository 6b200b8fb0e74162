package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nativecommon "termchain/native/common"
	"termchain/native/vault"
	"termchain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeModulePaused   = -32030
	codeRateExceeded   = -32031
	codeReentrancy     = -32032
	codeRateLimited    = -32020
)

// Server exposes the vault engine over JSON-RPC. Mutating methods require the
// bearer token from TERMCHAIN_RPC_TOKEN when one is configured.
type Server struct {
	engine    *vault.Engine
	logger    *slog.Logger
	authToken string

	quotaMu sync.Mutex
	quota   nativecommon.Quota
	usage   map[string]nativecommon.QuotaNow
	nowFn   func() time.Time
}

// RPCRequest is the JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewServer wires the RPC surface around an engine.
func NewServer(engine *vault.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		logger:    logger,
		authToken: strings.TrimSpace(os.Getenv("TERMCHAIN_RPC_TOKEN")),
		usage:     make(map[string]nativecommon.QuotaNow),
		nowFn:     time.Now,
	}
}

// SetQuota enables per-client rate limiting on mutating methods. A zero quota
// disables the limiter.
func (s *Server) SetQuota(q nativecommon.Quota) {
	s.quotaMu.Lock()
	s.quota = q
	s.quotaMu.Unlock()
}

// checkQuota admits one mutating request for the client, rolling the counter
// window every minute.
func (s *Server) checkQuota(client string) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	if s.quota.MaxRequestsPerMin == 0 && s.quota.MaxAmountPerEpoch == 0 {
		return nil
	}
	epoch := uint64(s.nowFn().Unix()) / 60
	next, err := nativecommon.CheckQuota(s.quota, epoch, s.usage[client], 1, 0)
	if err != nil {
		return err
	}
	s.usage[client] = next
	return nil
}

// Router mounts the RPC endpoint next to health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handle)
	return r
}

// Start serves the router on addr until ctx is cancelled, then drains
// in-flight requests before returning.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down JSON-RPC server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

func (s *Server) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"vault_enter":               s.handleVaultEnter,
		"vault_roll":                s.handleVaultRoll,
		"vault_settle":              s.handleVaultSettle,
		"vault_exit":                s.handleVaultExit,
		"vault_deleverage":          s.handleVaultDeleverage,
		"vault_borrowSecondary":     s.handleBorrowSecondary,
		"vault_repaySecondary":      s.handleRepaySecondary,
		"vault_liquidateSecondary":  s.handleLiquidateSecondary,
		"vault_liquidateExcessCash": s.handleLiquidateExcessCash,
		"vault_getConfig":           s.handleGetConfig,
		"vault_getState":            s.handleGetState,
		"vault_getAccount":          s.handleGetAccount,
		"vault_getHealth":           s.handleGetHealth,
		"vault_updateConfig":        s.handleUpdateConfig,
		"vault_setPaused":           s.handleSetPaused,
		"vault_setEnabled":          s.handleSetEnabled,
	}
}

// mutatingMethods gate on the bearer token; queries stay open.
var mutatingMethods = map[string]bool{
	"vault_enter":               true,
	"vault_roll":                true,
	"vault_settle":              true,
	"vault_exit":                true,
	"vault_deleverage":          true,
	"vault_borrowSecondary":     true,
	"vault_repaySecondary":      true,
	"vault_liquidateSecondary":  true,
	"vault_liquidateExcessCash": true,
	"vault_updateConfig":        true,
	"vault_setPaused":           true,
	"vault_setEnabled":          true,
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", nil)
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
		return
	}

	method := strings.TrimSpace(req.Method)
	handler, ok := s.handlers()[method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", method), nil)
		observability.ModuleMetrics().Observe("vault", method, http.StatusNotFound, time.Since(started))
		return
	}
	if mutatingMethods[method] {
		if err := s.requireAuth(r); err != nil {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, err.Error(), nil)
			observability.ModuleMetrics().Observe("vault", method, http.StatusUnauthorized, time.Since(started))
			return
		}
		if err := s.checkQuota(clientKey(r)); err != nil {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, err.Error(), nil)
			observability.ModuleMetrics().Observe("vault", method, http.StatusTooManyRequests, time.Since(started))
			return
		}
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	handler(rec, r, &req)
	observability.ModuleMetrics().Observe("vault", method, rec.status, time.Since(started))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// clientKey identifies a caller for rate limiting purposes.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requireAuth(r *http.Request) error {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return errors.New("missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.authToken)) != 1 {
		return errors.New("invalid bearer token")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// writeEngineError maps engine failures onto JSON-RPC error codes. Domain
// rejections are client errors; anything else is a server fault.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, id, codeModulePaused, err.Error(), nil)
	case errors.Is(err, nativecommon.ErrReentrancy):
		writeError(w, http.StatusConflict, id, codeReentrancy, err.Error(), nil)
	case errors.Is(err, vault.ErrRateExceeded):
		writeError(w, http.StatusConflict, id, codeRateExceeded, err.Error(), nil)
	default:
		writeError(w, http.StatusBadRequest, id, codeServerError, err.Error(), nil)
	}
}
