package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	service_registry "github.com/ahmadzakiakmal/herbtrace/srvreg"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr          string
	server            *http.Server
	mux               *http.ServeMux
	logger            cmtlog.Logger
	node              *nm.Node
	startTime         time.Time
	serviceRegistry   *service_registry.ServiceRegistry
	service           *portal.Service
	cometBftRpcClient *cmtrpc.Local
}

// Options carries the optional collaborators of the web server
type Options struct {
	// Node is set in ledger mode and enables the transaction lookup and node
	// details in /debug.
	Node     *nm.Node
	Gatherer prometheus.Gatherer
}

// TransactionStatus describes one committed ledger transaction
type TransactionStatus struct {
	TxID        string              `json:"tx_id"`
	BlockHeight int64               `json:"block_height"`
	Code        uint32              `json:"code"`
	Log         string              `json:"log"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

// NewWebServer creates a new web server
func NewWebServer(httpPort string, logger cmtlog.Logger, serviceRegistry *service_registry.ServiceRegistry, service *portal.Service, opts Options) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux:             mux,
		logger:          logger,
		node:            opts.Node,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		service:         service,
	}
	if opts.Node != nil {
		server.cometBftRpcClient = cmtrpc.New(opts.Node)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status/", server.handleTransactionStatus)
	// Portal endpoints
	mux.HandleFunc("/batches", server.handlePortalAPI)
	mux.HandleFunc("/batches/", server.handlePortalAPI)
	mux.HandleFunc("/worklist/", server.handlePortalAPI)
	mux.HandleFunc("/access/", server.handlePortalAPI)
	mux.HandleFunc("/ledger/status", server.handlePortalAPI)

	return server
}

// Handler exposes the routes, for tests and embedding
func (ws *WebServer) Handler() http.Handler {
	return ws.mux
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot shows which node and mode is answering
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := ws.service.LedgerStatus()
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<h1>HerbTrace Portal Node</h1>"))
	w.Write([]byte(fmt.Sprintf("<p>Ledger mode: %s (%s)</p>", st.Mode, st.Backend)))
	if ws.node != nil {
		w.Write([]byte("<p>Node ID: " + string(ws.node.NodeInfo().ID()) + "</p>"))
		rpcPort := extractPortFromAddress(ws.node.Config().RPC.ListenAddress)
		w.Write([]byte(fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a></p>", rpcPort, rpcPort)))
	}
}

// handleHealth answers 200 while requests can be served, including from
// the fallback store.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := ws.service.LedgerStatus()
	status := "ok"
	if st.Degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"mode":    st.Mode,
		"backend": st.Backend,
	})
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	debugInfo := map[string]interface{}{
		"uptime": time.Since(ws.startTime).String(),
		"ledger": ws.service.LedgerStatus(),
	}

	if ws.node != nil {
		nodeStatus := "online"
		if ws.node.ConsensusReactor().WaitSync() {
			nodeStatus = "syncing"
		}
		if !ws.node.IsListening() {
			nodeStatus = "offline"
		}
		debugInfo["node_id"] = string(ws.node.NodeInfo().ID())
		debugInfo["node_status"] = nodeStatus
		debugInfo["p2p_address"] = ws.node.Config().P2P.ListenAddress
		debugInfo["rpc_address"] = ws.node.Config().RPC.ListenAddress

		outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
		debugInfo["num_peers_out"] = outboundPeers
		debugInfo["num_peers_in"] = inboundPeers
		debugInfo["num_peers_dialing"] = dialingPeers

		status, err := ws.cometBftRpcClient.Status(r.Context())
		if err != nil {
			debugInfo["cometbft_error"] = err.Error()
		} else {
			debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
			debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
			debugInfo["catching_up"] = status.SyncInfo.CatchingUp
		}

		abciInfo, err := ws.cometBftRpcClient.ABCIInfo(r.Context())
		if err != nil {
			debugInfo["abci_error"] = err.Error()
		} else {
			debugInfo["app_version"] = abciInfo.Response.AppVersion
			debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
			debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
		}
	}

	writeJSON(w, http.StatusOK, debugInfo)
}

// handleTransactionStatus looks up a committed transaction by hash. Only
// available in ledger mode.
func (ws *WebServer) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ws.cometBftRpcClient == nil {
		JSONError(w, "Transaction references are not available in this ledger mode", http.StatusNotFound)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "status" {
		JSONError(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}
	hash, err := hex.DecodeString(pathParts[2])
	if err != nil {
		JSONError(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	res, err := ws.cometBftRpcClient.Tx(r.Context(), hash, false)
	if err != nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}

	status := TransactionStatus{
		TxID:        strings.ToLower(pathParts[2]),
		BlockHeight: res.Height,
		Code:        res.TxResult.Code,
		Log:         res.TxResult.Log,
	}
	if tx, err := models.ParseTransaction(res.Tx); err == nil {
		status.Transaction = tx
	}
	writeJSON(w, http.StatusOK, status)
}

// handlePortalAPI routes portal requests through the service registry
func (ws *WebServer) handlePortalAPI(w http.ResponseWriter, r *http.Request) {
	requestID, err := generateRequestID()
	if err != nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate request ID", "err", err)
		return
	}

	request, err := service_registry.ConvertHttpRequestToRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	response, err := request.GenerateResponse(r.Context(), ws.serviceRegistry)
	if err != nil {
		JSONError(w, "Internal server error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate response", "err", err)
		return
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(response.StatusCode)
	w.Write([]byte(response.Body))

	ws.logger.Debug("Request served",
		"request_id", requestID,
		"method", request.Method,
		"path", request.Path,
		"status", response.StatusCode,
	)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

func generateRequestID() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
