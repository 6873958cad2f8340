package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golang/glog"
)

// negotiated subprotocol for the realtime channel. Upgrade requests that do
// not offer it (e.g. development tooling sockets sharing the port) are passed
// through to the configured passthrough handler untouched.
const WsSubprotocol = "relay.v1"

type ServerSettings struct {
	WsPath  string
	ApiPath string

	// limit for the rest history endpoint
	HistoryLimit    int
	WsReadBufferSize  int
	WsWriteBufferSize int

	// receives upgrade requests that do not speak WsSubprotocol
	PassthroughHandler http.Handler

	GatewaySettings  *MessageGatewaySettings
	LivenessSettings *LivenessSupervisorSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WsPath:            "/ws",
		ApiPath:           "/api",
		HistoryLimit:      50,
		WsReadBufferSize:  4 * 1024,
		WsWriteBufferSize: 4 * 1024,
		GatewaySettings:   DefaultMessageGatewaySettings(),
		LivenessSettings:  DefaultLivenessSupervisorSettings(),
	}
}

// Server wires the registry, gateway, liveness supervisor, store and
// responder behind one http handler.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *ConnectionRegistry
	store    MessageStore
	gateway  *MessageGateway
	liveness *LivenessSupervisor
	auth     *AuthVerifier

	upgrader websocket.Upgrader
	router   *mux.Router

	startTime time.Time

	settings *ServerSettings
}

func NewServerWithDefaults(
	ctx context.Context,
	store MessageStore,
	responder Responder,
	auth *AuthVerifier,
) *Server {
	return NewServer(ctx, store, responder, auth, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	store MessageStore,
	responder Responder,
	auth *AuthVerifier,
	settings *ServerSettings,
) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)

	registry := NewConnectionRegistry()
	liveness := NewLivenessSupervisor(cancelCtx, settings.LivenessSettings)
	gateway := NewMessageGateway(cancelCtx, registry, store, liveness, responder, settings.GatewaySettings)

	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		store:    store,
		gateway:  gateway,
		liveness: liveness,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.WsReadBufferSize,
			WriteBufferSize: settings.WsWriteBufferSize,
			Subprotocols:    []string{WsSubprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
		settings:  settings,
	}

	router := mux.NewRouter()
	router.HandleFunc(settings.WsPath, server.handleWs)
	router.HandleFunc(settings.ApiPath+"/channels/{channelId}/messages", server.handleChannelMessages).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/status", server.handleStatus).Methods("GET")
	server.router = router

	return server
}

func (self *Server) Router() http.Handler {
	return self.router
}

func (self *Server) Registry() *ConnectionRegistry {
	return self.registry
}

func (self *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	if !slices.Contains(websocket.Subprotocols(r), WsSubprotocol) {
		// not ours. Leave it for whoever shares the port.
		if self.settings.PassthroughHandler != nil {
			self.settings.PassthroughHandler.ServeHTTP(w, r)
		} else {
			http.Error(w, "unknown subprotocol", http.StatusNotFound)
		}
		return
	}

	userAuth, err := self.resolveAuth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	self.gateway.HandleConnection(ws, userAuth)
}

func (self *Server) resolveAuth(r *http.Request) (*UserAuth, error) {
	byJwt := r.URL.Query().Get("jwt")
	if byJwt == "" {
		// header auth for non-browser clients
		authorization := r.Header.Get("Authorization")
		byJwt = strings.TrimPrefix(authorization, "Bearer ")
	}
	return self.auth.Verify(byJwt)
}

// rest history snapshot. The client reconciler merges this with the live
// event stream; overlap with the subscribe replay is expected and de-duped
// client-side by message id.
func (self *Server) handleChannelMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := self.resolveAuth(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelId, err := ParseId(mux.Vars(r)["channelId"])
	if err != nil {
		http.Error(w, "bad channel id", http.StatusBadRequest)
		return
	}

	limit := self.settings.HistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && 0 < parsed && parsed < limit {
			limit = parsed
		}
	}

	messages, err := self.store.FindMessages(channelId, limit)
	if err != nil {
		glog.Infof("[s]history error %s = %s\n", channelId, err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&ChannelMessagesResult{
		Messages: messages,
	})
}

func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(self.startTime) / time.Second),
	})
}

func (self *Server) Close() {
	self.cancel()
	self.liveness.Close()
}
