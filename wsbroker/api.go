package wsbroker

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// APIHandler serves the HTTP management API of a Server.
type APIHandler struct {
	server *Server
	apiKey string
	log    zerolog.Logger
}

// APIResponse is the envelope of every API reply.
type APIResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// TokenRequest creates a token. Type is "forward", "reverse" or
// "connector"; when empty, Reverse selects between forward and reverse.
type TokenRequest struct {
	Type                 string `json:"type,omitempty"`
	Reverse              bool   `json:"reverse,omitempty"`
	Token                string `json:"token,omitempty"`
	Port                 int    `json:"port,omitempty"`
	Username             string `json:"username,omitempty"`
	Password             string `json:"password,omitempty"`
	ReverseToken         string `json:"reverse_token,omitempty"`
	AllowManageConnector bool   `json:"allow_manage_connector,omitempty"`
}

// ConnectorRequest creates a connector token for ReverseToken.
type ConnectorRequest struct {
	ConnectorToken string `json:"connector_token,omitempty"`
	ReverseToken   string `json:"reverse_token"`
}

// TokenResponse is the data of a successful token creation.
type TokenResponse struct {
	Token string `json:"token"`
	Type  string `json:"type"`
	Port  int    `json:"port,omitempty"`
}

// APITokenInfo is a TokenInfo with the number of connected clients.
type APITokenInfo struct {
	TokenInfo
	ClientCount int `json:"client_count"`
}

// StatusResponse is the data of GET /api/status.
type StatusResponse struct {
	Version             string         `json:"version"`
	ClientCount         int            `json:"client_count"`
	SessionCount        int            `json:"session_count"`
	ForwardTokenCount   int            `json:"forward_token_count"`
	ReverseTokenCount   int            `json:"reverse_token_count"`
	ConnectorTokenCount int            `json:"connector_token_count"`
	Tokens              []APITokenInfo `json:"tokens"`
}

// NewAPIHandler creates a handler guarded by apiKey.
func NewAPIHandler(server *Server, apiKey string) *APIHandler {
	return &APIHandler{
		server: server,
		apiKey: apiKey,
		log:    server.log,
	}
}

// RegisterHandlers mounts the API routes on mux.
func (h *APIHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.auth(h.handleStatus))
	mux.HandleFunc("GET /api/tokens", h.auth(h.handleListTokens))
	mux.HandleFunc("POST /api/tokens", h.auth(h.handleAddToken))
	mux.HandleFunc("DELETE /api/tokens/{token}", h.auth(h.handleRemoveToken))
	mux.HandleFunc("POST /api/connectors", h.auth(h.handleAddConnector))
	mux.HandleFunc("DELETE /api/connectors/{token}", h.auth(h.handleRemoveConnector))
	mux.Handle("GET /metrics", h.auth(h.server.metrics.Handler().ServeHTTP))
}

func (h *APIHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			h.log.Debug().Str("client_ip", clientIPFromRequest(r)).Str("path", r.URL.Path).Msg("Rejected API request with invalid key")
			writeJSON(w, http.StatusUnauthorized, APIResponse{Error: "invalid API key"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownToken):
		status = http.StatusNotFound
	case errors.Is(err, ErrDuplicateToken), errors.Is(err, ErrPoolExhausted):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidConfig):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, APIResponse{Error: err.Error()})
}

func (h *APIHandler) tokenInfos() []APITokenInfo {
	tokens := h.server.registry.Tokens()
	infos := make([]APITokenInfo, len(tokens))
	for i, t := range tokens {
		infos[i] = APITokenInfo{TokenInfo: t, ClientCount: h.server.TokenClientCount(t.Token)}
	}
	return infos
}

func (h *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	forward, reverse, connector := h.server.registry.Counts()
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: StatusResponse{
		Version:             Version,
		ClientCount:         h.server.ClientCount(),
		SessionCount:        h.server.sessions.Count(),
		ForwardTokenCount:   forward,
		ReverseTokenCount:   reverse,
		ConnectorTokenCount: connector,
		Tokens:              h.tokenInfos(),
	}})
}

func (h *APIHandler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: h.tokenInfos()})
}

func (h *APIHandler) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid request body"})
		return
	}

	kind := req.Type
	if kind == "" {
		kind = TokenForward.String()
		if req.Reverse {
			kind = TokenReverse.String()
		}
	}

	var resp TokenResponse
	switch kind {
	case TokenForward.String():
		token, err := h.server.AddForwardToken(req.Token)
		if err != nil {
			writeError(w, err)
			return
		}
		resp = TokenResponse{Token: token, Type: kind}

	case TokenReverse.String():
		res, err := h.server.AddReverseToken(&ReverseTokenOptions{
			Token:                req.Token,
			Port:                 req.Port,
			Username:             req.Username,
			Password:             req.Password,
			AllowManageConnector: req.AllowManageConnector,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		resp = TokenResponse{Token: res.Token, Type: kind, Port: res.Port}

	case TokenConnector.String():
		token, err := h.server.AddConnectorToken(req.Token, req.ReverseToken)
		if err != nil {
			writeError(w, err)
			return
		}
		resp = TokenResponse{Token: token, Type: kind}

	default:
		writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid token type: " + kind})
		return
	}

	h.log.Info().Str("type", kind).Int("port", resp.Port).Msg("Token added via API")
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: resp})
}

func (h *APIHandler) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	if !h.server.RemoveToken(r.PathValue("token")) {
		writeError(w, ErrUnknownToken)
		return
	}
	h.log.Info().Msg("Token removed via API")
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (h *APIHandler) handleAddConnector(w http.ResponseWriter, r *http.Request) {
	var req ConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReverseToken == "" {
		writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid request body"})
		return
	}
	token, err := h.server.AddConnectorToken(req.ConnectorToken, req.ReverseToken)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Info().Msg("Connector token added via API")
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: TokenResponse{Token: token, Type: TokenConnector.String()}})
}

func (h *APIHandler) handleRemoveConnector(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, ok := h.server.registry.ConnectorParent(token); !ok || !h.server.RemoveToken(token) {
		writeError(w, ErrUnknownToken)
		return
	}
	h.log.Info().Msg("Connector token removed via API")
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}
