package wsbroker

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenKind is the role granted by a token.
type TokenKind int

const (
	TokenForward TokenKind = iota + 1
	TokenReverse
	TokenConnector
)

func (k TokenKind) String() string {
	switch k {
	case TokenForward:
		return "forward"
	case TokenReverse:
		return "reverse"
	case TokenConnector:
		return "connector"
	default:
		return "unknown"
	}
}

// ReverseTokenOptions represents configuration options for a reverse token
type ReverseTokenOptions struct {
	Token                string `json:"token,omitempty"`
	Port                 int    `json:"port,omitempty"` // 0 leases any free port
	Username             string `json:"username,omitempty"`
	Password             string `json:"password,omitempty"`
	AllowManageConnector bool   `json:"allow_manage_connector,omitempty"`
}

// DefaultReverseTokenOptions returns options that generate a token and lease any port
func DefaultReverseTokenOptions() *ReverseTokenOptions {
	return &ReverseTokenOptions{}
}

// ReverseTokenResult is the outcome of a reverse token registration
type ReverseTokenResult struct {
	Token string `json:"token"`
	Port  int    `json:"port"`
}

// TokenResult is delivered by the deferred token operations.
type TokenResult struct {
	Token string
	Port  int
	Err   error
}

// TokenInfo describes a registered token.
type TokenInfo struct {
	Token        string    `json:"token"`
	Kind         TokenKind `json:"-"`
	Type         string    `json:"type"`
	Port         int       `json:"port,omitempty"`
	ReverseToken string    `json:"reverse_token,omitempty"`
	Sessions     int       `json:"sessions"`
}

// sessionHandle is what the registry needs from a session to revoke it.
type sessionHandle interface {
	ID() uuid.UUID
	ForceClose() bool
}

// TokenRegistry owns all tokens, the PortPool and the per-token session
// index. A single mutex covers all three.
type TokenRegistry struct {
	mu         sync.Mutex
	log        zerolog.Logger
	metrics    *Metrics
	pool       *PortPool
	forward    map[string]struct{}
	reverse    map[string]*ReverseTokenOptions
	connectors map[string]string // connector token -> reverse token
	hashes     map[string]string // sha256 hex -> token
	sessions   map[string]map[uuid.UUID]sessionHandle
}

// NewTokenRegistry creates a registry leasing reverse ports from pool.
func NewTokenRegistry(pool *PortPool, logger zerolog.Logger, metrics *Metrics) *TokenRegistry {
	if pool == nil {
		pool = NewPortPool(DefaultPortPoolMin, DefaultPortPoolMax)
	}
	return &TokenRegistry{
		log:        logger,
		metrics:    metrics,
		pool:       pool,
		forward:    make(map[string]struct{}),
		reverse:    make(map[string]*ReverseTokenOptions),
		connectors: make(map[string]string),
		hashes:     make(map[string]string),
		sessions:   make(map[string]map[uuid.UUID]sessionHandle),
	}
}

// generateRandomToken generates a random token string
func generateRandomToken(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// exists must be called with r.mu held.
func (r *TokenRegistry) exists(token string) bool {
	if _, ok := r.forward[token]; ok {
		return true
	}
	if _, ok := r.reverse[token]; ok {
		return true
	}
	_, ok := r.connectors[token]
	return ok
}

// claim picks a fresh token when token is empty, or checks uniqueness.
// Must be called with r.mu held.
func (r *TokenRegistry) claim(token string) (string, error) {
	if token == "" {
		for {
			token = generateRandomToken(16)
			if !r.exists(token) {
				return token, nil
			}
		}
	}
	if r.exists(token) {
		return "", ErrDuplicateToken
	}
	return token, nil
}

// AddForwardToken registers a forward token, generating one when token is empty.
func (r *TokenRegistry) AddForwardToken(token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := r.claim(token)
	if err != nil {
		return "", err
	}
	r.forward[token] = struct{}{}
	r.hashes[tokenHash(token)] = token
	r.updateMetrics()

	r.log.Info().Msg("New forward proxy token added")
	return token, nil
}

// AddReverseToken registers a reverse token and leases its listener port.
// Either both succeed or nothing changes.
func (r *TokenRegistry) AddReverseToken(opts *ReverseTokenOptions) (*ReverseTokenResult, error) {
	if opts == nil {
		opts = DefaultReverseTokenOptions()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := r.claim(opts.Token)
	if err != nil {
		return nil, err
	}
	port, err := r.pool.Lease(opts.Port)
	if err != nil {
		return nil, err
	}

	stored := *opts
	stored.Token = token
	stored.Port = port
	r.reverse[token] = &stored
	r.hashes[tokenHash(token)] = token
	r.updateMetrics()

	r.log.Info().Int("port", port).Msg("New reverse proxy token added")
	return &ReverseTokenResult{Token: token, Port: port}, nil
}

// AddConnectorToken links a connector token to an active reverse token.
func (r *TokenRegistry) AddConnectorToken(connector, reverse string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reverse[reverse]; !ok {
		return "", fmt.Errorf("%w: reverse token not found", ErrUnknownToken)
	}
	connector, err := r.claim(connector)
	if err != nil {
		return "", err
	}
	r.connectors[connector] = reverse
	r.hashes[tokenHash(connector)] = connector
	r.updateMetrics()

	r.log.Info().Msg("New connector token added")
	return connector, nil
}

// RemoveToken revokes a token of any kind. It reports false when the token
// is not registered.
func (r *TokenRegistry) RemoveToken(token string) bool {
	_, ok := r.remove(token)
	return ok
}

// remove revokes token and returns every token removed with it.
func (r *TokenRegistry) remove(token string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := []string{token}
	switch {
	case r.isForward(token):
		delete(r.forward, token)
		r.log.Info().Msg("Forward token removed")
	case r.reverse[token] != nil:
		opts := r.reverse[token]
		r.pool.Release(opts.Port)
		delete(r.reverse, token)
		for connector, parent := range r.connectors {
			if parent == token {
				delete(r.connectors, connector)
				delete(r.hashes, tokenHash(connector))
				removed = append(removed, connector)
			}
		}
		r.log.Info().Int("port", opts.Port).Int("connectors", len(removed)-1).Msg("Reverse token removed")
	case r.connectors[token] != "":
		delete(r.connectors, token)
		r.log.Info().Msg("Connector token removed")
	default:
		return nil, false
	}
	delete(r.hashes, tokenHash(token))

	closed := 0
	for _, t := range removed {
		for _, s := range r.sessions[t] {
			if s.ForceClose() {
				closed++
			}
		}
		delete(r.sessions, t)
	}
	if closed > 0 {
		r.log.Debug().Int("sessions", closed).Msg("Closed sessions of revoked token")
	}
	r.updateMetrics()
	return removed, true
}

func (r *TokenRegistry) isForward(token string) bool {
	_, ok := r.forward[token]
	return ok
}

// Resolve maps a token or the sha256 hex of a token to the token and its kind.
func (r *TokenRegistry) Resolve(tokenOrHash string) (string, TokenKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := tokenOrHash
	if !r.exists(token) {
		t, ok := r.hashes[tokenOrHash]
		if !ok {
			return "", 0, false
		}
		token = t
	}
	return token, r.kind(token), true
}

// kind must be called with r.mu held.
func (r *TokenRegistry) kind(token string) TokenKind {
	switch {
	case r.isForward(token):
		return TokenForward
	case r.reverse[token] != nil:
		return TokenReverse
	case r.connectors[token] != "":
		return TokenConnector
	}
	return 0
}

// ReverseOptions returns the options a reverse token was registered with.
func (r *TokenRegistry) ReverseOptions(token string) (ReverseTokenOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opts, ok := r.reverse[token]
	if !ok {
		return ReverseTokenOptions{}, false
	}
	return *opts, true
}

// ConnectorParent returns the reverse token a connector token belongs to.
func (r *TokenRegistry) ConnectorParent(connector string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.connectors[connector]
	return parent, ok
}

// Tokens lists every registered token ordered by kind and value.
func (r *TokenRegistry) Tokens() []TokenInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]TokenInfo, 0, len(r.forward)+len(r.reverse)+len(r.connectors))
	for t := range r.forward {
		infos = append(infos, TokenInfo{Token: t, Kind: TokenForward, Sessions: len(r.sessions[t])})
	}
	for t, opts := range r.reverse {
		infos = append(infos, TokenInfo{Token: t, Kind: TokenReverse, Port: opts.Port, Sessions: len(r.sessions[t])})
	}
	for t, parent := range r.connectors {
		infos = append(infos, TokenInfo{Token: t, Kind: TokenConnector, ReverseToken: parent, Sessions: len(r.sessions[t])})
	}
	for i := range infos {
		infos[i].Type = infos[i].Kind.String()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Kind != infos[j].Kind {
			return infos[i].Kind < infos[j].Kind
		}
		return infos[i].Token < infos[j].Token
	})
	return infos
}

// Counts returns the number of forward, reverse and connector tokens.
func (r *TokenRegistry) Counts() (forward, reverse, connector int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forward), len(r.reverse), len(r.connectors)
}

// attachSession indexes s under token. It fails when the token has been
// revoked, which is how the registry gates session admission.
func (r *TokenRegistry) attachSession(token string, s sessionHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exists(token) {
		return ErrUnknownToken
	}
	set, ok := r.sessions[token]
	if !ok {
		set = make(map[uuid.UUID]sessionHandle)
		r.sessions[token] = set
	}
	set[s.ID()] = s
	return nil
}

func (r *TokenRegistry) detachSession(token string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.sessions[token]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.sessions, token)
		}
	}
}

// SessionCount returns the number of live sessions authorized by token.
func (r *TokenRegistry) SessionCount(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[token])
}

// Close revokes every token, releasing all ports and closing all sessions.
func (r *TokenRegistry) Close() {
	r.mu.Lock()
	tokens := make([]string, 0, len(r.forward)+len(r.reverse))
	for t := range r.forward {
		tokens = append(tokens, t)
	}
	for t := range r.reverse {
		tokens = append(tokens, t)
	}
	for t := range r.connectors {
		tokens = append(tokens, t)
	}
	r.mu.Unlock()

	for _, t := range tokens {
		r.remove(t)
	}
}

// updateMetrics must be called with r.mu held.
func (r *TokenRegistry) updateMetrics() {
	r.metrics.setTokens(len(r.forward), len(r.reverse), len(r.connectors))
	r.metrics.setPortsInUse(r.pool.Used())
}

// deferred runs fn on its own goroutine and delivers its result once.
func deferred[T any](fn func() T) <-chan T {
	ch := make(chan T, 1)
	go func() {
		ch <- fn()
		close(ch)
	}()
	return ch
}

// AddForwardTokenAsync is the non-blocking form of AddForwardToken.
func (r *TokenRegistry) AddForwardTokenAsync(token string) <-chan TokenResult {
	return deferred(func() TokenResult {
		t, err := r.AddForwardToken(token)
		return TokenResult{Token: t, Err: err}
	})
}

// AddReverseTokenAsync is the non-blocking form of AddReverseToken.
func (r *TokenRegistry) AddReverseTokenAsync(opts *ReverseTokenOptions) <-chan TokenResult {
	return deferred(func() TokenResult {
		res, err := r.AddReverseToken(opts)
		if err != nil {
			return TokenResult{Err: err}
		}
		return TokenResult{Token: res.Token, Port: res.Port}
	})
}

// AddConnectorTokenAsync is the non-blocking form of AddConnectorToken.
func (r *TokenRegistry) AddConnectorTokenAsync(connector, reverse string) <-chan TokenResult {
	return deferred(func() TokenResult {
		t, err := r.AddConnectorToken(connector, reverse)
		return TokenResult{Token: t, Err: err}
	})
}

// RemoveTokenAsync is the non-blocking form of RemoveToken.
func (r *TokenRegistry) RemoveTokenAsync(token string) <-chan bool {
	return deferred(func() bool {
		return r.RemoveToken(token)
	})
}
