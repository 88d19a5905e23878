package wsbroker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(min, max int) *TokenRegistry {
	return NewTokenRegistry(NewPortPool(min, max), zerolog.Nop(), NewMetrics())
}

// fakeSession records ForceClose calls.
type fakeSession struct {
	id     uuid.UUID
	closed atomic.Bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{id: uuid.New()}
}

func (s *fakeSession) ID() uuid.UUID { return s.id }

func (s *fakeSession) ForceClose() bool {
	return s.closed.CompareAndSwap(false, true)
}

func TestAddForwardToken(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	token, err := r.AddForwardToken("")
	require.NoError(t, err)
	assert.Len(t, token, 32)

	named, err := r.AddForwardToken("my-token")
	require.NoError(t, err)
	assert.Equal(t, "my-token", named)

	_, err = r.AddForwardToken("my-token")
	assert.ErrorIs(t, err, ErrDuplicateToken)

	got, kind, ok := r.Resolve("my-token")
	require.True(t, ok)
	assert.Equal(t, "my-token", got)
	assert.Equal(t, TokenForward, kind)
}

func TestAddReverseTokenExhaustion(t *testing.T) {
	r := newTestRegistry(10000, 10002)

	var tokens []string
	for _, want := range []int{10000, 10001, 10002} {
		res, err := r.AddReverseToken(nil)
		require.NoError(t, err)
		assert.Equal(t, want, res.Port)
		tokens = append(tokens, res.Token)
	}

	_, err := r.AddReverseToken(&ReverseTokenOptions{Token: "fourth"})
	assert.ErrorIs(t, err, ErrPoolExhausted)
	_, _, ok := r.Resolve("fourth")
	assert.False(t, ok, "failed registration must not leave a token behind")

	_, reverse, _ := r.Counts()
	assert.Equal(t, 3, reverse)

	require.True(t, r.RemoveToken(tokens[1]))
	res, err := r.AddReverseToken(&ReverseTokenOptions{Token: "fourth"})
	require.NoError(t, err)
	assert.Equal(t, 10001, res.Port)
}

func TestAddReverseTokenPreferredPort(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	res, err := r.AddReverseToken(&ReverseTokenOptions{Token: "a", Port: 10005, Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, 10005, res.Port)

	_, err = r.AddReverseToken(&ReverseTokenOptions{Token: "b", Port: 10005})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	_, err = r.AddReverseToken(&ReverseTokenOptions{Token: "a"})
	assert.ErrorIs(t, err, ErrDuplicateToken)

	opts, ok := r.ReverseOptions("a")
	require.True(t, ok)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, 10005, opts.Port)
}

func TestConnectorTokenCascade(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	_, err := r.AddConnectorToken("c0", "missing")
	assert.ErrorIs(t, err, ErrUnknownToken)

	res, err := r.AddReverseToken(&ReverseTokenOptions{Token: "rev"})
	require.NoError(t, err)

	c1, err := r.AddConnectorToken("c1", "rev")
	require.NoError(t, err)
	c2, err := r.AddConnectorToken("", "rev")
	require.NoError(t, err)

	parent, ok := r.ConnectorParent(c2)
	require.True(t, ok)
	assert.Equal(t, "rev", parent)

	s1, s2 := newFakeSession(), newFakeSession()
	require.NoError(t, r.attachSession(c1, s1))
	require.NoError(t, r.attachSession("rev", s2))

	removed, ok := r.remove("rev")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"rev", c1, c2}, removed)

	assert.True(t, s1.closed.Load())
	assert.True(t, s2.closed.Load())
	for _, tok := range []string{"rev", c1, c2} {
		_, _, ok := r.Resolve(tok)
		assert.False(t, ok, tok)
	}

	r.mu.Lock()
	assert.False(t, r.pool.InUse(res.Port))
	r.mu.Unlock()

	assert.False(t, r.RemoveToken("rev"), "second removal must report false")
}

func TestRemoveConnectorKeepsParent(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	_, err := r.AddReverseToken(&ReverseTokenOptions{Token: "rev"})
	require.NoError(t, err)
	_, err = r.AddConnectorToken("conn", "rev")
	require.NoError(t, err)

	assert.True(t, r.RemoveToken("conn"))
	_, kind, ok := r.Resolve("rev")
	require.True(t, ok)
	assert.Equal(t, TokenReverse, kind)
}

func TestResolveByHash(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	_, err := r.AddForwardToken("secret")
	require.NoError(t, err)

	token, kind, ok := r.Resolve(tokenHash("secret"))
	require.True(t, ok)
	assert.Equal(t, "secret", token)
	assert.Equal(t, TokenForward, kind)

	r.RemoveToken("secret")
	_, _, ok = r.Resolve(tokenHash("secret"))
	assert.False(t, ok)
}

func TestAttachSessionRequiresToken(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	assert.ErrorIs(t, r.attachSession("nope", newFakeSession()), ErrUnknownToken)

	_, err := r.AddForwardToken("tok")
	require.NoError(t, err)

	s := newFakeSession()
	require.NoError(t, r.attachSession("tok", s))
	assert.Equal(t, 1, r.SessionCount("tok"))

	r.detachSession("tok", s.ID())
	assert.Equal(t, 0, r.SessionCount("tok"))
	assert.False(t, s.closed.Load())
}

func TestTokensListing(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	_, err := r.AddForwardToken("f")
	require.NoError(t, err)
	_, err = r.AddReverseToken(&ReverseTokenOptions{Token: "r"})
	require.NoError(t, err)
	_, err = r.AddConnectorToken("c", "r")
	require.NoError(t, err)

	infos := r.Tokens()
	require.Len(t, infos, 3)
	assert.Equal(t, "forward", infos[0].Type)
	assert.Equal(t, "reverse", infos[1].Type)
	assert.Equal(t, 10000, infos[1].Port)
	assert.Equal(t, "connector", infos[2].Type)
	assert.Equal(t, "r", infos[2].ReverseToken)
}

func TestRegistryConcurrentAdds(t *testing.T) {
	r := newTestRegistry(10000, 10099)

	var wg sync.WaitGroup
	ports := make(chan int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.AddReverseToken(&ReverseTokenOptions{Token: fmt.Sprintf("tok-%d", i)})
			if assert.NoError(t, err) {
				ports <- res.Port
			}
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for p := range ports {
		assert.False(t, seen[p], "port %d leased twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, 100)

	_, err := r.AddReverseToken(nil)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestRegistryAsync(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	res := <-r.AddForwardTokenAsync("async")
	require.NoError(t, res.Err)
	assert.Equal(t, "async", res.Token)

	res = <-r.AddReverseTokenAsync(&ReverseTokenOptions{Port: 10003})
	require.NoError(t, res.Err)
	assert.Equal(t, 10003, res.Port)

	res = <-r.AddConnectorTokenAsync("", res.Token)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.Token)

	assert.True(t, <-r.RemoveTokenAsync("async"))
	assert.False(t, <-r.RemoveTokenAsync("async"))
}

func TestRegistryClose(t *testing.T) {
	r := newTestRegistry(10000, 10010)

	_, err := r.AddForwardToken("f")
	require.NoError(t, err)
	_, err = r.AddReverseToken(&ReverseTokenOptions{Token: "r"})
	require.NoError(t, err)
	_, err = r.AddConnectorToken("c", "r")
	require.NoError(t, err)

	r.Close()
	forward, reverse, connector := r.Counts()
	assert.Zero(t, forward+reverse+connector)
	r.mu.Lock()
	assert.Zero(t, r.pool.Used())
	r.mu.Unlock()
}
