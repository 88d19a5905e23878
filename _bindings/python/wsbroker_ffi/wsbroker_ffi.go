package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct wsbroker_buf {
    uint8_t* data;
    int64_t len;
} wsbroker_buf;
*/
import "C"

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unsafe"

	"github.com/linksocks/wsbroker/wsbroker"
)

func writeBuf(out *C.wsbroker_buf, b []byte) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	if len(b) == 0 {
		out.data = nil
		out.len = 0
		return nil
	}
	ptr := C.malloc(C.size_t(len(b)))
	if ptr == nil {
		return errStr(errors.New("malloc failed"))
	}
	copy(unsafe.Slice((*byte)(ptr), len(b)), b)
	out.data = (*C.uint8_t)(ptr)
	out.len = C.int64_t(len(b))
	return nil
}

func errStr(err error) *C.char {
	if err == nil {
		return nil
	}
	return C.CString(err.Error())
}

// handleTable maps opaque integer handles to Go objects so that no Go
// pointer crosses the C boundary.
type handleTable[T any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[uint64]T
}

var nextHandle struct {
	sync.Mutex
	n uint64
}

func newHandleTable[T any](kind string) *handleTable[T] {
	return &handleTable[T]{kind: kind, entries: make(map[uint64]T)}
}

func (t *handleTable[T]) put(v T) uint64 {
	nextHandle.Lock()
	nextHandle.n++
	h := nextHandle.n
	nextHandle.Unlock()

	t.mu.Lock()
	t.entries[h] = v
	t.mu.Unlock()
	return h
}

func (t *handleTable[T]) get(h C.uint64_t) (T, error) {
	t.mu.RLock()
	v, ok := t.entries[uint64(h)]
	t.mu.RUnlock()
	if !ok {
		var zero T
		return zero, errors.New("invalid " + t.kind + " handle")
	}
	return v, nil
}

func (t *handleTable[T]) take(h C.uint64_t) (T, error) {
	t.mu.Lock()
	v, ok := t.entries[uint64(h)]
	delete(t.entries, uint64(h))
	t.mu.Unlock()
	if !ok {
		var zero T
		return zero, errors.New("invalid " + t.kind + " handle")
	}
	return v, nil
}

var (
	servers      = newHandleTable[*wsbroker.Server]("server")
	clients      = newHandleTable[*wsbroker.Client]("client")
	cancelTokens = newHandleTable[*wsbroker.CancelToken]("cancel token")
)

// cancelToken resolves an optional cancel token handle; 0 means none.
func cancelToken(h C.uint64_t) (*wsbroker.CancelToken, error) {
	if h == 0 {
		return nil, nil
	}
	return cancelTokens.get(h)
}

// parseConfig turns a JSON object of options into a validated Config.
func parseConfig(cfgJSON *C.char) (*wsbroker.Config, error) {
	raw := map[string]any{}
	if cfgJSON != nil {
		if s := C.GoString(cfgJSON); s != "" {
			if err := json.Unmarshal([]byte(s), &raw); err != nil {
				return nil, err
			}
		}
	}
	return wsbroker.ValidateConfig(raw)
}

func jsonStr(v any) *C.char {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return C.CString(string(b))
}

//export wsbroker_free
func wsbroker_free(p unsafe.Pointer) {
	if p != nil {
		C.free(p)
	}
}

//export wsbroker_buf_free
func wsbroker_buf_free(b C.wsbroker_buf) {
	if b.data != nil {
		C.free(unsafe.Pointer(b.data))
	}
}

//export wsbroker_version
func wsbroker_version() *C.char {
	return C.CString(wsbroker.Version)
}

//export wsbroker_parse_duration
func wsbroker_parse_duration(s *C.char, out *C.int64_t) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	d, err := wsbroker.ParseDuration(C.GoString(s))
	if err != nil {
		return errStr(err)
	}
	*out = C.int64_t(int64(d))
	return nil
}

// wsbroker_validate_config returns the normalized option set as JSON in
// out, or the first offending field as the error string.
//
//export wsbroker_validate_config
func wsbroker_validate_config(cfgJSON *C.char, out **C.char) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	cfg, err := parseConfig(cfgJSON)
	if err != nil {
		return errStr(err)
	}
	*out = jsonStr(map[string]any{
		"ws_host":           cfg.WSHost,
		"ws_port":           cfg.WSPort,
		"ws_url":            cfg.WSURL,
		"socks_host":        cfg.SocksHost,
		"socks_port":        cfg.SocksPort,
		"socks_wait_server": cfg.SocksWaitServer,
		"reverse":           cfg.Reverse,
		"buffer_size":       cfg.BufferSize,
		"channel_timeout":   cfg.ChannelTimeout.Seconds(),
		"connect_timeout":   cfg.ConnectTimeout.Seconds(),
		"fast_open":         cfg.FastOpen,
		"reconnect":         cfg.Reconnect,
		"reconnect_delay":   cfg.ReconnectDelay.Seconds(),
		"threads":           cfg.Threads,
		"upstream_proxy":    cfg.UpstreamProxy,
		"no_env_proxy":      cfg.NoEnvProxy,
		"user_agent":        cfg.UserAgent,
		"port_pool_min":     cfg.PortPoolMin,
		"port_pool_max":     cfg.PortPoolMax,
	})
	return nil
}

//export wsbroker_cancel_token_new
func wsbroker_cancel_token_new() C.uint64_t {
	return C.uint64_t(cancelTokens.put(wsbroker.NewCancelToken()))
}

//export wsbroker_cancel_token_cancel
func wsbroker_cancel_token_cancel(h C.uint64_t) *C.char {
	tok, err := cancelTokens.get(h)
	if err != nil {
		return errStr(err)
	}
	tok.Cancel()
	return nil
}

//export wsbroker_cancel_token_free
func wsbroker_cancel_token_free(h C.uint64_t) {
	if tok, err := cancelTokens.take(h); err == nil {
		tok.Cancel()
	}
}

//export wsbroker_server_new
func wsbroker_server_new(cfgJSON *C.char, out *C.uint64_t) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	cfg, err := parseConfig(cfgJSON)
	if err != nil {
		return errStr(err)
	}
	srv, err := wsbroker.NewServer(cfg)
	if err != nil {
		return errStr(err)
	}
	*out = C.uint64_t(servers.put(srv))
	return nil
}

//export wsbroker_server_wait_ready
func wsbroker_server_wait_ready(h C.uint64_t, timeoutNs C.int64_t, cancelHandle C.uint64_t) *C.char {
	srv, err := servers.get(h)
	if err != nil {
		return errStr(err)
	}
	tok, err := cancelToken(cancelHandle)
	if err != nil {
		return errStr(err)
	}
	return errStr(srv.WaitReady(tok.Context(), time.Duration(int64(timeoutNs))))
}

//export wsbroker_server_close
func wsbroker_server_close(h C.uint64_t) *C.char {
	srv, err := servers.take(h)
	if err != nil {
		return errStr(err)
	}
	srv.Close()
	return nil
}

//export wsbroker_server_add_forward_token
func wsbroker_server_add_forward_token(h C.uint64_t, token *C.char, out **C.char) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	srv, err := servers.get(h)
	if err != nil {
		return errStr(err)
	}
	tok, err := srv.AddForwardToken(C.GoString(token))
	if err != nil {
		return errStr(err)
	}
	*out = C.CString(tok)
	return nil
}

//export wsbroker_server_add_reverse_token
func wsbroker_server_add_reverse_token(h C.uint64_t, optsJSON *C.char, out **C.char) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	srv, err := servers.get(h)
	if err != nil {
		return errStr(err)
	}

	opts := wsbroker.DefaultReverseTokenOptions()
	if optsJSON != nil {
		if s := C.GoString(optsJSON); s != "" {
			if err := json.Unmarshal([]byte(s), opts); err != nil {
				return errStr(err)
			}
		}
	}

	res, err := srv.AddReverseToken(opts)
	if err != nil {
		return errStr(err)
	}
	*out = jsonStr(res)
	return nil
}

//export wsbroker_server_add_connector_token
func wsbroker_server_add_connector_token(h C.uint64_t, connector *C.char, reverseToken *C.char, out **C.char) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	srv, err := servers.get(h)
	if err != nil {
		return errStr(err)
	}
	tok, err := srv.AddConnectorToken(C.GoString(connector), C.GoString(reverseToken))
	if err != nil {
		return errStr(err)
	}
	*out = C.CString(tok)
	return nil
}

//export wsbroker_server_remove_token
func wsbroker_server_remove_token(h C.uint64_t, token *C.char, out *C.int) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	srv, err := servers.get(h)
	if err != nil {
		return errStr(err)
	}
	*out = 0
	if srv.RemoveToken(C.GoString(token)) {
		*out = 1
	}
	return nil
}

//export wsbroker_server_tokens
func wsbroker_server_tokens(h C.uint64_t, out *C.wsbroker_buf) *C.char {
	srv, err := servers.get(h)
	if err != nil {
		return errStr(err)
	}
	b, err := json.Marshal(srv.Registry().Tokens())
	if err != nil {
		return errStr(err)
	}
	return writeBuf(out, b)
}

//export wsbroker_server_client_count
func wsbroker_server_client_count(h C.uint64_t, out *C.int64_t) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	srv, err := servers.get(h)
	if err != nil {
		return errStr(err)
	}
	*out = C.int64_t(srv.ClientCount())
	return nil
}

//export wsbroker_client_new
func wsbroker_client_new(token *C.char, cfgJSON *C.char, out *C.uint64_t) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	cfg, err := parseConfig(cfgJSON)
	if err != nil {
		return errStr(err)
	}
	cli, err := wsbroker.NewClient(C.GoString(token), cfg)
	if err != nil {
		return errStr(err)
	}
	*out = C.uint64_t(clients.put(cli))
	return nil
}

//export wsbroker_client_wait_ready
func wsbroker_client_wait_ready(h C.uint64_t, timeoutNs C.int64_t, cancelHandle C.uint64_t) *C.char {
	cli, err := clients.get(h)
	if err != nil {
		return errStr(err)
	}
	tok, err := cancelToken(cancelHandle)
	if err != nil {
		return errStr(err)
	}
	return errStr(cli.WaitReady(tok.Context(), time.Duration(int64(timeoutNs))))
}

//export wsbroker_client_is_connected
func wsbroker_client_is_connected(h C.uint64_t, out *C.int) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	cli, err := clients.get(h)
	if err != nil {
		return errStr(err)
	}
	*out = 0
	if cli.IsConnected() {
		*out = 1
	}
	return nil
}

//export wsbroker_client_close
func wsbroker_client_close(h C.uint64_t) *C.char {
	cli, err := clients.take(h)
	if err != nil {
		return errStr(err)
	}
	cli.Close()
	return nil
}

//export wsbroker_client_add_connector
func wsbroker_client_add_connector(h C.uint64_t, token *C.char, out **C.char) *C.char {
	if out == nil {
		return errStr(errors.New("out is nil"))
	}
	cli, err := clients.get(h)
	if err != nil {
		return errStr(err)
	}
	tok, err := cli.AddConnector(C.GoString(token))
	if err != nil {
		return errStr(err)
	}
	*out = C.CString(tok)
	return nil
}

//export wsbroker_client_remove_connector
func wsbroker_client_remove_connector(h C.uint64_t, token *C.char) *C.char {
	cli, err := clients.get(h)
	if err != nil {
		return errStr(err)
	}
	return errStr(cli.RemoveConnector(C.GoString(token)))
}

//export wsbroker_set_log_level
func wsbroker_set_log_level(level *C.char) *C.char {
	return errStr(wsbroker.SetLoggerGlobalLevel(C.GoString(level)))
}

//export wsbroker_wait_for_log_entries
func wsbroker_wait_for_log_entries(timeoutMs C.int64_t, cancelHandle C.uint64_t, out *C.wsbroker_buf) *C.char {
	tok, err := cancelToken(cancelHandle)
	if err != nil {
		return errStr(err)
	}
	entries := wsbroker.WaitForLogEntriesContext(tok.Context(), int64(timeoutMs))
	if entries == nil {
		return writeBuf(out, nil)
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return errStr(err)
	}
	return writeBuf(out, b)
}

//export wsbroker_cancel_log_waiters
func wsbroker_cancel_log_waiters() {
	wsbroker.CancelLogWaiters()
}

func main() {}
