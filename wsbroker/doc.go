// Package wsbroker implements a SOCKS5-over-WebSocket tunnel broker.
//
// A Server authenticates WebSocket links by token. Forward tokens let a
// Client expose a local SOCKS5 listener whose connections the server dials
// out; reverse tokens give the server a SOCKS5 listener whose connections
// are dialed by the reverse client; connector tokens let further clients
// reach a reverse client's network through the server.
//
// Basic usage:
//
//	import "github.com/linksocks/wsbroker/wsbroker"
//
//	// Create a server with default options
//	server, err := wsbroker.NewServer(wsbroker.DefaultConfig().WithWSPort(8765))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Add a forward proxy token
//	token, err := server.AddForwardToken("")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Add a reverse proxy token listening on a port from the pool
//	result, err := server.AddReverseToken(wsbroker.DefaultReverseTokenOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	port := result.Port
//
//	// Start the server
//	if err := server.Serve(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Loosely typed option maps, as passed by embedding applications, are
// turned into a Config with ValidateConfig. Logs of such applications can
// be drained through WaitForLogEntries when a LoggerID is configured.
package wsbroker
