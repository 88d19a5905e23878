//go:build !unix

package wsbroker

import "net"

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
