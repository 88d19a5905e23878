//go:build !linux

package wsbroker

import "errors"

func setProcessTitle(string) error {
	return errors.New("process title setting is not supported on this platform")
}
