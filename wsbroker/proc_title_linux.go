//go:build linux

package wsbroker

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessTitle sets the thread name shown by ps and top. Linux truncates
// it to 15 bytes.
func setProcessTitle(title string) error {
	if len(title) > 15 {
		title = title[:15]
	}
	name, err := unix.BytePtrFromString(title)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(name)), 0, 0, 0)
}
