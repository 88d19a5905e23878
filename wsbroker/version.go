package wsbroker

import "runtime"

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0"

var Platform = runtime.GOOS + "/" + runtime.GOARCH
