// Package debug provides env-gated diagnostic logging for keel.
//
// Output is off unless KEEL_DEBUG is set (or SetVerbose(true) is called),
// so the hot path costs one boolean check.
package debug

import (
	"fmt"
	"os"
	"sync"
)

var (
	enabled     = os.Getenv("KEEL_DEBUG") != ""
	verboseMode = false
	logMutex    sync.Mutex
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables debug output regardless of KEEL_DEBUG.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// Logf writes a debug line to stderr when debug output is enabled.
func Logf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintf(os.Stderr, "[keel] "+format+"\n", args...)
}
