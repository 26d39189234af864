package subaru

import (
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// isCriticalAtomic is 1 while an install/remove is mutating the system;
// the signal handler blocks the first Ctrl+C during that window.
var isCriticalAtomic atomic.Int32

var (
	Debug     bool
	version   = "dev" // overridden at build time
	arch      = runtime.GOARCH
	buildDate = "unknown" // overridden at build time

	ConfigFile = "/etc/subaru.conf"

	// Global executors (assigned in Main)
	UserExec *Executor
	RootExec *Executor
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
