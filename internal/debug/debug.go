// Package debug provides wire-level debug logging, gated behind the
// XPRESENT_DEBUG environment variable.
package debug

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug = func(string, ...any) {}

func init() {
	debugLevel, err := strconv.ParseInt(os.Getenv("XPRESENT_DEBUG"), 10, 0)
	if err != nil {
		return
	}
	if debugLevel > 0 {
		log := logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.DebugLevel)
		debug = func(str string, args ...any) { log.Debugf(str, args...) }
	}
}

func Printf(str string, args ...any) {
	debug(str, args...)
}
