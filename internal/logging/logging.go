package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process logger. Packages take a module-scoped entry from it.
var Log = logrus.New()

func init() {
	Log.Out = os.Stderr
	Log.SetLevel(logrus.InfoLevel)
}

// Setup sets the verbosity from a level name ("debug", "info", "warn", ...).
func Setup(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)
	return nil
}

// Debug will switch the verbosity of the logger.
func Debug(t bool) {
	if t {
		Log.SetLevel(logrus.DebugLevel)
	} else {
		Log.SetLevel(logrus.WarnLevel)
	}
}

// Logger returns an entry tagged with the module name.
func Logger(module string) *logrus.Entry {
	return Log.WithField("module", module)
}
