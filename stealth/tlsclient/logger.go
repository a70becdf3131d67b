package tlsclient

import (
	"fmt"

	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/go-logr/logr"
)

// logrLogger bridges tls-client's printf-style logger onto logr.
type logrLogger struct {
	log logr.Logger
}

var _ tls_client.Logger = logrLogger{}

// NewLogger returns a tls-client logger writing to log. Debug lines are logged at V(4),
// info lines at V(2).
func NewLogger(log logr.Logger) tls_client.Logger {
	return logrLogger{log: log}
}

func (l logrLogger) Debug(format string, args ...any) {
	l.log.V(4).Info(fmt.Sprintf(format, args...))
}

func (l logrLogger) Info(format string, args ...any) {
	l.log.V(2).Info(fmt.Sprintf(format, args...))
}

func (l logrLogger) Warn(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...), "level", "warning")
}

func (l logrLogger) Error(format string, args ...any) {
	l.log.Error(nil, fmt.Sprintf(format, args...))
}
