package pooling

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the library's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// SetLogger installs l as the library-wide logger. Pools capture the
// logger at construction, so install it before building a PoolSet.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}
