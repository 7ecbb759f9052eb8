package middleware

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// Recover runs next and turns a panic into a logged error so a misbehaving
// worker cannot take the process down. It reports whether a panic occurred.
func Recover(log *zap.SugaredLogger, name string, next func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			log.Errorw("Panic recovered",
				"worker", name,
				"error", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	next()
	return false
}
