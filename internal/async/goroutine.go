// Package async provides panic-safe helpers for background goroutines.
package async

import (
	"runtime/debug"

	"fable/internal/logging"
)

// Go runs fn in a goroutine guarded by panic recovery. The name identifies
// the goroutine in panic reports.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if logging.IsNil(logger) {
				return
			}
			logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
		}()
		fn()
	}()
}
