// Package helpers is a set of useful functions when working with automata.
package helpers

import (
	"context"
	"os"
	"strconv"
	"time"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

// EnableDebugging sets env vars for debugging tested automata. Stdout
// additionally logs every consumed symbol of new automata.
func EnableDebugging(stdout bool) {
	if stdout {
		_ = os.Setenv(fa.EnvFaDebug, "2")
		_ = os.Setenv(fa.EnvFaLog, strconv.Itoa(int(fa.LogOps)))
	} else {
		_ = os.Setenv(fa.EnvFaDebug, "1")
		_ = os.Setenv(fa.EnvFaLog, strconv.Itoa(int(fa.LogChanges)))
	}
}

// SetLogLevel sets FA_LOG env var to the passed log level. It will affect all
// future automata.
func SetLogLevel(level fa.LogLevel) {
	_ = os.Setenv(fa.EnvFaLog, strconv.Itoa(int(level)))
}

// IsDebug returns true if the process is in simple debug mode.
func IsDebug() bool {
	return os.Getenv(fa.EnvFaDebug) != "" && !IsTestRunner()
}

func IsTestRunner() bool {
	return os.Getenv(fa.EnvFaTestRunner) != ""
}

// Wait waits for a duration, or until the context is done. Returns true if the
// duration has passed, or false if ctx is done.
func Wait(ctx context.Context, length time.Duration) bool {
	t := time.NewTimer(length)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Interval runs a function at a given interval, for a given duration, or until
// the context is done. Returns nil if the duration has passed, or err is ctx is
// done. The function should return false to stop the interval.
func Interval(
	ctx context.Context, length time.Duration, interval time.Duration,
	fn func() bool,
) error {
	end := time.Now().Add(length)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {

		case <-ctx.Done():
			return ctx.Err()

		case <-t.C:
			if time.Now().After(end) {
				return nil
			}

			if !fn() {
				return nil
			}
		}
	}
}
