package util

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Until runs f every period until stopCh is closed. Panics in f are recovered
// and logged.
func Until(f func(), period time.Duration, stopCh <-chan struct{}) {
	select {
	case <-stopCh:
		return
	default:
	}
	for {
		func() {
			defer HandleCrash()
			f()
		}()
		select {
		case <-stopCh:
			return
		case <-time.After(period):
		}
	}
}

// HandleCrash simply catches a crash and logs an error. Meant to be called via defer.
// Additional context-specific handlers can be provided, and will be called in case of panic
func HandleCrash(additionalHandlers ...func(any)) {
	if r := recover(); r != nil {
		logPanic(r)
		for _, fn := range additionalHandlers {
			fn(r)
		}
	}
}

// logPanic logs the caller tree when a panic occurs.
func logPanic(r any) {
	log.Errorf("Recovered from panic: %#v (%v)\n%s", r, r, Callers(3))
}

// Callers renders the current goroutine's call stack, skipping the given
// number of frames.
func Callers(skip int) string {
	var b strings.Builder
	for i := skip; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fmt.Fprintf(&b, "%v:%v\n", file, line)
	}
	return b.String()
}
