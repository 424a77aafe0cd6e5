package action

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Collect wraps a.Run in a scoped region that catches every failure —
// a returned error or a panic — and converts it into Result.Failed,
// recording elapsed wall time and, for panics, a captured stack trace.
// It never re-raises: this is how "raising == Failed" is enforced
// without exceptions.
func Collect(a Action, sys System) {
	result := a.GetResult()
	result.State = StateNone

	start := time.Now()
	defer func() {
		result.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			result.State = StateFailed
			result.Exception = &Exception{
				Type:      "panic",
				Message:   fmt.Sprint(r),
				Traceback: string(debug.Stack()),
			}
		}
	}()

	if err := a.Run(sys); err != nil {
		result.State = StateFailed
		result.Exception = &Exception{
			Type:    exceptionType(err),
			Message: err.Error(),
		}
	}
}

func exceptionType(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
