package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that carries the values of parent but
// is never cancelled by it, so a final log line can still be written
// after the parent's cancellation fires (e.g. the reflection stage
// finishing its activity-log entry during shutdown).
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout is DetachContext plus its own bounded
// deadline, so a detached write cannot hang forever.
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(DetachContext(parent), timeout)
}
