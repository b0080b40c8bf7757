package logging

import "context"

type ctxKey struct{}

// NewContext returns ctx carrying l
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by NewContext, or Default
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return Default()
}

// HTTPContext is the logger for one API request
func HTTPContext(method, route, requestID string) *Logger {
	return Default().WithComponent("http").WithTraceID(requestID).WithFields(map[string]interface{}{
		"method": method,
		"route":  route,
	})
}

// WebSocketContext is the logger for one worker's venue connection
func WebSocketContext(identity, endpoint string) *Logger {
	return Default().WithComponent("websocket").WithFields(map[string]interface{}{
		"worker_id": identity,
		"endpoint":  endpoint,
	})
}
