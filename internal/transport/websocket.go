package transport

import (
	"context"
	"fmt"
)

// WebSocket is declared in the configuration schema (execution_method:
// websocket) but has no working implementation. A real transport here
// would naturally reach for github.com/gorilla/websocket; until one
// exists, Execute always fails with a TransportError so a step targeting
// a websocket client gets a clear "not implemented" result rather than a
// panic or a silent no-op.
type WebSocket struct {
	URL string
}

// NewWebSocket returns a stub transport for url.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{URL: url}
}

func (w *WebSocket) Close() error { return nil }

func (w *WebSocket) Execute(ctx context.Context, req Request) (Result, error) {
	return Result{}, transportErr("execute", fmt.Errorf("websocket transport not implemented"))
}
