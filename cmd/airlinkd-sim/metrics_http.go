package main

import (
	"context"
	"net/http"
)

// metricsShutdown wraps the *http.Server returned by metrics.StartHTTP so
// callers don't need to import net/http just to shut it down.
type metricsShutdown struct {
	srv *http.Server
}

func (m *metricsShutdown) Shutdown() {
	_ = m.srv.Shutdown(context.Background())
}
