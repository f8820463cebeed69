package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"

	"goa.design/docscout/runtime/chat"
)

// handleHTTPServer starts the HTTP server serving the chat and health
// endpoints and handles its graceful shutdown.
func handleHTTPServer(ctx context.Context, addr string, svc *chat.Service, wg *sync.WaitGroup, errc chan error, dbg bool) {
	// Build the request multiplexer and mount debug and profiler endpoints
	// in debug mode.
	mux := http.NewServeMux()
	if dbg {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(mux)
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(mux)
	}
	svc.Mount(mux)

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	// The long read header timeout leaves room for slow clients; streaming
	// responses are not subject to a write timeout.
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	log.Printf(ctx, "HTTP \"Chat\" mounted on POST /chat")
	log.Printf(ctx, "HTTP \"Health\" mounted on GET /health")

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
