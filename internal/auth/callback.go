package auth

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// shutdownTimeout bounds the graceful stop of the callback server.
const shutdownTimeout = 2 * time.Second

// callbackResult is what the listener hands back to the waiting flow.
type callbackResult struct {
	code string
	err  error
}

// CallbackListener is a temporary local HTTP server that receives one
// OAuth authorization code. It validates the CSRF state token and then
// refuses further callbacks. There is no timeout: the flow is
// interactive and only the caller's context can abandon it.
type CallbackListener struct {
	port     int
	path     string
	state    string
	srv      *http.Server
	listener net.Listener
	results  chan callbackResult

	mu       sync.Mutex
	received bool
	once     sync.Once
}

// StartCallbackListener binds the preferred port, falling back to a
// random high port when it is taken, and starts serving the callback
// path in the background.
func StartCallbackListener(preferredPort int, path, state string) (*CallbackListener, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start callback listener: %w", err)
		}
		log.Printf("[OAuth] Port %d in use, using random port", preferredPort)
	}

	l := &CallbackListener{
		port:     listener.Addr().(*net.TCPAddr).Port,
		path:     path,
		state:    state,
		listener: listener,
		results:  make(chan callbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleCallback)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[OAuth] Callback listener error: %v", err)
		}
	}()
	log.Printf("[OAuth] Callback listener on port %d", l.port)

	return l, nil
}

// Port returns the bound port (useful when the preferred one was taken).
func (l *CallbackListener) Port() int { return l.port }

// RedirectURL returns the redirect URI to register with the provider.
func (l *CallbackListener) RedirectURL() string {
	return fmt.Sprintf("http://localhost:%d%s", l.port, l.path)
}

// Wait blocks until the authorization code arrives or the context is
// canceled. It is the caller's only way out of a pending flow.
func (l *CallbackListener) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-l.results:
		return res.code, res.err
	}
}

// Close shuts the listener down. Safe to call more than once.
func (l *CallbackListener) Close() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			log.Printf("[OAuth] Error shutting down callback listener: %v", err)
		}
		log.Printf("[OAuth] Callback listener stopped")
	})
}

func (l *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	if l.received {
		l.mu.Unlock()
		http.Error(w, "Callback already processed", http.StatusBadRequest)
		return
	}
	l.received = true
	l.mu.Unlock()

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		l.results <- callbackResult{err: fmt.Errorf("authorization denied: %s", errParam)}
		http.Error(w, "Authorization denied", http.StatusBadRequest)
		return
	}

	if state := r.URL.Query().Get("state"); state != l.state {
		l.results <- callbackResult{err: fmt.Errorf("invalid state token")}
		http.Error(w, "Invalid state token", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		l.results <- callbackResult{err: fmt.Errorf("callback missing authorization code")}
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	l.results <- callbackResult{code: code}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Login Successful</title></head>
<body style="font-family: -apple-system, sans-serif; text-align: center; margin-top: 80px;">
	<h2>✅ Login successful</h2>
	<p>You can close this window and return to the terminal.</p>
</body>
</html>`)
}
