package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// CallbackServer is the local HTTP listener the add-account CLI collaborator
// spins up to receive Google's OAuth redirect.
type CallbackServer struct {
	server     *http.Server
	mu         sync.Mutex
	actualPort int
	isAborted  bool
	codeChan   chan string
	errChan    chan error
}

// NewCallbackServer builds a callback server that only accepts a redirect
// carrying expectedState, guarding against CSRF.
func NewCallbackServer(expectedState string) *CallbackServer {
	cs := &CallbackServer{
		actualPort: config.OAuthCallbackPort,
		codeChan:   make(chan string, 1),
		errChan:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errParam := query.Get("error"); errParam != "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "Error: "+errParam)
			cs.errChan <- fmt.Errorf("oauth error: %s", errParam)
			return
		}

		if state := query.Get("state"); state != expectedState {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "State mismatch - possible CSRF attack.")
			cs.errChan <- fmt.Errorf("state mismatch")
			return
		}

		code := query.Get("code")
		if code == "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "No authorization code received.")
			cs.errChan <- fmt.Errorf("no authorization code")
			return
		}

		writeCallbackPage(w, http.StatusOK, "Authentication Successful", "You can close this window and return to the terminal.")
		cs.codeChan <- code
	})

	cs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return cs
}

func writeCallbackPage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html><head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p></body></html>`, title, title, body)
}

// Start binds the callback listener, falling back through the configured
// alternate ports, and blocks until a code arrives, an error is reported, or
// ctx is cancelled.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	portsToTry := append([]int{config.OAuthCallbackPort}, config.OAuthCallbackFallbackPorts...)

	var lastErr error
	for _, port := range portsToTry {
		cs.server.Addr = fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", cs.server.Addr)
		if err != nil {
			lastErr = err
			utils.Warn("[auth] failed to bind callback port %d: %v", port, err)
			continue
		}

		cs.actualPort = port
		if port != config.OAuthCallbackPort {
			utils.Warn("[auth] primary callback port %d unavailable, using %d", config.OAuthCallbackPort, port)
		} else {
			utils.Info("[auth] callback server listening on port %d", port)
		}

		go func() {
			if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		select {
		case code := <-cs.codeChan:
			cs.server.Shutdown(context.Background())
			return code, nil
		case err := <-cs.errChan:
			cs.server.Shutdown(context.Background())
			return "", err
		case <-ctx.Done():
			cs.server.Shutdown(context.Background())
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed to start oauth callback server: %w", lastErr)
}

// GetPort returns the port actually bound, which may be a fallback.
func (cs *CallbackServer) GetPort() int { return cs.actualPort }

// Abort shuts the server down without delivering a code or error, used when
// the caller completes the flow some other way (e.g. pasted redirect URL).
func (cs *CallbackServer) Abort() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.isAborted {
		return
	}
	cs.isAborted = true
	if cs.server != nil {
		cs.server.Shutdown(context.Background())
		utils.Info("[auth] callback server aborted")
	}
}
