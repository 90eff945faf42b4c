package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"
)

// Authorizer performs the interactive hop of the implicit flow: it presents
// the authorization URL to the user and returns the redirect fragment the
// provider produced.
type Authorizer interface {
	RedirectURI() string
	Authorize(ctx context.Context, authorizeURL string) (string, error)
}

// BrowserAuthorizer opens the system browser and captures the redirect
// fragment on a loopback listener. The fragment never reaches the server side
// of the redirect, so the callback page forwards location.hash back to us.
type BrowserAuthorizer struct {
	Port    int
	OpenURL func(url string) error
}

const callbackPage = `<!doctype html>
<html><body>Signing in&hellip; you can close this tab.
<script>
fetch('/fragment', {method: 'POST', body: window.location.hash.slice(1)})
  .then(function(){ document.body.textContent = 'Signed in. You can close this tab.'; });
</script></body></html>`

func (a *BrowserAuthorizer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", a.Port)
}

func (a *BrowserAuthorizer) Authorize(ctx context.Context, authorizeURL string) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", a.Port))
	if err != nil {
		return "", fmt.Errorf("auth callback listen: %w", err)
	}
	defer listener.Close()

	fragments := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, callbackPage)
	})
	mux.HandleFunc("/fragment", func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64*1024)
		n, _ := r.Body.Read(buf)
		select {
		case fragments <- string(buf[:n]):
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = server.Serve(listener) }()
	defer server.Close()

	openURL := a.OpenURL
	if openURL == nil {
		openURL = openInBrowser
	}
	if err := openURL(authorizeURL); err != nil {
		return "", fmt.Errorf("open browser: %w", err)
	}

	select {
	case fragment := <-fragments:
		if fragment == "" {
			return "", fmt.Errorf("empty response from auth flow")
		}
		return fragment, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func openInBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
