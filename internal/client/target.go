package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/burrownet/burrow/internal/config"
)

// localTarget is where tunneled traffic lands: a local port, an arbitrary
// URL, or a static directory served by an in-process file server.
type localTarget struct {
	base      *url.URL
	desc      string
	staticDir string

	httpClient *http.Client
}

func newLocalTarget(cfg config.ClientConfig) (*localTarget, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		// Responses are relayed verbatim; transparent gzip would strip
		// Content-Encoding and break byte fidelity.
		DisableCompression: true,
	}
	t := &localTarget{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects belong to the browser, not the relay.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	switch {
	case cfg.StaticDir != "":
		t.staticDir = cfg.StaticDir
		t.desc = "dir://" + cfg.StaticDir
		return t, nil // base is set once the file server is listening
	case cfg.LocalURL != "":
		u, err := url.Parse(cfg.LocalURL)
		if err != nil {
			return nil, fmt.Errorf("invalid local URL %q: %w", cfg.LocalURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("local URL %q: scheme must be http or https", cfg.LocalURL)
		}
		t.base = u
		t.desc = cfg.LocalURL
		return t, nil
	case cfg.LocalPort > 0:
		u, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", cfg.LocalPort))
		if err != nil {
			return nil, err
		}
		t.base = u
		t.desc = u.String()
		return t, nil
	}
	return nil, errors.New("no local target configured")
}

// start brings up the static file server when the target is a directory.
// It serves on a loopback port picked by the kernel and shuts down with ctx.
func (t *localTarget) start(ctx context.Context) error {
	if t.staticDir == "" {
		return nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("static file server: %w", err)
	}
	srv := &http.Server{Handler: http.FileServer(http.Dir(t.staticDir))}
	go func() {
		_ = srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	t.base = &url.URL{Scheme: "http", Host: ln.Addr().String()}
	return nil
}

// requestURL joins the tunneled path and query onto the target base.
func (t *localTarget) requestURL(path, query string) *url.URL {
	u := *t.base
	u.Path = path
	u.RawQuery = query
	return &u
}

func (t *localTarget) describe() string {
	return t.desc
}
