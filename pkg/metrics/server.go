package metrics

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route is an extra endpoint served beside /metrics, typically the health
// probes so an orchestrator can reach them without the API port.
type Route struct {
	Path    string
	Handler http.Handler
}

var indexPage = template.Must(template.New("index").Parse(`<html><body>
<h1>Enforcement ingestion</h1>
<ul>{{range .}}<li><a href="{{.}}">{{.}}</a></li>{{end}}</ul>
</body></html>`))

// NewMux serves g's collectors at /metrics plus routes, with an index of
// every mounted path at /.
func NewMux(g prometheus.Gatherer, routes ...Route) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	paths := []string{"/metrics"}
	for _, r := range routes {
		mux.Handle("GET "+r.Path, r.Handler)
		paths = append(paths, r.Path)
	}
	sort.Strings(paths)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := indexPage.Execute(w, paths); err != nil {
			slog.Error("rendering metrics index", "error", err)
		}
	})
	return mux
}

// StartServer binds the metrics listener on port and serves it in the
// background. A bind failure is returned rather than logged.
func StartServer(port int, g prometheus.Gatherer, routes ...Route) (shutdown func(context.Context) error, err error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding metrics listener: %w", err)
	}
	server := &http.Server{
		Handler:      NewMux(g, routes...),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown, nil
}
