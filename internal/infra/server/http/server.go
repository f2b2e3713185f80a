// Package httpserver exposes the monitoring endpoints of the stream manager.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-ws/internal/observability"
	"github.com/coachpo/meltica-ws/internal/stream"
)

const (
	statusPrefix = "/status/"
	icingaPath   = statusPrefix + "icinga"
	plainPath    = statusPrefix + "plain"

	readHeaderTimeout = 5 * time.Second
)

// StatusSource reports the health of a stream manager.
type StatusSource interface {
	GetMonitoringStatusIcinga(checkCommandVersion string) stream.IcingaStatus
	GetMonitoringStatusPlain(checkCommandVersion string) stream.MonitoringStatus
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	source  StatusSource
	docsURL string
	log     observability.Logger
}

// NewHandler creates the monitoring handler. `/` and `/status/` redirect to docsURL.
func NewHandler(source StatusSource, docsURL string, logger observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewStdLogger(nil)
	}
	server := &httpServer{source: source, docsURL: docsURL, log: logger}
	mux := http.NewServeMux()

	get := func(h handlerFunc) http.Handler {
		return server.methodHandlers(map[string]handlerFunc{http.MethodGet: h})
	}
	mux.Handle("/", get(server.serveRoot))
	mux.Handle(statusPrefix, get(server.serveStatus))
	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *httpServer) serveRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.notFound(w, r)
		return
	}
	http.Redirect(w, r, s.docsURL, http.StatusFound)
}

func (s *httpServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.URL.Path == statusPrefix:
		http.Redirect(w, r, s.docsURL, http.StatusFound)
	case path == icingaPath:
		s.writeIcinga(w, r, "")
	case strings.HasPrefix(path, icingaPath+"/"):
		version := strings.TrimPrefix(path, icingaPath+"/")
		if strings.Contains(version, "/") {
			s.notFound(w, r)
			return
		}
		s.writeIcinga(w, r, version)
	case path == plainPath:
		s.log.Info("monitoring status requested", observability.Field{Key: "format", Value: "plain"})
		writeJSON(w, http.StatusOK, s.source.GetMonitoringStatusPlain(""))
	default:
		s.notFound(w, r)
	}
}

func (s *httpServer) writeIcinga(w http.ResponseWriter, _ *http.Request, version string) {
	s.log.Info("monitoring status requested",
		observability.Field{Key: "format", Value: "icinga"},
		observability.Field{Key: "check_command_version", Value: version})
	writeJSON(w, http.StatusOK, s.source.GetMonitoringStatusIcinga(version))
}

func (s *httpServer) notFound(w http.ResponseWriter, r *http.Request) {
	s.log.Error("monitoring service not found", observability.Field{Key: "path", Value: r.URL.Path})
	writeJSON(w, http.StatusNotFound, "service not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Server runs the monitoring handler on its own listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		ln: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
