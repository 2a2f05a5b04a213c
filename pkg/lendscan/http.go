package lendscan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

// controller is the part of the scanner the HTTP surface drives
type controller interface {
	Snapshot() scanner.Snapshot
	Start(ctx context.Context) error
	Stop()
	ResetScanner()
	ToggleTorch() error
	SetSoundEnabled(enabled bool)
	SetSelectedDeviceID(id string) error
	RefreshDevices(ctx context.Context) []scanner.CameraDevice
	Sink() *scanner.Sink
}

// frameWaiter is satisfied by *scanner.Sink
type frameWaiter interface {
	Wait(ctx context.Context, after uint64) (image.Image, uint64, error)
}

const (
	httpOff = "off"

	previewBoundary = "frame"
	previewQuality  = 70
	// preview clients don't need the full camera rate
	previewInterval = 100 * time.Millisecond
)

// Server is the local control and preview surface
type Server struct {
	logger  *zap.SugaredLogger
	ctrl    controller
	frames  frameWaiter
	history *History
	address string
	router  *mux.Router

	lock     sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

type stateResponse struct {
	scanner.Snapshot
	LastError string                   `json:"lastError,omitempty"`
	History   []scanner.DetectionEvent `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
	Cause string `json:"cause,omitempty"`
}

// NewServer creates the HTTP surface; it listens once Start is called
func NewServer(logger *zap.SugaredLogger, ctrl controller, history *History, address string) *Server {
	logger = logger.Named("http")

	s := &Server{
		logger:  logger,
		ctrl:    ctrl,
		frames:  ctrl.Sink(),
		history: history,
		address: address,
	}
	s.router = s.newRouter()

	logger.Debugw("Created HTTP server instance", "address", address)

	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	// device ids are paths, clients send them escaped
	r.UseEncodedPath()
	r.Use(s.logRequests)

	r.HandleFunc("/state", s.handleState).Methods("GET")
	r.HandleFunc("/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/start", s.handleStart).Methods("POST")
	r.HandleFunc("/stop", s.handleStop).Methods("POST")
	r.HandleFunc("/reset", s.handleReset).Methods("POST")
	r.HandleFunc("/torch", s.handleTorch).Methods("POST")
	r.HandleFunc("/sound/{state:on|off}", s.handleSound).Methods("PUT")
	r.HandleFunc("/device/{id}", s.handleDevice).Methods("PUT")
	r.HandleFunc("/device", s.handleDevice).Methods("DELETE")
	r.HandleFunc("/preview.mjpeg", s.handlePreview).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start listens on the configured address. An empty or "off" address
// disables the server.
func (s *Server) Start() error {
	if s.address == "" || s.address == httpOff {
		s.logger.Debug("HTTP server disabled")
		return nil
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		s.logger.Warnw("Failed to listen", "address", s.address, "error", err)
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// preview streams end when the server stops
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.lock.Lock()
	s.server, s.listener, s.cancel = server, listener, cancel
	s.lock.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server failed", "error", err)
		}
	}()

	s.logger.Infow("HTTP server listening", "address", listener.Addr().String())

	return nil
}

// Addr returns the address the server listens on, or "" if it isn't running
func (s *Server) Addr() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop ends open preview streams and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.lock.Lock()
	server, cancel := s.server, s.cancel
	s.server, s.listener, s.cancel = nil, nil, nil
	s.lock.Unlock()

	if server == nil {
		return nil
	}

	cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, 5*time.Second)
	defer cancelTimeout()

	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warnw("Failed to shut down HTTP server", "error", err)
		return fmt.Errorf("shut down HTTP server: %w", err)
	}

	s.logger.Debug("HTTP server stopped")

	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Debugw("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	response := errorResponse{Error: err.Error()}

	var camErr *scanner.CameraError
	switch {
	case errors.Is(err, scanner.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, scanner.ErrCanceled):
		status = http.StatusConflict
	case errors.As(err, &camErr) && camErr.Cause == scanner.CauseNotFound:
		status = http.StatusNotFound
		response.Cause = camErr.Cause.String()
	case errors.As(err, &camErr):
		status = http.StatusServiceUnavailable
		response.Cause = camErr.Cause.String()
	}

	s.writeJSON(w, status, response)
}

func (s *Server) state() stateResponse {
	snapshot := s.ctrl.Snapshot()

	response := stateResponse{
		Snapshot: snapshot,
		History:  s.history.List(),
	}
	if snapshot.LastError != nil {
		response.LastError = snapshot.LastError.Error()
	}

	return response
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.RefreshDevices(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// a client hanging up mustn't abort the acquisition half-way
	if err := s.ctrl.Start(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ResetScanner()
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleTorch(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ToggleTorch(); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleSound(w http.ResponseWriter, r *http.Request) {
	s.ctrl.SetSoundEnabled(mux.Vars(r)["state"] == "on")
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed device id"})
		return
	}

	if err := s.ctrl.SetSelectedDeviceID(id); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.state())
}

// handlePreview streams the sink's frames as multipart JPEG until the client
// goes away
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+previewBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var seq uint64
	var buf bytes.Buffer

	for {
		frame, next, err := s.frames.Wait(ctx, seq)
		if err != nil {
			return
		}
		seq = next

		buf.Reset()
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: previewQuality}); err != nil {
			s.logger.Debugw("Failed to encode preview frame", "error", err)
			continue
		}

		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", previewBoundary, buf.Len()); err != nil {
			return
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-time.After(previewInterval):
		}
	}
}
