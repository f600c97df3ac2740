package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"text/template"
	"time"

	"packsync/internal/notify"
	"packsync/internal/state"
	"packsync/internal/update"
)

// ErrUnauthorized is logged when a request carries a missing or wrong key.
var ErrUnauthorized = errors.New("unauthorized")

// KeyHeader is the request header accepted in place of the key query parameter.
const KeyHeader = "X-Update-Key"

type (
	Updater interface {
		Run(ctx context.Context, opts update.Options) (*update.Result, error)
	}

	Config struct {
		Addr    string
		AuthKey string
		// UpdateTimeout bounds one update triggered over HTTP.
		UpdateTimeout time.Duration
		// ShutdownTimeout bounds how long an in-flight update may delay shutdown.
		ShutdownTimeout time.Duration
	}

	Server struct {
		cfg      Config
		updater  Updater
		state    *state.Store
		notifier notify.Notifier
		log      *slog.Logger
		tmpl     *template.Template
		now      func() time.Time
	}
)

func New(cfg Config, u Updater, st *state.Store, n notify.Notifier, log *slog.Logger) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen addr is empty")
	}
	if cfg.AuthKey == "" {
		return nil, fmt.Errorf("auth key is empty")
	}
	if u == nil {
		return nil, fmt.Errorf("updater is nil")
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 15 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if st == nil {
		st = state.NewMemory()
	}
	if n == nil {
		n = notify.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}

	tmpl, err := loadTemplate()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		updater:  u,
		state:    st,
		notifier: n,
		log:      log,
		tmpl:     tmpl,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		stopped <- srv.Shutdown(sctx)
	}()

	s.log.Info("update listener started", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	}
	if err := <-stopped; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("update listener stopped")
	return nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if !s.authorize(w, r) {
		return
	}

	force := isTrue(r.URL.Query().Get("force"))

	// A dropped client must not abort a half-finished install.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.UpdateTimeout)
	defer cancel()

	res, err := s.updater.Run(ctx, update.Options{Force: force, Trigger: "http"})
	if err != nil {
		kind := update.Classify(err)
		status := statusFor(kind)
		s.log.Warn("update request failed", "remote", r.RemoteAddr, "kind", kind, "status", status, "err", err)
		writeText(w, status, fmt.Sprintf("update failed (%s): %v\n", kind, err))
		return
	}

	var msg string
	switch res.Outcome {
	case state.OutcomeUpToDate:
		msg = fmt.Sprintf("up to date: %s (file %d)\n", res.FileName, res.FileID)
	default:
		msg = fmt.Sprintf("installed %s (file %d) in %s\n", res.FileName, res.FileID, res.Duration.Round(time.Millisecond))
	}
	writeText(w, http.StatusOK, msg)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	if !s.authorize(w, r) {
		return
	}

	snap := s.state.Snapshot()
	data := StatusData{
		Installed:  snap.Installed,
		LastRun:    snap.LastRun,
		ServerTime: s.now().Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		s.log.Error("render status failed", "err", err)
		http.Error(w, "Status Template Error", http.StatusInternalServerError)
		return
	}
	writeText(w, http.StatusOK, buf.String())
}

// authorize writes 401 and notifies the operator when the request key does
// not match.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get(KeyHeader)
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AuthKey)) == 1 {
		return true
	}

	s.log.Warn("rejected request", "err", ErrUnauthorized, "path", r.URL.Path, "remote", r.RemoteAddr, "key_present", key != "")
	nctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	err := s.notifier.Notify(nctx, notify.Message{
		Title: "Unauthorized update request",
		Body:  fmt.Sprintf("Rejected %s %s from %s.", r.Method, r.URL.Path, r.RemoteAddr),
		Level: notify.LevelWarn,
	})
	if err != nil {
		s.log.Warn("notification failed", "err", err)
	}
	writeText(w, http.StatusUnauthorized, "unauthorized\n")
	return false
}

func statusFor(kind update.Kind) int {
	switch kind {
	case update.KindBusy:
		return http.StatusConflict
	case update.KindUpstream, update.KindIntegrity:
		return http.StatusBadGateway
	case update.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	allow := methods[0]
	for _, m := range methods[1:] {
		allow += ", " + m
	}
	w.Header().Set("Allow", allow)
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	return false
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
