// Package docserver serves the subset of the CouchDB HTTP API that paksync
// clients use, backed by any remotestore.Store.
package docserver

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/paksync/internal/metrics"
	"github.com/agentworkforce/paksync/internal/remotestore"
)

// StoreFactory opens the backing store for a database created with PUT /{db}.
type StoreFactory func(db string) (remotestore.Store, error)

type ServerConfig struct {
	// Username and Password enable Basic auth on every route but /health.
	Username        string
	Password        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// PollInterval drives the change feed for stores that cannot push changes.
	PollInterval time.Duration
	NewStore     StoreFactory
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Server struct {
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger

	mu  sync.RWMutex
	dbs map[string]remotestore.Store
}

type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	entries   map[string]rateEntry
	nextSweep time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.NewStore == nil {
		cfg.NewStore = func(string) (remotestore.Store, error) { return remotestore.NewMemoryStore(), nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
		dbs:         map[string]remotestore.Store{},
	}
}

// Mount registers an existing store under db.
func (s *Server) Mount(db string, store remotestore.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs[db] = store
}

func (s *Server) database(db string) (remotestore.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.dbs[db]
	return store, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket change feed.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.route(rec, r)
	s.cfg.Metrics.ObserveRequest(r.Method, rec.status)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="paksync"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "Name or password is incorrect.", correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(s.clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded", correlationID)
			return
		}
	}

	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid path", correlationID)
			return
		}
		parts[i] = unescaped
	}
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", "missing", correlationID)
		return
	}
	db := parts[0]

	if len(parts) == 1 || (len(parts) == 2 && parts[1] == "") {
		switch r.Method {
		case http.MethodPut:
			s.handleCreateDatabase(w, db, correlationID)
		case http.MethodGet, http.MethodHead:
			s.handleDatabaseInfo(w, r, db, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET, HEAD and PUT allowed", correlationID)
		}
		return
	}

	store, ok := s.database(db)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.", correlationID)
		return
	}
	id := parts[1]
	switch {
	case id == "_all_docs" && r.Method == http.MethodGet:
		s.handleAllDocs(w, r, db, store, correlationID)
	case id == "_changes" && r.Method == http.MethodGet:
		s.handleChanges(w, r, store, correlationID)
	case strings.HasPrefix(id, "_"):
		writeError(w, http.StatusNotFound, "not_found", "missing", correlationID)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		s.handleGetDocument(w, r, store, id, correlationID)
	case r.Method == http.MethodPut:
		s.handlePutDocument(w, r, db, store, id, correlationID)
	case r.Method == http.MethodDelete:
		s.handleDeleteDocument(w, r, db, store, id, correlationID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

func (s *Server) clientKey(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return "user|" + user
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr|" + r.RemoteAddr
	}
	return "addr|" + host
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, db, correlationID string) {
	if !validDatabaseName(db) {
		writeError(w, http.StatusBadRequest, "illegal_database_name", "Name: '"+db+"'. Only lowercase letters, digits and _$()+- are allowed. Must begin with a letter.", correlationID)
		return
	}
	s.mu.Lock()
	if _, exists := s.dbs[db]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusPreconditionFailed, "file_exists", "The database could not be created, the file already exists.", correlationID)
		return
	}
	store, err := s.cfg.NewStore(db)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("create database failed", "db", db, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.dbs[db] = store
	s.mu.Unlock()
	s.logger.Info("database created", "db", db)
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleDatabaseInfo(w http.ResponseWriter, r *http.Request, db, correlationID string) {
	store, ok := s.database(db)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.", correlationID)
		return
	}
	refs, err := store.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.cfg.Metrics.SetDocuments(db, len(refs))
	writeJSON(w, http.StatusOK, map[string]any{"db_name": db, "doc_count": len(refs)})
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request, db string, store remotestore.Store, correlationID string) {
	refs, err := store.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	s.cfg.Metrics.SetDocuments(db, len(refs))
	type rowValue struct {
		Rev string `json:"rev"`
	}
	type row struct {
		ID    string   `json:"id"`
		Key   string   `json:"key"`
		Value rowValue `json:"value"`
	}
	rows := make([]row, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, row{ID: ref.ID, Key: ref.ID, Value: rowValue{Rev: ref.Revision}})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_rows": len(rows),
		"offset":     0,
		"rows":       rows,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, store remotestore.Store, id, correlationID string) {
	doc, err := store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.Quote(doc.Revision))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request, db string, store remotestore.Store, id, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := remotestore.ValidateJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var doc remotestore.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return
	}
	if doc.ID != "" && doc.ID != id {
		writeError(w, http.StatusBadRequest, "bad_request", "document id does not match the path", correlationID)
		return
	}
	rev := doc.Revision
	if rev == "" {
		rev = r.URL.Query().Get("rev")
	}
	if rev == "" {
		rev = normalizeIfMatchHeader(r.Header.Get("If-Match"))
	}
	newRev, err := store.Put(r.Context(), id, doc, rev)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Debug("document stored", "db", db, "id", id, "rev", newRev, "correlation_id", correlationID)
	w.Header().Set("ETag", strconv.Quote(newRev))
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": newRev})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, db string, store remotestore.Store, id, correlationID string) {
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		rev = normalizeIfMatchHeader(r.Header.Get("If-Match"))
	}
	if rev == "" {
		writeError(w, http.StatusConflict, "conflict", "Document update conflict.", correlationID)
		return
	}
	if err := store.Delete(r.Context(), id, rev); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Debug("document deleted", "db", db, "id", id, "rev", rev, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, remotestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "missing", correlationID)
	case errors.Is(err, remotestore.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "Document update conflict.", correlationID)
	case errors.Is(err, remotestore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, remotestore.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	case errors.Is(err, remotestore.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("store request failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "the request entity is too large", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError uses CouchDB's error body so CouchDB clients can decode it.
func writeError(w http.ResponseWriter, status int, code, reason, correlationID string) {
	body := map[string]any{
		"error":  code,
		"reason": reason,
	}
	if correlationID != "" {
		body["correlationId"] = correlationID
	}
	writeJSON(w, status, body)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.sweep(now)
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// sweep drops clients whose window has ended, at most once per window.
func (r *rateLimiter) sweep(now time.Time) {
	if now.Before(r.nextSweep) {
		return
	}
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
	r.nextSweep = now.Add(r.window)
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}

func validDatabaseName(name string) bool {
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case strings.ContainsRune("_$()+-", c):
		default:
			return false
		}
	}
	return true
}
