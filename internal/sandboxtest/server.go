// Package sandboxtest runs an in-process VaultSandbox server for tests.
// It implements the HTTP surface the client uses, including encrypted
// inboxes and the event stream, and lets tests deliver messages directly.
package sandboxtest

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vaultsandbox/resetcheck/authresults"
	"github.com/vaultsandbox/resetcheck/internal/api"
	"github.com/vaultsandbox/resetcheck/internal/crypto"
	"github.com/vaultsandbox/resetcheck/internal/delivery"
	"github.com/vaultsandbox/resetcheck/spamanalysis"
)

// APIKey is the only key the server accepts.
const APIKey = "test-key"

// Domain is the mail domain of generated addresses.
const Domain = "vaultsandbox.test"

// ErrNoInbox is returned by Deliver for an unknown address.
var ErrNoInbox = errors.New("sandboxtest: no such inbox")

var linkPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// Message is an email to deliver into an inbox.
type Message struct {
	From         string
	To           []string
	Subject      string
	Text         string
	HTML         string
	Headers      map[string]string
	Links        []string // extracted from Text and HTML when nil
	AuthResults  *authresults.AuthResults
	SpamAnalysis *spamanalysis.SpamAnalysis
}

// Config tunes server behaviour. The zero value is an SSE-capable server
// with an "enabled" encryption policy.
type Config struct {
	EncryptionPolicy api.EncryptionPolicy
	MaxTTL           time.Duration
	DefaultTTL       time.Duration
	// DisableEvents makes /api/events answer 503.
	DisableEvents bool
}

type storedEmail struct {
	id         string
	receivedAt time.Time
	isRead     bool
	metadata   []byte
	parsed     []byte
	raw        []byte
}

type inbox struct {
	address   string
	hash      string
	expiresAt time.Time
	kemPk     []byte // nil for plain inboxes
	emails    []*storedEmail
}

// Server is a fake VaultSandbox API backed by httptest.
type Server struct {
	*httptest.Server

	cfg    Config
	sealer *crypto.Sealer

	mu          sync.Mutex
	inboxes     map[string]*inbox // by address
	subscribers map[chan api.SSEEvent]map[string]struct{}
	requests    map[string]int
}

// New starts a server. Call Close when done.
func New(cfg Config) *Server {
	if cfg.EncryptionPolicy == "" {
		cfg.EncryptionPolicy = api.EncryptionPolicyEnabled
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = 7 * 24 * time.Hour
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = time.Hour
	}
	sealer, err := crypto.NewSealer()
	if err != nil {
		panic(fmt.Sprintf("sandboxtest: %v", err))
	}

	s := &Server{
		cfg:         cfg,
		sealer:      sealer,
		inboxes:     make(map[string]*inbox),
		subscribers: make(map[chan api.SSEEvent]map[string]struct{}),
		requests:    make(map[string]int),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.countRequests, s.requireKey)

	r.Get("/api/check-key", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/api/server-info", s.serverInfo)
	r.Get("/api/events", s.events)

	r.Route("/api/inboxes", func(r chi.Router) {
		r.Post("/", s.createInbox)
		r.Delete("/", s.deleteAll)
		r.Route("/{email}", func(r chi.Router) {
			r.Delete("/", s.deleteInbox)
			r.Get("/sync", s.sync)
			r.Get("/emails", s.listEmails)
			r.Get("/emails/{id}", s.getEmail)
			r.Get("/emails/{id}/raw", s.getRaw)
			r.Patch("/emails/{id}/read", s.markRead)
			r.Delete("/emails/{id}", s.deleteEmail)
		})
	})
	return r
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != APIKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close drops open event streams and shuts the server down.
func (s *Server) Close() {
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// Requests returns how many times "METHOD /path" was called.
func (s *Server) Requests(methodAndPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[methodAndPath]
}

// InboxCount returns the number of live inboxes.
func (s *Server) InboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inboxes)
}

// SigningKey returns the server's ML-DSA-65 public key.
func (s *Server) SigningKey() []byte {
	return s.sealer.PublicKey()
}

// Deliver stores msg in the inbox at address and notifies event
// subscribers. It returns the new email ID.
func (s *Server) Deliver(address string, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ib, ok := s.inboxes[strings.ToLower(address)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoInbox, address)
	}

	to := msg.To
	if len(to) == 0 {
		to = []string{ib.address}
	}
	links := msg.Links
	if links == nil {
		links = extractLinks(msg.Text + "\n" + msg.HTML)
	}
	now := time.Now().UTC()

	metadata, _ := json.Marshal(map[string]any{
		"from":       msg.From,
		"to":         to,
		"subject":    msg.Subject,
		"receivedAt": now.Format(time.RFC3339),
	})
	headers := map[string]any{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["subject"] = msg.Subject
	parsed, _ := json.Marshal(map[string]any{
		"text":         msg.Text,
		"html":         msg.HTML,
		"headers":      headers,
		"links":        links,
		"attachments":  []any{},
		"authResults":  msg.AuthResults,
		"spamAnalysis": msg.SpamAnalysis,
	})
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", msg.From, strings.Join(to, ", "), msg.Subject, msg.Text)

	email := &storedEmail{
		id:         uuid.NewString(),
		receivedAt: now,
		metadata:   metadata,
		parsed:     parsed,
		raw:        []byte(raw),
	}
	ib.emails = append(ib.emails, email)

	event := api.SSEEvent{InboxID: ib.hash, EmailID: email.id}
	for ch, hashes := range s.subscribers {
		if _, ok := hashes[ib.hash]; !ok {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
	return email.id, nil
}

func extractLinks(body string) []string {
	seen := make(map[string]struct{})
	links := []string{}
	for _, l := range linkPattern.FindAllString(body, -1) {
		l = strings.TrimRight(l, ".,;)")
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		links = append(links, l)
	}
	return links
}

func (s *Server) serverInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.ServerInfo{
		ServerSigPk:      crypto.ToBase64URL(s.sealer.PublicKey()),
		Algs:             crypto.DefaultAlgorithms,
		Context:          crypto.HKDFContext,
		MaxTTL:           int(s.cfg.MaxTTL / time.Second),
		DefaultTTL:       int(s.cfg.DefaultTTL / time.Second),
		SSEConsole:       false,
		AllowedDomains:   []string{Domain},
		EncryptionPolicy: s.cfg.EncryptionPolicy,
	})
}

func (s *Server) createInbox(w http.ResponseWriter, r *http.Request) {
	var req api.CreateInboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var kemPk []byte
	if req.ClientKemPk != "" {
		pk, err := crypto.FromBase64URL(req.ClientKemPk)
		if err != nil || len(pk) != crypto.MLKEMPublicKeySize {
			writeError(w, http.StatusBadRequest, "invalid clientKemPk")
			return
		}
		kemPk = pk
	}
	switch {
	case s.cfg.EncryptionPolicy == api.EncryptionPolicyAlways && kemPk == nil:
		writeError(w, http.StatusBadRequest, "encryption is required")
		return
	case s.cfg.EncryptionPolicy == api.EncryptionPolicyNever && kemPk != nil:
		writeError(w, http.StatusBadRequest, "encryption is disabled")
		return
	}

	ttl := s.cfg.DefaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}
	if ttl > s.cfg.MaxTTL {
		writeError(w, http.StatusBadRequest, "ttl exceeds maximum")
		return
	}

	address := strings.ToLower(req.EmailAddress)
	if address == "" {
		address = strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "@" + Domain
	} else if !strings.Contains(address, "@") {
		address += "@" + Domain
	}

	var hash [32]byte
	if kemPk != nil {
		hash = sha256.Sum256(kemPk)
	} else {
		hash = sha256.Sum256([]byte(address))
	}
	ib := &inbox{
		address:   address,
		hash:      crypto.ToBase64URL(hash[:]),
		expiresAt: time.Now().Add(ttl).UTC().Truncate(time.Second),
		kemPk:     kemPk,
	}

	s.mu.Lock()
	if _, exists := s.inboxes[address]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "inbox already exists")
		return
	}
	s.inboxes[address] = ib
	s.mu.Unlock()

	resp := api.CreateInboxResponse{
		EmailAddress: ib.address,
		ExpiresAt:    ib.expiresAt,
		InboxHash:    ib.hash,
		Encrypted:    kemPk != nil,
	}
	if kemPk != nil {
		resp.ServerSigPk = crypto.ToBase64URL(s.sealer.PublicKey())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.inboxes)
	s.inboxes = make(map[string]*inbox)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// lookup resolves the {email} and optional {id} URL params. The caller
// must hold s.mu.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request, withEmail bool) (*inbox, int, bool) {
	address, _ := url.PathUnescape(chi.URLParam(r, "email"))
	ib, ok := s.inboxes[strings.ToLower(address)]
	if !ok {
		writeError(w, http.StatusNotFound, "inbox not found")
		return nil, -1, false
	}
	if !withEmail {
		return ib, -1, true
	}
	id, _ := url.PathUnescape(chi.URLParam(r, "id"))
	for i, e := range ib.emails {
		if e.id == id {
			return ib, i, true
		}
	}
	writeError(w, http.StatusNotFound, "email not found")
	return nil, -1, false
}

func (s *Server) deleteInbox(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, _, ok := s.lookup(w, r, false)
	if !ok {
		return
	}
	delete(s.inboxes, ib.address)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, _, ok := s.lookup(w, r, false)
	if !ok {
		return
	}
	ids := make([]string, len(ib.emails))
	for i, e := range ib.emails {
		ids[i] = e.id
	}
	writeJSON(w, http.StatusOK, api.SyncStatus{EmailCount: len(ids), EmailsHash: delivery.EmailsHash(ids)})
}

func (s *Server) listEmails(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, _, ok := s.lookup(w, r, false)
	if !ok {
		return
	}
	withContent := r.URL.Query().Get("includeContent") == "true"
	out := make([]*api.RawEmail, 0, len(ib.emails))
	for _, e := range ib.emails {
		raw, err := s.render(ib, e, withContent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, raw)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEmail(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, idx, ok := s.lookup(w, r, true)
	if !ok {
		return
	}
	raw, err := s.render(ib, ib.emails[idx], true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) getRaw(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, idx, ok := s.lookup(w, r, true)
	if !ok {
		return
	}
	e := ib.emails[idx]
	encoded := []byte(crypto.ToBase64URL(e.raw))
	out := api.RawEmailSource{ID: e.id}
	if ib.kemPk != nil {
		p, err := s.sealer.Seal(ib.kemPk, encoded, []byte(e.id))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.EncryptedRaw = p
	} else {
		out.Raw = string(encoded)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, idx, ok := s.lookup(w, r, true)
	if !ok {
		return
	}
	ib.emails[idx].isRead = true
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEmail(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, idx, ok := s.lookup(w, r, true)
	if !ok {
		return
	}
	ib.emails = append(ib.emails[:idx], ib.emails[idx+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

// render builds the wire form of an email. The caller must hold s.mu.
func (s *Server) render(ib *inbox, e *storedEmail, withContent bool) (*api.RawEmail, error) {
	out := &api.RawEmail{ID: e.id, InboxID: ib.hash, ReceivedAt: e.receivedAt, IsRead: e.isRead}
	if ib.kemPk == nil {
		out.Metadata = crypto.ToBase64URL(e.metadata)
		if withContent {
			out.Parsed = crypto.ToBase64URL(e.parsed)
		}
		return out, nil
	}

	var err error
	if out.EncryptedMetadata, err = s.sealer.Seal(ib.kemPk, e.metadata, []byte(e.id)); err != nil {
		return nil, err
	}
	if withContent {
		if out.EncryptedParsed, err = s.sealer.Seal(ib.kemPk, e.parsed, []byte(e.id)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DisableEvents {
		writeError(w, http.StatusServiceUnavailable, "events disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	hashes := make(map[string]struct{})
	for _, h := range strings.Split(r.URL.Query().Get("inboxes"), ",") {
		if h != "" {
			hashes[h] = struct{}{}
		}
	}
	ch := make(chan api.SSEEvent, 64)
	s.mu.Lock()
	s.subscribers[ch] = hashes
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": msg})
}
