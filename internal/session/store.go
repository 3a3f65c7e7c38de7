// Package session issues single-use upload sessions that let a visitor's
// phone push exactly one document set into a kiosk-initiated transaction.
//
// A session carries two identifiers: the public session ID the kiosk polls
// with, and a secret token embedded in the upload URL. Only the token grants
// upload rights.
package session

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/printbit/kiosk/internal/idgen"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidToken        = errors.New("upload token does not match session")
	ErrAlreadyUploaded     = errors.New("session already consumed by an upload")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file exceeds upload size limit")
)

// Status of an upload session. A session moves pending -> uploaded exactly
// once, no matter how many devices race the transition.
type Status string

const (
	StatusPending  Status = "pending"
	StatusUploaded Status = "uploaded"
)

// allowedTypes maps accepted file extensions to their content types.
var allowedTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// AllowedType reports whether the filename's extension is accepted and
// returns its content type.
func AllowedType(filename string) (string, bool) {
	ct, ok := allowedTypes[strings.ToLower(filepath.Ext(filename))]
	return ct, ok
}

// Document is a file stored through a session upload.
type Document struct {
	ID          string    `json:"documentId"`
	SessionID   string    `json:"sessionId"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"storagePath"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Session is an upload transaction context.
type Session struct {
	ID        string     `json:"sessionId"`
	Token     string     `json:"token"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	Documents []Document `json:"documents"`
}

// LatestDocument returns the most recently uploaded document, or nil.
func (s *Session) LatestDocument() *Document {
	if len(s.Documents) == 0 {
		return nil
	}
	return &s.Documents[len(s.Documents)-1]
}

// DocumentByFilename returns the document with the given original filename,
// or nil.
func (s *Session) DocumentByFilename(name string) *Document {
	for i := range s.Documents {
		if s.Documents[i].Filename == name {
			return &s.Documents[i]
		}
	}
	return nil
}

// Upload describes an incoming file.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// Store tracks live sessions. All map access and every status transition
// happen under one mutex; the file payload is spooled outside it.
type Store struct {
	uploadDir     string
	ttl           time.Duration
	maxUploadSize int64
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byToken  map[string]string // token -> session ID
}

// NewStore creates a session store writing uploads into uploadDir. Sessions
// expire ttl after creation and are then indistinguishable from never having
// existed.
func NewStore(uploadDir string, ttl time.Duration, maxUploadSize int64) *Store {
	return &Store{
		uploadDir:     uploadDir,
		ttl:           ttl,
		maxUploadSize: maxUploadSize,
		now:           time.Now,
		sessions:      make(map[string]*Session),
		byToken:       make(map[string]string),
	}
}

// Create issues a new pending session with a fresh ID and upload token.
func (st *Store) Create() *Session {
	s := &Session{
		ID:        idgen.WithPrefix("ses_"),
		Token:     idgen.Token(),
		Status:    StatusPending,
		CreatedAt: st.now(),
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.byToken[s.Token] = s.ID
	st.mu.Unlock()

	cp := *s
	return &cp
}

// TryGet returns a copy of the session, or nil if unknown or expired.
func (st *Store) TryGet(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.getLocked(id)
}

// TryGetByToken returns a copy of the session owning token, or nil.
func (st *Store) TryGetByToken(token string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	id, ok := st.byToken[token]
	if !ok {
		return nil
	}
	return st.getLocked(id)
}

func (st *Store) getLocked(id string) *Session {
	s, ok := st.sessions[id]
	if !ok || st.expired(s) {
		return nil
	}
	cp := *s
	cp.Documents = append([]Document(nil), s.Documents...)
	return &cp
}

func (st *Store) expired(s *Session) bool {
	return st.now().Sub(s.CreatedAt) > st.ttl
}

// StoreUpload validates and stores one file into the session, transitioning
// it pending -> uploaded.
//
// The transition is linearizable: the payload is spooled to a temp file
// first, then a single locked compare-and-transition decides the winner.
// Under two near-simultaneous calls exactly one succeeds; the loser gets
// ErrAlreadyUploaded and its spool file is removed, so exactly one document
// ever exists.
func (st *Store) StoreUpload(sessionID, token string, up Upload) (*Document, error) {
	// Session and token are judged before the file, so an unknown or spent
	// session reads the same regardless of what it tried to send. The fast
	// pre-check also keeps doomed requests from spooling bytes.
	st.mu.Lock()
	if err := st.checkUploadableLocked(sessionID, token); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.mu.Unlock()

	ext := strings.ToLower(filepath.Ext(up.Filename))
	contentType, ok := allowedTypes[ext]
	if !ok {
		return nil, ErrUnsupportedFileType
	}
	if up.ContentType != "" {
		contentType = up.ContentType
	}
	if up.Size > st.maxUploadSize {
		return nil, ErrFileTooLarge
	}

	docID := idgen.WithPrefix("doc_")
	tmpPath, size, err := st.spool(docID, up.Content)
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(st.uploadDir, docID+ext)

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.checkUploadableLocked(sessionID, token); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("store upload: %w", err)
	}

	s := st.sessions[sessionID]
	s.Status = StatusUploaded
	doc := Document{
		ID:          docID,
		SessionID:   sessionID,
		Filename:    up.Filename,
		StoragePath: finalPath,
		ContentType: contentType,
		SizeBytes:   size,
		UploadedAt:  st.now(),
	}
	s.Documents = append(s.Documents, doc)

	return &doc, nil
}

// checkUploadableLocked validates session existence, token, and status.
// Callers hold st.mu.
func (st *Store) checkUploadableLocked(sessionID, token string) error {
	s, ok := st.sessions[sessionID]
	if !ok || st.expired(s) {
		return ErrSessionNotFound
	}
	if token == "" || token != s.Token {
		return ErrInvalidToken
	}
	if s.Status != StatusPending {
		return ErrAlreadyUploaded
	}
	return nil
}

// spool copies the payload to a temp file in the upload directory, enforcing
// the size limit as it reads.
func (st *Store) spool(docID string, content io.Reader) (string, int64, error) {
	if err := os.MkdirAll(st.uploadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}

	tmp, err := os.CreateTemp(st.uploadDir, docID+".part-*")
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, io.LimitReader(content, st.maxUploadSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("spool upload: %w", err)
	}
	if size > st.maxUploadSize {
		os.Remove(tmpPath)
		return "", 0, ErrFileTooLarge
	}

	return tmpPath, size, nil
}

// Sweep removes sessions past their TTL and returns how many were evicted.
// Stored files stay on disk for the storage-clearing collaborator.
func (st *Store) Sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	evicted := 0
	for id, s := range st.sessions {
		if now.Sub(s.CreatedAt) > st.ttl {
			delete(st.sessions, id)
			delete(st.byToken, s.Token)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// UploadURL builds the phone-facing upload portal URL for a token.
func UploadURL(base *url.URL, token string) string {
	u := *base
	u.Path = "/upload/" + url.PathEscape(token)
	u.RawQuery = ""
	return u.String()
}
