package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/printbit/kiosk/internal/metrics"
	"github.com/printbit/kiosk/internal/realtime"
	"github.com/printbit/kiosk/internal/validation"
)

// AuditLog records operational events for the admin console. Implemented by
// the admin store; a nil AuditLog disables auditing.
type AuditLog interface {
	Append(ctx context.Context, entryType, message string, meta map[string]interface{})
}

// Handler serves the upload-session HTTP API.
type Handler struct {
	store  *Store
	hub    *realtime.Hub
	audit  AuditLog
	logger *slog.Logger
}

// NewHandler creates a session handler.
func NewHandler(store *Store, hub *realtime.Hub, audit AuditLog, logger *slog.Logger) *Handler {
	return &Handler{store: store, hub: hub, audit: audit, logger: logger}
}

// RegisterRoutes registers the session endpoints. uploads is a separate group
// because the upload endpoint carries its own multipart body limit instead of
// the JSON cap.
//
// The by-token lookup shares the ":id/:token" pattern: gin's routing tree
// cannot hold a static "by-token" segment next to the ":id" param, so the
// dispatch happens in the handler.
func (h *Handler) RegisterRoutes(api, uploads *gin.RouterGroup) {
	api.GET("/sessions", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.GET("/sessions/:id/:token", h.GetSessionSubresource)
	uploads.POST("/sessions/:id/upload", h.Upload)
}

// GetSessionSubresource serves GET /sessions/by-token/:token.
func (h *Handler) GetSessionSubresource(c *gin.Context) {
	if c.Param("id") == "by-token" {
		h.GetSessionByToken(c)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Not found.",
	})
}

// sessionResponse is a session snapshot plus the phone-facing upload URL.
type sessionResponse struct {
	*Session
	UploadURL string `json:"uploadUrl"`
}

// CreateSession issues a fresh single-use session. GET rather than POST: the
// kiosk UI fires it from a plain navigation and every call mints a new session.
func (h *Handler) CreateSession(c *gin.Context) {
	s := h.store.Create()
	metrics.ActiveSessions.Set(float64(h.store.Len()))

	h.logger.Info("upload session created", "session_id", s.ID)
	h.record(c, "session_created", "Upload session created.", map[string]interface{}{
		"sessionId": s.ID,
	})

	c.JSON(http.StatusCreated, sessionResponse{
		Session:   s,
		UploadURL: UploadURL(requestBaseURL(c), s.Token),
	})
}

// GetSession returns a session by its public ID. A malformed ID is
// indistinguishable from an unknown one.
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")

	var s *Session
	if validation.IsValidSessionID(id) {
		s = h.store.TryGet(id)
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "Session not found.",
		})
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		Session:   s,
		UploadURL: UploadURL(requestBaseURL(c), s.Token),
	})
}

// GetSessionByToken resolves a session from its upload token. The upload
// portal uses this to render session state without knowing the public ID.
func (h *Handler) GetSessionByToken(c *gin.Context) {
	token := c.Param("token")

	var s *Session
	if validation.IsValidToken(token) {
		s = h.store.TryGetByToken(token)
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "Session not found.",
		})
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		Session:   s,
		UploadURL: UploadURL(requestBaseURL(c), s.Token),
	})
}

// uploadResponse is the phone-facing view of a stored document. The storage
// path stays server-side.
type uploadResponse struct {
	DocumentID  string    `json:"documentId"`
	SessionID   string    `json:"sessionId"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Upload accepts a multipart file for the session. The token travels in the
// query string, mirroring the upload portal's URL. Error bodies use the
// portal's {code, error} shape rather than the JSON API's {error, message}.
func (h *Handler) Upload(c *gin.Context) {
	sessionID := c.Param("id")
	token := c.Query("token")

	// Malformed identifiers read the same as unknown ones, before any bytes
	// are accepted.
	if !validation.IsValidSessionID(sessionID) {
		h.uploadFailed(c, sessionID, "", ErrSessionNotFound)
		return
	}
	if !validation.IsValidToken(token) {
		h.uploadFailed(c, sessionID, "", ErrInvalidToken)
		return
	}

	// Cap the body before multipart parsing touches it. The slack covers
	// multipart framing around a maximum-size file.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.store.maxUploadSize+1<<20)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_FILE",
			"error": "Multipart field 'file' is required.",
		})
		return
	}
	defer file.Close()

	filename := validation.SanitizeFilename(header.Filename)

	h.hub.BroadcastUploadStarted(sessionID, filename)
	h.record(c, "upload_started", "Upload started.", map[string]interface{}{
		"sessionId": sessionID,
		"filename":  filename,
	})

	doc, err := h.store.StoreUpload(sessionID, token, Upload{
		Filename:    filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Content:     file,
	})
	if err != nil {
		h.uploadFailed(c, sessionID, filename, err)
		return
	}

	metrics.UploadsTotal.WithLabelValues("success").Inc()
	h.hub.BroadcastUploadCompleted(sessionID, doc)
	h.record(c, "upload_completed", "Upload completed.", map[string]interface{}{
		"sessionId":  sessionID,
		"documentId": doc.ID,
		"filename":   doc.Filename,
		"sizeBytes":  doc.SizeBytes,
	})
	h.logger.Info("upload stored",
		"session_id", sessionID, "document_id", doc.ID, "size_bytes", doc.SizeBytes)

	c.JSON(http.StatusOK, uploadResponse{
		DocumentID:  doc.ID,
		SessionID:   doc.SessionID,
		FileName:    doc.Filename,
		ContentType: doc.ContentType,
		SizeBytes:   doc.SizeBytes,
		UploadedAt:  doc.UploadedAt,
	})
}

func (h *Handler) uploadFailed(c *gin.Context, sessionID, filename string, err error) {
	status := http.StatusBadRequest
	code := "upload_failed"
	result := "rejected"

	switch {
	case errors.Is(err, ErrSessionNotFound):
		code = "SESSION_NOT_FOUND"
	case errors.Is(err, ErrInvalidToken):
		code = "INVALID_TOKEN"
	case errors.Is(err, ErrAlreadyUploaded):
		code = "ALREADY_UPLOADED"
	case errors.Is(err, ErrUnsupportedFileType):
		code = "UNSUPPORTED_FILE_TYPE"
	case errors.Is(err, ErrFileTooLarge):
		code = "FILE_TOO_LARGE"
	default:
		status = http.StatusInternalServerError
		result = "error"
		h.logger.Error("upload failed", "session_id", sessionID, "error", err)
	}

	metrics.UploadsTotal.WithLabelValues(result).Inc()
	h.hub.BroadcastUploadFailed(sessionID)
	h.record(c, "upload_failed", "Upload failed.", map[string]interface{}{
		"sessionId": sessionID,
		"filename":  filename,
		"code":      code,
	})

	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

func (h *Handler) record(c *gin.Context, entryType, message string, meta map[string]interface{}) {
	if h.audit != nil {
		h.audit.Append(c.Request.Context(), entryType, message, meta)
	}
}

// requestBaseURL reconstructs the externally visible base URL of the request,
// honoring a reverse proxy's X-Forwarded-Proto.
func requestBaseURL(c *gin.Context) *url.URL {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return &url.URL{Scheme: scheme, Host: c.Request.Host}
}
