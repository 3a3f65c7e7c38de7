package payment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/printbit/kiosk/internal/idgen"
	"github.com/printbit/kiosk/internal/ledger"
	"github.com/printbit/kiosk/internal/metrics"
	"github.com/printbit/kiosk/internal/realtime"
	"github.com/printbit/kiosk/internal/session"
	"github.com/printbit/kiosk/internal/validation"
)

// Handler serves the balance and payment HTTP API.
type Handler struct {
	svc    *Service
	ledger *ledger.Ledger
	hub    *realtime.Hub
	audit  session.AuditLog
	logger *slog.Logger
}

// NewHandler creates a payment handler.
func NewHandler(svc *Service, l *ledger.Ledger, hub *realtime.Hub, audit session.AuditLog, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, ledger: l, hub: hub, audit: audit, logger: logger}
}

// RegisterRoutes registers balance and payment endpoints. The bare /print and
// /upload routes are the pre-session kiosk flow; /upload takes multipart and
// goes on the uncapped group.
func (h *Handler) RegisterRoutes(api, uploads *gin.RouterGroup) {
	api.GET("/balance", h.GetBalance)
	api.POST("/balance/reset", h.ResetBalance)
	api.POST("/confirm-payment", h.ConfirmPayment)
	api.POST("/print", h.LegacyPrint)
	uploads.POST("/upload", h.LegacyUpload)
}

// GetBalance returns the current balance and lifetime earnings.
func (h *Handler) GetBalance(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Snapshot())
}

// ResetBalance zeroes the unspent balance. Earnings are untouched; this is
// the cash-collection flow, not an accounting correction.
func (h *Handler) ResetBalance(c *gin.Context) {
	snap, err := h.ledger.Reset(c.Request.Context())
	if err != nil {
		h.logger.Error("balance reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reset_failed",
			"message": "Could not persist balance reset.",
		})
		return
	}

	h.hub.BroadcastBalance(snap.Balance)
	metrics.BalanceCurrent.Set(float64(snap.Balance))
	h.record(c, "balance_reset", "Balance reset to zero.", nil)

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"balance":  snap.Balance,
		"earnings": snap.Earnings,
	})
}

// ConfirmPayment charges the balance for a print or copy job.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.PaymentsTotal.WithLabelValues("unknown", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON.",
		})
		return
	}

	snap, err := h.svc.Confirm(c.Request.Context(), req)
	if err != nil {
		h.confirmFailed(c, req, err)
		return
	}

	metrics.PaymentsTotal.WithLabelValues(string(req.Mode), "confirmed").Inc()
	metrics.BalanceCurrent.Set(float64(snap.Balance))
	h.hub.BroadcastBalance(snap.Balance)
	h.record(c, "payment_confirmed", "Payment confirmed.", map[string]interface{}{
		"mode":      string(req.Mode),
		"amount":    req.Amount,
		"sessionId": req.SessionID,
		"balance":   snap.Balance,
	})

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"balance":  snap.Balance,
		"earnings": snap.Earnings,
	})
}

func (h *Handler) confirmFailed(c *gin.Context, req Request, err error) {
	mode := string(req.Mode)
	if mode == "" {
		mode = "unknown"
	}

	status := http.StatusBadRequest
	code := "payment_failed"
	result := "rejected"

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		code = "invalid_amount"
	case errors.Is(err, ErrInvalidMode):
		code = "invalid_mode"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		code = "insufficient_balance"
		metrics.PaymentsTotal.WithLabelValues(mode, "rejected").Inc()
		h.record(c, "payment_rejected", "Payment rejected.", map[string]interface{}{
			"mode": mode, "amount": req.Amount, "code": code,
		})
		c.JSON(status, gin.H{
			"error":   code,
			"message": "Insufficient balance",
			"balance": h.ledger.Snapshot().Balance,
		})
		return
	case errors.Is(err, ErrSessionRequired):
		code = "session_required"
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
		code = "session_not_found"
	case errors.Is(err, ErrNoDocument):
		code = "no_document"
	case errors.Is(err, ErrDocumentNotFound):
		code = "document_not_found"
	default:
		status = http.StatusInternalServerError
		result = "error"
		h.logger.Error("payment confirmation failed", "mode", mode, "error", err)
	}

	metrics.PaymentsTotal.WithLabelValues(mode, result).Inc()
	h.record(c, "payment_rejected", "Payment rejected.", map[string]interface{}{
		"mode": mode, "amount": req.Amount, "code": code,
	})
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// LegacyPrint prints a previously uploaded file and drains the whole balance.
func (h *Handler) LegacyPrint(c *gin.Context) {
	var body struct {
		Filename string `json:"filename"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "filename_required",
			"message": "Filename is required",
		})
		return
	}

	snap, err := h.svc.PrintStored(c.Request.Context(), body.Filename)
	if err != nil {
		status := http.StatusBadRequest
		code := "print_failed"
		msg := err.Error()
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			code = "insufficient_balance"
			msg = "Insufficient balance"
		} else if !errors.Is(err, ErrDocumentNotFound) {
			status = http.StatusInternalServerError
			h.logger.Error("legacy print failed", "filename", body.Filename, "error", err)
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}

	metrics.PaymentsTotal.WithLabelValues("print", "confirmed").Inc()
	metrics.BalanceCurrent.Set(float64(snap.Balance))
	h.hub.BroadcastBalance(snap.Balance)
	h.record(c, "payment_confirmed", "Stored file printed.", map[string]interface{}{
		"filename": body.Filename,
	})

	c.Status(http.StatusOK)
}

// LegacyUpload stores a multipart file outside any session and returns the
// generated storage filename for a later /print call.
func (h *Handler) LegacyUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_file",
			"message": "No file uploaded",
		})
		return
	}
	defer file.Close()

	filename := validation.SanitizeFilename(header.Filename)
	if _, ok := session.AllowedType(filename); !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "UNSUPPORTED_FILE_TYPE",
			"message": "unsupported file type",
		})
		return
	}

	name := idgen.WithPrefix("doc_") + filepath.Ext(filename)
	if err := saveMultipart(h.svc.uploadDir, name, file); err != nil {
		h.logger.Error("legacy upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "upload_failed",
			"message": "Could not store file.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"filename": name})
}

func saveMultipart(dir, name string, src io.Reader) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return err
}

func (h *Handler) record(c *gin.Context, entryType, message string, meta map[string]interface{}) {
	if h.audit != nil {
		h.audit.Append(c.Request.Context(), entryType, message, meta)
	}
}
