package admin

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/printbit/kiosk/internal/coins"
	"github.com/printbit/kiosk/internal/ledger"
	"github.com/printbit/kiosk/internal/metrics"
	"github.com/printbit/kiosk/internal/realtime"
)

// Handler serves the operator console API.
type Handler struct {
	store        *Store
	ledger       *ledger.Ledger
	hub          *realtime.Hub
	uploadDir    string
	serialStatus func() coins.Status
	logger       *slog.Logger
	startedAt    time.Time
}

// NewHandler creates an admin handler. serialStatus reports the coin
// acceptor's transport health for the status page.
func NewHandler(store *Store, l *ledger.Ledger, hub *realtime.Hub, uploadDir string, serialStatus func() coins.Status, logger *slog.Logger) *Handler {
	return &Handler{
		store:        store,
		ledger:       l,
		hub:          hub,
		uploadDir:    uploadDir,
		serialStatus: serialStatus,
		logger:       logger,
		startedAt:    time.Now(),
	}
}

// RegisterRoutes registers the console endpoints on r, applying the local
// network gate to everything and the PIN check to everything but /auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.Use(h.RequireLocalAccess())
	r.POST("/auth", h.Auth)

	protected := r.Group("", h.RequirePin())
	protected.GET("/summary", h.Summary)
	protected.GET("/status", h.Status)
	protected.GET("/settings", h.GetSettings)
	protected.PUT("/settings", h.UpdateSettings)
	protected.GET("/logs", h.Logs)
	protected.GET("/logs/export.csv", h.ExportLogsCSV)
	protected.POST("/balance/reset", h.ResetBalance)
	protected.POST("/storage/clear", h.ClearStorage)
}

// RegisterPublicRoutes registers console-adjacent endpoints that the kiosk UI
// itself uses without a PIN.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/pricing/quote", h.Quote)
}

// Auth verifies the admin PIN for the console login screen.
func (h *Handler) Auth(c *gin.Context) {
	var body struct {
		Pin string `json:"pin"`
	}
	_ = c.ShouldBindJSON(&body)

	if body.Pin == "" || body.Pin != h.store.Settings().AdminPin {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_pin",
			"message": "Invalid admin PIN.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Summary returns the console dashboard payload.
func (h *Handler) Summary(c *gin.Context) {
	snap := h.ledger.Snapshot()
	coinStats, jobStats := h.ledger.Stats()

	c.JSON(http.StatusOK, gin.H{
		"balance":   snap.Balance,
		"earnings":  h.earningsBuckets(c, snap.Earnings),
		"coinStats": coinStats,
		"jobStats":  jobStats,
		"storage":   storageUsage(h.uploadDir),
		"status":    h.statusPayload(c),
	})
}

// Status returns machine health for the console status page.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.statusPayload(c))
}

func (h *Handler) statusPayload(c *gin.Context) gin.H {
	host := c.Request.Host
	if host == "" {
		host = "unknown"
	}
	wifiActive := !strings.HasPrefix(host, "localhost") && !strings.HasPrefix(host, "127.0.0.1")

	return gin.H{
		"serverRunning": true,
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"serial":        h.serialStatus(),
		"storage":       storageUsage(h.uploadDir),
		"host":          host,
		"wifiActive":    wifiActive,
	}
}

// earningsBuckets sums confirmed payments from the audit log into today and
// trailing-week buckets. All-time earnings come from the ledger itself.
func (h *Handler) earningsBuckets(c *gin.Context, allTime int64) gin.H {
	now := time.Now()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfWeek := startOfToday.AddDate(0, 0, -6)

	today, err := h.store.EarningsSince(c.Request.Context(), startOfToday)
	if err != nil {
		h.logger.Error("earnings query failed", "error", err)
	}
	week, err := h.store.EarningsSince(c.Request.Context(), startOfWeek)
	if err != nil {
		h.logger.Error("earnings query failed", "error", err)
	}

	return gin.H{"today": today, "week": week, "allTime": allTime}
}

// GetSettings returns the current settings.
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Settings())
}

// settingsUpdate is a partial settings patch; absent fields keep their value.
type settingsUpdate struct {
	Pricing *struct {
		PrintPerPage   *float64 `json:"printPerPage"`
		CopyPerPage    *float64 `json:"copyPerPage"`
		ColorSurcharge *float64 `json:"colorSurcharge"`
	} `json:"pricing"`
	IdleTimeoutSeconds *float64 `json:"idleTimeoutSeconds"`
	AdminPin           *string  `json:"adminPin"`
	AdminLocalOnly     *bool    `json:"adminLocalOnly"`
}

// UpdateSettings applies a partial settings update.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var body settingsUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON.",
		})
		return
	}

	st := h.store.Settings()

	if body.Pricing != nil {
		for _, f := range []struct {
			name  string
			value *float64
			dst   *float64
		}{
			{"printPerPage", body.Pricing.PrintPerPage, &st.Pricing.PrintPerPage},
			{"copyPerPage", body.Pricing.CopyPerPage, &st.Pricing.CopyPerPage},
			{"colorSurcharge", body.Pricing.ColorSurcharge, &st.Pricing.ColorSurcharge},
		} {
			if f.value == nil {
				continue
			}
			if *f.value < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_settings",
					"message": fmt.Sprintf("Invalid %s value.", f.name),
				})
				return
			}
			*f.dst = *f.value
		}
	}

	if body.IdleTimeoutSeconds != nil {
		if *body.IdleTimeoutSeconds < 15 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_settings",
				"message": "Invalid idleTimeoutSeconds value.",
			})
			return
		}
		st.IdleTimeoutSeconds = int(*body.IdleTimeoutSeconds)
	}

	if body.AdminPin != nil {
		pin := strings.TrimSpace(*body.AdminPin)
		if len(pin) < 4 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_settings",
				"message": "Admin PIN must be at least 4 characters.",
			})
			return
		}
		st.AdminPin = pin
	}

	if body.AdminLocalOnly != nil {
		st.AdminLocalOnly = *body.AdminLocalOnly
	}

	if err := h.store.UpdateSettings(c.Request.Context(), st); err != nil {
		h.logger.Error("settings update failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settings_update_failed",
			"message": "Could not persist settings.",
		})
		return
	}

	h.store.Append(c.Request.Context(), "admin_settings_updated", "Admin settings updated.", nil)
	c.JSON(http.StatusOK, st)
}

// Logs returns recent audit entries, newest first.
func (h *Handler) Logs(c *gin.Context) {
	limit := 200
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := h.store.Logs(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("logs query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "logs_query_failed",
			"message": "Could not read audit log.",
		})
		return
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

// ExportLogsCSV streams the audit log as a CSV download.
func (h *Handler) ExportLogsCSV(c *gin.Context) {
	entries, err := h.store.Logs(c.Request.Context(), 1000)
	if err != nil {
		h.logger.Error("logs export failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "logs_query_failed",
			"message": "Could not read audit log.",
		})
		return
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"timestamp", "type", "message", "meta"})
	for _, entry := range entries {
		metaText := ""
		if entry.Meta != nil {
			raw, _ := json.Marshal(entry.Meta)
			metaText = string(raw)
		}
		_ = w.Write([]string{
			entry.Timestamp.Format(time.RFC3339Nano),
			entry.Type,
			entry.Message,
			metaText,
		})
	}
	w.Flush()

	filename := fmt.Sprintf("kiosk-admin-logs-%s.csv", time.Now().Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// ResetBalance zeroes the unspent balance from the console.
func (h *Handler) ResetBalance(c *gin.Context) {
	previous := h.ledger.Snapshot().Balance

	snap, err := h.ledger.Reset(c.Request.Context())
	if err != nil {
		h.logger.Error("admin balance reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reset_failed",
			"message": "Could not persist balance reset.",
		})
		return
	}

	h.hub.BroadcastBalance(snap.Balance)
	metrics.BalanceCurrent.Set(float64(snap.Balance))
	h.store.Append(c.Request.Context(), "admin_balance_reset", "Admin reset machine balance.",
		map[string]interface{}{"previousBalance": previous, "newBalance": snap.Balance})

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"balance":  snap.Balance,
		"earnings": snap.Earnings,
	})
}

// ClearStorage deletes stored upload files.
func (h *Handler) ClearStorage(c *gin.Context) {
	removed := 0
	entries, err := os.ReadDir(h.uploadDir)
	if err != nil && !os.IsNotExist(err) {
		h.logger.Error("storage clear failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_clear_failed",
			"message": "Could not read upload storage.",
		})
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(h.uploadDir, entry.Name())); err != nil {
			h.logger.Warn("could not remove stored file", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}

	h.store.Append(c.Request.Context(), "admin_storage_cleared", "Admin cleared upload storage.",
		map[string]interface{}{"removedFiles": removed})

	c.JSON(http.StatusOK, gin.H{"ok": true, "removedFiles": removed})
}

// Quote prices a job from query parameters: mode (print|copy), color
// (bw|colored), copies.
func (h *Handler) Quote(c *gin.Context) {
	mode := c.DefaultQuery("mode", "print")
	if mode != "print" && mode != "copy" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_mode",
			"message": "Invalid mode",
		})
		return
	}

	copies := 1
	if raw := c.Query("copies"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_copies",
				"message": "Invalid copies value.",
			})
			return
		}
		copies = n
	}

	color := ColorMode(c.DefaultQuery("color", string(ColorBW)))
	pricing := h.store.Settings().Pricing

	c.JSON(http.StatusOK, gin.H{
		"amount":  pricing.JobAmount(mode, color, copies),
		"pricing": pricing,
	})
}

// storageUsage totals the files in the upload directory.
func storageUsage(dir string) gin.H {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return gin.H{"fileCount": 0, "bytes": 0}
	}

	var total int64
	files := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		files++
	}
	return gin.H{"fileCount": files, "bytes": total}
}
