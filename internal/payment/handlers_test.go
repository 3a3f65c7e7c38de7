package payment

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printbit/kiosk/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(logger)
	handler := NewHandler(f.svc, f.ledger, hub, nil, logger)

	r := gin.New()
	api := r.Group("")
	handler.RegisterRoutes(api, api)
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetBalanceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 10, 5)
	r := newTestRouter(t, f)

	w := doJSON(r, http.MethodGet, "/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balance  int64 `json:"balance"`
		Earnings int64 `json:"earnings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(15), resp.Balance)
	assert.Equal(t, int64(0), resp.Earnings)
}

func TestConfirmPaymentEndpoint(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 10)
	r := newTestRouter(t, f)

	w := doJSON(r, http.MethodPost, "/confirm-payment", gin.H{
		"amount": 7,
		"mode":   "copy",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OK       bool  `json:"ok"`
		Balance  int64 `json:"balance"`
		Earnings int64 `json:"earnings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, int64(3), resp.Balance)
	assert.Equal(t, int64(7), resp.Earnings)
}

func TestConfirmPaymentInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 10)
	r := newTestRouter(t, f)

	w := doJSON(r, http.MethodPost, "/confirm-payment", gin.H{
		"amount": 50,
		"mode":   "copy",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error   string `json:"error"`
		Balance int64  `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_balance", resp.Error)
	assert.Equal(t, int64(10), resp.Balance)
}

func TestConfirmPaymentValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 10)
	r := newTestRouter(t, f)

	cases := []struct {
		name string
		body gin.H
		code string
	}{
		{"fractional amount", gin.H{"amount": 2.5, "mode": "copy"}, "invalid_amount"},
		{"zero amount", gin.H{"amount": 0, "mode": "copy"}, "invalid_amount"},
		{"bad mode", gin.H{"amount": 5, "mode": "scan"}, "invalid_mode"},
		{"print without session", gin.H{"amount": 5, "mode": "print"}, "session_required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/confirm-payment", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error)
		})
	}

	assert.Equal(t, int64(10), f.ledger.Snapshot().Balance)
}

func TestConfirmPaymentUnknownSessionIs404(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 10)
	r := newTestRouter(t, f)

	w := doJSON(r, http.MethodPost, "/confirm-payment", gin.H{
		"amount":    5,
		"mode":      "print",
		"sessionId": "ses_missing",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetBalanceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 20)
	r := newTestRouter(t, f)

	w := doJSON(r, http.MethodPost, "/balance/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OK      bool  `json:"ok"`
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, int64(0), resp.Balance)
	assert.Equal(t, int64(0), f.ledger.Snapshot().Balance)
}

func TestLegacyPrintRequiresFilename(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)

	w := doJSON(r, http.MethodPost, "/print", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "filename_required", resp.Error)
}

func TestLegacyPrintInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.credit(t, 1) // below the legacy minimum
	r := newTestRouter(t, f)

	w := doJSON(r, http.MethodPost, "/print", gin.H{"filename": "doc.pdf"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_balance", resp.Error)
}
