package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/printbit/kiosk/internal/config"
	"github.com/printbit/kiosk/internal/ledger"
	"github.com/printbit/kiosk/internal/payment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockDispatcher accepts every job without touching a printer.
type mockDispatcher struct {
	jobs int
}

func (m *mockDispatcher) Dispatch(ctx context.Context, job payment.Job) error {
	m.jobs++
	return nil
}

// testConfig returns a minimal config for testing
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		DataFile:       filepath.Join(dir, "db.json"),
		AdminDB:        filepath.Join(dir, "admin.db"),
		UploadDir:      filepath.Join(dir, "uploads"),
		SerialBaud:     9600,
		FragmentWindow: config.DefaultFragmentWindow,
		SessionTTL:     config.DefaultSessionTTL,
		MaxUploadSize:  config.DefaultMaxUploadSize,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(t),
		WithLedgerStore(ledger.NewMemoryStore()),
		WithDispatcher(&mockDispatcher{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		_ = s.adminStore.Close()
	})
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	if _, ok := resp["serial"]; !ok {
		t.Error("Expected serial status in health payload")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/balance",
		"POST:/balance/reset",
		"POST:/confirm-payment",
		"POST:/print",
		"POST:/upload",
		"GET:/sessions",
		"GET:/sessions/:id",
		"GET:/sessions/:id/:token",
		"POST:/sessions/:id/upload",
		"GET:/pricing/quote",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestAdminRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	adminRoutes := map[string]bool{
		"POST:/admin/auth":            false,
		"GET:/admin/summary":          false,
		"GET:/admin/status":           false,
		"GET:/admin/settings":         false,
		"PUT:/admin/settings":         false,
		"GET:/admin/logs":             false,
		"GET:/admin/logs/export.csv":  false,
		"POST:/admin/balance/reset":   false,
		"POST:/admin/storage/clear":   false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := adminRoutes[key]; ok {
			adminRoutes[key] = true
		}
	}

	for route, found := range adminRoutes {
		if !found {
			t.Errorf("Admin route %s not registered", route)
		}
	}
}

// ---------------------------------------------------------------------------
// Coin intake wiring test
// ---------------------------------------------------------------------------

func TestCoinLineCreditsBalance(t *testing.T) {
	s := newTestServer(t)

	s.decoder.HandleLine("5")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/balance", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["balance"] != float64(5) {
		t.Errorf("Expected balance 5, got %v", resp["balance"])
	}
}

// ---------------------------------------------------------------------------
// Payment flow test
// ---------------------------------------------------------------------------

func TestConfirmPaymentThroughRouter(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 2; i++ {
		s.decoder.HandleLine("5")
	}

	body := `{"amount":7,"mode":"copy"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/confirm-payment", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["balance"] != float64(3) {
		t.Errorf("Expected balance 3, got %v", resp["balance"])
	}

	// The confirmation reached the audit log.
	entries, err := s.adminStore.Logs(context.Background(), 10)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	found := false
	for _, entry := range entries {
		if entry.Type == "payment_confirmed" {
			found = true
		}
	}
	if !found {
		t.Error("Expected payment_confirmed audit entry")
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Shutdown ordering
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
