package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halkeye/aioasuswrt/internal/asuswrt"
	"github.com/halkeye/aioasuswrt/internal/store"
	"github.com/halkeye/aioasuswrt/internal/tracker"
)

// stubRouter serves a fixed device table for server tests.
type stubRouter struct {
	devices map[string]asuswrt.Device
	pollErr error
}

func (s *stubRouter) ConnectedDevices(context.Context) (map[string]asuswrt.Device, error) {
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.devices, nil
}
func (s *stubRouter) TransferTotals(context.Context, bool) (asuswrt.Totals, error) {
	return asuswrt.Totals{RX: 1000, TX: 2000}, nil
}
func (s *stubRouter) CurrentTransferRates(context.Context, bool) (asuswrt.Rates, bool, error) {
	return asuswrt.Rates{}, false, nil
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *store.BoltStore, *stubRouter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	stub := &stubRouter{devices: make(map[string]asuswrt.Device)}
	events := tracker.NewEventBus(logger)
	tr := tracker.New(stub, db, events, tracker.Config{Interval: time.Hour}, logger)

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv, err := NewServer(tr, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, db, stub
}

func seedDevice(t *testing.T, db *store.BoltStore, mac, ip string) {
	t.Helper()
	if err := db.SaveDevice(&store.Device{
		MAC:      mac,
		IP:       ip,
		Hostname: "host",
		Online:   true,
		LastSeen: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAPIListDevices(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "01:02:03:04:06:08", "192.168.1.10")
	seedDevice(t, db, "08:09:10:11:12:14", "192.168.1.11")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var devices []store.Device
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("device count = %d, want 2", len(devices))
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "01:02:03:04:06:08", "192.168.1.10")

	req := httptest.NewRequest("GET", "/api/devices/01:02:03:04:06:08", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var dev store.Device
	if err := json.NewDecoder(w.Body).Decode(&dev); err != nil {
		t.Fatal(err)
	}
	if dev.MAC != "01:02:03:04:06:08" {
		t.Errorf("mac = %q", dev.MAC)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/devices/FF:FF:FF:FF:FF:FF", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "01:02:03:04:06:08", "192.168.1.10")

	req := httptest.NewRequest("DELETE", "/api/devices/01:02:03:04:06:08", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	// Verify device is gone.
	_, err := db.GetDevice("01:02:03:04:06:08")
	if err == nil {
		t.Error("expected device to be deleted")
	}
}

func TestAPIStatus(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var status tracker.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
}

func TestAPIPoll(t *testing.T) {
	srv, db, stub := setupTestServer(t, "")
	stub.devices["01:02:03:04:06:08"] = asuswrt.Device{MAC: "01:02:03:04:06:08", IP: "192.168.1.10"}

	req := httptest.NewRequest("POST", "/api/poll", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	// Polled device lands in the store.
	if _, err := db.GetDevice("01:02:03:04:06:08"); err != nil {
		t.Errorf("polled device not stored: %v", err)
	}
}

func TestAPIPollRouterDown(t *testing.T) {
	srv, _, stub := setupTestServer(t, "")
	stub.pollErr = errors.New("connection refused")

	req := httptest.NewRequest("POST", "/api/poll", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestAPIVersion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	tr := tracker.New(&stubRouter{}, db, tracker.NewEventBus(logger), tracker.Config{}, logger)
	srv, err := NewServer(tr, logger, WithVersion("1.2.3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })

	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp["version"])
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	// With correct key via header.
	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	// Missing key.
	req := httptest.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthSkipsHTMLPages(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("index page: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIRenameDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "01:02:03:04:06:08", "192.168.1.10")

	body := `{"friendly_name": "Kitchen Tablet"}`
	req := httptest.NewRequest("PATCH", "/api/devices/01:02:03:04:06:08", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["friendly_name"] != "Kitchen Tablet" {
		t.Errorf("friendly_name = %q, want Kitchen Tablet", resp["friendly_name"])
	}

	// Verify device was updated in store.
	dev, err := db.GetDevice("01:02:03:04:06:08")
	if err != nil {
		t.Fatal(err)
	}
	if dev.FriendlyName != "Kitchen Tablet" {
		t.Errorf("stored friendly_name = %q, want Kitchen Tablet", dev.FriendlyName)
	}
}

func TestAPIRenameDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	body := `{"friendly_name": "Test"}`
	req := httptest.NewRequest("PATCH", "/api/devices/FF:FF:FF:FF:FF:FF", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDevicesPage(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "01:02:03:04:06:08", "192.168.1.10")

	req := httptest.NewRequest("GET", "/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("01:02:03:04:06:08")) {
		t.Error("devices page does not list seeded device")
	}
}

func TestAPIDeviceMACCaseInsensitive(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "01:02:03:04:06:0A", "192.168.1.10")

	// Store keys are canonical uppercase colon form; the path value may
	// arrive in any case and with either separator.
	for _, mac := range []string{"01:02:03:04:06:0a", "01-02-03-04-06-0a", "01-02-03-04-06-0A"} {
		req := httptest.NewRequest("GET", "/api/devices/"+mac, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET with MAC %q: status = %d, want %d", mac, w.Code, http.StatusOK)
		}
	}

	body := `{"friendly_name": "Kitchen Tablet"}`
	req := httptest.NewRequest("PATCH", "/api/devices/01:02:03:04:06:0a", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH with lowercase MAC: status = %d, want %d", w.Code, http.StatusOK)
	}
	dev, err := db.GetDevice("01:02:03:04:06:0A")
	if err != nil {
		t.Fatal(err)
	}
	if dev.FriendlyName != "Kitchen Tablet" {
		t.Errorf("stored friendly_name = %q, want Kitchen Tablet", dev.FriendlyName)
	}

	req = httptest.NewRequest("DELETE", "/api/devices/01-02-03-04-06-0a", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE with dashed MAC: status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, err := db.GetDevice("01:02:03:04:06:0A"); err == nil {
		t.Error("device still stored after delete with dashed MAC")
	}
}
