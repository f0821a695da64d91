package introspectapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polypd/polypd/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(":memory:")
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

type stubClientLister []ClientInfo

func (s stubClientLister) ListClients() []ClientInfo { return s }

func TestHealthReportsCounts(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.CreateSink(registry.Sink{Name: "sink0", Format: 3, Rate: 44100, Channels: 2}); err != nil {
		t.Fatalf("CreateSink: %v", err)
	}

	api := New(reg, stubClientLister{{Index: 0, Name: "pacat", Protocol: 14}})
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Sinks != 1 || health.Clients != 1 {
		t.Errorf("unexpected health response: %+v", health)
	}
}

func TestSinksListsCreatedSinks(t *testing.T) {
	reg := newTestRegistry(t)
	idx, err := reg.CreateSink(registry.Sink{Name: "sink0", Description: "Builtin", Format: 3, Rate: 44100, Channels: 2})
	if err != nil {
		t.Fatalf("CreateSink: %v", err)
	}

	api := New(reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sinks")
	if err != nil {
		t.Fatalf("GET /sinks: %v", err)
	}
	defer resp.Body.Close()

	var sinks []registry.Sink
	if err := json.NewDecoder(resp.Body).Decode(&sinks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sinks) != 1 || sinks[0].Index != idx {
		t.Errorf("unexpected sinks: %+v", sinks)
	}
}

func TestSinkByIndexReturns404WhenMissing(t *testing.T) {
	reg := newTestRegistry(t)
	api := New(reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sinks/999")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSinkByIndexRejectsNonNumericIndex(t *testing.T) {
	reg := newTestRegistry(t)
	api := New(reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sinks/not-a-number")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestModulesListsLoadedModules(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.LoadModule("module-null-sink", "sink_name=sink0"); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	api := New(reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/modules")
	if err != nil {
		t.Fatalf("GET /modules: %v", err)
	}
	defer resp.Body.Close()

	var modules []registry.Module
	if err := json.NewDecoder(resp.Body).Decode(&modules); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(modules) != 1 || modules[0].Name != "module-null-sink" {
		t.Errorf("unexpected modules: %+v", modules)
	}
}

func TestClientsReportsEmptyListWhenListerIsNil(t *testing.T) {
	reg := newTestRegistry(t)
	api := New(reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/clients")
	if err != nil {
		t.Fatalf("GET /clients: %v", err)
	}
	defer resp.Body.Close()

	var clients []ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(clients) != 0 {
		t.Errorf("expected empty client list, got %+v", clients)
	}
}
