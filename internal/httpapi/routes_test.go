package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
	"github.com/clmmrun/strategy-runtime/infrastructure/metrics"
	"github.com/clmmrun/strategy-runtime/infrastructure/middleware"
	"github.com/clmmrun/strategy-runtime/internal/domain"
)

// fakeManager is a minimal InstanceManager double for route tests.
type fakeManager struct {
	instances map[string]domain.Instance
	createErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{instances: make(map[string]domain.Instance)}
}

func (f *fakeManager) Create(ctx context.Context, instanceType domain.InstanceType, name string, config map[string]interface{}) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "inst-1"
	f.instances[id] = domain.Instance{ID: id, Type: instanceType, Name: name, Config: config, Status: domain.StatusCreated}
	return id, nil
}

func (f *fakeManager) Start(ctx context.Context, id string) error {
	inst, ok := f.instances[id]
	if !ok {
		return rterrors.NotFound("instance", id)
	}
	inst.Status = domain.StatusRunning
	f.instances[id] = inst
	return nil
}

func (f *fakeManager) Pause(ctx context.Context, id string) error  { return f.set(id, domain.StatusPaused) }
func (f *fakeManager) Resume(ctx context.Context, id string) error { return f.set(id, domain.StatusRunning) }
func (f *fakeManager) Stop(ctx context.Context, id string) error   { return f.set(id, domain.StatusStopped) }

func (f *fakeManager) set(id string, status domain.Status) error {
	inst, ok := f.instances[id]
	if !ok {
		return rterrors.NotFound("instance", id)
	}
	inst.Status = status
	f.instances[id] = inst
	return nil
}

func (f *fakeManager) Delete(ctx context.Context, id string) error {
	if _, ok := f.instances[id]; !ok {
		return rterrors.NotFound("instance", id)
	}
	delete(f.instances, id)
	return nil
}

func (f *fakeManager) List() []domain.Instance {
	out := make([]domain.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out
}

func (f *fakeManager) Get(id string) (domain.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return domain.Instance{}, rterrors.NotFound("instance", id)
	}
	return inst, nil
}

func (f *fakeManager) Status(id string) (domain.Instance, error) { return f.Get(id) }

func newTestServer(m InstanceManager) *Server {
	logger := logging.New("test", "error", "text")
	metricsInstance := metrics.NewWithRegistry("test", prometheus.NewRegistry())
	s := NewServer(Config{
		Name:    "test",
		Version: "0.0.0-test",
		Addr:    ":0",
		Logger:  logger,
		Metrics: metricsInstance,
		CORS:    &middleware.CORSConfig{},
	})
	RegisterRoutes(s, RouteConfig{
		Manager:   m,
		Templates: DefaultTemplates(),
		StartedAt: time.Now(),
		Version:   "0.0.0-test",
	})
	return s
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestRoutes_CreateStartStatus(t *testing.T) {
	m := newFakeManager()
	s := newTestServer(m)

	rec := doRequest(s, http.MethodPost, "/api/strategy/create", createRequest{Type: "simple-y", Name: "n", Config: map[string]interface{}{}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.Success {
		t.Fatalf("expected success envelope, got %+v", created)
	}

	rec = doRequest(s, http.MethodPost, "/api/strategy/inst-1/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on start, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, http.MethodGet, "/api/strategy/inst-1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on status, got %d", rec.Code)
	}
}

func TestRoutes_StatusUnknownInstanceIs404(t *testing.T) {
	m := newFakeManager()
	s := newTestServer(m)

	rec := doRequest(s, http.MethodGet, "/api/strategy/does-not-exist/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRoutes_CreateMissingTypeIsValidationError(t *testing.T) {
	m := newFakeManager()
	s := newTestServer(m)

	rec := doRequest(s, http.MethodPost, "/api/strategy/create", createRequest{Name: "n"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRoutes_TemplatesAndInfo(t *testing.T) {
	m := newFakeManager()
	s := newTestServer(m)

	rec := doRequest(s, http.MethodGet, "/api/strategy/templates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/api/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRoutes_DeleteAndList(t *testing.T) {
	m := newFakeManager()
	s := newTestServer(m)

	doRequest(s, http.MethodPost, "/api/strategy/create", createRequest{Type: "simple-y", Name: "n"})

	rec := doRequest(s, http.MethodGet, "/api/strategy/list", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(s, http.MethodDelete, "/api/strategy/inst-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, http.MethodGet, "/api/strategy/inst-1/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}
