package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pigo/pkg/catalog"
	"pigo/pkg/failover"
	"pigo/pkg/models"
	"pigo/pkg/platform"
	"pigo/pkg/race"
	"pigo/pkg/scheduler"
	"pigo/pkg/store"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

// fakeResolver answers races from a fixed set of live URLs.
type fakeResolver struct {
	mu       sync.Mutex
	live     map[string]bool
	timeouts []time.Duration
}

func (f *fakeResolver) Resolve(_ context.Context, urls []string, timeout time.Duration) race.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, timeout)
	for i, url := range urls {
		if f.live[url] {
			return race.Outcome{URL: url, Index: i, Elapsed: 3 * time.Millisecond}
		}
	}
	return race.Outcome{Index: -1, Reason: models.ReasonTimeout, Elapsed: timeout}
}

func (f *fakeResolver) ResolveFirstLive(ctx context.Context, urls []string, timeout time.Duration) (string, bool) {
	out := f.Resolve(ctx, urls, timeout)
	return out.URL, out.Found()
}

type stubScheduler struct {
	snapshot scheduler.Snapshot
}

func (s *stubScheduler) Snapshot() scheduler.Snapshot {
	return s.snapshot
}

// ServerTestSuite tests the control API
type ServerTestSuite struct {
	suite.Suite
	server   *Server
	store    *store.Memory
	signals  *platform.Signals
	sessions *failover.Manager
	resolver *fakeResolver
}

func (s *ServerTestSuite) SetupTest() {
	cat, err := catalog.Default()
	s.Require().NoError(err)

	s.store = store.NewMemory()
	s.signals = platform.New(clock.NewMock(), 0)
	s.resolver = &fakeResolver{live: map[string]bool{}}
	s.sessions = failover.New(s.resolver, s.store, failover.Options{})
	s.server = New(Deps{
		Store:     s.store,
		Scheduler: &stubScheduler{snapshot: scheduler.Snapshot{State: scheduler.Active, DeviceID: "pi", Cycles: 4}},
		Signals:   s.signals,
		Sessions:  s.sessions,
		Resolver:  s.resolver,
		Catalog:   cat,

		ResolveTimeout: 2 * time.Second,
	})
}

func (s *ServerTestSuite) TearDownTest() {
	s.sessions.CloseAll()
}

func (s *ServerTestSuite) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *ServerTestSuite) decode(rec *httptest.ResponseRecorder, dst any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (s *ServerTestSuite) errorOf(rec *httptest.ResponseRecorder) string {
	var body map[string]string
	s.decode(rec, &body)
	return body["error"]
}

func (s *ServerTestSuite) seed() models.Device {
	device, err := s.store.Upsert(models.Device{
		ID:        "pi",
		Addresses: []string{"192.168.1.10", "192.168.1.11"},
		Services:  []models.Service{{ID: "plex", Name: "Plex", Path: "/web/index.html", Port: 32400}},
	})
	s.Require().NoError(err)
	return device
}

// TestDeviceLifecycle tests create, read, list and delete
func (s *ServerTestSuite) TestDeviceLifecycle() {
	rec := s.do(http.MethodPut, "/devices", `{"name":"Pi","addresses":["10.0.0.5","10.8.0.2"],`+
		`"services":[{"id":"pihole","name":"Pi-hole","path":"/admin/","port":80,"reachable":true}]}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var created models.Device
	s.decode(rec, &created)
	s.NotEmpty(created.ID)
	s.Equal("10.0.0.5", created.SelectedAddress)
	s.Equal(models.Unknown, created.Services[0].Reachable, "reachability is never taken from callers")

	rec = s.do(http.MethodGet, "/devices", "")
	s.Equal(http.StatusOK, rec.Code)
	var list []models.Device
	s.decode(rec, &list)
	s.Len(list, 1)

	rec = s.do(http.MethodGet, "/devices/"+created.ID, "")
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodDelete, "/devices/"+created.ID, "")
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/devices/"+created.ID, "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Contains(s.errorOf(rec), "device not found")

	rec = s.do(http.MethodDelete, "/devices/"+created.ID, "")
	s.Equal(http.StatusNotFound, rec.Code)
}

// TestPutDeviceValidation tests rejected device bodies
func (s *ServerTestSuite) TestPutDeviceValidation() {
	rec := s.do(http.MethodPut, "/devices", `{"addresses":["10.0.0.1","10.0.0.2","10.0.0.3","10.0.0.4"]}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/devices", `{"addresses":["http://10.0.0.1/"]}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/devices", `{"addresses":`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(s.errorOf(rec), "bad request")
}

// TestSelectionAndStatus tests select, deselect and the status body
func (s *ServerTestSuite) TestSelectionAndStatus() {
	s.seed()

	rec := s.do(http.MethodGet, "/status", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`null`, jsonField(s, rec, "device"))

	rec = s.do(http.MethodPost, "/devices/pi/select", "")
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/status", "")
	var status StatusResponse
	s.decode(rec, &status)
	s.Equal(scheduler.Active, status.Scheduler.State)
	s.Equal(uint64(4), status.Scheduler.Cycles)
	s.Require().NotNil(status.Device)
	s.Equal("pi", status.Device.ID)

	rec = s.do(http.MethodPost, "/devices/deselect", "")
	s.Equal(http.StatusNoContent, rec.Code)
	_, ok := s.store.Selected()
	s.False(ok)

	rec = s.do(http.MethodPost, "/devices/missing/select", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

// TestSwitchDeviceAddress tests the manual address switch
func (s *ServerTestSuite) TestSwitchDeviceAddress() {
	s.seed()

	rec := s.do(http.MethodPost, "/devices/pi/address", `{"address":"192.168.1.11"}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var device models.Device
	s.decode(rec, &device)
	s.Equal("192.168.1.11", device.SelectedAddress)

	rec = s.do(http.MethodPost, "/devices/pi/address", `{"address":"172.16.0.1"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/devices/pi/address", `{}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/devices/missing/address", `{"address":"192.168.1.11"}`)
	s.Equal(http.StatusNotFound, rec.Code)
}

// TestServices tests binding services from the catalogue and by hand
func (s *ServerTestSuite) TestServices() {
	s.seed()

	rec := s.do(http.MethodPost, "/devices/pi/services", `{"catalog_id":"pi-hole"}`)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var fromCatalog models.Service
	s.decode(rec, &fromCatalog)
	s.NotEmpty(fromCatalog.ID)
	s.NotEqual("pi-hole", fromCatalog.ID)
	s.Equal("/admin/index.php", fromCatalog.Path)
	s.Equal("network", fromCatalog.Category)

	rec = s.do(http.MethodPost, "/devices/pi/services", `{"catalog_id":"nope"}`)
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/devices/pi/services", `{"name":"Grafana","port":3000,"path":"/login"}`)
	s.Require().Equal(http.StatusCreated, rec.Code)
	var manual models.Service
	s.decode(rec, &manual)

	rec = s.do(http.MethodPost, "/devices/pi/services", `{"name":"Broken","port":0}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/devices/pi/services/"+manual.ID, `{"name":"Grafana","port":3001,"path":"/login"}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Service
	s.decode(rec, &updated)
	s.Equal(3001, updated.Port)
	s.Equal(manual.ID, updated.ID)

	rec = s.do(http.MethodDelete, "/devices/pi/services/"+manual.ID, "")
	s.Equal(http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodDelete, "/devices/pi/services/"+manual.ID, "")
	s.Equal(http.StatusNotFound, rec.Code)

	device, err := s.store.Get("pi")
	s.Require().NoError(err)
	s.Len(device.Services, 2)
}

// TestCatalog tests the catalogue listing
func (s *ServerTestSuite) TestCatalog() {
	rec := s.do(http.MethodGet, "/catalog", "")
	s.Equal(http.StatusOK, rec.Code)

	var body CatalogResponse
	s.decode(rec, &body)
	s.Len(body.Servers, 16)
	s.Contains(body.Categories, "media")
}

// TestResolve tests ad hoc races
func (s *ServerTestSuite) TestResolve() {
	s.resolver.live["http://10.0.0.2:80/"] = true

	rec := s.do(http.MethodPost, "/resolve", `{"urls":["http://10.0.0.1:80/","http://10.0.0.2:80/"],"timeout_ms":500}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	var found ResolveResponse
	s.decode(rec, &found)
	s.True(found.Found)
	s.Equal("http://10.0.0.2:80/", found.URL)

	rec = s.do(http.MethodPost, "/resolve", `{"urls":["http://10.0.0.9:80/"]}`)
	var missed ResolveResponse
	s.decode(rec, &missed)
	s.False(missed.Found)
	s.Equal(models.ReasonTimeout, missed.Reason)

	rec = s.do(http.MethodPost, "/resolve", `{"urls":[],"timeout_ms":-1}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	s.Equal([]time.Duration{500 * time.Millisecond, 2 * time.Second}, s.resolver.timeouts)
}

// TestPlatformSignals tests the platform endpoints
func (s *ServerTestSuite) TestPlatformSignals() {
	rec := s.do(http.MethodPost, "/platform/foreground", `{"value":false}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	var state platform.State
	s.decode(rec, &state)
	s.False(state.Foreground)
	s.True(state.Focused)

	rec = s.do(http.MethodPost, "/platform/focus", `{"value":false}`)
	s.decode(rec, &state)
	s.False(state.Focused)

	rec = s.do(http.MethodPost, "/platform/connectivity", `{"value":false}`)
	s.decode(rec, &state)
	s.False(state.Connected)

	rec = s.do(http.MethodPost, "/platform/focus", `{}`)
	s.Equal(http.StatusBadRequest, rec.Code)
}

// TestSessions tests the session endpoints
func (s *ServerTestSuite) TestSessions() {
	s.seed()

	rec := s.do(http.MethodPost, "/sessions", `{"device_id":"pi","service_id":"plex"}`)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var state failover.State
	s.decode(rec, &state)
	s.Equal("http://192.168.1.10:32400/web/index.html", state.ActiveURL)
	id := state.ID

	rec = s.do(http.MethodGet, "/sessions/"+id, "")
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/sessions", "")
	var list []failover.State
	s.decode(rec, &list)
	s.Len(list, 1)

	for i := 0; i < 3; i++ {
		rec = s.do(http.MethodPost, "/sessions/"+id+"/error", `{"description":"net::ERR_TIMED_OUT"}`)
		s.Require().Equal(http.StatusOK, rec.Code)
	}
	s.decode(rec, &state)
	s.True(state.Exhausted)

	rec = s.do(http.MethodGet, "/sessions/"+id+"/events", "")
	var events []failover.Event
	s.decode(rec, &events)
	s.Require().Len(events, 1)
	s.Equal(failover.EventExhausted, events[0].Kind)

	rec = s.do(http.MethodGet, "/sessions/"+id+"/events", "")
	s.JSONEq(`[]`, rec.Body.String())

	rec = s.do(http.MethodPost, "/sessions/"+id+"/retry", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.decode(rec, &state)
	s.False(state.Exhausted)

	rec = s.do(http.MethodPost, "/sessions/"+id+"/address", `{"address":"192.168.1.11"}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.decode(rec, &state)
	s.Equal("http://192.168.1.11:32400/web/index.html", state.ActiveURL)

	rec = s.do(http.MethodPost, "/sessions/"+id+"/address", `{"address":"10.9.9.9"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/sessions/"+id+"/load", "")
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodDelete, "/sessions/"+id, "")
	s.Equal(http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodGet, "/sessions/"+id, "")
	s.Equal(http.StatusNotFound, rec.Code)
}

// TestOpenSessionErrors tests rejected session requests
func (s *ServerTestSuite) TestOpenSessionErrors() {
	s.seed()

	rec := s.do(http.MethodPost, "/sessions", `{"device_id":"pi"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/sessions", `{"device_id":"pi","service_id":"missing"}`)
	s.Equal(http.StatusNotFound, rec.Code)
	s.Contains(s.errorOf(rec), "service not found")

	rec = s.do(http.MethodPost, "/sessions/unknown/retry", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

// TestSwaggerSpec tests the embedded API description
func (s *ServerTestSuite) TestSwaggerSpec() {
	rec := s.do(http.MethodGet, "/swagger.yml", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "openapi: 3.0.3")
	s.Contains(rec.Body.String(), "/sessions/{id}/events")
}

func jsonField(s *ServerTestSuite, rec *httptest.ResponseRecorder, field string) string {
	var body map[string]json.RawMessage
	s.decode(rec, &body)
	return string(body[field])
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
