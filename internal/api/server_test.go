package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagecrawl/internal/extract"
	"github.com/JakeFAU/imagecrawl/internal/fetcher"
	"github.com/JakeFAU/imagecrawl/internal/orchestrator"
	"github.com/JakeFAU/imagecrawl/internal/session"
	"github.com/JakeFAU/imagecrawl/internal/staging"
	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

const listing = `{"urls":[` +
	`"https://www.familysearch.org/ark:/61903/3:1:AAA-1/dist",` +
	`"https://www.familysearch.org/ark:/61903/3:1:BBB-2/dist",` +
	`"https://www.familysearch.org/ark:/61903/3:1:CCC-3/dist"]}`

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// gatedFetcher blocks every fetch until release is closed, when set.
type gatedFetcher struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
	fail    map[string]bool
}

func (f *gatedFetcher) Fetch(ctx context.Context, req fetcher.Request) fetcher.Result {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return fetcher.Result{Message: ctx.Err().Error()}
		}
	}
	if f.fail[req.ID] {
		return fetcher.Result{Attempts: 3, Message: "status 503"}
	}
	return fetcher.Result{
		OK:       true,
		Path:     req.Dir + "/" + req.FileName,
		FileName: req.FileName,
		Data:     []byte("jpeg-" + req.ID),
		Attempts: 1,
	}
}

type harness struct {
	server  *Server
	manager *session.Manager
	engine  *orchestrator.Engine
}

func newHarness(t *testing.T, f orchestrator.Fetcher) harness {
	t.Helper()
	stager, err := staging.New(staging.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	m := session.NewManager(statestore.NewMemoryStore(), session.Options{Stager: stager, Clock: fixedClock{}})
	engine := orchestrator.New(m, f, nil, noSleep{}, fixedClock{}, orchestrator.Config{}, nil)
	srv := NewServer(context.Background(), m, engine, extract.New(""), prometheus.NewRegistry(), nil)
	return harness{server: srv, manager: m, engine: engine}
}

func (h harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h harness) prepare(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/extract", listing).Code)
	rec := h.do(t, http.MethodPut, "/v1/metadata", `{"collection":"Bautismos","period":"1890","code":"PR01"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestServer_ExtractStoresIdentifiers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{})
	rec := h.do(t, http.MethodPost, "/v1/extract", listing)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	decode(t, rec, &body)
	require.Equal(t, 3, body["count"])
	require.Equal(t, 3, body["unique"])

	require.Equal(t, []string{"AAA-1", "BBB-2", "CCC-3"}, h.manager.Snapshot().IDs)
}

func TestServer_ExtractWithoutIdentifiers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{})
	rec := h.do(t, http.MethodPost, "/v1/extract", "no links here")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Nil(t, h.manager.Snapshot())
}

func TestServer_MetadataValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{})
	rec := h.do(t, http.MethodPut, "/v1/metadata", `{"collection":"x","period":"y","code":"z"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/extract", listing).Code)
	rec = h.do(t, http.MethodPut, "/v1/metadata", `{"collection":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "period")

	rec = h.do(t, http.MethodPut, "/v1/metadata", `{"collection":"../x","period":"y","code":"z"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid metadata label")

	rec = h.do(t, http.MethodPut, "/v1/metadata", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SettingsHideCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{})
	h.prepare(t)
	rec := h.do(t, http.MethodPut, "/v1/settings", `{"credential":"Bearer abc","delay_ms":750}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "Bearer abc")

	var view sessionView
	decode(t, rec, &view)
	require.True(t, view.HasCredential)
	require.False(t, view.HasCookie)
	require.Equal(t, int64(750), view.DelayMS)
	require.Equal(t, session.StepDownload, view.Step)

	rec = h.do(t, http.MethodPut, "/v1/settings", `{"delay_ms":-5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunArchiveAndItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{fail: map[string]bool{"BBB-2": true}})
	h.prepare(t)

	rec := h.do(t, http.MethodPost, "/v1/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, h.server.Wait(context.Background()))

	var view sessionView
	decode(t, h.do(t, http.MethodGet, "/v1/session", ""), &view)
	require.Equal(t, session.StatusCompleted, view.Status)
	require.Equal(t, []string{"BBB-2"}, view.Failed)
	require.NotNil(t, view.LastRun)
	require.Equal(t, 3, view.LastRun.Processed)
	require.Equal(t, 2, view.Counts.Completed)

	rec = h.do(t, http.MethodGet, "/v1/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "Bautismos_1890_PR01.zip")
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"Bautismos_1890_PR01_001.jpg", "Bautismos_1890_PR01_003.jpg"}, names)

	rec = h.do(t, http.MethodGet, "/v1/items/CCC-3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "jpeg-CCC-3", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/v1/items/BBB-2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/retry-failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "BBB-2")
	require.Empty(t, h.manager.Snapshot().Progress.Failed)
	require.Equal(t, session.StatusIdle, h.manager.Snapshot().Status)
}

func TestServer_RunConflictsAndPause(t *testing.T) {
	t.Parallel()

	f := &gatedFetcher{release: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(t, f)
	h.prepare(t)

	rec := h.do(t, http.MethodPost, "/v1/pause", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/run", "").Code)
	<-f.started

	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/run", "").Code)
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/reset", "").Code)
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/extract", listing).Code)

	rec = h.do(t, http.MethodPost, "/v1/pause", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	close(f.release)
	require.NoError(t, h.server.Wait(context.Background()))

	snap := h.manager.Snapshot()
	require.Equal(t, session.StatusPaused, snap.Status)
	require.Len(t, snap.Progress.Completed, 1)

	rec = h.do(t, http.MethodPost, "/v1/reset", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/session", "").Code)
}

func TestServer_RunRequiresConfiguration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{})
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/run", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/extract", listing).Code)
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/run", "").Code)
}

func TestServer_MetricsAndHealth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "imagecrawl_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	stager, err := staging.New(staging.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	m := session.NewManager(statestore.NewMemoryStore(), session.Options{Stager: stager})
	engine := orchestrator.New(m, &gatedFetcher{}, nil, noSleep{}, fixedClock{}, orchestrator.Config{}, nil)
	srv := NewServer(context.Background(), m, engine, nil, reg, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "imagecrawl_test_total 1")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-42")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &gatedFetcher{})
	handler := recoverMiddleware(h.server.logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
