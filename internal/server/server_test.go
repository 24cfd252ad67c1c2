package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inlet/internal/auth"
	"inlet/internal/broker"
	"inlet/internal/config"
	"inlet/internal/envelope"
	"inlet/internal/filter"
	"inlet/internal/logger"
	"inlet/internal/normalize"
	"inlet/internal/outcome"
	"inlet/internal/processor"
	"inlet/internal/project"
	"inlet/internal/quota"
	"inlet/pkg/health"
)

type stubFetcher struct {
	states map[project.ID]*project.State
}

func (f *stubFetcher) FetchProjectState(ctx context.Context, id project.ID) (*project.State, error) {
	state, ok := f.states[id]
	if !ok {
		return nil, project.ErrProjectNotFound
	}
	copied := *state
	return &copied, nil
}

type stubStore struct {
	exceeded []int
}

func (s *stubStore) CheckAndIncrement(ctx context.Context, buckets []quota.Bucket) ([]int, error) {
	return s.exceeded, nil
}

type recordingForwarder struct {
	mu    sync.Mutex
	count int
}

func (f *recordingForwarder) Forward(ctx context.Context, projectID string, keyID string, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *recordingForwarder) Close() error { return nil }

func newTestServer(t *testing.T, states map[project.ID]*project.State, store quota.Store) (*Server, *recordingForwarder) {
	t.Helper()
	log := logger.NopLogger()

	cache := project.NewCache(project.DefaultCacheConfig(), &stubFetcher{states: states}, log)
	t.Cleanup(cache.Close)

	limiter := quota.NewRateLimiter(store, quota.DefaultRateLimiterConfig(), log)
	filters, err := filter.NewEngine("allow", log)
	require.NoError(t, err)

	reporter := outcome.NewReporter(broker.NopProducer(), outcome.ReporterConfig{
		BufferSize:    64,
		FlushInterval: time.Hour,
	}, log)
	t.Cleanup(reporter.Close)

	fwd := &recordingForwarder{}

	proc := processor.NewProcessor(
		cache,
		auth.NewEd25519Verifier(false, log),
		filters,
		limiter,
		normalize.NewEventNormalizer(log),
		fwd,
		reporter,
		log,
	)

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 0, MaxBodyBytes: 1 << 20},
	}
	return New(cfg, proc, health.NewCheckerRegistry(), log), fwd
}

func activeState() *project.State {
	return &project.State{
		OrganizationID: "org-1",
		PublicKeys: []project.PublicKey{
			{ID: "key-1", Enabled: true},
		},
	}
}

func envelopeBody() []byte {
	return []byte(`{"event_id":"9ec79c33ec9942ab8353589fcb2e04dc"}
{"type":"event"}
{"message":"boom"}
`)
}

func postEnvelope(srv *Server, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/42/envelope/", bytes.NewReader(body))
	req.Header.Set("X-Inlet-Key", "key-1")
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestHandleEnvelope_Accepted(t *testing.T) {
	srv, fwd := newTestServer(t, map[project.ID]*project.State{"42": activeState()}, &stubStore{})

	w := postEnvelope(srv, envelopeBody(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fwd.count)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "9ec79c33ec9942ab8353589fcb2e04dc", resp["id"])
}

func TestHandleEnvelope_GzipBody(t *testing.T) {
	srv, fwd := newTestServer(t, map[project.ID]*project.State{"42": activeState()}, &stubStore{})

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(envelopeBody())
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	w := postEnvelope(srv, buf.Bytes(), func(req *http.Request) {
		req.Header.Set("Content-Encoding", "gzip")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fwd.count)
}

func TestHandleEnvelope_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, map[project.ID]*project.State{"42": activeState()}, &stubStore{})

	w := postEnvelope(srv, []byte("not an envelope"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEnvelope_InvalidGzip(t *testing.T) {
	srv, _ := newTestServer(t, map[project.ID]*project.State{"42": activeState()}, &stubStore{})

	w := postEnvelope(srv, []byte("definitely not gzip"), func(req *http.Request) {
		req.Header.Set("Content-Encoding", "gzip")
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEnvelope_UnknownProject(t *testing.T) {
	srv, _ := newTestServer(t, map[project.ID]*project.State{}, &stubStore{})

	w := postEnvelope(srv, envelopeBody(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleEnvelope_MissingKey(t *testing.T) {
	srv, _ := newTestServer(t, map[project.ID]*project.State{"42": activeState()}, &stubStore{})

	w := postEnvelope(srv, envelopeBody(), func(req *http.Request) {
		req.Header.Del("X-Inlet-Key")
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleEnvelope_KeyFromQueryParameter(t *testing.T) {
	srv, fwd := newTestServer(t, map[project.ID]*project.State{"42": activeState()}, &stubStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/42/envelope/?key=key-1", bytes.NewReader(envelopeBody()))
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fwd.count)
}

func TestHandleEnvelope_RateLimited(t *testing.T) {
	zero := int64(0)
	state := activeState()
	state.Quotas = []quota.Quota{
		{Scope: quota.ScopeProject, Limit: &zero, WindowSeconds: 60, ReasonCode: "blocked"},
	}
	srv, fwd := newTestServer(t, map[project.ID]*project.State{"42": state}, &stubStore{exceeded: []int{0}})

	w := postEnvelope(srv, envelopeBody(), nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Header().Get("X-Inlet-Rate-Limits"), "blocked")
	assert.Equal(t, 0, fwd.count)
}

func TestHandleEnvelope_PayloadTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, map[project.ID]*project.State{"42": activeState()}, &stubStore{})

	big := bytes.Repeat([]byte("a"), (1<<20)+1)
	w := postEnvelope(srv, big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil, &stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMetrics(t *testing.T) {
	srv, _ := newTestServer(t, nil, &stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
