package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSource serves a mutable set of Active pipelines.
type fakeSource struct {
	mu      sync.Mutex
	active  map[string]model.Pipeline
	queries atomic.Int32
	err     error
}

func (s *fakeSource) ListActivePipelines(_ context.Context, kind model.Kind) ([]model.Pipeline, error) {
	s.queries.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Pipeline
	for _, p := range s.active {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeSource) set(p model.Pipeline, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.active[p.ID] = p
	} else {
		delete(s.active, p.ID)
	}
}

func flow(id, app, path string) model.Pipeline {
	return model.Pipeline{
		ID:             id,
		Kind:           model.KindFlow,
		App:            app,
		Name:           id,
		Status:         model.StatusActive,
		DeploymentName: "b2b-" + strings.ToLower(id),
		Namespace:      "appveen-" + strings.ToLower(app),
		InputNode:      &model.Node{Type: model.NodeTypeAPI, Options: model.NodeOptions{Path: path}},
	}
}

func TestRebuildTracksActivePipelines(t *testing.T) {
	src := &fakeSource{active: map[string]model.Pipeline{}}
	table := NewTable(model.KindFlow, src, true, discard())
	ctx := context.Background()

	const n, m = 6, 2
	for i := range n {
		src.set(flow("FLOW200"+string(rune('0'+i)), "Adam", "/p"+string(rune('a'+i))), true)
	}
	require.NoError(t, table.Rebuild(ctx))
	assert.Equal(t, n, table.Len())

	for i := range m {
		src.set(flow("FLOW200"+string(rune('0'+i)), "Adam", ""), false)
	}
	require.NoError(t, table.Rebuild(ctx))
	assert.Equal(t, n-m, table.Len())

	r, ok := table.Lookup("/Adam/pc")
	require.True(t, ok)
	assert.Equal(t, "FLOW2002", r.PipelineID)
	assert.Equal(t, "http://b2b-flow2002.appveen-adam", r.Host)
	assert.Equal(t, "/api/b2b/Adam/pc", r.TargetPath)

	_, ok = table.Lookup("/Adam/pa")
	assert.False(t, ok)

	routes := table.Routes()
	require.Len(t, routes, n-m)
	assert.Equal(t, "/Adam/pc", routes[0].Key)
}

func TestRebuildKeepsOldTableOnError(t *testing.T) {
	src := &fakeSource{active: map[string]model.Pipeline{"FLOW2001": flow("FLOW2001", "Adam", "/orders")}}
	table := NewTable(model.KindFlow, src, false, discard())
	require.NoError(t, table.Rebuild(context.Background()))

	src.err = errors.New("db down")
	assert.Error(t, table.Rebuild(context.Background()))
	assert.Equal(t, 1, table.Len())

	r, _ := table.Lookup("/Adam/orders")
	assert.Equal(t, "http://localhost:8080", r.Host)
}

func TestLocalProcessFlowHostUsesPort(t *testing.T) {
	p := flow("PF2001", "Adam", "/approve")
	p.Kind = model.KindProcessFlow
	p.Port = 31004
	src := &fakeSource{active: map[string]model.Pipeline{p.ID: p}}
	table := NewTable(model.KindProcessFlow, src, false, discard())
	require.NoError(t, table.Rebuild(context.Background()))

	r, ok := table.Lookup("/Adam/approve")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:31004", r.Host)
	assert.Equal(t, "/api/flows/Adam/approve", r.TargetPath)
}

func TestConcurrentRebuilds(t *testing.T) {
	src := &fakeSource{active: map[string]model.Pipeline{"FLOW2001": flow("FLOW2001", "Adam", "/orders")}}
	table := NewTable(model.KindFlow, src, true, discard())

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, table.Rebuild(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, table.Len())
	assert.LessOrEqual(t, src.queries.Load(), int32(20))
}

// fakeRecorder stores trace records in memory.
type fakeRecorder struct {
	mu      sync.Mutex
	records []model.TraceRecord
	kinds   []model.TraceKind
	touched []string
}

func (f *fakeRecorder) CreateTraceRecord(_ context.Context, kind model.TraceKind, r model.TraceRecord) (model.TraceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = "INTR100" + string(rune('1'+len(f.records)))
	r.CreatedAt = time.Now()
	f.records = append(f.records, r)
	f.kinds = append(f.kinds, kind)
	return r, nil
}

func (f *fakeRecorder) TouchLastInvoked(_ context.Context, _ model.Kind, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

// redirect sends every request to the test upstream regardless of host.
type redirect struct{ target *url.URL }

func (rt redirect) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

type upstreamSeen struct {
	path    string
	query   url.Values
	headers http.Header
	body    string
}

func setupProxy(t *testing.T, auth Authenticator, skipAuth bool) (*httptest.Server, *fakeRecorder, chan upstreamSeen) {
	t.Helper()
	seen := make(chan upstreamSeen, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- upstreamSeen{path: r.URL.Path, query: r.URL.Query(), headers: r.Header.Clone(), body: string(b)}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(upstream.Close)
	target, _ := url.Parse(upstream.URL)

	p := flow("FLOW2001", "Adam", "/orders")
	p.SkipAuth = skipAuth
	table := NewTable(model.KindFlow, &fakeSource{active: map[string]model.Pipeline{p.ID: p}}, true, discard())
	require.NoError(t, table.Rebuild(context.Background()))

	rec := &fakeRecorder{}
	mux := http.NewServeMux()
	mux.Handle("/b2b/pipes/{app}/{path...}", NewProxy(table, rec, auth, redirect{target}, discard()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rec, seen
}

func TestProxyForwardsAndRecords(t *testing.T) {
	srv, rec, seen := setupProxy(t, nil, true)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/b2b/pipes/Adam/orders?batch=7", strings.NewReader(`{"id":1}`))
	req.Header.Set("Cookie", "session=secret")
	req.Header.Set("X-Partner", "acme")
	req.Header.Set(HeaderRemoteTxnID, "remote-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	got := <-seen
	assert.Equal(t, "/api/b2b/Adam/orders", got.path)
	assert.Equal(t, "7", got.query.Get("batch"))
	assert.Equal(t, "INTR1001", got.query.Get("interactionId"))
	assert.Equal(t, `{"id":1}`, got.body)
	assert.Empty(t, got.headers.Get("Cookie"))
	assert.Empty(t, got.headers.Get("User-Agent"))
	assert.Equal(t, "acme", got.headers.Get("X-Partner"))
	assert.Equal(t, "remote-123", got.headers.Get(HeaderRemoteTxnID))
	assert.Len(t, got.headers.Get(HeaderTxnID), 8)

	require.Len(t, rec.records, 1)
	assert.Equal(t, model.TraceInteraction, rec.kinds[0])
	assert.Equal(t, "FLOW2001", rec.records[0].FlowID)
	assert.Equal(t, model.TraceStatusPending, rec.records[0].Status)
	assert.Equal(t, "acme", rec.records[0].Headers["x-partner"])
	assert.NotContains(t, rec.records[0].Headers, "cookie")
	assert.Equal(t, []string{"FLOW2001"}, rec.touched)
}

func TestProxyRejections(t *testing.T) {
	srv, rec, _ := setupProxy(t, func(*http.Request) error { return errors.New("no token") }, false)

	cases := []struct {
		path   string
		status int
	}{
		{"/b2b/pipes/-bad/orders", http.StatusBadRequest},
		{"/b2b/pipes/Adam/or$ders", http.StatusBadRequest},
		{"/b2b/pipes/Adam/missing", http.StatusNotFound},
		{"/b2b/pipes/Adam/orders", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, tc.path)
	}
	assert.Empty(t, rec.records)
}

func TestProxyUpstreamDown(t *testing.T) {
	p := flow("FLOW2001", "Adam", "/orders")
	p.SkipAuth = true
	table := NewTable(model.KindFlow, &fakeSource{active: map[string]model.Pipeline{p.ID: p}}, true, discard())
	require.NoError(t, table.Rebuild(context.Background()))

	dead := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(dead.URL)
	dead.Close()

	mux := http.NewServeMux()
	mux.Handle("/b2b/pipes/{app}/{path...}", NewProxy(table, &fakeRecorder{}, nil, redirect{target}, discard()))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/b2b/pipes/Adam/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestNewTxnID(t *testing.T) {
	a, b := NewTxnID(), NewTxnID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
