package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/cipher"
	"github.com/datanimbus/dnio-configuration-manager/internal/events"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/ratelimit"
	"github.com/datanimbus/dnio-configuration-manager/internal/routing"
	"github.com/datanimbus/dnio-configuration-manager/internal/server"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/agents"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/transfer"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
	"github.com/datanimbus/dnio-configuration-manager/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

const adminKey = "test-admin-key"

// redirect sends every proxied request to the upstream test server.
type redirect struct{ target *url.URL }

func (rt redirect) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

type env struct {
	srv    *httptest.Server
	jwt    *auth.JWTManager
	tables map[model.Kind]*routing.Table
	token  string
}

func newEnv(t *testing.T, upstream *httptest.Server) *env {
	t.Helper()
	logger := testutil.TestLogger()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	cx := cipher.NewExecutor("server-test-key", 2, logger)
	ldg := ledger.New(testDB, 100*time.Second, 1024*1024, logger)
	pub := events.NewPublisher(testDB, logger)
	t.Cleanup(pub.Wait)
	lc := lifecycle.New(testDB, nil, ldg, pub, lifecycle.Config{
		PlatformNamespace: "appveen",
		ImageTag:          "test",
		Getenv:            func(string) string { return "" },
	}, logger)
	t.Cleanup(lc.Wait)

	tables := make(map[model.Kind]*routing.Table)
	for _, kind := range []model.Kind{model.KindFlow, model.KindProcessFlow} {
		tables[kind] = routing.NewTable(kind, testDB, false, logger)
		lc.SetRoutes(kind, tables[kind])
	}

	ag := agents.New(testDB, cx, jwtMgr, ldg, agents.Config{
		EncryptionKey: "transfer-key",
		HBFrequency:   10 * time.Second,
		HBMissCount:   10,
	}, logger)
	tr := transfer.New(testDB, nil, cx, ldg, nil, transfer.Config{
		EncryptionKey: "transfer-key",
		UploadDir:     t.TempDir(),
		DownloadDir:   t.TempDir(),
	}, logger)

	var transport http.RoundTripper
	if upstream != nil {
		u, err := url.Parse(upstream.URL)
		require.NoError(t, err)
		transport = redirect{target: u}
	}

	limiter := ratelimit.NewMemoryLimiter(100, 100)
	t.Cleanup(func() { _ = limiter.Close() })

	s := server.New(server.ServerConfig{
		DB:             testDB,
		JWTMgr:         jwtMgr,
		Lifecycle:      lc,
		Agents:         ag,
		Transfer:       tr,
		Tables:         tables,
		Logger:         logger,
		Limiter:        limiter,
		ProxyTransport: transport,
		Version:        "test",
	})
	require.NoError(t, s.Handlers().SeedAdmin(context.Background(), adminKey))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	e := &env{srv: ts, jwt: jwtMgr, tables: tables}
	e.token = e.adminToken(t)
	return e
}

func (e *env) adminToken(t *testing.T) string {
	t.Helper()
	resp := e.do(t, "", http.MethodPost, "/auth/token",
		model.AuthTokenRequest{AccountID: server.AdminAccountID, APIKey: adminKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	decode(t, resp, &body)
	require.NotEmpty(t, body.Data.Token)
	return body.Data.Token
}

func (e *env) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func uniqueApp() string {
	return "app" + uuid.NewString()[:8]
}

func message(t *testing.T, resp *http.Response) string {
	t.Helper()
	var m struct {
		Message string `json:"message"`
	}
	decode(t, resp, &m)
	return m.Message
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAuthToken(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, "", http.MethodPost, "/auth/token",
		model.AuthTokenRequest{AccountID: server.AdminAccountID, APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, "", http.MethodGet, "/cm/"+uniqueApp()+"/flow", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAppScoping(t *testing.T) {
	e := newEnv(t, nil)
	tok, _, err := e.jwt.IssueUserToken("carol", []string{"sales"}, false)
	require.NoError(t, err)

	resp := e.do(t, tok, http.MethodGet, "/cm/sales/flow", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, tok, http.MethodGet, "/cm/billing/flow", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "You don't have access to this app", message(t, resp))
}

func TestFlowLifecycleAndProxy(t *testing.T) {
	var gotPath, gotQuery, gotTxn string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		gotTxn = r.Header.Get(routing.HeaderTxnID)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	e := newEnv(t, upstream)
	app := uniqueApp()
	base := "/cm/" + app + "/flow"

	resp := e.do(t, e.token, http.MethodPost, base, map[string]any{
		"name":      "Orders",
		"inputNode": map[string]any{"type": model.NodeTypeAPI},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Data model.Pipeline `json:"data"`
	}
	decode(t, resp, &created)
	id := created.Data.ID
	require.NotEmpty(t, id)
	assert.Equal(t, model.StatusDraft, created.Data.Status)

	resp = e.do(t, e.token, http.MethodPut, base+"/utils/"+id+"/deploy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Flow Deployed", message(t, resp))

	resp = e.do(t, e.token, http.MethodPut, base+"/utils/"+id+"/init", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Flow Status Updated", message(t, resp))

	route, ok := e.tables[model.KindFlow].Lookup("/" + app + "/orders")
	require.True(t, ok, "init rebuilds the flow routes")
	assert.Equal(t, id, route.PipelineID)

	resp = e.do(t, e.token, http.MethodGet, base+"/utils/status/count", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Routed traffic needs a token unless the flow skips auth.
	resp = e.do(t, "", http.MethodPost, "/b2b/pipes/"+app+"/orders", map[string]string{"n": "1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, e.token, http.MethodPost, "/b2b/pipes/"+app+"/orders", map[string]string{"n": "1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/b2b/"+app+"/orders", gotPath)
	assert.Contains(t, gotQuery, "interactionId=")
	assert.NotEmpty(t, gotTxn)

	resp = e.do(t, e.token, http.MethodGet, "/b2b/pipes/"+app+"/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, e.token, http.MethodGet, "/cm/"+app+"/interaction?flowId="+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []model.TraceRecord `json:"data"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, model.TraceStatusPending, list.Data[0].Status)

	resp = e.do(t, e.token, http.MethodPut, "/cm/"+app+"/interaction/"+list.Data[0].ID,
		model.TraceRecordPatch{Status: "SUCCESS"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, e.token, http.MethodGet, "/cm/"+app+"/interaction/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentProtocol(t *testing.T) {
	e := newEnv(t, nil)
	app := uniqueApp()
	base := "/cm/" + app + "/agent"

	resp := e.do(t, e.token, http.MethodPost, base, map[string]any{"name": "edge"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Data model.Agent `json:"data"`
	}
	decode(t, resp, &created)

	resp = e.do(t, e.token, http.MethodGet, base+"/utils/"+created.Data.ID+"/password", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pw struct {
		Data struct {
			Password string `json:"password"`
		} `json:"data"`
	}
	decode(t, resp, &pw)

	resp = e.do(t, "", http.MethodPost, "/agent/auth/login", model.AgentLoginRequest{
		AgentID: created.Data.AgentID, Password: "wrong",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid Credentials", message(t, resp))

	resp = e.do(t, "", http.MethodPost, "/agent/auth/login", model.AgentLoginRequest{
		AgentID: created.Data.AgentID, Password: pw.Data.Password, IPAddress: "10.1.1.1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login model.AgentLoginResponse
	decode(t, resp, &login)
	require.NotEmpty(t, login.Token)
	assert.Equal(t, "transfer-key", login.EncryptionKey)

	hb := "/agent/utils/" + created.Data.AgentID + "/heartbeat"
	resp = e.do(t, login.Token, http.MethodPost, hb, model.HeartbeatRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var beat model.HeartbeatResponse
	decode(t, resp, &beat)
	assert.Equal(t, model.AgentRunning, beat.Status)

	// Agent tokens cannot reach the control API, and user tokens cannot
	// pose as agents.
	resp = e.do(t, login.Token, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, e.token, http.MethodPost, hb, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, e.token, http.MethodDelete, base+"/utils/"+created.Data.ID+"/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, login.Token, http.MethodPost, hb, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Session Ended", message(t, resp))
}
