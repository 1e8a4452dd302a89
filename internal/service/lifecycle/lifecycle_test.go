package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datanimbus/dnio-configuration-manager/internal/events"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/orchestrator"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
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

// fakeOrch records calls and answers with status, or 200 when unset.
type fakeOrch struct {
	mu     sync.Mutex
	calls  []string
	status map[string]int
}

func (f *fakeOrch) do(op string, w orchestrator.Workload) (orchestrator.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+w.Name)
	code := http.StatusOK
	if c, ok := f.status[op]; ok {
		code = c
	}
	return orchestrator.Response{StatusCode: code, Body: []byte(`{}`)}, nil
}

func (f *fakeOrch) GetDeployment(_ context.Context, w orchestrator.Workload) (orchestrator.Response, error) {
	return f.do("get", w)
}
func (f *fakeOrch) UpsertService(_ context.Context, w orchestrator.Workload) (orchestrator.Response, error) {
	return f.do("upsertService", w)
}
func (f *fakeOrch) UpsertDeployment(_ context.Context, w orchestrator.Workload) (orchestrator.Response, error) {
	return f.do("upsertDeployment", w)
}
func (f *fakeOrch) ScaleDeployment(_ context.Context, w orchestrator.Workload, replicas int) (orchestrator.Response, error) {
	return f.do(fmt.Sprintf("scale%d", replicas), w)
}
func (f *fakeOrch) DeleteDeployment(_ context.Context, w orchestrator.Workload) (orchestrator.Response, error) {
	return f.do("deleteDeployment", w)
}
func (f *fakeOrch) DeleteService(_ context.Context, w orchestrator.Workload) (orchestrator.Response, error) {
	return f.do("deleteService", w)
}

func (f *fakeOrch) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type countingRebuilder struct{ n atomic.Int32 }

func (c *countingRebuilder) Rebuild(context.Context) error {
	c.n.Add(1)
	return nil
}

func newService(t *testing.T, cfg lifecycle.Config, orch orchestrator.Client) *lifecycle.Service {
	t.Helper()
	logger := testutil.TestLogger()
	if cfg.PlatformNamespace == "" {
		cfg.PlatformNamespace = "appveen"
	}
	cfg.ImageTag = "test"
	cfg.Getenv = func(string) string { return "" }
	pub := events.NewPublisher(testDB, logger)
	t.Cleanup(pub.Wait)
	svc := lifecycle.New(testDB, orch, ledger.New(testDB, time.Minute, 1024, logger), pub, cfg, logger)
	t.Cleanup(svc.Wait)
	return svc
}

func uniqueApp() string {
	return "app" + uuid.NewString()[:8]
}

func ptr[T any](v T) *T { return &v }

func apiFlow(name string) model.PipelinePatch {
	return model.PipelinePatch{
		Name:      ptr(name),
		InputNode: &model.Node{Type: model.NodeTypeAPI},
	}
}

var (
	alice = lifecycle.Actor{ID: "alice"}
	bob   = lifecycle.Actor{ID: "bob"}
)

func TestCreateDefaults(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders Feed"), alice)
	require.NoError(t, err)
	assert.Regexp(t, `^FLOW\d+$`, p.ID)
	assert.Equal(t, model.StatusDraft, p.Status)
	assert.Equal(t, 1, p.Version)
	assert.Nil(t, p.DraftVersion)
	assert.Equal(t, "/ordersFeed", p.InputPath())
	assert.Equal(t, "b2b-ordersfeed", p.DeploymentName)
	assert.Equal(t, 8080, p.Port)
	assert.Equal(t, "alice", p.Metadata.CreatedBy)

	got, err := svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)

	_, err = svc.Get(ctx, model.KindFlow, app, "FLOW0", false)
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Flow Not Found", nf.Message)
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()

	_, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)

	_, err = svc.Create(ctx, model.KindFlow, app, apiFlow("ORDERS"), alice)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Flow name is already in use", ve.Message)

	other := apiFlow("Invoices")
	other.InputNode.Options.Path = "/orders"
	_, err = svc.Create(ctx, model.KindFlow, app, other, alice)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "API endpoint is already in use", ve.Message)

	// Same name in another app is fine.
	_, err = svc.Create(ctx, model.KindFlow, uniqueApp(), apiFlow("Orders"), alice)
	require.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	svc := newService(t, lifecycle.Config{}, nil)
	_, err := svc.Create(context.Background(), model.KindFlow, uniqueApp(), apiFlow("1bad"), alice)
	assert.Equal(t, http.StatusBadRequest, model.HTTPStatus(err))
}

func TestFunctionPortsAreAllocated(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()

	a, err := svc.Create(ctx, model.KindFunction, app, model.PipelinePatch{Name: ptr("Enrich")}, alice)
	require.NoError(t, err)
	b, err := svc.Create(ctx, model.KindFunction, app, model.PipelinePatch{Name: ptr("Score")}, alice)
	require.NoError(t, err)

	assert.Equal(t, 30010, a.Port)
	assert.Equal(t, 30011, b.Port)
	assert.Equal(t, "/api/a/faas/"+app+"/enrich", a.URL)
	assert.Regexp(t, `^FS\d+$`, a.ID)
}

func TestDeployDraftClustered(t *testing.T) {
	ctx := context.Background()
	orch := &fakeOrch{}
	routes := &countingRebuilder{}
	svc := newService(t, lifecycle.Config{Clustered: true}, orch)
	svc.SetRoutes(model.KindFlow, routes)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)

	msg, err := svc.Deploy(ctx, model.KindFlow, app, p.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "Flow Deployed", msg)
	assert.Equal(t, []string{"upsertService b2b-orders", "upsertDeployment b2b-orders"}, orch.Calls())
	assert.EqualValues(t, 1, routes.n.Load())

	got, err := svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, bob)
	var ce *model.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "No changes to redeploy", ce.Message)

	_, err = svc.Deploy(ctx, model.KindFlow, app, "FLOW0", bob)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Invalid Flow", ce.Message)
}

func TestDeployOrchestratorFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	orch := &fakeOrch{status: map[string]int{"upsertDeployment": http.StatusUnprocessableEntity}}
	svc := newService(t, lifecycle.Config{Clustered: true}, orch)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	var ue *model.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "Unable to deploy Flow", ue.Message)
	assert.Equal(t, http.StatusUnprocessableEntity, model.HTTPStatus(err))

	got, err := svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestSelfDeployment(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{VerifyDeploymentUser: true}, nil)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	assert.Equal(t, http.StatusForbidden, model.HTTPStatus(err))
	assert.EqualError(t, err, "You cannot deploy your own changes")

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, lifecycle.Actor{ID: "alice", SuperAdmin: true})
	require.NoError(t, err)

	// Shadow edits are checked against the shadow's editor.
	_, err = svc.Update(ctx, model.KindFlow, app, p.ID, model.PipelinePatch{Description: ptr("v2")}, bob)
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, bob)
	assert.Equal(t, http.StatusForbidden, model.HTTPStatus(err))
	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
}

func TestUpdateCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)

	// Draft documents are edited in place.
	edited, err := svc.Update(ctx, model.KindFlow, app, p.ID, model.PipelinePatch{Description: ptr("first")}, alice)
	require.NoError(t, err)
	assert.Equal(t, "first", edited.Description)
	assert.Equal(t, 1, edited.Version)
	assert.Nil(t, edited.DraftVersion)

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)

	shadow, err := svc.Update(ctx, model.KindFlow, app, p.ID, model.PipelinePatch{Description: ptr("second")}, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, shadow.Version)
	assert.Equal(t, model.StatusDraft, shadow.Status)

	live, err := svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "first", live.Description)
	assert.Equal(t, model.StatusPending, live.Status)
	require.NotNil(t, live.DraftVersion)
	assert.Equal(t, 2, *live.DraftVersion)

	// A second edit merges into the same shadow.
	shadow, err = svc.Update(ctx, model.KindFlow, app, p.ID, model.PipelinePatch{Name: ptr("Orders Two")}, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, shadow.Version)
	assert.Equal(t, "second", shadow.Description)
	assert.Equal(t, "Orders Two", shadow.Name)

	viaGet, err := svc.Get(ctx, model.KindFlow, app, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "Orders Two", viaGet.Name)

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	live, err = svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "Orders Two", live.Name)
	assert.Equal(t, "second", live.Description)
	assert.Nil(t, live.DraftVersion)
	assert.Equal(t, 2, live.Version)
	assert.Equal(t, "b2b-orders", live.DeploymentName, "deployment name is stable across renames")

	// The next edit shadows the promoted version, not the original one.
	shadow, err = svc.Update(ctx, model.KindFlow, app, p.ID, model.PipelinePatch{Description: ptr("third")}, alice)
	require.NoError(t, err)
	assert.Equal(t, 3, shadow.Version)
	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	live, err = svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, live.Version)
	assert.Equal(t, "third", live.Description)

	history, err := svc.History(ctx, model.KindFlow, app, p.ID, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(history), 5)
}

func TestDraftDelete(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)

	_, err = svc.DraftDelete(ctx, model.KindFlow, app, p.ID, alice)
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Draft not found for "+p.ID, nf.Message)

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	_, err = svc.Update(ctx, model.KindFlow, app, p.ID, model.PipelinePatch{Description: ptr("x")}, alice)
	require.NoError(t, err)

	msg, err := svc.DraftDelete(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "Draft deleted for "+p.ID, msg)

	live, err := svc.Get(ctx, model.KindFlow, app, p.ID, true)
	require.NoError(t, err)
	assert.Nil(t, live.DraftVersion)
	assert.Empty(t, live.Description)

	_, err = svc.DraftDelete(ctx, model.KindFlow, app, "FLOW0", alice)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Invalid Flow", nf.Message)
}

func TestStartStopInit(t *testing.T) {
	ctx := context.Background()
	orch := &fakeOrch{}
	svc := newService(t, lifecycle.Config{Clustered: true}, orch)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindProcessFlow, app, apiFlow("Claims"), alice)
	require.NoError(t, err)
	assert.Equal(t, 31000, p.Port)
	_, err = svc.Deploy(ctx, model.KindProcessFlow, app, p.ID, alice)
	require.NoError(t, err)

	_, err = svc.Stop(ctx, model.KindProcessFlow, app, p.ID, alice)
	assert.EqualError(t, err, "Can't stop an inactive process flow")

	msg, err := svc.Init(ctx, model.KindProcessFlow, app, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Process Flow Status Updated", msg)

	_, err = svc.Start(ctx, model.KindProcessFlow, app, p.ID, alice)
	assert.EqualError(t, err, "Can't restart a running process flow")

	msg, err = svc.Stop(ctx, model.KindProcessFlow, app, p.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "Process Flow Stopped", msg)

	msg, err = svc.Start(ctx, model.KindProcessFlow, app, p.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "Process Flow Started", msg)

	got, err := svc.Get(ctx, model.KindProcessFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	calls := orch.Calls()
	assert.Contains(t, calls, "scale0 pf-claims")
	assert.Contains(t, calls, "scale1 pf-claims")
}

func TestStopFailureKeepsActive(t *testing.T) {
	ctx := context.Background()
	orch := &fakeOrch{status: map[string]int{"scale0": http.StatusInternalServerError}}
	svc := newService(t, lifecycle.Config{Clustered: true}, orch)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	_, err = svc.Init(ctx, model.KindFlow, app, p.ID)
	require.NoError(t, err)

	_, err = svc.Stop(ctx, model.KindFlow, app, p.ID, alice)
	var ue *model.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "Unable to stop Flow", ue.Message)

	got, err := svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestRepair(t *testing.T) {
	ctx := context.Background()
	orch := &fakeOrch{status: map[string]int{"deleteDeployment": http.StatusNotFound}}
	svc := newService(t, lifecycle.Config{Clustered: true}, orch)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFunction, app, model.PipelinePatch{Name: ptr("Enrich")}, alice)
	require.NoError(t, err)

	msg, err := svc.Repair(ctx, model.KindFunction, app, p.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "Function Repaired", msg)
	assert.Equal(t, []string{
		"deleteDeployment faas-enrich",
		"deleteService faas-enrich",
		"upsertService faas-enrich",
		"upsertDeployment faas-enrich",
	}, orch.Calls())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFunction, app, model.PipelinePatch{Name: ptr("Enrich")}, alice)
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, model.KindFunction, app, p.ID, alice)
	require.NoError(t, err)
	_, err = svc.Init(ctx, model.KindFunction, app, p.ID)
	require.NoError(t, err)

	_, err = svc.Delete(ctx, model.KindFunction, app, p.ID, alice)
	assert.EqualError(t, err, "Running functions cannot be deleted")

	_, err = svc.Stop(ctx, model.KindFunction, app, p.ID, alice)
	require.NoError(t, err)
	msg, err := svc.Delete(ctx, model.KindFunction, app, p.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "Function Deleted", msg)

	_, err = svc.Get(ctx, model.KindFunction, app, p.ID, false)
	assert.Equal(t, http.StatusNotFound, model.HTTPStatus(err))
}

func TestBinaryFlowSkipsOrchestratorAndNotifiesAgents(t *testing.T) {
	ctx := context.Background()
	orch := &fakeOrch{}
	svc := newService(t, lifecycle.Config{Clustered: true}, orch)
	app := uniqueApp()
	src, dst := "src-"+uuid.NewString()[:8], "dst-"+uuid.NewString()[:8]

	patch := model.PipelinePatch{
		Name: ptr("Relay"),
		InputNode: &model.Node{Type: model.NodeTypeFile, Options: model.NodeOptions{
			Agents: []model.AgentRef{{AgentID: src, Name: "source"}},
		}},
		Nodes: []model.Node{{Type: model.NodeTypeFile, Options: model.NodeOptions{
			Agents: []model.AgentRef{{AgentID: dst, Name: "dest"}},
		}}},
	}
	p, err := svc.Create(ctx, model.KindFlow, app, patch, alice)
	require.NoError(t, err)
	assert.True(t, p.IsBinary)

	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	assert.Empty(t, orch.Calls())

	got, err := svc.Get(ctx, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	for _, agent := range []string{src, dst} {
		actions, err := testDB.ListActions(ctx, agent, 10)
		require.NoError(t, err)
		require.Len(t, actions, 1, agent)
		assert.Equal(t, model.ActionFlowCreate, actions[0].Action)
		assert.Equal(t, p.ID, actions[0].FlowID)
	}

	// A redeploy of an Active flow tells agents to update.
	_, err = svc.Update(ctx, model.KindFlow, app, p.ID, model.PipelinePatch{Description: ptr("v2")}, alice)
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	actions, err := testDB.ListActions(ctx, src, 10)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionFlowUpdate, actions[0].Action)
}

func TestBulkStartStop(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()

	res, err := svc.StopAll(ctx, model.KindFlow, app, alice)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "No Flows to Stop", res.Message)

	for i := range 3 {
		p, err := svc.Create(ctx, model.KindFlow, app, apiFlow(fmt.Sprintf("Flow%c", 'A'+i)), alice)
		require.NoError(t, err)
		_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
		require.NoError(t, err)
		_, err = svc.Init(ctx, model.KindFlow, app, p.ID)
		require.NoError(t, err)
	}

	res, err = svc.StopAll(ctx, model.KindFlow, app, alice)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.Equal(t, "Request to stop all flows has been received", res.Message)
	assert.Equal(t, 3, res.Count)
	svc.Wait()

	counts, err := svc.StatusCounts(ctx, model.KindFlow, app)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[string(model.StatusStopped)])
	assert.Equal(t, 3, counts["Total"])

	res, err = svc.StartAll(ctx, model.KindFlow, app, alice)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.Status)
	svc.Wait()

	n, err := svc.Count(ctx, model.KindFlow, app, model.ListParams{Status: model.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, total, err := svc.List(ctx, model.KindFlow, app, model.ListParams{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 3, total)
}

func TestBulkCancelledRequestContext(t *testing.T) {
	svc := newService(t, lifecycle.Config{}, nil)
	app := uniqueApp()
	bg := context.Background()

	p, err := svc.Create(bg, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)
	_, err = svc.Deploy(bg, model.KindFlow, app, p.ID, alice)
	require.NoError(t, err)
	_, err = svc.Init(bg, model.KindFlow, app, p.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	res, err := svc.StopAll(ctx, model.KindFlow, app, alice)
	require.NoError(t, err)
	cancel()
	require.Equal(t, http.StatusAccepted, res.Status)
	svc.Wait()

	got, err := svc.Get(bg, model.KindFlow, app, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status, "the bulk run outlives the request")
}

func TestWorkload(t *testing.T) {
	cfg := lifecycle.Config{
		PlatformNamespace: "appveen",
		ImageTag:          "2.4.0",
		RegistryServer:    "registry.local",
		ForwardEnv:        []string{"FQDN", "LOG_LEVEL"},
		Getenv: func(k string) string {
			if k == "FQDN" {
				return "cloud.example"
			}
			return ""
		},
	}
	p := model.Pipeline{
		ID: "FLOW2001", Kind: model.KindFlow, App: "Adam",
		DeploymentName: "b2b-orders", Namespace: "appveen-adam", Port: 8080,
	}
	w := cfg.Workload(&p)
	assert.Equal(t, "registry.local/data.stack.b2b.base:2.4.0", w.Image)
	assert.Equal(t, "appveen-adam", w.Namespace)
	assert.Equal(t, "/api/b2b/internal/health/ready", w.Probe.Path)
	assert.Equal(t, []orchestrator.EnvVar{
		{Name: "FQDN", Value: "cloud.example"},
		{Name: "DATA_STACK_APP_NS", Value: "appveen-adam"},
		{Name: "DATA_STACK_FLOW_ID", Value: "FLOW2001"},
		{Name: "DATA_STACK_APP", Value: "Adam"},
	}, w.Env)

	cfg.RegistryType = "ECR"
	cfg.RegistryServer = "1234.dkr.ecr.aws/dnio"
	assert.Equal(t, "1234.dkr.ecr.aws/dnio:data.stack.b2b.base:2.4.0", cfg.Workload(&p).Image)

	cfg.RegistryType = ""
	cfg.RegistryServer = ""
	assert.Equal(t, "data.stack.b2b.base:2.4.0", cfg.Workload(&p).Image)
}

func TestTransportErrorIsUpstream(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, lifecycle.Config{Clustered: true}, brokenOrch{})
	app := uniqueApp()

	p, err := svc.Create(ctx, model.KindFlow, app, apiFlow("Orders"), alice)
	require.NoError(t, err)
	_, err = svc.Deploy(ctx, model.KindFlow, app, p.ID, alice)
	var ue *model.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusInternalServerError, model.HTTPStatus(err))
	assert.True(t, errors.Is(err, errDial))
}

var errDial = errors.New("dial tcp: connection refused")

type brokenOrch struct{ orchestrator.LocalClient }

func (brokenOrch) UpsertService(context.Context, orchestrator.Workload) (orchestrator.Response, error) {
	return orchestrator.Response{}, errDial
}
