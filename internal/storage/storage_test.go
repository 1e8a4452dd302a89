package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datanimbus/dnio-configuration-manager/internal/blob"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
	"github.com/datanimbus/dnio-configuration-manager/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
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

// uniqueApp isolates each test's rows.
func uniqueApp() string {
	return "app" + uuid.NewString()[:8]
}

func newFlow(t *testing.T, app, name string) model.Pipeline {
	t.Helper()
	ctx := context.Background()
	prof := model.Profile(model.KindFlow)
	id, err := testDB.NextID(ctx, prof.Counter, prof.IDPrefix, prof.IDOffset)
	require.NoError(t, err)

	p := model.NewPipeline(model.KindFlow, app, model.PipelinePatch{
		Name:      &name,
		InputNode: &model.Node{Type: model.NodeTypeAPI},
	})
	p.ID = id
	p.Normalize("appveen")
	require.NoError(t, p.Validate())
	created, err := testDB.CreatePipeline(ctx, p)
	require.NoError(t, err)
	return created
}

func TestNextIDIsSequential(t *testing.T) {
	ctx := context.Background()
	counter := "test." + uuid.NewString()

	first, err := testDB.NextID(ctx, counter, "T", 2000)
	require.NoError(t, err)
	second, err := testDB.NextID(ctx, counter, "T", 2000)
	require.NoError(t, err)

	assert.Equal(t, "T2001", first)
	assert.Equal(t, "T2002", second)
}

func TestCreateAndGetPipeline(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	p := newFlow(t, app, "Orders")

	got, err := testDB.GetPipeline(ctx, model.KindFlow, app, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Orders", got.Name)
	assert.Equal(t, model.StatusDraft, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Nil(t, got.DraftVersion)
	assert.Equal(t, "/orders", got.InputPath())

	_, err = testDB.GetPipeline(ctx, model.KindFlow, "other", p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUniqueIndexRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	first := newFlow(t, app, "Orders")

	dup := first
	dup.ID = "FLOW-dup-" + uuid.NewString()[:6]
	dup.InputNode = &model.Node{Type: model.NodeTypeAPI, Options: model.NodeOptions{Path: "/other"}}
	dup.Name = "ORDERS"
	_, err := testDB.CreatePipeline(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestFindConflictsCoversDrafts(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	live := newFlow(t, app, "Invoices")

	c, err := testDB.FindConflicts(ctx, model.KindFlow, app, "NEW", "invoices", "/INVOICES")
	require.NoError(t, err)
	assert.True(t, c.Name)
	assert.True(t, c.Endpoint)

	c, err = testDB.FindConflicts(ctx, model.KindFlow, app, live.ID, "Invoices", "/invoices")
	require.NoError(t, err)
	assert.Equal(t, storage.Conflicts{}, c, "same id never conflicts with itself")

	draft := live
	draft.Version = live.Version + 1
	draft.Name = "Renamed"
	draft.InputNode = &model.Node{Type: model.NodeTypeAPI, Options: model.NodeOptions{Path: "/renamed"}}
	_, err = testDB.CreateDraft(ctx, live, draft)
	require.NoError(t, err)

	c, err = testDB.FindConflicts(ctx, model.KindFlow, app, "NEW", "renamed", "/renamed")
	require.NoError(t, err)
	assert.False(t, c.Name)
	assert.True(t, c.NameInDraft)
	assert.True(t, c.EndpointInDraft)
}

func TestDraftLifecycleKeepsPointerInSync(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	live := newFlow(t, app, "Shipments")

	draft := live
	draft.Version = live.Version + 1
	draft.Description = "edited"
	_, err := testDB.CreateDraft(ctx, live, draft)
	require.NoError(t, err)

	got, err := testDB.GetPipeline(ctx, model.KindFlow, app, live.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DraftVersion)
	assert.Equal(t, 2, *got.DraftVersion)
	assert.Empty(t, got.Description, "live untouched by draft creation")

	shadow, err := testDB.GetDraft(ctx, model.KindFlow, app, live.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, shadow.Status)
	assert.Equal(t, 2, shadow.Version)
	assert.Equal(t, "edited", shadow.Description)

	require.NoError(t, testDB.DeleteDraft(ctx, model.KindFlow, live.ID))
	got, err = testDB.GetPipeline(ctx, model.KindFlow, app, live.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DraftVersion)

	_, err = testDB.GetDraft(ctx, model.KindFlow, app, live.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.DeleteDraft(ctx, model.KindFlow, live.ID), storage.ErrNotFound)
}

func TestPromoteDraftRemovesShadow(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	live := newFlow(t, app, "Payments")

	draft := live
	draft.Version = 2
	draft.Description = "v2"
	_, err := testDB.CreateDraft(ctx, live, draft)
	require.NoError(t, err)

	model.PromoteDraft(&live, draft)
	live.Status = model.StatusPending
	saved, err := testDB.PromoteDraft(ctx, live)
	require.NoError(t, err)
	assert.Nil(t, saved.DraftVersion)

	got, err := testDB.GetPipeline(ctx, model.KindFlow, app, live.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 2, got.Version)
	assert.Nil(t, got.DraftVersion)

	_, err = testDB.GetDraft(ctx, model.KindFlow, app, live.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListCountAndStatusCounts(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	a := newFlow(t, app, "Alpha")
	newFlow(t, app, "Beta")
	require.NoError(t, testDB.SetPipelineStatus(ctx, model.KindFlow, a.ID, model.StatusActive))

	all, err := testDB.ListPipelines(ctx, storage.PipelineFilter{Kind: model.KindFlow, App: app})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := testDB.CountPipelines(ctx, storage.PipelineFilter{Kind: model.KindFlow, App: app, Name: "alp"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := testDB.StatusCounts(ctx, model.KindFlow, app)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusActive])
	assert.Equal(t, 1, counts[model.StatusDraft])

	active, err := testDB.ListActivePipelines(ctx, model.KindFlow)
	require.NoError(t, err)
	var found bool
	for _, p := range active {
		if p.ID == a.ID {
			found = true
			assert.Equal(t, model.StatusActive, p.Status)
		}
	}
	assert.True(t, found)
}

func TestListPipelinesReferencingAgent(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	p := newFlow(t, app, "Relay")
	p.InputNode = &model.Node{Type: model.NodeTypeFile, Options: model.NodeOptions{
		Path: "/relay", Agents: []model.AgentRef{{AgentID: "src-agent"}},
	}}
	p.Nodes = []model.Node{{Type: model.NodeTypeFile, Options: model.NodeOptions{
		Agents: []model.AgentRef{{AgentID: "dst-agent"}},
	}}}
	_, err := testDB.UpdatePipeline(ctx, p)
	require.NoError(t, err)

	for _, agent := range []string{"src-agent", "dst-agent"} {
		got, err := testDB.ListPipelinesReferencingAgent(ctx, model.KindFlow, app, agent)
		require.NoError(t, err)
		require.Len(t, got, 1, agent)
		assert.Equal(t, p.ID, got[0].ID)
	}

	got, err := testDB.ListPipelinesReferencingAgent(ctx, model.KindFlow, app, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchAndMarkActionsDeliversOnce(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.NewString()

	_, err := testDB.AppendActions(ctx, []model.AgentAction{
		{AgentID: agentID, Action: model.ActionFlowCreate, MetaData: model.MustMeta(map[string]string{"fileSuffix": ".csv"})},
		{AgentID: agentID, Action: model.ActionFlowStart},
		{AgentID: agentID, Action: model.ActionStopAgent, ExpiresAt: time.Now().Add(-time.Minute)},
	}, time.Hour)
	require.NoError(t, err)

	batch, err := testDB.FetchAndMarkActions(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, batch, 2, "expired action excluded")
	assert.Equal(t, model.ActionFlowCreate, batch[0].Action)
	assert.Equal(t, model.ActionFlowStart, batch[1].Action)
	for _, a := range batch {
		assert.True(t, a.SentOrRead)
	}
	assert.JSONEq(t, `{"fileSuffix":".csv"}`, string(batch[0].MetaData))

	again, err := testDB.FetchAndMarkActions(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFetchAndMarkConcurrentPollsNeverShareRows(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.NewString()

	actions := make([]model.AgentAction, 20)
	for i := range actions {
		actions[i] = model.AgentAction{AgentID: agentID, Action: model.ActionDownload}
	}
	_, err := testDB.AppendActions(ctx, actions, time.Hour)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := testDB.FetchAndMarkActions(ctx, agentID)
			assert.NoError(t, err)
			mu.Lock()
			for _, a := range batch {
				seen[a.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestPurgeExpiredActions(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.NewString()
	_, err := testDB.AppendActions(ctx, []model.AgentAction{
		{AgentID: agentID, Action: model.ActionFlowStop, ExpiresAt: time.Now().Add(-time.Second)},
	}, time.Hour)
	require.NoError(t, err)

	n, err := testDB.PurgeExpiredActions(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	left, err := testDB.ListActions(ctx, agentID, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func newAgent(t *testing.T, app, name string) model.Agent {
	t.Helper()
	ctx := context.Background()
	id, err := testDB.NextID(ctx, storage.CounterAgents, "AGENT", storage.AgentIDOffset)
	require.NoError(t, err)
	a := model.Agent{ID: id, AgentID: uuid.NewString(), App: app, Name: name, Active: true}
	require.NoError(t, a.Validate())
	created, err := testDB.CreateAgent(ctx, a)
	require.NoError(t, err)
	return created
}

func TestAgentHeartbeatAndSilenceMonitor(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	a := newAgent(t, app, "edge-1")

	old := time.Now().Add(-time.Hour)
	hb, err := testDB.RecordHeartbeat(ctx, a.AgentID, old)
	require.NoError(t, err)
	assert.Equal(t, model.AgentRunning, hb.Status)

	stopped, err := testDB.StopSilentAgents(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Contains(t, stopped, a.AgentID)

	got, err := testDB.GetAgent(ctx, app, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStopped, got.Status)

	_, err = testDB.RecordHeartbeat(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAgentNameUniquePerApp(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	a := newAgent(t, app, "Edge")

	taken, err := testDB.AgentNameTaken(ctx, app, "edge", "")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = testDB.AgentNameTaken(ctx, app, "edge", a.ID)
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestSessionsEndAndPurge(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.NewString()
	s := model.Session{
		Key: uuid.NewString(), AgentID: agentID, App: "app", Name: "edge",
		TokenSuffix: "abcdef", Status: model.SessionEnabled,
		LastLoggedIn: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, testDB.InsertSession(ctx, s))

	n, err := testDB.EndAgentSessions(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := testDB.GetSession(ctx, s.Key)
	require.NoError(t, err)
	assert.Equal(t, model.SessionDisabled, got.Status)

	require.NoError(t, testDB.SetSessionStatus(ctx, agentID, s.Key, model.SessionEnabled))
	assert.ErrorIs(t, testDB.SetSessionStatus(ctx, agentID, "nope", model.SessionEnabled), storage.ErrNotFound)

	_, err = testDB.PurgeExpiredSessions(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	_, err = testDB.GetSession(ctx, s.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTraceRecords(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()

	r, err := testDB.CreateTraceRecord(ctx, model.TraceInteraction, model.TraceRecord{
		App: app, FlowID: "FLOW2001", Headers: map[string]string{"data-stack-txn-id": "t1"},
	})
	require.NoError(t, err)
	assert.Contains(t, r.ID, "INTR")
	assert.Equal(t, model.TraceStatusPending, r.Status)

	list, err := testDB.ListTraceRecords(ctx, model.TraceInteraction, app, "FLOW2001", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].Headers["data-stack-txn-id"])

	patched, err := testDB.PatchTraceStatus(ctx, model.TraceInteraction, app, r.ID, "SUCCESS")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", patched.Status)

	act, err := testDB.CreateTraceRecord(ctx, model.TraceActivity, model.TraceRecord{App: app, FlowID: "PF2001"})
	require.NoError(t, err)
	assert.Contains(t, act.ID, "ACTV")

	_, err = testDB.CreateTraceRecord(ctx, model.TraceNone, model.TraceRecord{App: app})
	assert.Error(t, err)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	app := uniqueApp()
	p := newFlow(t, app, "Audited")

	require.NoError(t, testDB.InsertAudit(ctx, model.KindFlow, p.ID, app, "create", "admin", nil, &p))
	require.NoError(t, testDB.InsertAudit(ctx, model.KindFlow, p.ID, app, "deploy", "admin", &p, &p))

	entries, err := testDB.ListAudit(ctx, model.KindFlow, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "deploy", entries[0].Action)
	assert.Nil(t, entries[1].Before)
}

func TestServiceAccounts(t *testing.T) {
	ctx := context.Background()
	id := "sa-" + uuid.NewString()[:8]
	require.NoError(t, testDB.UpsertServiceAccount(ctx, storage.ServiceAccount{
		ID: id, APIKeyHash: "hash", Apps: []string{"Adam"},
	}))
	ok, err := testDB.ServiceAccountExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	sa, err := testDB.GetServiceAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Adam"}, sa.Apps)
	assert.False(t, sa.SuperAdmin)
	require.NoError(t, testDB.TouchServiceAccount(ctx, id))

	_, err = testDB.GetServiceAccount(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelEvents))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelEvents, `{"event":"EVENT_FLOW_DEPLOY"}`))

	ch, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelEvents, ch)
	assert.JSONEq(t, `{"event":"EVENT_FLOW_DEPLOY"}`, payload)
}

func TestTransferChunks(t *testing.T) {
	ctx := context.Background()
	uid := uuid.NewString()

	for _, n := range []int{2, 1, 3} {
		prev, err := testDB.RecordChunk(ctx, storage.Chunk{
			UniqueID: uid, Number: n, TotalChunks: 3, BlobKey: fmt.Sprintf("key-%d", n), FlowID: "FLOW2001",
		})
		require.NoError(t, err)
		assert.Empty(t, prev)
	}

	prev, err := testDB.RecordChunk(ctx, storage.Chunk{
		UniqueID: uid, Number: 2, TotalChunks: 3, BlobKey: "key-2b", FlowID: "FLOW2001",
	})
	require.NoError(t, err)
	assert.Equal(t, "key-2", prev, "resent chunk reports the replaced blob")

	chunks, err := testDB.ListChunks(ctx, uid)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"key-1", "key-2b", "key-3"},
		[]string{chunks[0].BlobKey, chunks[1].BlobKey, chunks[2].BlobKey})

	require.NoError(t, testDB.DeleteChunks(ctx, uid))
	chunks, err = testDB.ListChunks(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestPostgresBlobStore(t *testing.T) {
	ctx := context.Background()
	s := blob.NewPostgresStore(testDB.Pool())
	key := uuid.NewString()

	require.NoError(t, s.Put(ctx, key, []byte{0x00, 0x01, 0xff}, map[string]string{"uniqueId": "u1"}))
	data, info, err := blob.Get(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, data)
	assert.Equal(t, "u1", info.Metadata["uniqueId"])
	assert.Equal(t, int64(3), info.Size)

	require.NoError(t, s.Delete(ctx, key))
	_, _, err = s.Open(ctx, key)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}
