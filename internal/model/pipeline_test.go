package model_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

func TestCamelCase(t *testing.T) {
	cases := map[string]string{
		"My Orders":        "myOrders",
		"my_orders_feed":   "myOrdersFeed",
		"HTTPServer":       "httpServer",
		"order 2 invoice":  "order2Invoice",
		"Orders2Invoices":  "orders2Invoices",
		"  padded - name ": "paddedName",
		"":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, model.CamelCase(in), "input %q", in)
	}
}

func fileFlow(nodeTypes ...string) model.Pipeline {
	p := model.Pipeline{
		Kind:      model.KindFlow,
		App:       "Adam",
		Name:      " Orders Feed ",
		InputNode: &model.Node{Type: model.NodeTypeFile},
	}
	for _, t := range nodeTypes {
		p.Nodes = append(p.Nodes, model.Node{Type: t})
	}
	return p
}

func TestNormalizeFlowDefaults(t *testing.T) {
	p := fileFlow(model.NodeTypeFile)
	p.Normalize("appveen")

	assert.Equal(t, "Orders Feed", p.Name)
	assert.Equal(t, "/ordersFeed", p.InputPath())
	assert.Equal(t, "b2b-ordersfeed", p.DeploymentName)
	assert.Equal(t, "appveen-adam", p.Namespace)
	assert.Equal(t, 8080, p.Port)
	assert.True(t, p.IsBinary)
	require.NoError(t, p.Validate())
}

func TestNormalizeKeepsIdentityAcrossRename(t *testing.T) {
	p := fileFlow(model.NodeTypeFile)
	p.Normalize("appveen")
	p.Name = "Renamed"
	p.Normalize("appveen")
	assert.Equal(t, "b2b-ordersfeed", p.DeploymentName)
}

func TestNormalizePrefixesPath(t *testing.T) {
	p := fileFlow()
	p.InputNode.Type = model.NodeTypeAPI
	p.InputNode.Options.Path = "  orders "
	p.Normalize("appveen")
	assert.Equal(t, "/orders", p.InputPath())
}

func TestIsBinaryTopology(t *testing.T) {
	tests := []struct {
		name  string
		input string
		nodes []string
		want  bool
	}{
		{"file to file", model.NodeTypeFile, []string{model.NodeTypeFile}, true},
		{"api input", model.NodeTypeAPI, []string{model.NodeTypeFile}, false},
		{"two nodes", model.NodeTypeFile, []string{model.NodeTypeFile, model.NodeTypeFile}, false},
		{"no nodes", model.NodeTypeFile, nil, false},
		{"api output", model.NodeTypeFile, []string{model.NodeTypeAPI}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var nodes []model.Node
			for _, n := range tt.nodes {
				nodes = append(nodes, model.Node{Type: n})
			}
			got := model.IsBinaryTopology(model.KindFlow, &model.Node{Type: tt.input}, nodes)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.False(t, model.IsBinaryTopology(model.KindProcessFlow,
		&model.Node{Type: model.NodeTypeFile}, []model.Node{{Type: model.NodeTypeFile}}))
}

func TestFunctionURLDefault(t *testing.T) {
	p := model.Pipeline{Kind: model.KindFunction, App: "Adam", Name: "Tax Calc"}
	p.Normalize("appveen")
	assert.Equal(t, "/api/a/faas/Adam/taxCalc", p.URL)
	assert.Equal(t, "faas-taxcalc", p.DeploymentName)
	assert.Equal(t, 0, p.Port)
	require.NoError(t, p.Validate())
}

func TestValidateMessages(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *model.Pipeline)
		want   string
	}{
		{"empty name", func(p *model.Pipeline) { p.Name = "" }, "Name is mandatory"},
		{"long name", func(p *model.Pipeline) { p.Name = strings.Repeat("a", 41) }, "Flow name must be less than 40 characters."},
		{"bad name", func(p *model.Pipeline) { p.Name = "1orders" }, "FLOW_NAME_ERROR :: Name must consist"},
		{"missing input", func(p *model.Pipeline) { p.InputNode = nil }, "Input Node is Mandatory"},
		{"long path", func(p *model.Pipeline) { p.InputNode.Options.Path = "/" + strings.Repeat("a", 40) }, "API endpoint length cannot be greater than 40"},
		{"bad path", func(p *model.Pipeline) { p.InputNode.Options.Path = "/a-b" }, "FLOW_NAME_ERROR :: API Endpoint must consist"},
		{"long description", func(p *model.Pipeline) { p.Description = strings.Repeat("d", 251) }, "Flow description should not be more than 250 character."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fileFlow(model.NodeTypeFile)
			p.Normalize("appveen")
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)

			var ve *model.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, http.StatusBadRequest, model.HTTPStatus(err))
		})
	}
}

func TestFunctionURLValidation(t *testing.T) {
	p := model.Pipeline{Kind: model.KindFunction, App: "Adam", Name: "Tax", URL: "/api/a/faas/Adam/9tax"}
	p.Normalize("appveen")
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAAS_NAME_ERROR ::")
}

func TestPatchIgnoresInternalFields(t *testing.T) {
	body := `{"name":"New Name","version":99,"status":"Active","deploymentName":"evil","port":1,
		"nodes":[{"type":"API"}],"url":"/x"}`
	var patch model.PipelinePatch
	require.NoError(t, json.Unmarshal([]byte(body), &patch))

	p := fileFlow(model.NodeTypeFile, model.NodeTypeFile)
	p.Version = 3
	p.Status = model.StatusActive
	p.Normalize("appveen")
	patch.ApplyTo(&p)

	assert.Equal(t, "New Name", p.Name)
	assert.Equal(t, 3, p.Version)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, "b2b-ordersfeed", p.DeploymentName)
	assert.Empty(t, p.URL, "url only applies to functions")
	require.Len(t, p.Nodes, 1, "node list replaced wholesale")
	assert.Equal(t, model.NodeTypeAPI, p.Nodes[0].Type)
}

func TestNodeOptionsKeepUnknownKeys(t *testing.T) {
	in := `{"path":"/orders","agents":[{"agentId":"a1"}],"mirrorPath":"/in","retry":3}`
	var opts model.NodeOptions
	require.NoError(t, json.Unmarshal([]byte(in), &opts))
	assert.Equal(t, "/orders", opts.Path)
	require.Len(t, opts.Agents, 1)
	assert.Equal(t, "/in", opts.Extra["mirrorPath"])

	out, err := json.Marshal(opts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/orders","agents":[{"agentId":"a1"}],"mirrorPath":"/in","retry":3}`, string(out))
}

func TestReferencesAgent(t *testing.T) {
	p := fileFlow(model.NodeTypeFile)
	p.InputNode.Options.Agents = []model.AgentRef{{AgentID: "src"}}
	p.Nodes[0].Options.Agents = []model.AgentRef{{AgentID: "dst"}}
	assert.True(t, p.ReferencesAgent("src"))
	assert.True(t, p.ReferencesAgent("dst"))
	assert.False(t, p.ReferencesAgent("other"))
	assert.True(t, p.UsesFileAgents())
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, model.HTTPStatus(model.NotFound("Flow Not Found")))
	assert.Equal(t, http.StatusBadRequest, model.HTTPStatus(model.Conflict("No changes to redeploy")))
	assert.Equal(t, http.StatusForbidden, model.HTTPStatus(model.Forbidden("You cannot deploy your own changes")))
	assert.Equal(t, http.StatusBadGateway, model.HTTPStatus(&model.UpstreamError{Status: 502, Message: "Unable to deploy Flow"}))
	assert.Equal(t, http.StatusInternalServerError, model.HTTPStatus(&model.UpstreamError{Message: "Flow is not reachable"}))
	assert.Equal(t, http.StatusInternalServerError, model.HTTPStatus(&model.CryptoError{Op: "decrypt", Err: errors.New("boom")}))
	assert.Equal(t, http.StatusInternalServerError, model.HTTPStatus(errors.New("other")))
}

func TestAgentValidate(t *testing.T) {
	a := model.Agent{Name: "  partner-1.in "}
	require.NoError(t, a.Validate())
	assert.Equal(t, "partner-1.in", a.Name)
	assert.Equal(t, model.AgentTypeApp, a.Type)
	assert.Equal(t, model.AgentPending, a.Status)

	long := model.Agent{Name: strings.Repeat("x", 25)}
	assert.EqualError(t, long.Validate(), "Agent name cannot be more than 24 characters")

	bad := model.Agent{Name: "a/b"}
	assert.EqualError(t, bad.Validate(), "Agent name can contain alphanumeric characters with spaces, dashes and underscores only")
}

func TestPromoteDraftAdvancesVersion(t *testing.T) {
	live := model.Pipeline{ID: "FLOW1001", Kind: model.KindFlow, App: "sales", Name: "Orders", Version: 1, Status: model.StatusActive}
	draft := live
	draft.Version = 2
	draft.Name = "Orders Two"
	draft.Status = model.StatusDraft

	model.PromoteDraft(&live, draft)
	assert.Equal(t, 2, live.Version)
	assert.Equal(t, "Orders Two", live.Name)
	assert.Equal(t, model.StatusActive, live.Status)

	stale := draft
	stale.Version = 1
	model.PromoteDraft(&live, stale)
	assert.Equal(t, 2, live.Version, "version never moves backwards")
}
