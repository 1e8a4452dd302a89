package server

import (
	"context"
	"net/http"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/agents"
)

func (h *Handlers) mountAgentAdmin(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, wrap(fn))
	}
	const base = "/cm/{app}/agent"
	handle("GET "+base, h.HandleListAgents)
	handle("POST "+base, h.HandleCreateAgent)
	handle("GET "+base+"/{id}", h.HandleGetAgent)
	handle("PUT "+base+"/{id}", h.HandleUpdateAgent)
	handle("DELETE "+base+"/{id}", h.agentSignal(h.agents.Delete))

	handle("GET "+base+"/utils/{id}/password", h.HandleAgentPassword)
	handle("PUT "+base+"/utils/{id}/password", h.HandleChangeAgentPassword)
	handle("PUT "+base+"/utils/{id}/reissue", h.agentSignal(h.agents.ReissueToken))
	handle("DELETE "+base+"/utils/{id}/session", h.agentSignal(h.agents.EndSession))
	handle("PUT "+base+"/utils/{id}/stop", h.agentSignal(h.agents.Stop))
	handle("PUT "+base+"/utils/{id}/update", h.agentSignal(h.agents.TriggerUpdate))
	handle("POST "+base+"/utils/{id}/action", h.HandleQueueAgentAction)
	handle("GET "+base+"/utils/{id}/actions", h.HandleListAgentActions)
	handle("GET "+base+"/utils/{id}/sessions", h.HandleListAgentSessions)
	handle("PUT "+base+"/utils/{id}/sessions/{sessionId}/{action}", h.HandleSetAgentSession)
}

// HandleListAgents handles GET /cm/{app}/agent.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r, 30), queryOffset(r)
	items, err := h.agents.List(r.Context(), r.PathValue("app"), limit, offset)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleCreateAgent handles POST /cm/{app}/agent.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var patch model.AgentPatch
	if err := decodeDocument(w, r, &patch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.agents.Create(r.Context(), r.PathValue("app"), patch, actor(r).ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleGetAgent handles GET /cm/{app}/agent/{id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.agents.Get(r.Context(), r.PathValue("app"), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleUpdateAgent handles PUT /cm/{app}/agent/{id}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var patch model.AgentPatch
	if err := decodeDocument(w, r, &patch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.agents.Update(r.Context(), r.PathValue("app"), r.PathValue("id"), patch, actor(r).ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

type agentPasswordBody struct {
	Password string `json:"password"`
}

// HandleAgentPassword handles GET /cm/{app}/agent/utils/{id}/password.
func (h *Handlers) HandleAgentPassword(w http.ResponseWriter, r *http.Request) {
	pw, err := h.agents.Password(r.Context(), r.PathValue("app"), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agentPasswordBody{Password: pw})
}

// HandleChangeAgentPassword handles PUT /cm/{app}/agent/utils/{id}/password.
func (h *Handlers) HandleChangeAgentPassword(w http.ResponseWriter, r *http.Request) {
	var body agentPasswordBody
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	msg, err := h.agents.ChangePassword(r.Context(), r.PathValue("app"), r.PathValue("id"), body.Password, actor(r).ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, msg)
}

// agentSignal adapts the agent operations that answer with a message.
func (h *Handlers) agentSignal(fn func(ctx context.Context, app, id string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := fn(r.Context(), r.PathValue("app"), r.PathValue("id"))
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		writeMessage(w, r, http.StatusOK, msg)
	}
}

// HandleQueueAgentAction handles POST /cm/{app}/agent/utils/{id}/action.
func (h *Handlers) HandleQueueAgentAction(w http.ResponseWriter, r *http.Request) {
	var req agents.ActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	act, err := h.agents.QueueAction(r.Context(), r.PathValue("app"), r.PathValue("id"), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, act)
}

// HandleListAgentActions handles GET /cm/{app}/agent/utils/{id}/actions.
func (h *Handlers) HandleListAgentActions(w http.ResponseWriter, r *http.Request) {
	items, err := h.agents.Actions(r.Context(), r.PathValue("app"), r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleListAgentSessions handles GET /cm/{app}/agent/utils/{id}/sessions.
func (h *Handlers) HandleListAgentSessions(w http.ResponseWriter, r *http.Request) {
	items, err := h.agents.Sessions(r.Context(), r.PathValue("app"), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleSetAgentSession handles
// PUT /cm/{app}/agent/utils/{id}/sessions/{sessionId}/{action}.
func (h *Handlers) HandleSetAgentSession(w http.ResponseWriter, r *http.Request) {
	msg, err := h.agents.SetSessionStatus(r.Context(), r.PathValue("app"), r.PathValue("id"),
		r.PathValue("sessionId"), r.PathValue("action"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, msg)
}
