package server

import (
	"context"
	"net/http"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
)

// pipelineHandlers serves the control API of one pipeline kind. Flows,
// functions and process flows share every handler; only the kind differs.
type pipelineHandlers struct {
	*Handlers
	kind model.Kind
}

// mountPipelines registers the control API of kind under /cm/{app}/<kind>.
func (h *Handlers) mountPipelines(mux *http.ServeMux, kind model.Kind, wrap func(http.Handler) http.Handler) {
	p := pipelineHandlers{Handlers: h, kind: kind}
	base := "/cm/{app}/" + string(kind)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, wrap(fn))
	}

	handle("GET "+base, p.list)
	handle("POST "+base, p.create)
	handle("GET "+base+"/{id}", p.get)
	handle("PUT "+base+"/{id}", p.update)
	handle("DELETE "+base+"/{id}", p.delete)

	handle("GET "+base+"/utils/count", p.count)
	handle("GET "+base+"/utils/status/count", p.statusCount)
	handle("PUT "+base+"/utils/startAll", p.bulk(h.lifecycle.StartAll))
	handle("PUT "+base+"/utils/stopAll", p.bulk(h.lifecycle.StopAll))
	handle("PUT "+base+"/utils/{id}/deploy", p.transition(h.lifecycle.Deploy))
	handle("PUT "+base+"/utils/{id}/repair", p.transition(h.lifecycle.Repair))
	handle("PUT "+base+"/utils/{id}/start", p.transition(h.lifecycle.Start))
	handle("PUT "+base+"/utils/{id}/stop", p.transition(h.lifecycle.Stop))
	handle("DELETE "+base+"/utils/{id}/draftDelete", p.transition(h.lifecycle.DraftDelete))
	handle("PUT "+base+"/utils/{id}/init", p.init)
	handle("GET "+base+"/utils/{id}/audit", p.audit)
}

func (p pipelineHandlers) listParams(w http.ResponseWriter, r *http.Request) (model.ListParams, bool) {
	params := model.ListParams{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryLimit(r, 30),
		Offset: queryOffset(r),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		params.Status = model.Status(s)
		if !model.ValidStatus(params.Status) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid status "+s)
			return params, false
		}
	}
	return params, true
}

func (p pipelineHandlers) decodePatch(w http.ResponseWriter, r *http.Request) (model.PipelinePatch, bool) {
	var patch model.PipelinePatch
	if err := decodeDocument(w, r, &patch, p.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return patch, false
	}
	return patch, true
}

func (p pipelineHandlers) list(w http.ResponseWriter, r *http.Request) {
	params, ok := p.listParams(w, r)
	if !ok {
		return
	}
	items, total, err := p.lifecycle.List(r.Context(), p.kind, r.PathValue("app"), params)
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeList(w, r, items, total, params.Limit, params.Offset, len(items))
}

func (p pipelineHandlers) create(w http.ResponseWriter, r *http.Request) {
	patch, ok := p.decodePatch(w, r)
	if !ok {
		return
	}
	doc, err := p.lifecycle.Create(r.Context(), p.kind, r.PathValue("app"), patch, actor(r))
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, doc)
}

func (p pipelineHandlers) get(w http.ResponseWriter, r *http.Request) {
	doc, err := p.lifecycle.Get(r.Context(), p.kind, r.PathValue("app"), r.PathValue("id"), queryBool(r, "draft"))
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

func (p pipelineHandlers) update(w http.ResponseWriter, r *http.Request) {
	patch, ok := p.decodePatch(w, r)
	if !ok {
		return
	}
	doc, err := p.lifecycle.Update(r.Context(), p.kind, r.PathValue("app"), r.PathValue("id"), patch, actor(r))
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

func (p pipelineHandlers) delete(w http.ResponseWriter, r *http.Request) {
	msg, err := p.lifecycle.Delete(r.Context(), p.kind, r.PathValue("app"), r.PathValue("id"), actor(r))
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, msg)
}

func (p pipelineHandlers) count(w http.ResponseWriter, r *http.Request) {
	params, ok := p.listParams(w, r)
	if !ok {
		return
	}
	n, err := p.lifecycle.Count(r.Context(), p.kind, r.PathValue("app"), params)
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, n)
}

func (p pipelineHandlers) statusCount(w http.ResponseWriter, r *http.Request) {
	counts, err := p.lifecycle.StatusCounts(r.Context(), p.kind, r.PathValue("app"))
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}

type transitionFunc func(ctx context.Context, kind model.Kind, app, id string, actor lifecycle.Actor) (string, error)

func (p pipelineHandlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := fn(r.Context(), p.kind, r.PathValue("app"), r.PathValue("id"), actor(r))
		if err != nil {
			p.writeErr(w, r, err)
			return
		}
		writeMessage(w, r, http.StatusOK, msg)
	}
}

type bulkFunc func(ctx context.Context, kind model.Kind, app string, actor lifecycle.Actor) (lifecycle.BulkResult, error)

func (p pipelineHandlers) bulk(fn bulkFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := fn(r.Context(), p.kind, r.PathValue("app"), actor(r))
		if err != nil {
			p.writeErr(w, r, err)
			return
		}
		writeMessage(w, r, res.Status, res.Message)
	}
}

func (p pipelineHandlers) init(w http.ResponseWriter, r *http.Request) {
	msg, err := p.lifecycle.Init(r.Context(), p.kind, r.PathValue("app"), r.PathValue("id"))
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, msg)
}

func (p pipelineHandlers) audit(w http.ResponseWriter, r *http.Request) {
	entries, err := p.lifecycle.History(r.Context(), p.kind, r.PathValue("app"), r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		p.writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}
