package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// mountTraceRecords registers the interaction (flow) and activity (process
// flow) endpoints.
func (h *Handlers) mountTraceRecords(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	for _, kind := range []model.TraceKind{model.TraceInteraction, model.TraceActivity} {
		base := "/cm/{app}/" + string(kind)
		mux.Handle("GET "+base, wrap(h.listTraceRecords(kind)))
		mux.Handle("GET "+base+"/{id}", wrap(h.getTraceRecord(kind)))
		mux.Handle("PUT "+base+"/{id}", wrap(h.patchTraceRecord(kind)))
	}
}

func traceNotFound(kind model.TraceKind, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		name := string(kind)
		return model.NotFound("%s Not Found", strings.ToUpper(name[:1])+name[1:])
	}
	return err
}

func (h *Handlers) listTraceRecords(kind model.TraceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := h.db.ListTraceRecords(r.Context(), kind, r.PathValue("app"),
			r.URL.Query().Get("flowId"), queryLimit(r, 30), queryOffset(r))
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, items)
	}
}

func (h *Handlers) getTraceRecord(kind model.TraceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := h.db.GetTraceRecord(r.Context(), kind, r.PathValue("app"), r.PathValue("id"))
		if err != nil {
			h.writeErr(w, r, traceNotFound(kind, err))
			return
		}
		writeJSON(w, r, http.StatusOK, rec)
	}
}

func (h *Handlers) patchTraceRecord(kind model.TraceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch model.TraceRecordPatch
		if err := decodeDocument(w, r, &patch, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		patch.Status = strings.TrimSpace(patch.Status)
		if patch.Status == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status is mandatory")
			return
		}
		rec, err := h.db.PatchTraceStatus(r.Context(), kind, r.PathValue("app"), r.PathValue("id"), patch.Status)
		if err != nil {
			h.writeErr(w, r, traceNotFound(kind, err))
			return
		}
		writeJSON(w, r, http.StatusOK, rec)
	}
}
