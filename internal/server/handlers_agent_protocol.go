package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/ratelimit"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/transfer"
)

// HandleAgentLogin handles POST /agent/auth/login.
func (h *Handlers) HandleAgentLogin(w http.ResponseWriter, r *http.Request) {
	var req model.AgentLoginRequest
	if err := decodeDocument(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = ratelimit.IPKeyFunc(r)
	}
	resp, err := h.agents.Login(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// HandleAgentHeartbeat handles POST /agent/utils/{agentId}/heartbeat.
// The monitoring entries in the body are accepted and ignored.
func (h *Handlers) HandleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req model.HeartbeatRequest
	if err := decodeDocument(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.agents.Heartbeat(r.Context(), r.PathValue("agentId"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// HandleAgentInit handles POST /agent/utils/{agentId}/init.
func (h *Handlers) HandleAgentInit(w http.ResponseWriter, r *http.Request) {
	resp, err := h.agents.Init(r.Context(), r.PathValue("agentId"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// HandleAgentUpload handles POST /agent/utils/{agentId}/upload. The chunk
// is the multipart field "file", or the raw body otherwise.
func (h *Handlers) HandleAgentUpload(w http.ResponseWriter, r *http.Request) {
	u := transfer.ParseUploadHeaders(r.Header)
	if u.AgentID == "" {
		u.AgentID = r.PathValue("agentId")
	}
	log := h.logger.With("agent_id", u.AgentID, "flow_id", u.FlowID,
		"txn_id", u.TxnID, "remote_txn_id", u.RemoteTxnID,
		"chunk", u.CurrentChunk, "total_chunks", u.TotalChunks)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	chunk, err := readChunk(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				"File size exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		log.Warn("upload: read chunk", "error", err)
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "No files were uploaded")
		return
	}

	msg, err := h.transfer.Upload(r.Context(), u, chunk)
	if err != nil {
		var ue *model.UpstreamError
		if errors.As(err, &ue) && ue.Status >= 400 && len(ue.Body) > 0 {
			log.Warn("upload: flow rejected file", "status", ue.Status)
			relayBody(w, ue.Status, ue.Body)
			return
		}
		log.Warn("upload failed", "error", err)
		h.writeErr(w, r, err)
		return
	}
	log.Debug("upload accepted", "message", msg)
	writeMessage(w, r, http.StatusOK, msg)
}

// readChunk extracts the chunk bytes of an upload request.
func readChunk(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			defer func() { _ = part.Close() }()
			return io.ReadAll(part)
		}
		_ = part.Close()
	}
}

// relayBody answers with a pipeline's own status and body.
func relayBody(w http.ResponseWriter, status int, body []byte) {
	ct := "text/plain; charset=utf-8"
	if json.Valid(body) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(status)
	_, _ = io.Copy(w, bytes.NewReader(body))
}

// HandleAgentDownload handles POST /agent/utils/{agentId}/download.
func (h *Handlers) HandleAgentDownload(w http.ResponseWriter, r *http.Request) {
	fileID := strings.TrimSpace(r.Header.Get(transfer.HeaderPrefix + transfer.HdrAgentFileID))
	if fileID == "" {
		fileID = strings.TrimSpace(r.Header.Get(transfer.HdrAgentFileID))
	}
	data, err := h.transfer.Download(r.Context(), fileID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
