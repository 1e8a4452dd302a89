// Package transfer is the FileTransferCoordinator: it reassembles chunked
// agent uploads, relays binary flows to their destination agent, forwards
// other files to the running flow, and serves agent downloads.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/datanimbus/dnio-configuration-manager/internal/blob"
	"github.com/datanimbus/dnio-configuration-manager/internal/cipher"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
)

const (
	MsgChunkUploaded = "Chunk Successfully Uploaded"
	MsgFileUploaded  = "File Successfully Uploaded"
	MsgUnreachable   = "Flow is not reachable"
)

// Config carries the coordinator settings.
type Config struct {
	// EncryptionKey is the shared secret agents encrypt chunks with.
	EncryptionKey     string
	PlatformNamespace string
	Clustered         bool
	// LocalFlowURL is the flow base URL outside a cluster.
	LocalFlowURL string
	UploadDir    string
	DownloadDir  string
	// DecryptConcurrency bounds chunks decrypted at once for one file.
	DecryptConcurrency int
}

// Coordinator handles agent uploads and downloads.
type Coordinator struct {
	db     *storage.DB
	blobs  blob.Store
	cipher *cipher.Executor
	ledger *ledger.Ledger
	client *http.Client
	cfg    Config
	logger *slog.Logger

	// downloading holds file ids with a download in flight. It is local to
	// this process.
	downloading sync.Map

	chunks      metric.Int64Counter
	bytesIn     metric.Int64Counter
	forwardTime metric.Float64Histogram
}

// New creates a Coordinator. client may be nil.
func New(db *storage.DB, blobs blob.Store, cx *cipher.Executor, ldg *ledger.Ledger, client *http.Client, cfg Config, logger *slog.Logger) *Coordinator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.LocalFlowURL == "" {
		cfg.LocalFlowURL = "http://localhost:8080"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "cm-uploads")
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "/app/downloads"
	}
	if cfg.DecryptConcurrency <= 0 {
		cfg.DecryptConcurrency = 4
	}
	return &Coordinator{
		db:     db,
		blobs:  blobs,
		cipher: cx,
		ledger: ldg,
		client: client,
		cfg:    cfg,
		logger: logger,
		chunks: telemetry.Int64Counter("configmanager/transfer",
			"cm.transfer.chunks", "Upload chunks stored"),
		bytesIn: telemetry.Int64Counter("configmanager/transfer",
			"cm.transfer.bytes", "Upload bytes stored"),
		forwardTime: telemetry.Float64Histogram("configmanager/transfer",
			"cm.transfer.forward.duration", "Time to hand a file to its flow", "ms"),
	}
}

// Upload stores one chunk. On the terminal chunk the file is either relayed
// to the destination agent (binary flows) or decrypted and posted to the
// running flow. It returns the success message; a rejection by the flow is
// an *model.UpstreamError carrying its status and body.
func (c *Coordinator) Upload(ctx context.Context, u UploadHeaders, chunk []byte) (string, error) {
	if len(chunk) == 0 {
		return "", model.Invalid("No files were uploaded")
	}
	key := cipher.MD5Hex([]byte(uuid.NewString()))
	if err := c.blobs.Put(ctx, key, chunk, u.Metadata()); err != nil {
		return "", fmt.Errorf("transfer: store chunk: %w", err)
	}
	previous, err := c.db.RecordChunk(ctx, storage.Chunk{
		UniqueID:    u.UniqueID,
		Number:      u.CurrentChunk,
		TotalChunks: u.TotalChunks,
		BlobKey:     key,
		FlowID:      u.FlowID,
	})
	if err != nil {
		return "", err
	}
	if previous != "" && previous != key {
		if err := c.blobs.Delete(ctx, previous); err != nil && !errors.Is(err, blob.ErrNotFound) {
			c.logger.Warn("transfer: drop replaced chunk", "key", previous, "error", err)
		}
	}
	c.chunks.Add(ctx, 1)
	c.bytesIn.Add(ctx, int64(len(chunk)))
	c.logger.Debug("chunk stored", "txn_id", u.TxnID, "unique_id", u.UniqueID,
		"chunk", u.CurrentChunk, "total", u.TotalChunks, "key", key)

	if !u.Terminal() {
		return MsgChunkUploaded, nil
	}

	flow, err := c.db.GetPipeline(ctx, model.KindFlow, u.App, u.FlowID)
	if errors.Is(err, storage.ErrNotFound) {
		c.fileError(ctx, u, "Invalid Flow")
		return "", model.Invalid("Invalid Flow")
	}
	if err != nil {
		c.fileError(ctx, u, err.Error())
		return "", err
	}
	c.logger.Info("all chunks received", "txn_id", u.TxnID, "flow_id", flow.ID, "file", u.OriginalFileName)

	keys, err := c.chunkKeys(ctx, u)
	if err != nil {
		c.fileError(ctx, u, err.Error())
		return "", err
	}
	if flow.IsBinary {
		return c.relay(ctx, u, &flow, keys)
	}
	return c.forward(ctx, u, &flow, keys)
}

// chunkKeys returns the blob keys of every chunk of the upload in order.
func (c *Coordinator) chunkKeys(ctx context.Context, u UploadHeaders) ([]string, error) {
	chunks, err := c.db.ListChunks(ctx, u.UniqueID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]string, len(chunks))
	for _, ch := range chunks {
		byNumber[ch.Number] = ch.BlobKey
	}
	keys := make([]string, 0, u.TotalChunks)
	for n := 1; n <= u.TotalChunks; n++ {
		k, ok := byNumber[n]
		if !ok {
			return nil, model.Invalid("Chunk %d of %d is missing for %s", n, u.TotalChunks, u.OriginalFileName)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *Coordinator) relay(ctx context.Context, u UploadHeaders, flow *model.Pipeline, keys []string) (string, error) {
	target := ""
	if len(flow.Nodes) > 0 && len(flow.Nodes[0].Options.Agents) > 0 {
		target = flow.Nodes[0].Options.Agents[0].AgentID
	}
	if target == "" {
		c.fileError(ctx, u, "Flow has no destination agent")
		return "", model.Invalid("Flow has no destination agent")
	}
	c.logger.Info("queueing download for destination agent", "txn_id", u.TxnID,
		"flow_id", flow.ID, "agent_id", target, "file", u.OriginalFileName)

	success := c.action(u, u.AgentID, model.ActionFileSuccess, u.successMeta())
	download := c.action(u, target, model.ActionDownload, u.downloadMeta(keys, target))
	if _, err := c.ledger.Append(ctx, success, download); err != nil {
		return "", err
	}
	c.dropIndex(ctx, u)
	return MsgFileUploaded, nil
}

func (c *Coordinator) forward(ctx context.Context, u UploadHeaders, flow *model.Pipeline, keys []string) (string, error) {
	plain, err := c.decrypt(ctx, keys)
	if err != nil {
		c.logger.Error("transfer: decrypt failed", "txn_id", u.TxnID, "flow_id", flow.ID, "error", err)
		c.fileError(ctx, u, err.Error())
		return "", err
	}

	dir := filepath.Join(c.cfg.UploadDir, filepath.Base(u.UniqueID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		c.fileError(ctx, u, err.Error())
		return "", fmt.Errorf("transfer: scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)
	name := filepath.Base(u.OriginalFileName)
	if name == "." || name == string(filepath.Separator) {
		name = u.UniqueID
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, plain, 0o600); err != nil {
		c.fileError(ctx, u, err.Error())
		return "", fmt.Errorf("transfer: write scratch file: %w", err)
	}

	interaction, err := c.db.CreateTraceRecord(ctx, model.TraceInteraction, model.TraceRecord{
		App:    flow.App,
		FlowID: flow.ID,
		Headers: map[string]string{
			HeaderPrefix + HdrTxnID:       u.TxnID,
			HeaderPrefix + HdrRemoteTxnID: u.RemoteTxnID,
			HeaderPrefix + HdrAgentID:     u.AgentID,
		},
	})
	if err != nil {
		c.fileError(ctx, u, err.Error())
		return "", err
	}

	target := c.flowURL(flow) + "?interactionId=" + url.QueryEscape(interaction.ID)
	c.logger.Info("forwarding file to flow", "txn_id", u.TxnID, "flow_id", flow.ID, "url", target)

	start := time.Now()
	status, body, err := c.post(ctx, target, path, name, u)
	c.forwardTime.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		c.logger.Error("flow unreachable", "txn_id", u.TxnID, "flow", flow.Name, "error", err)
		c.fileError(ctx, u, MsgUnreachable)
		return "", &model.UpstreamError{Message: MsgUnreachable, Err: err}
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		c.logger.Error("flow rejected file", "txn_id", u.TxnID, "flow", flow.Name, "status", status)
		c.fileError(ctx, u, string(body))
		return "", &model.UpstreamError{Status: status, Message: string(body), Body: body}
	}

	if _, err := c.ledger.Append(ctx, c.action(u, u.AgentID, model.ActionFileSuccess, u.successMeta())); err != nil {
		return "", err
	}
	c.dropIndex(ctx, u)
	return MsgFileUploaded, nil
}

// decrypt opens every chunk concurrently and joins the plaintexts in
// chunk order.
func (c *Coordinator) decrypt(ctx context.Context, keys []string) ([]byte, error) {
	parts := make([][]byte, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DecryptConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, _, err := blob.Get(gctx, c.blobs, key)
			if err != nil {
				return fmt.Errorf("transfer: read chunk %s: %w", key, err)
			}
			plain, err := c.cipher.DecryptData(gctx, c.cfg.EncryptionKey, data)
			if err != nil {
				return err
			}
			parts[i] = plain
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (c *Coordinator) flowURL(flow *model.Pipeline) string {
	path := flow.InputPath()
	if !c.cfg.Clustered {
		return c.cfg.LocalFlowURL + "/api/b2b/" + flow.App + path
	}
	ns := flow.Namespace
	if ns == "" {
		ns = model.AppNamespace(c.cfg.PlatformNamespace, flow.App)
	}
	return "http://" + flow.DeploymentName + "." + ns + "/api/b2b/" + flow.App + path
}

// post streams the scratch file to the flow as multipart field "file".
func (c *Coordinator) post(ctx context.Context, target, path, name string, u UploadHeaders) (int, []byte, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			f, err := os.Open(path) //nolint:gosec // path is built from the scratch dir
			if err != nil {
				return err
			}
			defer f.Close()
			part, err := mw.CreateFormFile("file", name)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.Close()
		return 0, nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderPrefix+HdrTxnID, u.TxnID)
	req.Header.Set(HeaderPrefix+HdrRemoteTxnID, u.RemoteTxnID)

	resp, err := c.client.Do(req)
	if err != nil {
		pr.Close()
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *Coordinator) action(u UploadHeaders, agentID string, kind model.ActionKind, meta any) model.AgentAction {
	return model.AgentAction{
		AgentID:        agentID,
		AgentName:      u.AgentName,
		App:            u.App,
		FlowID:         u.FlowID,
		FlowName:       u.FlowName,
		DeploymentName: u.DeploymentName,
		Action:         kind,
		MetaData:       model.MustMeta(meta),
	}
}

// fileError tells the uploading agent its file failed.
func (c *Coordinator) fileError(ctx context.Context, u UploadHeaders, msg string) {
	if _, err := c.ledger.Append(ctx, c.action(u, u.AgentID, model.ActionFileError, u.errorMeta(msg))); err != nil {
		c.logger.Warn("transfer: queue error action failed", "txn_id", u.TxnID, "error", err)
	}
}

// dropIndex forgets the chunk index of a finished upload. The chunk blobs
// stay: destination agents download them by key.
func (c *Coordinator) dropIndex(ctx context.Context, u UploadHeaders) {
	if err := c.db.DeleteChunks(ctx, u.UniqueID); err != nil {
		c.logger.Warn("transfer: drop chunk index", "unique_id", u.UniqueID, "error", err)
	}
}

// Download returns the stored bytes of fileID. A second request for the
// same id while one is in flight is rejected.
func (c *Coordinator) Download(ctx context.Context, fileID string) ([]byte, error) {
	if fileID == "" {
		return nil, model.Invalid("File not found")
	}
	if _, busy := c.downloading.LoadOrStore(fileID, struct{}{}); busy {
		return nil, model.Invalid("File is already downloading")
	}
	defer c.downloading.Delete(fileID)

	data, _, err := blob.Get(ctx, c.blobs, fileID)
	if errors.Is(err, blob.ErrNotFound) {
		c.logger.Error("download: file not found", "file_id", fileID)
		return nil, model.Invalid("File not found")
	}
	if err != nil {
		return nil, err
	}

	copyPath := filepath.Join(c.cfg.DownloadDir, filepath.Base(fileID))
	if err := os.MkdirAll(c.cfg.DownloadDir, 0o750); err != nil {
		c.logger.Warn("download: copy dir", "dir", c.cfg.DownloadDir, "error", err)
	} else if err := os.WriteFile(copyPath, data, 0o600); err != nil {
		c.logger.Warn("download: write copy", "path", copyPath, "error", err)
	}
	c.logger.Debug("download served", "file_id", fileID, "bytes", len(data), "md5", cipher.MD5Hex(data))
	return data, nil
}
