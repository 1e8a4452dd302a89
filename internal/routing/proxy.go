package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
)

const (
	HeaderTxnID       = "Data-Stack-Txn-Id"
	HeaderRemoteTxnID = "Data-Stack-Remote-Txn-Id"
)

var (
	appSegmentPattern  = regexp.MustCompile(`^[a-zA-Z0-9]$|^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$`)
	pathSegmentPattern = regexp.MustCompile(`^[a-zA-Z0-9]$|^[a-zA-Z0-9][a-zA-Z0-9/_-]*[a-zA-Z0-9]$`)
)

// stripped never reach the pipeline.
var strippedHeaders = []string{"Host", "Connection", "Cookie", "Content-Length", "User-Agent"}

// TraceRecorder persists the per-request trace record and stamps the
// pipeline's last invocation.
type TraceRecorder interface {
	CreateTraceRecord(ctx context.Context, kind model.TraceKind, r model.TraceRecord) (model.TraceRecord, error)
	TouchLastInvoked(ctx context.Context, kind model.Kind, id string, at time.Time) error
}

// Authenticator validates the caller of a route that does not skip auth.
type Authenticator func(r *http.Request) error

// NewTxnID returns the local transaction id: the middle groups of a uuid.
func NewTxnID() string {
	parts := strings.Split(uuid.NewString(), "-")
	return parts[1] + parts[2]
}

type targetKey struct{}

type target struct {
	url         *url.URL
	txnID       string
	remoteTxnID string
}

// Proxy is the RequestProxy for one routed kind. Mount it on a pattern
// that defines the {app} and {path...} wildcards.
type Proxy struct {
	table        *Table
	recorder     TraceRecorder
	authenticate Authenticator
	logger       *slog.Logger
	rp           *httputil.ReverseProxy
	duration     metric.Float64Histogram
}

// NewProxy builds a proxy over table. transport may be nil.
func NewProxy(table *Table, recorder TraceRecorder, authenticate Authenticator, transport http.RoundTripper, logger *slog.Logger) *Proxy {
	p := &Proxy{
		table:        table,
		recorder:     recorder,
		authenticate: authenticate,
		logger:       logger,
		duration: telemetry.Float64Histogram("configmanager/routing",
			"cm.proxy.dispatch.duration", "Time to relay a routed request", "ms"),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite:      rewrite,
		Transport:    transport,
		ErrorHandler: p.upstreamError,
	}
	return p
}

func rewrite(pr *httputil.ProxyRequest) {
	t := pr.In.Context().Value(targetKey{}).(*target)
	pr.Out.URL = t.url
	pr.Out.Host = t.url.Host
	for _, h := range strippedHeaders {
		pr.Out.Header.Del(h)
	}
	// An empty value keeps the transport from adding its own.
	pr.Out.Header.Set("User-Agent", "")
	pr.Out.Header.Set(HeaderTxnID, t.txnID)
	pr.Out.Header.Set(HeaderRemoteTxnID, t.remoteTxnID)
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	t := r.Context().Value(targetKey{}).(*target)
	p.logger.Error("proxy: upstream unreachable",
		"target", t.url.String(), "txn_id", t.txnID, "remote_txn_id", t.remoteTxnID, "error", err)
	writeMessage(w, http.StatusInternalServerError, err.Error())
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	prof := model.Profile(p.table.Kind())

	app, rest := r.PathValue("app"), strings.Trim(r.PathValue("path"), "/")
	if !appSegmentPattern.MatchString(app) {
		writeMessage(w, http.StatusBadRequest,
			"App name must consist of alphanumeric characters or '-', and must start and end with an alphanumeric character.")
		return
	}
	if !pathSegmentPattern.MatchString(rest) {
		writeMessage(w, http.StatusBadRequest,
			prof.Noun+" path must consist of alphanumeric characters or '-', and must start and end with an alphanumeric character.")
		return
	}

	key := "/" + app + "/" + rest
	route, ok := p.table.Lookup(key)
	if !ok {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("%s with path %s is not running", prof.Noun, key))
		return
	}
	if !route.SkipAuth && p.authenticate != nil {
		if err := p.authenticate(r); err != nil {
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	t := &target{txnID: NewTxnID(), remoteTxnID: r.Header.Get(HeaderRemoteTxnID)}
	if t.remoteTxnID == "" {
		t.remoteTxnID = uuid.NewString()
	}

	headers := snapshotHeaders(r.Header)
	headers[strings.ToLower(HeaderTxnID)] = t.txnID
	headers[strings.ToLower(HeaderRemoteTxnID)] = t.remoteTxnID
	rec, err := p.recorder.CreateTraceRecord(r.Context(), prof.TraceKind, model.TraceRecord{
		App:     route.App,
		FlowID:  route.PipelineID,
		Headers: headers,
		Status:  model.TraceStatusPending,
	})
	if err != nil {
		p.logger.Error("proxy: create trace record", "route", key, "txn_id", t.txnID, "error", err)
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := p.recorder.TouchLastInvoked(r.Context(), route.Kind, route.PipelineID, rec.CreatedAt); err != nil {
		p.logger.Warn("proxy: update last invoked", "pipeline_id", route.PipelineID, "error", err)
	}

	u, err := url.Parse(route.Host + route.TargetPath)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	u.RawQuery = appendQuery(r.URL.RawQuery, prof.TraceParam, rec.ID)
	t.url = u

	p.logger.Info("proxy: forwarding",
		"route", key, "target", u.String(), "txn_id", t.txnID, "remote_txn_id", t.remoteTxnID)
	p.rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), targetKey{}, t)))

	p.duration.Record(r.Context(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("kind", string(route.Kind))))
}

func appendQuery(raw, key, value string) string {
	param := key + "=" + url.QueryEscape(value)
	if raw == "" {
		return param
	}
	return raw + "&" + param
}

// snapshotHeaders flattens the inbound headers, lower-cased, without the
// stripped ones.
func snapshotHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	for _, s := range strippedHeaders {
		delete(out, strings.ToLower(s))
	}
	return out
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
