package orchestrator

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// KubeConfig locates the API server and the service-account credentials.
type KubeConfig struct {
	APIURL    string // e.g. https://10.0.0.1:443
	TokenPath string
	CAPath    string
}

// KubeClient implements Client against the Kubernetes REST API.
type KubeClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewKubeClient reads the service-account token and CA bundle.
func NewKubeClient(cfg KubeConfig, logger *slog.Logger) (*KubeClient, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("orchestrator: kubernetes api url is required")
	}
	var token string
	if cfg.TokenPath != "" {
		b, err := os.ReadFile(cfg.TokenPath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read service account token: %w", err)
		}
		token = strings.TrimSpace(string(b))
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("orchestrator: no certificates in %s", cfg.CAPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return newKubeClient(cfg.APIURL, token, &http.Client{Transport: transport, Timeout: 60 * time.Second}, logger), nil
}

func newKubeClient(baseURL, token string, hc *http.Client, logger *slog.Logger) *KubeClient {
	return &KubeClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: hc,
		logger:     logger,
	}
}

func servicesPath(ns string) string { return "/api/v1/namespaces/" + ns + "/services" }

func deploymentsPath(ns string) string { return "/apis/apps/v1/namespaces/" + ns + "/deployments" }

func (c *KubeClient) do(ctx context.Context, method, path, contentType string, body any) (Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("orchestrator: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Response{}, fmt.Errorf("orchestrator: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("orchestrator: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("orchestrator: read response: %w", err)
	}
	c.logger.Debug("orchestrator: call", "method", method, "path", path, "status", resp.StatusCode)
	return Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func (c *KubeClient) GetDeployment(ctx context.Context, w Workload) (Response, error) {
	return c.do(ctx, http.MethodGet, deploymentsPath(w.Namespace)+"/"+w.Name, "", nil)
}

// existing is the part of a fetched object an update has to carry over.
type existing struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
	Spec struct {
		ClusterIP string `json:"clusterIP"`
	} `json:"spec"`
}

func (c *KubeClient) UpsertService(ctx context.Context, w Workload) (Response, error) {
	path := servicesPath(w.Namespace) + "/" + w.Name
	cur, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return Response{}, err
	}
	svc := serviceManifest(w)
	switch {
	case cur.StatusCode == http.StatusNotFound:
		return c.do(ctx, http.MethodPost, servicesPath(w.Namespace), "application/json", svc)
	case cur.OK():
		var prev existing
		_ = json.Unmarshal(cur.Body, &prev)
		svc.Metadata.ResourceVersion = prev.Metadata.ResourceVersion
		svc.Spec.ClusterIP = prev.Spec.ClusterIP
		return c.do(ctx, http.MethodPut, path, "application/json", svc)
	default:
		return cur, nil
	}
}

// UpsertDeployment creates the deployment, or replaces it and bounces the
// replica count so the pods restart on the new spec.
func (c *KubeClient) UpsertDeployment(ctx context.Context, w Workload) (Response, error) {
	path := deploymentsPath(w.Namespace) + "/" + w.Name
	cur, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return Response{}, err
	}
	dep := deploymentManifest(w)
	if cur.StatusCode == http.StatusNotFound {
		return c.do(ctx, http.MethodPost, deploymentsPath(w.Namespace), "application/json", dep)
	}
	if !cur.OK() {
		return cur, nil
	}
	var prev existing
	_ = json.Unmarshal(cur.Body, &prev)
	dep.Metadata.ResourceVersion = prev.Metadata.ResourceVersion
	put, err := c.do(ctx, http.MethodPut, path, "application/json", dep)
	if err != nil || !put.OK() {
		return put, err
	}
	for _, n := range []int{0, 1} {
		if resp, err := c.ScaleDeployment(ctx, w, n); err != nil || !resp.OK() {
			return resp, err
		}
	}
	return put, nil
}

func (c *KubeClient) ScaleDeployment(ctx context.Context, w Workload, replicas int) (Response, error) {
	patch := map[string]any{"spec": map[string]any{"replicas": replicas}}
	return c.do(ctx, http.MethodPatch, deploymentsPath(w.Namespace)+"/"+w.Name+"/scale",
		"application/merge-patch+json", patch)
}

func (c *KubeClient) DeleteDeployment(ctx context.Context, w Workload) (Response, error) {
	return c.do(ctx, http.MethodDelete, deploymentsPath(w.Namespace)+"/"+w.Name, "", nil)
}

func (c *KubeClient) DeleteService(ctx context.Context, w Workload) (Response, error) {
	return c.do(ctx, http.MethodDelete, servicesPath(w.Namespace)+"/"+w.Name, "", nil)
}
