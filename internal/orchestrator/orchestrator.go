// Package orchestrator deploys pipeline containers.
//
// Client is the narrow interface the lifecycle service drives. KubeClient
// talks to the Kubernetes REST API directly; LocalClient accepts every call
// for non-clustered installs.
package orchestrator

import (
	"context"
	"time"
)

// EnvVar is one container environment variable.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Probe configures the readiness probe of a deployment.
type Probe struct {
	Path             string
	InitialDelay     time.Duration
	Timeout          time.Duration
	Period           time.Duration
	FailureThreshold int
}

// DefaultProbe returns the probe every pipeline container is deployed with.
func DefaultProbe(path string) *Probe {
	return &Probe{
		Path:             path,
		InitialDelay:     5 * time.Second,
		Timeout:          30 * time.Second,
		Period:           10 * time.Second,
		FailureThreshold: 5,
	}
}

// Workload identifies a service/deployment pair and, for upserts, what to
// run in it.
type Workload struct {
	Namespace string
	Name      string
	Image     string
	Port      int
	Env       []EnvVar
	Probe     *Probe
	Labels    map[string]string
}

// Response is the orchestrator's reply. Non-2xx replies are not errors;
// callers propagate StatusCode.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Client is the OrchestratorClient. Errors are reserved for transport
// failures; calls are never retried.
type Client interface {
	GetDeployment(ctx context.Context, w Workload) (Response, error)
	UpsertService(ctx context.Context, w Workload) (Response, error)
	UpsertDeployment(ctx context.Context, w Workload) (Response, error)
	ScaleDeployment(ctx context.Context, w Workload, replicas int) (Response, error)
	DeleteDeployment(ctx context.Context, w Workload) (Response, error)
	DeleteService(ctx context.Context, w Workload) (Response, error)
}

// LocalClient answers 200 to every call.
type LocalClient struct{}

func ok() (Response, error) { return Response{StatusCode: 200, Body: []byte(`{}`)}, nil }

func (LocalClient) GetDeployment(context.Context, Workload) (Response, error)        { return ok() }
func (LocalClient) UpsertService(context.Context, Workload) (Response, error)        { return ok() }
func (LocalClient) UpsertDeployment(context.Context, Workload) (Response, error)     { return ok() }
func (LocalClient) ScaleDeployment(context.Context, Workload, int) (Response, error) { return ok() }
func (LocalClient) DeleteDeployment(context.Context, Workload) (Response, error)     { return ok() }
func (LocalClient) DeleteService(context.Context, Workload) (Response, error)        { return ok() }
