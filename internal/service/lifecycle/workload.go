package lifecycle

import (
	"slices"
	"strings"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/orchestrator"
)

// DefaultForwardEnv is the platform environment copied into every
// pipeline deployment when CM_FORWARD_ENV is unset.
var DefaultForwardEnv = []string{
	"FQDN",
	"LOG_LEVEL",
	"MONGO_APPCENTER_URL",
	"MONGO_AUTHOR_DBNAME",
	"MONGO_AUTHOR_URL",
	"MONGO_LOGS_DBNAME",
	"MONGO_LOGS_URL",
	"MONGO_RECONN_TIME",
	"MONGO_RECONN_TRIES",
	"STREAMING_CHANNEL",
	"STREAMING_HOST",
	"STREAMING_PASS",
	"STREAMING_RECONN_ATTEMPTS",
	"STREAMING_RECONN_TIMEWAIT",
	"STREAMING_USER",
	"DATA_STACK_NAMESPACE",
	"CACHE_CLUSTER",
	"CACHE_HOST",
	"CACHE_PORT",
	"CACHE_RECONN_ATTEMPTS",
	"CACHE_RECONN_TIMEWAIT_MILLI",
	"RELEASE",
	"TLS_REJECT_UNAUTHORIZED",
	"API_REQUEST_TIMEOUT",
}

// image returns the container image reference for a kind. ECR registries
// separate repository and image name with a colon.
func (c Config) image(prof model.KindProfile) string {
	reg := strings.TrimSpace(c.RegistryServer)
	if reg == "" {
		return prof.ImageName + ":" + c.ImageTag
	}
	if strings.EqualFold(c.RegistryType, "ECR") {
		return reg + ":" + prof.ImageName + ":" + c.ImageTag
	}
	if !strings.HasSuffix(reg, "/") {
		reg += "/"
	}
	return reg + prof.ImageName + ":" + c.ImageTag
}

func (c Config) env(p *model.Pipeline) []orchestrator.EnvVar {
	prof := model.Profile(p.Kind)
	keys := c.ForwardEnv
	if keys == nil {
		keys = DefaultForwardEnv
	}
	var out []orchestrator.EnvVar
	for _, k := range keys {
		if v := c.getenv(k); v != "" {
			out = append(out, orchestrator.EnvVar{Name: k, Value: v})
		}
	}
	return append(out,
		orchestrator.EnvVar{Name: "DATA_STACK_APP_NS", Value: model.AppNamespace(c.PlatformNamespace, p.App)},
		orchestrator.EnvVar{Name: prof.IDEnvVar, Value: p.ID},
		orchestrator.EnvVar{Name: "DATA_STACK_APP", Value: p.App},
	)
}

// Workload describes the deployment that runs p.
func (c Config) Workload(p *model.Pipeline) orchestrator.Workload {
	prof := model.Profile(p.Kind)
	return orchestrator.Workload{
		Namespace: p.Namespace,
		Name:      p.DeploymentName,
		Image:     c.image(prof),
		Port:      p.Port,
		Env:       c.env(p),
		Probe:     orchestrator.DefaultProbe(prof.ProbePath),
		Labels: map[string]string{
			"app":     p.DeploymentName,
			"kind":    string(p.Kind),
			"dnio-id": strings.ToLower(p.ID),
		},
	}
}

// nextPort returns the lowest port at or above base that is not in used.
func nextPort(base int, used []int) int {
	port := base
	for slices.Contains(used, port) {
		port++
	}
	return port
}
