package orchestrator

// Minimal typed views of the Kubernetes objects we write. Only the fields
// the control plane sets are modelled.

type objectMeta struct {
	Name            string            `json:"name"`
	Namespace       string            `json:"namespace"`
	Labels          map[string]string `json:"labels,omitempty"`
	ResourceVersion string            `json:"resourceVersion,omitempty"`
}

type servicePort struct {
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	TargetPort int    `json:"targetPort"`
}

type serviceSpec struct {
	Type      string            `json:"type"`
	ClusterIP string            `json:"clusterIP,omitempty"`
	Selector  map[string]string `json:"selector"`
	Ports     []servicePort     `json:"ports"`
}

type service struct {
	APIVersion string      `json:"apiVersion"`
	Kind       string      `json:"kind"`
	Metadata   objectMeta  `json:"metadata"`
	Spec       serviceSpec `json:"spec"`
}

type httpGetAction struct {
	Path   string `json:"path"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme"`
}

type probe struct {
	HTTPGet             httpGetAction `json:"httpGet"`
	InitialDelaySeconds int           `json:"initialDelaySeconds"`
	TimeoutSeconds      int           `json:"timeoutSeconds"`
	PeriodSeconds       int           `json:"periodSeconds"`
	FailureThreshold    int           `json:"failureThreshold"`
}

type containerPort struct {
	ContainerPort int `json:"containerPort"`
}

type container struct {
	Name           string          `json:"name"`
	Image          string          `json:"image"`
	Ports          []containerPort `json:"ports,omitempty"`
	Env            []EnvVar        `json:"env,omitempty"`
	ReadinessProbe *probe          `json:"readinessProbe,omitempty"`
}

type podTemplate struct {
	Metadata struct {
		Labels map[string]string `json:"labels"`
	} `json:"metadata"`
	Spec struct {
		Containers []container `json:"containers"`
	} `json:"spec"`
}

type deploymentSpec struct {
	Replicas int `json:"replicas"`
	Selector struct {
		MatchLabels map[string]string `json:"matchLabels"`
	} `json:"selector"`
	Template podTemplate `json:"template"`
}

type deployment struct {
	APIVersion string         `json:"apiVersion"`
	Kind       string         `json:"kind"`
	Metadata   objectMeta     `json:"metadata"`
	Spec       deploymentSpec `json:"spec"`
}

func labelsFor(w Workload) map[string]string {
	labels := map[string]string{"app": w.Name}
	for k, v := range w.Labels {
		labels[k] = v
	}
	return labels
}

// serviceManifest exposes the container port as port 80 so the workload is
// reachable at http://{name}.{namespace}.
func serviceManifest(w Workload) service {
	return service{
		APIVersion: "v1",
		Kind:       "Service",
		Metadata:   objectMeta{Name: w.Name, Namespace: w.Namespace, Labels: labelsFor(w)},
		Spec: serviceSpec{
			Type:     "ClusterIP",
			Selector: map[string]string{"app": w.Name},
			Ports:    []servicePort{{Protocol: "TCP", Port: 80, TargetPort: w.Port}},
		},
	}
}

func deploymentManifest(w Workload) deployment {
	labels := labelsFor(w)
	c := container{Name: w.Name, Image: w.Image, Env: w.Env}
	if w.Port > 0 {
		c.Ports = []containerPort{{ContainerPort: w.Port}}
	}
	if w.Probe != nil {
		c.ReadinessProbe = &probe{
			HTTPGet:             httpGetAction{Path: w.Probe.Path, Port: w.Port, Scheme: "HTTP"},
			InitialDelaySeconds: int(w.Probe.InitialDelay.Seconds()),
			TimeoutSeconds:      int(w.Probe.Timeout.Seconds()),
			PeriodSeconds:       int(w.Probe.Period.Seconds()),
			FailureThreshold:    w.Probe.FailureThreshold,
		}
	}
	d := deployment{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Metadata:   objectMeta{Name: w.Name, Namespace: w.Namespace, Labels: labels},
	}
	d.Spec.Replicas = 1
	d.Spec.Selector.MatchLabels = map[string]string{"app": w.Name}
	d.Spec.Template.Metadata.Labels = labels
	d.Spec.Template.Spec.Containers = []container{c}
	return d
}
