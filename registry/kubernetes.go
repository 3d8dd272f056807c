package registry

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
)

// KubernetesProvider discovers workers from cluster Services. Any
// Service in the namespace carrying an "app" label is treated as a
// worker pool for that label value; the endpoint is the Service DNS
// name on its first declared port.
type KubernetesProvider struct {
	client    kubernetes.Interface
	namespace string
	logger    core.Logger
}

// NewKubernetesProvider builds a provider from the in-cluster config
func NewKubernetesProvider(namespace string, logger core.Logger) (*KubernetesProvider, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewKubernetesProviderWithClient(client, namespace, logger), nil
}

// NewKubernetesProviderWithClient wires an existing clientset, used by
// tests with a fake clientset
func NewKubernetesProviderWithClient(client kubernetes.Interface, namespace string, logger core.Logger) *KubernetesProvider {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesProvider{client: client, namespace: namespace, logger: logger}
}

// Discover lists labelled Services and groups them by worker type
func (p *KubernetesProvider) Discover(ctx context.Context) (map[string][]*model.WorkerInstance, error) {
	services, err := p.client.CoreV1().Services(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app",
	})
	if err != nil {
		return nil, fmt.Errorf("list services in %s: %w", p.namespace, err)
	}

	out := make(map[string][]*model.WorkerInstance)
	for i := range services.Items {
		svc := &services.Items[i]
		workerType := svc.Labels["app"]
		if workerType == "" || len(svc.Spec.Ports) == 0 {
			continue
		}
		instance := &model.WorkerInstance{
			ID:         svc.Name + "." + p.namespace,
			WorkerType: workerType,
			Endpoint:   fmt.Sprintf("http://%s:%d", svc.Name, svc.Spec.Ports[0].Port),
			Health:     model.HealthUnknown,
			Metadata: map[string]interface{}{
				"namespace": p.namespace,
				"service":   svc.Name,
			},
		}
		out[workerType] = append(out[workerType], instance)
	}
	return out, nil
}
