package provisioner

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/sundetova/avito-android/runnertypes"
)

const ReadyPollInterval = 5 * time.Second
const DefaultCreationTimeout = 5 * time.Minute
const CreationPollInterval = 2 * time.Second

const LabelType = "type"
const LabelID = "id"
const LabelProject = "project"
const LabelInstrumentation = "instrumentationConfiguration"
const LabelDevice = "device"
const LabelDeploymentName = "deploymentName"

const typeLabelValue = "ui-test"

// Config identifies the run the provisioned workloads belong to. The label
// values end up on every deployment and pod so release can find them again.
type Config struct {
	Namespace                    string
	Project                      string
	RunID                        string
	InstrumentationConfiguration string
	CreationTimeout              time.Duration
}

// DeploymentProvisioner creates, monitors and deletes the cluster deployments
// backing a batch of identical device workers.
type DeploymentProvisioner struct {
	clientset kubernetes.Interface
	clock     clock.Clock
	config    Config
	logger    lager.Logger
}

func New(logger lager.Logger, clientset kubernetes.Interface, clk clock.Clock, config Config) *DeploymentProvisioner {
	if config.CreationTimeout == 0 {
		config.CreationTimeout = DefaultCreationTimeout
	}
	return &DeploymentProvisioner{
		clientset: clientset,
		clock:     clk,
		config:    config,
		logger:    logger.Session("provisioner", lager.Data{"namespace": config.Namespace}),
	}
}

// Create creates the deployment for one reservation request and blocks until
// the cluster reports a pod count equal to the requested count, or the
// creation deadline elapses with ErrProvisioningTimeout.
func (p *DeploymentProvisioner) Create(name string, request runnertypes.ReservationRequest) error {
	logger := p.logger.Session("create-deployment", lager.Data{
		"deployment": name,
		"device":     request.Descriptor.String(),
		"count":      request.Count,
	})
	logger.Info("starting")

	deployment, err := p.deploymentSpec(name, request)
	if err != nil {
		logger.Error("failed-to-build-spec", err)
		return err
	}

	_, err = p.clientset.AppsV1().Deployments(p.config.Namespace).Create(context.Background(), deployment, metav1.CreateOptions{})
	if err != nil {
		logger.Error("failed-to-create", err)
		return fmt.Errorf("creating deployment %s: %w", name, err)
	}

	if err := p.waitForPodCount(logger, name, request.Count); err != nil {
		return err
	}

	logger.Info("done")
	return nil
}

func (p *DeploymentProvisioner) waitForPodCount(logger lager.Logger, name string, count int) error {
	deadline := p.clock.NewTimer(p.config.CreationTimeout)
	defer deadline.Stop()
	poll := p.clock.NewTicker(CreationPollInterval)
	defer poll.Stop()

	for {
		pods, err := p.listPods(name)
		if err != nil {
			logger.Error("failed-to-list-pods", err)
		} else if len(pods) == count {
			return nil
		} else {
			logger.Debug("waiting-for-pods", lager.Data{"have": len(pods), "want": count})
		}

		select {
		case <-deadline.C():
			logger.Error("timed-out-waiting-for-pods", runnertypes.ErrProvisioningTimeout, lager.Data{
				"timeout": p.config.CreationTimeout.String(),
			})
			return runnertypes.ErrProvisioningTimeout
		case <-poll.C():
		}
	}
}

// StreamReady polls the deployment's pods every ReadyPollInterval and forwards
// every Running pod exactly once on out. It returns when stop is closed
// (observed within one interval) or when the deployment disappears.
func (p *DeploymentProvisioner) StreamReady(name string, stop <-chan struct{}, out chan<- runnertypes.PodRecord) {
	logger := p.logger.Session("stream-ready", lager.Data{"deployment": name})
	logger.Info("starting")
	defer logger.Info("done")

	poll := p.clock.NewTicker(ReadyPollInterval)
	defer poll.Stop()

	seen := map[string]bool{}

	for {
		select {
		case <-stop:
			return
		case <-poll.C():
		}

		_, err := p.clientset.AppsV1().Deployments(p.config.Namespace).Get(context.Background(), name, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			logger.Info("deployment-gone")
			return
		}

		pods, err := p.listPods(name)
		if err != nil {
			logger.Error("failed-to-list-pods", err)
			continue
		}

		for _, pod := range pods {
			if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" || seen[pod.Name] {
				continue
			}
			seen[pod.Name] = true

			record := runnertypes.PodRecord{
				Name:  pod.Name,
				IP:    pod.Status.PodIP,
				Phase: string(pod.Status.Phase),
			}
			select {
			case out <- record:
				logger.Info("pod-ready", lager.Data{"pod": pod.Name, "ip": pod.Status.PodIP})
			case <-stop:
				return
			}
		}
	}
}

// Delete removes the deployment with cascading deletion so the replicas go
// with it. Failures are logged and swallowed: release must never block on
// cluster flakiness, and a failed delete is treated as a leak, not an error.
func (p *DeploymentProvisioner) Delete(name string) {
	logger := p.logger.Session("delete-deployment", lager.Data{"deployment": name})
	logger.Info("starting")

	propagation := metav1.DeletePropagationForeground
	err := p.clientset.AppsV1().Deployments(p.config.Namespace).Delete(context.Background(), name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !errors.IsNotFound(err) {
		logger.Error("failed-to-delete-leaking-deployment", err)
		return
	}

	logger.Info("done")
}

// DeletePod actively reclaims a single worker, used when a device cannot boot.
func (p *DeploymentProvisioner) DeletePod(podName string) {
	logger := p.logger.Session("delete-pod", lager.Data{"pod": podName})

	err := p.clientset.CoreV1().Pods(p.config.Namespace).Delete(context.Background(), podName, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		logger.Error("failed-to-delete-pod", err)
		return
	}
	logger.Info("deleted")
}

// RunningPods lists the deployment's pods currently in the Running phase.
func (p *DeploymentProvisioner) RunningPods(name string) ([]runnertypes.PodRecord, error) {
	pods, err := p.listPods(name)
	if err != nil {
		return nil, err
	}

	records := []runnertypes.PodRecord{}
	for _, pod := range pods {
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		records = append(records, runnertypes.PodRecord{
			Name:  pod.Name,
			IP:    pod.Status.PodIP,
			Phase: string(pod.Status.Phase),
		})
	}
	return records, nil
}

// PodLogs fetches a pod's log for diagnostic capture. Best-effort.
func (p *DeploymentProvisioner) PodLogs(ctx context.Context, podName string) (string, error) {
	raw, err := p.clientset.CoreV1().Pods(p.config.Namespace).GetLogs(podName, &corev1.PodLogOptions{}).Do(ctx).Raw()
	if err != nil {
		return "", fmt.Errorf("fetching logs for pod %s: %w", podName, err)
	}
	return string(raw), nil
}

// DescribeDeployment renders a short diagnostic summary for failure reports.
func (p *DeploymentProvisioner) DescribeDeployment(name string) string {
	deployment, err := p.clientset.AppsV1().Deployments(p.config.Namespace).Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		return fmt.Sprintf("deployment %s: %v", name, err)
	}
	return fmt.Sprintf("deployment %s: desired=%d ready=%d available=%d",
		name, *deployment.Spec.Replicas, deployment.Status.ReadyReplicas, deployment.Status.AvailableReplicas)
}

// DescribePod renders a short diagnostic summary for failure reports.
func (p *DeploymentProvisioner) DescribePod(podName string) string {
	pod, err := p.clientset.CoreV1().Pods(p.config.Namespace).Get(context.Background(), podName, metav1.GetOptions{})
	if err != nil {
		return fmt.Sprintf("pod %s: %v", podName, err)
	}
	return fmt.Sprintf("pod %s: phase=%s ip=%s node=%s", podName, pod.Status.Phase, pod.Status.PodIP, pod.Spec.NodeName)
}

func (p *DeploymentProvisioner) listPods(deploymentName string) ([]corev1.Pod, error) {
	selector := labels.SelectorFromSet(labels.Set{LabelDeploymentName: deploymentName})
	podList, err := p.clientset.CoreV1().Pods(p.config.Namespace).List(context.Background(), metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods for deployment %s: %w", deploymentName, err)
	}
	return podList.Items, nil
}

func (p *DeploymentProvisioner) deploymentSpec(name string, request runnertypes.ReservationRequest) (*appsv1.Deployment, error) {
	container, err := containerSpec(request.Descriptor)
	if err != nil {
		return nil, err
	}

	podLabels := map[string]string{
		LabelType:            typeLabelValue,
		LabelID:              p.config.RunID,
		LabelProject:         p.config.Project,
		LabelInstrumentation: p.config.InstrumentationConfiguration,
		LabelDevice:          request.Descriptor.String(),
		LabelDeploymentName:  name,
	}

	replicas := int32(request.Count)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.config.Namespace,
			Labels:    podLabels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{LabelDeploymentName: name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: podLabels,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}, nil
}

// containerSpec dispatches exhaustively over the descriptor variants. Local
// emulators run on the host, never in the cluster, so the cluster-backed path
// rejects them outright.
func containerSpec(descriptor runnertypes.DeviceDescriptor) (corev1.Container, error) {
	switch descriptor.Kind {
	case runnertypes.LocalEmulator:
		return corev1.Container{}, runnertypes.ErrLocalEmulatorNotSupported

	case runnertypes.CloudEmulator:
		container := corev1.Container{
			Name:  "emulator",
			Image: descriptor.ImageReference(),
		}
		if err := applyResources(&container, descriptor); err != nil {
			return corev1.Container{}, err
		}
		return container, nil

	case runnertypes.Phone:
		container := corev1.Container{
			Name:  "phone-proxy",
			Image: descriptor.ImageReference(),
			Env: []corev1.EnvVar{
				{Name: "DEVICE_MODEL", Value: descriptor.Model},
				{Name: "DEVICE_API", Value: fmt.Sprintf("%d", descriptor.API)},
			},
		}
		if err := applyResources(&container, descriptor); err != nil {
			return corev1.Container{}, err
		}
		return container, nil
	}

	return corev1.Container{}, fmt.Errorf("unknown device kind: %v", descriptor.Kind)
}

func applyResources(container *corev1.Container, descriptor runnertypes.DeviceDescriptor) error {
	requests := corev1.ResourceList{}

	if descriptor.CPURequest != "" {
		cpu, err := resource.ParseQuantity(descriptor.CPURequest)
		if err != nil {
			return fmt.Errorf("parsing cpu request %q: %w", descriptor.CPURequest, err)
		}
		requests[corev1.ResourceCPU] = cpu
	}
	if descriptor.MemoryRequest != "" {
		memory, err := resource.ParseQuantity(descriptor.MemoryRequest)
		if err != nil {
			return fmt.Errorf("parsing memory request %q: %w", descriptor.MemoryRequest, err)
		}
		requests[corev1.ResourceMemory] = memory
	}
	if len(requests) > 0 {
		container.Resources.Requests = requests
	}

	if descriptor.GPU {
		container.Resources.Limits = corev1.ResourceList{
			"nvidia.com/gpu": resource.MustParse("1"),
		}
	}
	return nil
}
