package reservation

import (
	"context"
	"fmt"
	"sync"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/workpool"

	"github.com/sundetova/avito-android/device"
	"github.com/sundetova/avito-android/runnertypes"
	"github.com/sundetova/avito-android/util"
)

// Provisioner is the cluster-facing surface the client drives. Implemented by
// provisioner.DeploymentProvisioner.
type Provisioner interface {
	Create(name string, request runnertypes.ReservationRequest) error
	StreamReady(name string, stop <-chan struct{}, out chan<- runnertypes.PodRecord)
	Delete(name string)
	DeletePod(podName string)
	RunningPods(name string) ([]runnertypes.PodRecord, error)
	PodLogs(ctx context.Context, podName string) (string, error)
	DescribePod(podName string) string
}

// LogSink receives diagnostic worker logs captured during release.
type LogSink interface {
	Save(podName, content string) error
}

type state int

const (
	idling state = iota
	reserving
)

// Client owns the claim/release lifecycle: it turns reservation requests into
// deployments, bridges ready pods to a channel of booted device addresses,
// and tears everything down exactly once.
type Client struct {
	provisioner Provisioner
	controller  device.Controller
	logSink     LogSink
	clock       clock.Clock
	workPool    *workpool.WorkPool
	namespace   string
	logger      lager.Logger

	lock        sync.Mutex
	state       state
	stop        chan struct{}
	deployments []string
	devices     map[string]*device.Device
}

func NewClient(
	logger lager.Logger,
	prov Provisioner,
	controller device.Controller,
	logSink LogSink,
	clk clock.Clock,
	workPool *workpool.WorkPool,
	namespace string,
) *Client {
	return &Client{
		provisioner: prov,
		controller:  controller,
		logSink:     logSink,
		clock:       clk,
		workPool:    workPool,
		namespace:   namespace,
		logger:      logger.Session("reservation"),
		devices:     map[string]*device.Device{},
	}
}

// Claim provisions one deployment per request, streams booted devices onto
// serials and blocks until Release ends the session. Calling Claim while a
// session is open is a contract violation and fails immediately.
//
// A request's devices are withheld from serials until MinReady of them have
// booted, so the scheduler never starts starved on a single device.
func (c *Client) Claim(requests []runnertypes.ReservationRequest, serials chan<- string) error {
	c.lock.Lock()
	if c.state != idling {
		c.lock.Unlock()
		return runnertypes.ErrAlreadyReserving
	}
	c.state = reserving
	c.stop = make(chan struct{})
	stop := c.stop
	c.lock.Unlock()

	logger := c.logger.Session("claim", lager.Data{"requests": len(requests)})
	logger.Info("starting")

	for _, request := range requests {
		name := util.NewDeploymentName(c.namespace)

		c.lock.Lock()
		c.deployments = append(c.deployments, name)
		c.lock.Unlock()

		if err := c.provisioner.Create(name, request); err != nil {
			logger.Error("failed-to-provision", err, lager.Data{"deployment": name})
			return fmt.Errorf("claiming %s: %w", request.Descriptor.String(), err)
		}

		go c.listenForWorkers(logger, name, request, stop, serials)
	}

	<-stop
	logger.Info("done")
	return nil
}

// Release closes the claim session, captures diagnostics from every
// still-running worker and deletes all deployments. Per-worker failures are
// logged and never abort sibling cleanup; deployment deletion is best-effort.
// Calling Release without an open session fails fast with no cluster mutation.
func (c *Client) Release() error {
	c.lock.Lock()
	if c.state != reserving {
		c.lock.Unlock()
		return runnertypes.ErrNotReserving
	}
	c.state = idling
	deployments := c.deployments
	devices := c.devices
	c.deployments = nil
	c.devices = map[string]*device.Device{}
	close(c.stop)
	c.lock.Unlock()

	logger := c.logger.Session("release", lager.Data{"deployments": len(deployments)})
	logger.Info("starting")

	wg := &sync.WaitGroup{}
	wg.Add(len(deployments))
	for _, name := range deployments {
		name := name
		c.workPool.Submit(func() {
			defer wg.Done()
			c.releaseDeployment(logger, name, devices)
		})
	}
	wg.Wait()

	logger.Info("done")
	return nil
}

// DeploymentNames returns the deployments registered by the current session.
func (c *Client) DeploymentNames() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	names := make([]string, len(c.deployments))
	copy(names, c.deployments)
	return names
}

func (c *Client) listenForWorkers(logger lager.Logger, name string, request runnertypes.ReservationRequest, stop <-chan struct{}, serials chan<- string) {
	logger = logger.Session("listen", lager.Data{"deployment": name})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	pods := make(chan runnertypes.PodRecord)
	go func() {
		c.provisioner.StreamReady(name, stop, pods)
		close(pods)
	}()

	booted := []string{}
	thresholdMet := false

	for pod := range pods {
		address, ok := c.bootWorker(ctx, logger, pod, stop)
		if !ok {
			continue
		}

		if thresholdMet {
			if !c.deliver(serials, address, stop) {
				return
			}
			continue
		}

		booted = append(booted, address)
		if len(booted) < request.MinReady {
			logger.Info("holding-below-minimum", lager.Data{"ready": len(booted), "minimum": request.MinReady})
			continue
		}

		thresholdMet = true
		for _, held := range booted {
			if !c.deliver(serials, held, stop) {
				return
			}
		}
		booted = nil
	}
}

// bootWorker connects and boot-waits one worker. A worker that cannot boot is
// useless: it is disconnected and its pod deleted before the next worker is
// processed.
func (c *Client) bootWorker(ctx context.Context, logger lager.Logger, pod runnertypes.PodRecord, stop <-chan struct{}) (string, bool) {
	dev := device.New(c.logger, c.controller, c.clock, device.RemoteAddress(pod.IP))

	if err := dev.Connect(ctx); err != nil {
		logger.Error("failed-to-connect-worker", err, lager.Data{"pod": pod.Name})
		c.provisioner.DeletePod(pod.Name)
		return "", false
	}

	if !dev.WaitForBoot(ctx) {
		logger.Info("worker-failed-to-boot", lager.Data{"pod": pod.Name, "address": dev.Address})
		dev.Disconnect(ctx)
		c.provisioner.DeletePod(pod.Name)
		return "", false
	}

	c.lock.Lock()
	if c.state != reserving || c.stop != stop {
		// release already snapshotted this session's devices; a worker
		// registered now would never be disconnected
		c.lock.Unlock()
		logger.Info("session-closed-discarding-worker", lager.Data{"pod": pod.Name, "address": dev.Address})
		dev.Disconnect(context.Background())
		return "", false
	}
	c.devices[pod.Name] = dev
	c.lock.Unlock()

	logger.Info("worker-ready", lager.Data{"pod": pod.Name, "address": dev.Address})
	return dev.Address, true
}

func (c *Client) deliver(serials chan<- string, address string, stop <-chan struct{}) bool {
	select {
	case serials <- address:
		return true
	case <-stop:
		return false
	}
}

func (c *Client) releaseDeployment(logger lager.Logger, name string, devices map[string]*device.Device) {
	logger = logger.Session("release-deployment", lager.Data{"deployment": name})

	pods, err := c.provisioner.RunningPods(name)
	if err != nil {
		logger.Error("failed-to-enumerate-workers", err)
	}

	for _, pod := range pods {
		c.releaseWorker(logger, pod, devices[pod.Name])
	}

	c.provisioner.Delete(name)
}

// releaseWorker is a recover boundary: whatever happens while capturing one
// worker's diagnostics, the disconnect attempt and the sibling workers still
// get their turn.
func (c *Client) releaseWorker(logger lager.Logger, pod runnertypes.PodRecord, dev *device.Device) {
	address := device.RemoteAddress(pod.IP)
	if dev != nil {
		address = dev.Address
	}
	logger = logger.Session("release-worker", lager.Data{"pod": pod.Name, "address": address})

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panicked-capturing-diagnostics", fmt.Errorf("%v", r), lager.Data{
					"pod-description": c.provisioner.DescribePod(pod.Name),
				})
			}
		}()

		logs, err := c.provisioner.PodLogs(context.Background(), pod.Name)
		if err != nil {
			logger.Error("failed-to-capture-log", err)
			return
		}
		if err := c.logSink.Save(pod.Name, logs); err != nil {
			logger.Error("failed-to-save-log", err)
		}
	}()

	if dev == nil {
		dev = device.New(c.logger, c.controller, c.clock, address)
	}
	dev.Disconnect(context.Background())
}
