package fake_provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/sundetova/avito-android/runnertypes"
)

type CreatedDeployment struct {
	Name    string
	Request runnertypes.ReservationRequest
}

// FakeProvisioner is a scriptable in-memory stand-in for the deployment
// provisioner. Pods are scripted per Create call in order: the i-th created
// deployment streams the i-th scripted pod slice.
type FakeProvisioner struct {
	lock *sync.Mutex

	scriptedPods [][]runnertypes.PodRecord
	createErrs   []error

	created     []CreatedDeployment
	deleted     []string
	deletedPods []string

	running    map[string][]runnertypes.PodRecord
	runningErr error

	logs       map[string]string
	logsErrs   map[string]error
	logsPanics map[string]bool
}

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{
		lock:       &sync.Mutex{},
		running:    map[string][]runnertypes.PodRecord{},
		logs:       map[string]string{},
		logsErrs:   map[string]error{},
		logsPanics: map[string]bool{},
	}
}

func (p *FakeProvisioner) Create(name string, request runnertypes.ReservationRequest) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		if err != nil {
			return err
		}
	}

	var pods []runnertypes.PodRecord
	if len(p.scriptedPods) > 0 {
		pods = p.scriptedPods[0]
		p.scriptedPods = p.scriptedPods[1:]
	}

	p.created = append(p.created, CreatedDeployment{Name: name, Request: request})
	p.running[name] = pods
	return nil
}

// StreamReady sends the pods scripted for the deployment, then blocks until
// stop closes, matching the real provisioner's contract.
func (p *FakeProvisioner) StreamReady(name string, stop <-chan struct{}, out chan<- runnertypes.PodRecord) {
	p.lock.Lock()
	pods := make([]runnertypes.PodRecord, len(p.running[name]))
	copy(pods, p.running[name])
	p.lock.Unlock()

	for _, pod := range pods {
		select {
		case out <- pod:
		case <-stop:
			return
		}
	}
	<-stop
}

func (p *FakeProvisioner) Delete(name string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.deleted = append(p.deleted, name)
	delete(p.running, name)
}

func (p *FakeProvisioner) DeletePod(podName string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.deletedPods = append(p.deletedPods, podName)
	for name, pods := range p.running {
		remaining := pods[:0]
		for _, pod := range pods {
			if pod.Name != podName {
				remaining = append(remaining, pod)
			}
		}
		p.running[name] = remaining
	}
}

func (p *FakeProvisioner) RunningPods(name string) ([]runnertypes.PodRecord, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.runningErr != nil {
		return nil, p.runningErr
	}
	pods := make([]runnertypes.PodRecord, len(p.running[name]))
	copy(pods, p.running[name])
	return pods, nil
}

func (p *FakeProvisioner) PodLogs(ctx context.Context, podName string) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.logsPanics[podName] {
		panic(fmt.Sprintf("log stream for %s broke", podName))
	}
	if err := p.logsErrs[podName]; err != nil {
		return "", err
	}
	return p.logs[podName], nil
}

func (p *FakeProvisioner) DescribePod(podName string) string {
	return "pod/" + podName
}

func (p *FakeProvisioner) ScriptPods(pods ...runnertypes.PodRecord) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.scriptedPods = append(p.scriptedPods, pods)
}

func (p *FakeProvisioner) ScriptCreateError(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.createErrs = append(p.createErrs, err)
}

func (p *FakeProvisioner) SetRunningPodsError(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.runningErr = err
}

func (p *FakeProvisioner) SetPodLogs(podName, content string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.logs[podName] = content
}

func (p *FakeProvisioner) SetPodLogsError(podName string, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.logsErrs[podName] = err
}

func (p *FakeProvisioner) SetPodLogsPanic(podName string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.logsPanics[podName] = true
}

func (p *FakeProvisioner) CreatedDeployments() []CreatedDeployment {
	p.lock.Lock()
	defer p.lock.Unlock()
	created := make([]CreatedDeployment, len(p.created))
	copy(created, p.created)
	return created
}

func (p *FakeProvisioner) DeletedDeployments() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	deleted := make([]string, len(p.deleted))
	copy(deleted, p.deleted)
	return deleted
}

func (p *FakeProvisioner) DeletedPods() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	deleted := make([]string, len(p.deletedPods))
	copy(deleted, p.deletedPods)
	return deleted
}
