package fake_device

import (
	"context"
	"sync"
)

// FakeController is a scriptable in-memory device transport for tests.
type FakeController struct {
	lock *sync.Mutex

	connectErrs    map[string]error
	disconnectErrs map[string]error
	bootErrs       map[string]error
	bootSequences  map[string][]bool
	logs           map[string]string
	logsErrs       map[string]error

	connected    []string
	disconnected []string
	bootProbes   map[string]int

	connectGates map[string]chan struct{}
	connectCalls map[string]int
}

func NewFakeController() *FakeController {
	return &FakeController{
		lock:           &sync.Mutex{},
		connectErrs:    map[string]error{},
		disconnectErrs: map[string]error{},
		bootErrs:       map[string]error{},
		bootSequences:  map[string][]bool{},
		logs:           map[string]string{},
		logsErrs:       map[string]error{},
		bootProbes:     map[string]int{},
		connectGates:   map[string]chan struct{}{},
		connectCalls:   map[string]int{},
	}
}

func (c *FakeController) Connect(ctx context.Context, address string) error {
	c.lock.Lock()
	c.connectCalls[address]++
	gate := c.connectGates[address]
	c.lock.Unlock()

	if gate != nil {
		<-gate
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.connectErrs[address]; err != nil {
		return err
	}
	c.connected = append(c.connected, address)
	return nil
}

func (c *FakeController) Disconnect(ctx context.Context, address string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.disconnected = append(c.disconnected, address)
	return c.disconnectErrs[address]
}

// BootCompleted consumes the scripted boot sequence for the address; once the
// sequence runs out it keeps returning the final value. Unscripted addresses
// boot immediately.
func (c *FakeController) BootCompleted(ctx context.Context, address string) (bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.bootProbes[address]++

	if err := c.bootErrs[address]; err != nil {
		return false, err
	}

	sequence, scripted := c.bootSequences[address]
	if !scripted || len(sequence) == 0 {
		return !scripted, nil
	}
	result := sequence[0]
	if len(sequence) > 1 {
		c.bootSequences[address] = sequence[1:]
	}
	return result, nil
}

func (c *FakeController) FetchLogs(ctx context.Context, address string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.logsErrs[address]; err != nil {
		return "", err
	}
	return c.logs[address], nil
}

// GateConnect makes Connect calls for the address block until
// ReleaseConnect opens the gate.
func (c *FakeController) GateConnect(address string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.connectGates[address] = make(chan struct{})
}

func (c *FakeController) ReleaseConnect(address string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if gate, ok := c.connectGates[address]; ok {
		close(gate)
		delete(c.connectGates, address)
	}
}

func (c *FakeController) ConnectCalls(address string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connectCalls[address]
}

func (c *FakeController) SetConnectError(address string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.connectErrs[address] = err
}

func (c *FakeController) SetDisconnectError(address string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.disconnectErrs[address] = err
}

func (c *FakeController) SetBootError(address string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.bootErrs[address] = err
}

func (c *FakeController) SetBootSequence(address string, sequence ...bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.bootSequences[address] = sequence
}

func (c *FakeController) SetLogs(address, logs string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.logs[address] = logs
}

func (c *FakeController) SetLogsError(address string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.logsErrs[address] = err
}

func (c *FakeController) ConnectedAddresses() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	addresses := make([]string, len(c.connected))
	copy(addresses, c.connected)
	return addresses
}

func (c *FakeController) DisconnectedAddresses() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	addresses := make([]string, len(c.disconnected))
	copy(addresses, c.disconnected)
	return addresses
}

func (c *FakeController) BootProbeCount(address string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.bootProbes[address]
}
