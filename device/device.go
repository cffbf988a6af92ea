package device

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
)

const LocalAddress = "local"

const DefaultRemotePort = 5555
const DefaultBootTimeout = 5 * time.Minute
const DefaultBootPollInterval = 2 * time.Second

// Controller is the live boundary to the device transport (an adb-like
// console). Failures are classified here, never retried; retry policy lives
// in the caller.
type Controller interface {
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error
	BootCompleted(ctx context.Context, address string) (bool, error)
	FetchLogs(ctx context.Context, address string) (string, error)
}

// RemoteAddress builds the connection address for a cluster worker.
func RemoteAddress(ip string) string {
	return fmt.Sprintf("%s:%d", ip, DefaultRemotePort)
}

// Device is a handle to one controllable device endpoint. The address is
// immutable once assigned.
type Device struct {
	Address string

	controller       Controller
	clock            clock.Clock
	bootTimeout      time.Duration
	bootPollInterval time.Duration
	logger           lager.Logger
}

func New(logger lager.Logger, controller Controller, clk clock.Clock, address string) *Device {
	return &Device{
		Address:          address,
		controller:       controller,
		clock:            clk,
		bootTimeout:      DefaultBootTimeout,
		bootPollInterval: DefaultBootPollInterval,
		logger:           logger.Session("device", lager.Data{"address": address}),
	}
}

func (d *Device) WithBootTimeout(timeout, pollInterval time.Duration) *Device {
	d.bootTimeout = timeout
	d.bootPollInterval = pollInterval
	return d
}

func (d *Device) Connect(ctx context.Context) error {
	logger := d.logger.Session("connect")
	logger.Debug("starting")

	if err := d.controller.Connect(ctx, d.Address); err != nil {
		logger.Error("failed-to-connect", err)
		return fmt.Errorf("connecting to %s: %w", d.Address, err)
	}

	logger.Debug("done")
	return nil
}

// WaitForBoot polls the boot probe until the device reports ready or the
// boot deadline elapses. A timeout is not an error: it returns false.
func (d *Device) WaitForBoot(ctx context.Context) bool {
	logger := d.logger.Session("wait-for-boot")
	logger.Debug("starting")

	timer := d.clock.NewTimer(d.bootTimeout)
	defer timer.Stop()
	poll := d.clock.NewTicker(d.bootPollInterval)
	defer poll.Stop()

	for {
		booted, err := d.controller.BootCompleted(ctx, d.Address)
		if err != nil {
			logger.Error("boot-probe-failed", err)
		} else if booted {
			logger.Debug("done")
			return true
		}

		select {
		case <-timer.C():
			logger.Info("timed-out-waiting-for-boot", lager.Data{"timeout": d.bootTimeout.String()})
			return false
		case <-ctx.Done():
			logger.Info("cancelled-waiting-for-boot")
			return false
		case <-poll.C():
		}
	}
}

// Disconnect is best-effort and is always worth attempting, even after a
// failed connect or boot.
func (d *Device) Disconnect(ctx context.Context) error {
	logger := d.logger.Session("disconnect")
	logger.Debug("starting")

	if err := d.controller.Disconnect(ctx, d.Address); err != nil {
		logger.Error("failed-to-disconnect", err)
		return fmt.Errorf("disconnecting from %s: %w", d.Address, err)
	}

	logger.Debug("done")
	return nil
}

// FetchLogs is best-effort; callers log failures rather than propagate them.
func (d *Device) FetchLogs(ctx context.Context) (string, error) {
	logger := d.logger.Session("fetch-logs")

	logs, err := d.controller.FetchLogs(ctx, d.Address)
	if err != nil {
		logger.Error("failed-to-fetch-logs", err)
		return "", err
	}
	return logs, nil
}
