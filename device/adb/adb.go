package adb

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"code.cloudfoundry.org/lager/v3"

	"github.com/sundetova/avito-android/runnertypes"
)

const DefaultBinary = "adb"

// Controller drives device endpoints through the adb binary. It implements
// device.Controller.
type Controller struct {
	binary string
	logger lager.Logger
}

func NewController(logger lager.Logger, binary string) *Controller {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Controller{
		binary: binary,
		logger: logger.Session("adb"),
	}
}

func (c *Controller) Connect(ctx context.Context, address string) error {
	output, err := c.run(ctx, "connect", address)
	if err != nil {
		return err
	}
	// adb connect reports refusals on stdout with a zero exit code
	if strings.Contains(output, "failed to connect") || strings.Contains(output, "unable to connect") {
		return fmt.Errorf("connecting to %s: %s", address, strings.TrimSpace(output))
	}
	return nil
}

func (c *Controller) Disconnect(ctx context.Context, address string) error {
	_, err := c.run(ctx, "disconnect", address)
	return err
}

func (c *Controller) BootCompleted(ctx context.Context, address string) (bool, error) {
	output, err := c.run(ctx, "-s", address, "shell", "getprop", "sys.boot_completed")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) == "1", nil
}

func (c *Controller) FetchLogs(ctx context.Context, address string) (string, error) {
	return c.run(ctx, "-s", address, "logcat", "-d")
}

func (c *Controller) run(ctx context.Context, args ...string) (string, error) {
	c.logger.Debug("exec", lager.Data{"args": args})
	output, err := exec.CommandContext(ctx, c.binary, args...).CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Executor runs one instrumentation attempt per test through `am instrument`
// and classifies its textual verdict. It implements runner.Executor.
type Executor struct {
	controller  *Controller
	runnerClass string
	extraArgs   []string
	logger      lager.Logger
}

func NewExecutor(logger lager.Logger, controller *Controller, runnerClass string, extraArgs []string) *Executor {
	return &Executor{
		controller:  controller,
		runnerClass: runnerClass,
		extraArgs:   extraArgs,
		logger:      logger.Session("instrumentation"),
	}
}

func (e *Executor) Execute(ctx context.Context, deviceAddress string, execution runnertypes.TestExecution) runnertypes.Outcome {
	logger := e.logger.Session("execute", lager.Data{
		"address": deviceAddress,
		"test":    execution.Test.Name(),
		"attempt": execution.Attempt,
	})
	logger.Info("starting")

	args := []string{
		"-s", deviceAddress,
		"shell", "am", "instrument", "-w", "-r",
		"-e", "class", execution.Test.ClassName + "#" + execution.Test.MethodName,
	}
	args = append(args, e.extraArgs...)
	args = append(args, execution.TargetPackage+"/"+e.runnerClass)

	output, err := e.controller.run(ctx, args...)
	if err != nil {
		logger.Error("failed-to-run-instrumentation", err)
		return runnertypes.FailedInfrastructure("instrumentation did not run", err)
	}

	outcome := Classify(output)
	logger.Info("done", lager.Data{"outcome": outcome.String()})
	return outcome
}

// Classify reads the raw `am instrument -r` status stream. A missing terminal
// status means the instrumentation process died underneath us, which is an
// infrastructure fault rather than a test verdict.
func Classify(output string) runnertypes.Outcome {
	switch {
	case strings.Contains(output, "INSTRUMENTATION_FAILED") ||
		strings.Contains(output, "Process crashed"):
		return runnertypes.FailedInfrastructure("instrumentation crashed", fmt.Errorf("%s", lastLine(output)))
	case strings.Contains(output, "INSTRUMENTATION_STATUS_CODE: -2"):
		return runnertypes.FailedInRun(stackTrace(output))
	case strings.Contains(output, "INSTRUMENTATION_STATUS_CODE: -3") ||
		strings.Contains(output, "INSTRUMENTATION_STATUS_CODE: -4"):
		return runnertypes.Ignored()
	case strings.Contains(output, "INSTRUMENTATION_STATUS_CODE: 0"):
		return runnertypes.Passed()
	}
	return runnertypes.FailedInfrastructure("no instrumentation verdict", fmt.Errorf("%s", lastLine(output)))
}

func stackTrace(output string) string {
	marker := "INSTRUMENTATION_STATUS: stack="
	index := strings.LastIndex(output, marker)
	if index < 0 {
		return "test failed"
	}
	trace := output[index+len(marker):]
	if end := strings.Index(trace, "INSTRUMENTATION_STATUS_CODE"); end >= 0 {
		trace = trace[:end]
	}
	return strings.TrimSpace(trace)
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
