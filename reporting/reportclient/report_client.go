package reportclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"code.cloudfoundry.org/lager/v3"
	"github.com/tedsuo/rata"

	"github.com/sundetova/avito-android/reporting/routes"
	"github.com/sundetova/avito-android/runnertypes"
)

// RunResult is the viewer's wire format for one finished attempt.
type RunResult struct {
	TestName      string `json:"test_name"`
	ClassName     string `json:"class_name"`
	MethodName    string `json:"method_name"`
	TargetPackage string `json:"target_package"`
	DeviceAddress string `json:"device_address"`
	Attempt       int    `json:"attempt"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

// Client uploads per-attempt results to the external report viewer. It
// implements results.Listener; upload failures are logged and swallowed,
// reporting must never fail the run.
type Client struct {
	client           *http.Client
	runID            string
	requestGenerator *rata.RequestGenerator
	logger           lager.Logger
}

func New(client *http.Client, address, runID string, logger lager.Logger) *Client {
	return &Client{
		client:           client,
		runID:            runID,
		requestGenerator: rata.NewRequestGenerator(address, routes.Routes),
		logger:           logger.Session("report-client", lager.Data{"run-id": runID}),
	}
}

func (c *Client) Started(deviceAddress, targetPackage string, test runnertypes.TestCase, attempt int) {
}

func (c *Client) Finished(deviceAddress string, test runnertypes.TestCase, targetPackage string, outcome runnertypes.Outcome, durationMs int64, attempt int) {
	logger := c.logger.Session("add-result", lager.Data{"test": test.Name(), "attempt": attempt})

	result := RunResult{
		TestName:      test.Name(),
		ClassName:     test.ClassName,
		MethodName:    test.MethodName,
		TargetPackage: targetPackage,
		DeviceAddress: deviceAddress,
		Attempt:       attempt,
		Status:        statusFor(outcome),
		Message:       outcome.Message,
		DurationMs:    durationMs,
	}

	if err := c.post(logger, routes.AddResult, result); err != nil {
		logger.Error("failed-to-upload-result", err)
	}
}

func (c *Client) Skipped(test runnertypes.TestCase, reason string) {
	logger := c.logger.Session("add-skipped", lager.Data{"test": test.Name()})

	result := RunResult{
		TestName:   test.Name(),
		ClassName:  test.ClassName,
		MethodName: test.MethodName,
		Status:     "skipped",
		Message:    reason,
	}

	if err := c.post(logger, routes.AddResult, result); err != nil {
		logger.Error("failed-to-upload-skipped", err)
	}
}

// CreateRun registers the run with the viewer before results start flowing.
func (c *Client) CreateRun(project string) error {
	logger := c.logger.Session("create-run")

	payload := struct {
		RunID   string `json:"run_id"`
		Project string `json:"project"`
	}{RunID: c.runID, Project: project}

	if err := c.post(logger, routes.CreateRun, payload); err != nil {
		logger.Error("failed-to-create-run", err)
		return err
	}
	return nil
}

// FinishRun tells the viewer the run is complete.
func (c *Client) FinishRun() error {
	logger := c.logger.Session("finish-run")
	if err := c.post(logger, routes.FinishRun, struct{}{}); err != nil {
		logger.Error("failed-to-finish-run", err)
		return err
	}
	return nil
}

func (c *Client) post(logger lager.Logger, route string, payload interface{}) error {
	logger.Debug("requesting")

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := c.requestGenerator.CreateRequest(route, rata.Params{"run_id": c.runID}, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	logger.Debug("done")
	return nil
}

func statusFor(outcome runnertypes.Outcome) string {
	switch outcome.Kind {
	case runnertypes.OutcomePassed:
		return "passed"
	case runnertypes.OutcomeIgnored:
		return "ignored"
	case runnertypes.OutcomeFailedInRun:
		return "failed"
	case runnertypes.OutcomeFailedInfrastructure:
		return "lost"
	}
	return "unknown"
}
