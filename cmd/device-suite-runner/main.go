package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/workpool"
	"github.com/google/uuid"
	"github.com/tedsuo/ifrit"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sundetova/avito-android/device/adb"
	"github.com/sundetova/avito-android/provisioner"
	"github.com/sundetova/avito-android/quota"
	"github.com/sundetova/avito-android/reporting/reportclient"
	"github.com/sundetova/avito-android/reservation"
	"github.com/sundetova/avito-android/results"
	"github.com/sundetova/avito-android/runner"
	"github.com/sundetova/avito-android/runnertypes"
)

var kubeconfig = flag.String("kubeconfig", "", "path to a kubeconfig; in-cluster config is used when empty")
var namespace = flag.String("namespace", "default", "namespace to provision device deployments in")
var project = flag.String("project", "", "project label applied to provisioned workloads")
var runID = flag.String("runId", "", "run identifier; generated when empty")
var instrumentationConfiguration = flag.String("instrumentationConfiguration", "", "instrumentation configuration label")

var suiteFile = flag.String("suiteFile", "", "path to the JSON suite file of filter verdicts")
var targetPackage = flag.String("targetPackage", "", "application package under test")
var testRunnerClass = flag.String("testRunnerClass", "androidx.test.runner.AndroidJUnitRunner", "instrumentation runner class")
var adbBinary = flag.String("adbBinary", "adb", "adb binary to drive devices with")
var logDir = flag.String("logDir", "test-artifacts/device-logs", "directory worker logs are captured into on release")

var deviceKind = flag.String("deviceKind", "cloud-emulator", "device flavor: cloud-emulator or phone")
var deviceAPI = flag.Int("deviceApi", 29, "android api level")
var deviceModel = flag.String("deviceModel", "", "phone model (phone flavor only)")
var deviceImage = flag.String("deviceImage", "", "emulator image (cloud-emulator flavor only)")
var deviceRegistry = flag.String("deviceRegistry", "", "image registry prefix; image is used verbatim when empty")
var cpuRequest = flag.String("cpuRequest", "", "worker cpu request, e.g. 1500m")
var memoryRequest = flag.String("memoryRequest", "", "worker memory request, e.g. 3500Mi")
var gpu = flag.Bool("gpu", false, "schedule workers onto gpu nodes")

var testsPerDevice = flag.Int("testsPerDevice", 12, "tests one device is expected to absorb")
var minDevices = flag.Int("minDevices", 2, "lower clamp on the provisioned device count")
var maxDevices = flag.Int("maxDevices", 50, "upper clamp on the provisioned device count")
var minReady = flag.Int("minReady", 1, "booted devices required before scheduling starts")
var maxConcurrency = flag.Int("maxConcurrency", 0, "execution loop cap; defaults to the device count")
var creationTimeout = flag.Duration("creationTimeout", 5*time.Minute, "how long a deployment may take to reach its pod count")

var retryCount = flag.Int("retryCount", 1, "total attempt budget per test")
var minimumSuccessCount = flag.Int("minimumSuccessCount", 1, "successful attempts required to accept a test")
var reportFlakyTests = flag.Bool("reportFlakyTests", false, "surface tests that needed retries to pass")
var reportSkippedTests = flag.Bool("reportSkippedTests", false, "surface filter-excluded tests in the report")

var reportViewerURL = flag.String("reportViewerUrl", "", "report viewer base url; reporting is disabled when empty")

func main() {
	flag.Parse()

	logger := lager.NewLogger("device-suite-runner")
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, lager.INFO))

	if *runID == "" {
		*runID = uuid.NewString()
	}

	suite, err := loadSuite(*suiteFile)
	if err != nil {
		logger.Fatal("failed-to-load-suite", err)
	}
	included := 0
	for _, verdict := range suite {
		if verdict.Included {
			included++
		}
	}

	clientset, err := buildClientset(*kubeconfig)
	if err != nil {
		logger.Fatal("failed-to-build-kube-client", err)
	}

	descriptor, err := buildDescriptor()
	if err != nil {
		logger.Fatal("invalid-device-flags", err)
	}

	request := runnertypes.ReservationRequest{
		Descriptor: descriptor,
		Count:      runnertypes.DeviceCountForTests(included, *testsPerDevice, *minDevices, *maxDevices),
		MinReady:   *minReady,
	}

	clk := clock.NewClock()

	prov := provisioner.New(logger, clientset, clk, provisioner.Config{
		Namespace:                    *namespace,
		Project:                      *project,
		RunID:                        *runID,
		InstrumentationConfiguration: *instrumentationConfiguration,
		CreationTimeout:              *creationTimeout,
	})

	workPool, err := workpool.NewWorkPool(request.Count)
	if err != nil {
		logger.Fatal("failed-to-construct-workpool", err)
	}
	defer workPool.Stop()

	logSink, err := reservation.NewDirectoryLogSink(*logDir)
	if err != nil {
		logger.Fatal("failed-to-create-log-sink", err)
	}

	controller := adb.NewController(logger, *adbBinary)
	reservations := reservation.NewClient(logger, prov, controller, logSink, clk, workPool, *namespace)

	summary := results.NewSummary(*reportFlakyTests, *reportSkippedTests)
	listeners := []results.Listener{summary}

	var reporter *reportclient.Client
	if *reportViewerURL != "" {
		reporter = reportclient.New(&http.Client{Timeout: 30 * time.Second}, *reportViewerURL, *runID, logger)
		listeners = append(listeners, reporter)
		if err := reporter.CreateRun(*project); err != nil {
			logger.Error("failed-to-register-run", err)
		}
	}

	executor := adb.NewExecutor(logger, controller, *testRunnerClass, nil)

	suiteRunner := runner.New(
		logger,
		executor,
		reservations,
		quota.Policy{
			RetryCount:          *retryCount,
			MinimumSuccessCount: *minimumSuccessCount,
			ReportFlakyTests:    *reportFlakyTests,
			ReportSkippedTests:  *reportSkippedTests,
		},
		results.NewCompositeListener(listeners...),
		clk,
		runner.Config{
			Suite:          suite,
			Requests:       []runnertypes.ReservationRequest{request},
			TargetPackage:  *targetPackage,
			MaxConcurrency: *maxConcurrency,
		},
	)

	logger.Info("starting", lager.Data{
		"run-id":  *runID,
		"tests":   included,
		"devices": request.Count,
		"device":  descriptor.String(),
	})

	process := ifrit.Invoke(suiteRunner)
	runErr := <-process.Wait()

	if reporter != nil {
		if err := reporter.FinishRun(); err != nil {
			logger.Error("failed-to-finish-run", err)
		}
	}
	for _, name := range summary.FlakyTests() {
		logger.Info("flaky-test", lager.Data{"test": name})
	}

	if runErr != nil {
		logger.Error("suite-failed", runErr)
		os.Exit(1)
	}
	logger.Info("suite-passed")
}

func loadSuite(path string) ([]runnertypes.FilterVerdict, error) {
	if path == "" {
		return nil, fmt.Errorf("-suiteFile is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite file: %w", err)
	}
	suite := []runnertypes.FilterVerdict{}
	if err := json.Unmarshal(raw, &suite); err != nil {
		return nil, fmt.Errorf("parsing suite file %s: %w", path, err)
	}
	return suite, nil
}

func buildClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error
	if kubeconfigPath == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func buildDescriptor() (runnertypes.DeviceDescriptor, error) {
	descriptor := runnertypes.DeviceDescriptor{
		API:           *deviceAPI,
		Registry:      *deviceRegistry,
		CPURequest:    *cpuRequest,
		MemoryRequest: *memoryRequest,
		GPU:           *gpu,
	}

	switch *deviceKind {
	case "cloud-emulator":
		if *deviceImage == "" {
			return descriptor, fmt.Errorf("-deviceImage is required for cloud emulators")
		}
		descriptor.Kind = runnertypes.CloudEmulator
		descriptor.Image = *deviceImage
	case "phone":
		if *deviceModel == "" {
			return descriptor, fmt.Errorf("-deviceModel is required for phones")
		}
		descriptor.Kind = runnertypes.Phone
		descriptor.Model = *deviceModel
	default:
		return descriptor, fmt.Errorf("unsupported device kind %q", *deviceKind)
	}
	return descriptor, nil
}
