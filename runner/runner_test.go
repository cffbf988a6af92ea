package runner_test

import (
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/tedsuo/ifrit"

	"github.com/sundetova/avito-android/quota"
	"github.com/sundetova/avito-android/results"
	. "github.com/sundetova/avito-android/runner"
	"github.com/sundetova/avito-android/runner/fake_runner"
	"github.com/sundetova/avito-android/runnertypes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Runner", func() {
	var executor *fake_runner.FakeExecutor
	var reservations *fake_runner.FakeReservationClient
	var summary *results.Summary
	var policy quota.Policy
	var config Config

	loginTest := runnertypes.TestCase{ClassName: "LoginTest", MethodName: "opensProfile"}
	searchTest := runnertypes.TestCase{ClassName: "SearchTest", MethodName: "findsAdvert"}

	request := runnertypes.ReservationRequest{
		Descriptor: runnertypes.DeviceDescriptor{Kind: runnertypes.CloudEmulator, API: 29, Image: "emulator:29"},
		Count:      1,
		MinReady:   1,
	}

	included := func(test runnertypes.TestCase) runnertypes.FilterVerdict {
		return runnertypes.FilterVerdict{Test: test, Included: true}
	}

	startRunner := func() ifrit.Process {
		suiteRunner := New(logger, executor, reservations, policy, summary, clock.NewClock(), config)
		return ifrit.Invoke(suiteRunner)
	}

	BeforeEach(func() {
		executor = fake_runner.NewFakeExecutor()
		reservations = fake_runner.NewFakeReservationClient("10.0.0.1:5555")
		summary = results.NewSummary(true, true)
		policy = quota.Policy{RetryCount: 1, MinimumSuccessCount: 1}
		config = Config{
			Suite:         []runnertypes.FilterVerdict{included(loginTest), included(searchTest)},
			Requests:      []runnertypes.ReservationRequest{request},
			TargetPackage: "com.avito.android",
		}
	})

	Context("when every test passes first time", func() {
		It("runs each test once and succeeds", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(executor.AttemptsFor(loginTest.Name())).To(Equal(1))
			Expect(executor.AttemptsFor(searchTest.Name())).To(Equal(1))
		})

		It("claims with the configured requests and releases exactly once", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(reservations.ClaimedRequests()).To(HaveLen(1))
			Expect(reservations.ClaimedRequests()[0]).To(ConsistOf(request))
			Expect(reservations.ReleaseCount()).To(Equal(1))
		})

		It("records a finished outcome for every test", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(summary.History(loginTest)).To(HaveLen(1))
			Expect(summary.History(loginTest)[0].Success()).To(BeTrue())
			Expect(summary.History(searchTest)).To(HaveLen(1))
		})
	})

	Context("when a test keeps failing", func() {
		BeforeEach(func() {
			policy = quota.Policy{RetryCount: 3, MinimumSuccessCount: 1}
			executor.ScriptOutcomes(loginTest.Name(),
				runnertypes.FailedInRun("boom"),
				runnertypes.FailedInRun("boom"),
				runnertypes.FailedInRun("boom"),
			)
		})

		It("retries until the attempt budget is exhausted and fails the suite", func() {
			process := startRunner()

			var err error
			Eventually(process.Wait()).Should(Receive(&err))
			Expect(err).To(MatchError(ContainSubstring("exhausted their retry quota")))

			Expect(executor.AttemptsFor(loginTest.Name())).To(Equal(3))
			Expect(executor.AttemptsFor(searchTest.Name())).To(Equal(1))
		})
	})

	Context("when a test is flaky", func() {
		BeforeEach(func() {
			policy = quota.Policy{RetryCount: 3, MinimumSuccessCount: 1, ReportFlakyTests: true}
			executor.ScriptOutcomes(loginTest.Name(),
				runnertypes.FailedInRun("boom"),
				runnertypes.Passed(),
			)
		})

		It("accepts the test after the retry and passes the suite", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(executor.AttemptsFor(loginTest.Name())).To(Equal(2))
			Expect(summary.FlakyTests()).To(ConsistOf(loginTest.Name()))
		})

		It("runs the retry after the other pending tests", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			names := []string{}
			for _, attempt := range executor.ExecutedAttempts() {
				names = append(names, attempt.Execution.Test.Name())
			}
			Expect(names).To(Equal([]string{loginTest.Name(), searchTest.Name(), loginTest.Name()}))
		})
	})

	Context("when the only device suffers an infrastructure failure", func() {
		BeforeEach(func() {
			policy = quota.Policy{RetryCount: 2, MinimumSuccessCount: 1}
			executor.ScriptOutcomes(loginTest.Name(),
				runnertypes.FailedInfrastructure("device vanished", nil),
			)
		})

		It("retires the device and fails with the pool exhausted", func() {
			var err error
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(&err))
			Expect(err).To(MatchError(runnertypes.ErrInsufficientDevices))
			Expect(reservations.ReleaseCount()).To(Equal(1))
		})
	})

	Context("when a broken device has healthy siblings", func() {
		BeforeEach(func() {
			reservations = fake_runner.NewFakeReservationClient("10.0.0.1:5555", "10.0.0.2:5555")
			config.MaxConcurrency = 2
			policy = quota.Policy{RetryCount: 2, MinimumSuccessCount: 1}
			executor.ScriptOutcomes(loginTest.Name(),
				runnertypes.FailedInfrastructure("device vanished", nil),
				runnertypes.Passed(),
			)
		})

		It("finishes the suite on the remaining devices", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(executor.AttemptsFor(loginTest.Name())).To(Equal(2))
			Expect(executor.AttemptsFor(searchTest.Name())).To(Equal(1))
		})
	})

	Context("when a replacement device is still pending as the last loop retires", func() {
		BeforeEach(func() {
			reservations = fake_runner.NewFakeReservationClient("10.0.0.1:5555", "10.0.0.2:5555")
			config.MaxConcurrency = 1
			policy = quota.Policy{RetryCount: 2, MinimumSuccessCount: 1}
			executor.ScriptOutcomes(loginTest.Name(),
				runnertypes.FailedInfrastructure("device vanished", nil),
				runnertypes.Passed(),
			)
			// hold each attempt open long enough for the second device
			// to be waiting on the serials channel
			executor.WhenExecuting(func(string, runnertypes.TestExecution) {
				time.Sleep(50 * time.Millisecond)
			})
		})

		It("admits the pending device instead of declaring the pool exhausted", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(executor.AttemptsFor(loginTest.Name())).To(Equal(2))
			Expect(executor.AttemptsFor(searchTest.Name())).To(Equal(1))
		})
	})

	Context("when the claim fails outright", func() {
		claimFailure := runnertypes.ErrProvisioningTimeout

		BeforeEach(func() {
			reservations.SetClaimError(claimFailure)
		})

		It("fails the run with the claim error", func() {
			var err error
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(&err))
			Expect(err).To(MatchError(claimFailure))
		})
	})

	Context("when the process is signalled mid-run", func() {
		BeforeEach(func() {
			reservations = fake_runner.NewFakeReservationClient()
		})

		It("releases the claim and stops", func() {
			process := startRunner()
			Consistently(process.Wait(), 100*time.Millisecond).ShouldNot(Receive())

			process.Signal(os.Interrupt)
			Eventually(process.Wait()).Should(Receive(BeNil()))
			Expect(reservations.ReleaseCount()).To(Equal(1))
		})
	})

	Context("when the filter excludes tests", func() {
		BeforeEach(func() {
			policy.ReportSkippedTests = true
			config.Suite = []runnertypes.FilterVerdict{
				included(loginTest),
				{Test: searchTest, Included: false, Reason: "annotated @Flaky"},
			}
		})

		It("never schedules them and reports them as skipped", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(executor.AttemptsFor(searchTest.Name())).To(Equal(0))
			Expect(summary.SkippedTests()).To(HaveKeyWithValue(searchTest.Name(), "annotated @Flaky"))
		})
	})

	Context("when the filter excludes tests and skipped reporting is off", func() {
		BeforeEach(func() {
			policy.ReportSkippedTests = false
			config.Suite = []runnertypes.FilterVerdict{
				included(loginTest),
				{Test: searchTest, Included: false, Reason: "annotated @Flaky"},
			}
		})

		It("keeps the exclusions away from the listeners entirely", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))

			Expect(executor.AttemptsFor(searchTest.Name())).To(Equal(0))
			Expect(summary.SkippedTests()).To(BeEmpty())
		})
	})

	Context("when the filter excludes everything", func() {
		BeforeEach(func() {
			config.Suite = []runnertypes.FilterVerdict{
				{Test: loginTest, Included: false, Reason: "annotated @Flaky"},
			}
		})

		It("succeeds without claiming any devices", func() {
			process := startRunner()
			Eventually(process.Wait()).Should(Receive(BeNil()))
			Expect(reservations.ClaimedRequests()).To(BeEmpty())
		})
	})
})
