package quota_test

import (
	. "github.com/sundetova/avito-android/quota"
	"github.com/sundetova/avito-android/runnertypes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Policy", func() {
	var policy Policy

	failed := runnertypes.FailedInRun("assertion failed")
	lost := runnertypes.FailedInfrastructure("device vanished", nil)

	Describe("Decide", func() {
		Context("with the default budget of one attempt and one required success", func() {
			BeforeEach(func() {
				policy = Policy{RetryCount: 1, MinimumSuccessCount: 1}
			})

			It("accepts after a single passing attempt", func() {
				Expect(policy.Decide([]runnertypes.Outcome{runnertypes.Passed()})).To(Equal(Accept))
			})

			It("gives up after a single failing attempt", func() {
				Expect(policy.Decide([]runnertypes.Outcome{failed})).To(Equal(GiveUp))
			})

			It("gives up after a single infrastructure failure", func() {
				Expect(policy.Decide([]runnertypes.Outcome{lost})).To(Equal(GiveUp))
			})
		})

		Context("with a budget of three attempts", func() {
			BeforeEach(func() {
				policy = Policy{RetryCount: 3, MinimumSuccessCount: 1}
			})

			It("retries a failing test while budget remains", func() {
				Expect(policy.Decide([]runnertypes.Outcome{failed})).To(Equal(Retry))
				Expect(policy.Decide([]runnertypes.Outcome{failed, failed})).To(Equal(Retry))
			})

			It("gives up when the budget is exhausted without a pass", func() {
				Expect(policy.Decide([]runnertypes.Outcome{failed, failed, failed})).To(Equal(GiveUp))
			})

			It("accepts as soon as a pass lands, without using the rest of the budget", func() {
				Expect(policy.Decide([]runnertypes.Outcome{failed, runnertypes.Passed()})).To(Equal(Accept))
			})

			It("treats infrastructure failures as consuming the budget", func() {
				Expect(policy.Decide([]runnertypes.Outcome{lost, failed})).To(Equal(Retry))
				Expect(policy.Decide([]runnertypes.Outcome{lost, failed, lost})).To(Equal(GiveUp))
			})
		})

		Context("when more than one success is required", func() {
			BeforeEach(func() {
				policy = Policy{RetryCount: 5, MinimumSuccessCount: 2}
			})

			It("keeps retrying after the first pass", func() {
				Expect(policy.Decide([]runnertypes.Outcome{runnertypes.Passed()})).To(Equal(Retry))
			})

			It("accepts once the minimum is met", func() {
				Expect(policy.Decide([]runnertypes.Outcome{
					runnertypes.Passed(), failed, runnertypes.Passed(),
				})).To(Equal(Accept))
			})

			It("gives up when the budget cannot deliver the minimum", func() {
				Expect(policy.Decide([]runnertypes.Outcome{
					runnertypes.Passed(), failed, failed, failed, failed,
				})).To(Equal(GiveUp))
			})
		})

		Context("when a test reports itself ignored", func() {
			BeforeEach(func() {
				policy = Policy{RetryCount: 5, MinimumSuccessCount: 3}
			})

			It("accepts immediately regardless of the success minimum", func() {
				Expect(policy.Decide([]runnertypes.Outcome{runnertypes.Ignored()})).To(Equal(Accept))
			})

			It("accepts even when earlier attempts failed", func() {
				Expect(policy.Decide([]runnertypes.Outcome{failed, runnertypes.Ignored()})).To(Equal(Accept))
			})
		})
	})

	Describe("Flaky", func() {
		It("is false for a clean pass", func() {
			Expect(Flaky([]runnertypes.Outcome{runnertypes.Passed()})).To(BeFalse())
		})

		It("is true when an accepted history carries a failed attempt", func() {
			Expect(Flaky([]runnertypes.Outcome{failed, runnertypes.Passed()})).To(BeTrue())
		})
	})

	Describe("SuiteFailed", func() {
		It("passes a suite with only accepted verdicts", func() {
			Expect(SuiteFailed(map[string]Decision{"a.b": Accept, "c.d": Accept})).To(BeFalse())
		})

		It("fails the suite when any test was given up on", func() {
			Expect(SuiteFailed(map[string]Decision{"a.b": Accept, "c.d": GiveUp})).To(BeTrue())
		})

		It("passes an empty suite", func() {
			Expect(SuiteFailed(map[string]Decision{})).To(BeFalse())
		})
	})
})
