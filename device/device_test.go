package device_test

import (
	"context"
	"errors"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	. "github.com/sundetova/avito-android/device"
	"github.com/sundetova/avito-android/device/fake_device"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Device", func() {
	var controller *fake_device.FakeController
	var fakeClock *fakeclock.FakeClock
	var dev *Device

	address := "10.0.0.7:5555"
	pollInterval := 2 * time.Second
	bootTimeout := 10 * time.Second

	BeforeEach(func() {
		controller = fake_device.NewFakeController()
		fakeClock = fakeclock.NewFakeClock(time.Unix(0, 123))
		dev = New(logger, controller, fakeClock, address).WithBootTimeout(bootTimeout, pollInterval)
	})

	Describe("RemoteAddress", func() {
		It("appends the default console port to the pod ip", func() {
			Expect(RemoteAddress("10.0.0.7")).To(Equal("10.0.0.7:5555"))
		})
	})

	Describe("Connect", func() {
		It("connects through the controller", func() {
			Expect(dev.Connect(context.Background())).To(Succeed())
			Expect(controller.ConnectedAddresses()).To(ConsistOf(address))
		})

		Context("when the controller refuses", func() {
			BeforeEach(func() {
				controller.SetConnectError(address, errors.New("connection refused"))
			})

			It("returns the error", func() {
				Expect(dev.Connect(context.Background())).To(MatchError(ContainSubstring("connection refused")))
			})
		})
	})

	Describe("WaitForBoot", func() {
		Context("when the device is already booted", func() {
			It("returns true without waiting", func() {
				Expect(dev.WaitForBoot(context.Background())).To(BeTrue())
				Expect(controller.BootProbeCount(address)).To(Equal(1))
			})
		})

		Context("when the device boots after a few polls", func() {
			BeforeEach(func() {
				controller.SetBootSequence(address, false, false, true)
			})

			It("polls until the boot probe succeeds", func() {
				result := make(chan bool)
				go func() {
					result <- dev.WaitForBoot(context.Background())
				}()

				fakeClock.WaitForNWatchersAndIncrement(pollInterval, 2)
				Eventually(func() int { return controller.BootProbeCount(address) }).Should(Equal(2))

				fakeClock.Increment(pollInterval)

				Eventually(result).Should(Receive(BeTrue()))
				Expect(controller.BootProbeCount(address)).To(Equal(3))
			})
		})

		Context("when the device never boots", func() {
			BeforeEach(func() {
				controller.SetBootSequence(address, false)
			})

			It("gives up at the boot deadline", func() {
				result := make(chan bool)
				go func() {
					result <- dev.WaitForBoot(context.Background())
				}()

				fakeClock.WaitForNWatchersAndIncrement(bootTimeout, 2)

				Eventually(result).Should(Receive(BeFalse()))
			})
		})

		Context("when the boot probe keeps erroring", func() {
			BeforeEach(func() {
				controller.SetBootError(address, errors.New("device offline"))
			})

			It("keeps polling and gives up at the deadline", func() {
				result := make(chan bool)
				go func() {
					result <- dev.WaitForBoot(context.Background())
				}()

				fakeClock.WaitForNWatchersAndIncrement(pollInterval, 2)
				Eventually(func() int { return controller.BootProbeCount(address) }).Should(Equal(2))

				fakeClock.Increment(bootTimeout)

				Eventually(result).Should(Receive(BeFalse()))
				Expect(controller.BootProbeCount(address)).To(BeNumerically(">=", 2))
			})
		})

		Context("when the claim is cancelled mid-wait", func() {
			BeforeEach(func() {
				controller.SetBootSequence(address, false)
			})

			It("returns false promptly", func() {
				ctx, cancel := context.WithCancel(context.Background())

				result := make(chan bool)
				go func() {
					result <- dev.WaitForBoot(ctx)
				}()

				Eventually(func() int { return controller.BootProbeCount(address) }).Should(Equal(1))
				cancel()

				Eventually(result).Should(Receive(BeFalse()))
			})
		})
	})

	Describe("Disconnect", func() {
		It("disconnects through the controller", func() {
			Expect(dev.Disconnect(context.Background())).To(Succeed())
			Expect(controller.DisconnectedAddresses()).To(ConsistOf(address))
		})

		Context("when the controller fails", func() {
			BeforeEach(func() {
				controller.SetDisconnectError(address, errors.New("already gone"))
			})

			It("still reports the attempt and returns the error", func() {
				Expect(dev.Disconnect(context.Background())).To(MatchError(ContainSubstring("already gone")))
				Expect(controller.DisconnectedAddresses()).To(ConsistOf(address))
			})
		})
	})

	Describe("FetchLogs", func() {
		BeforeEach(func() {
			controller.SetLogs(address, "E/ActivityManager: something happened")
		})

		It("returns the device log", func() {
			logs, err := dev.FetchLogs(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(ContainSubstring("ActivityManager"))
		})

		Context("when the controller fails", func() {
			BeforeEach(func() {
				controller.SetLogsError(address, errors.New("device offline"))
			})

			It("returns the error for the caller to log", func() {
				_, err := dev.FetchLogs(context.Background())
				Expect(err).To(MatchError("device offline"))
			})
		})
	})
})
