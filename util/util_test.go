package util_test

import (
	"strings"

	. "github.com/sundetova/avito-android/util"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Util", func() {
	Describe("KubernetesName", func() {
		It("lowercases and replaces underscores with hyphens", func() {
			Expect(KubernetesName("Avito_UI_Tests")).To(Equal("avito-ui-tests"))
		})

		It("is idempotent", func() {
			once := KubernetesName("Mixed_Case_Name")
			Expect(KubernetesName(once)).To(Equal(once))
		})

		It("leaves already-conforming names alone", func() {
			Expect(KubernetesName("android-emulator-29")).To(Equal("android-emulator-29"))
		})
	})

	Describe("NewDeploymentName", func() {
		It("prefixes the namespace", func() {
			Expect(NewDeploymentName("ui-tests")).To(HavePrefix("ui-tests-"))
		})

		It("produces names that conform to the cluster convention", func() {
			name := NewDeploymentName("UI_Tests")
			Expect(name).To(Equal(KubernetesName(name)))
			Expect(name).NotTo(ContainSubstring("_"))
			Expect(strings.ToLower(name)).To(Equal(name))
		})

		It("produces distinct names for the same namespace", func() {
			Expect(NewDeploymentName("ui-tests")).NotTo(Equal(NewDeploymentName("ui-tests")))
		})
	})
})
