package util

import (
	"strings"

	"github.com/google/uuid"
)

// KubernetesName normalizes an identifier to the cluster naming convention:
// lowercase with underscores replaced by hyphens. Idempotent.
func KubernetesName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// NewDeploymentName derives a collision-resistant deployment name from the
// namespace and a random identifier.
func NewDeploymentName(namespace string) string {
	return KubernetesName(namespace + "-" + uuid.NewString())
}
