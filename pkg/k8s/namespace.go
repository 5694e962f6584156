package k8s

import (
	"os"
	"strings"
)

const defaultNamespace = "default"

// namespaceFile is mounted into every pod with a service account token.
var namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// CurrentNamespace returns the namespace the controller runs in, or
// "default" outside a pod.
func CurrentNamespace() string {
	ns, err := os.ReadFile(namespaceFile)
	if err != nil {
		return defaultNamespace
	}
	if s := strings.TrimSpace(string(ns)); s != "" {
		return s
	}
	return defaultNamespace
}
