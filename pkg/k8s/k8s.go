// Package k8s builds Kubernetes API clients.
package k8s

import (
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const userAgent = "kube-endpoints-controller"

// findConfigFile returns the kubeconfig path to load, or "" to use the in
// cluster configuration.
func findConfigFile(override string, kubeconfigEnv string) string {
	if override != "" {
		return override
	}
	return kubeconfigEnv
}

// Config loads the kubeconfig at path, falling back to $KUBECONFIG and then
// to the in cluster service account.
func Config(path string) (*rest.Config, error) {
	file := findConfigFile(path, os.Getenv(clientcmd.RecommendedConfigPathEnvVar))
	if file == "" {
		return rest.InClusterConfig()
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", file)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig %s: %w", file, err)
	}
	return cfg, nil
}

// NewClient creates a clientset from the configuration found by Config.
func NewClient(path string) (kubernetes.Interface, error) {
	cfg, err := Config(path)
	if err != nil {
		return nil, err
	}
	cfg = rest.CopyConfig(cfg)
	cfg.UserAgent = userAgent
	return kubernetes.NewForConfig(cfg)
}
