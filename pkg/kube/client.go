// Package kube implements the orchestrator API on top of Kubernetes:
// each kubeconfig context is a cluster, Deployments are services and Pods
// are tasks.
package kube

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Requests are paced by the shared limiter passed to WithLimiter, one token
// per request. client-go's own limiter is only a ceiling above it.
const (
	clientQPS   = 100
	clientBurst = 200
)

// NewRestConfig builds a REST config for a kubeconfig context. An empty
// context tries in-cluster config first, then falls back to the current
// context of the default kubeconfig.
func NewRestConfig(contextName string) (*rest.Config, error) {
	if contextName == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return withLimits(cfg), nil
		}
	}

	// Fall back to kubeconfig for local development.
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, hErr := os.UserHomeDir()
		if hErr != nil {
			return nil, fmt.Errorf("cannot determine kubeconfig path: %w", hErr)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: contextName}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig for context %q: %w", contextName, err)
	}
	return withLimits(cfg), nil
}

// NewClientsets creates one typed clientset per context, keyed by cluster
// name. With no contexts a single clientset named defaultName is returned.
func NewClientsets(contexts []string, defaultName string) (map[string]kubernetes.Interface, error) {
	out := make(map[string]kubernetes.Interface)
	if len(contexts) == 0 {
		cfg, err := NewRestConfig("")
		if err != nil {
			return nil, err
		}
		cs, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return nil, err
		}
		out[defaultName] = cs
		return out, nil
	}

	for _, name := range contexts {
		cfg, err := NewRestConfig(name)
		if err != nil {
			return nil, err
		}
		cs, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("context %q: %w", name, err)
		}
		out[name] = cs
	}
	return out, nil
}

func withLimits(cfg *rest.Config) *rest.Config {
	cfg.QPS = clientQPS
	cfg.Burst = clientBurst
	return cfg
}
