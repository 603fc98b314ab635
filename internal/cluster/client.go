// Package cluster gathers the orchestrator-side inventory: persistent
// volumes and claims, DataVolumes, running VMIs and node addresses.
package cluster

import (
	"context"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	kubevirtv1 "kubevirt.io/api/core/v1"
	"kubevirt.io/client-go/kubecli"
	cdiv1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
)

// Client abstracts the cluster listings the janitor consumes.
// Decouples callers from kubevirt.io/client-go/kubecli; the kubecli
// binding happens at the composition root.
type Client interface {
	PersistentVolumes(ctx context.Context) ([]corev1.PersistentVolume, error)
	PersistentVolumeClaims(ctx context.Context) ([]corev1.PersistentVolumeClaim, error)
	DataVolumes(ctx context.Context) ([]cdiv1.DataVolume, error)
	VirtualMachineInstances(ctx context.Context) ([]kubevirtv1.VirtualMachineInstance, error)
	Nodes(ctx context.Context) ([]corev1.Node, error)
}

// RESTConfig resolves the rest.Config for a kubeconfig path, falling
// back to in-cluster config when the path is empty and KUBECONFIG unset.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeKubeconfigInvalid,
				"no usable kubeconfig found", 0)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(kubeconfig)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeKubeconfigInvalid,
			fmt.Sprintf("read kubeconfig %s", kubeconfig), 0)
	}
	cfg, err := clientcmd.RESTConfigFromKubeConfig(data)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeKubeconfigInvalid,
			fmt.Sprintf("parse kubeconfig %s", kubeconfig), 0)
	}
	return cfg, nil
}

// NewClient builds the kubecli-backed cluster client.
func NewClient(restCfg *rest.Config) (Client, error) {
	virtClient, err := kubecli.GetKubevirtClientFromRESTConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubevirt client: %w", err)
	}
	return &kubecliClient{client: virtClient}, nil
}

type kubecliClient struct {
	client kubecli.KubevirtClient
}

func (c *kubecliClient) PersistentVolumes(ctx context.Context) ([]corev1.PersistentVolume, error) {
	list, err := c.client.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeClusterListFailed, "list persistent volumes", 0)
	}
	return list.Items, nil
}

func (c *kubecliClient) PersistentVolumeClaims(ctx context.Context) ([]corev1.PersistentVolumeClaim, error) {
	list, err := c.client.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeClusterListFailed, "list persistent volume claims", 0)
	}
	return list.Items, nil
}

func (c *kubecliClient) DataVolumes(ctx context.Context) ([]cdiv1.DataVolume, error) {
	list, err := c.client.CdiClient().CdiV1beta1().DataVolumes(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeClusterListFailed, "list datavolumes", 0)
	}
	return list.Items, nil
}

func (c *kubecliClient) VirtualMachineInstances(ctx context.Context) ([]kubevirtv1.VirtualMachineInstance, error) {
	list, err := c.client.VirtualMachineInstance(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeClusterListFailed, "list virtual machine instances", 0)
	}
	return list.Items, nil
}

func (c *kubecliClient) Nodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeClusterListFailed, "list nodes", 0)
	}
	return list.Items, nil
}
