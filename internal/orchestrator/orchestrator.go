// Package orchestrator is the controller's view of the container
// orchestrator: pod IPs by role label, restart counts by pod IP. It shells
// out to kubectl the way the teacher's internal/kubernetes.Manager drives
// pod lifecycle, generalized here to read-only queries since the spec
// treats VM/pod provisioning itself as an external collaborator.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hydro-project/cluster/internal/logging"
)

// Pod is the subset of a Kubernetes pod the controller cares about.
type Pod struct {
	IP              string
	ContainerRestart int
}

// RestartCount returns the restart count of the pod's first container, per
// spec.md §6's `.status.container_statuses[0].restart_count`.
func (p *Pod) RestartCount() int { return p.ContainerRestart }

// Client queries pod state via kubectl. New defaults Namespace to
// "default" and Timeout to 10s; a zero-value Client has neither, and with
// a zero Timeout every kubectl call times out immediately.
type Client struct {
	Kubeconfig string
	Namespace  string
	Timeout    time.Duration
}

// New returns a Client reading kubeconfig at path, in namespace ns.
func New(kubeconfig, ns string) *Client {
	if ns == "" {
		ns = "default"
	}
	return &Client{Kubeconfig: kubeconfig, Namespace: ns, Timeout: 10 * time.Second}
}

type podListItem struct {
	Status struct {
		PodIP             string `json:"podIP"`
		Phase             string `json:"phase"`
		ContainerStatuses []struct {
			RestartCount int `json:"restartCount"`
		} `json:"containerStatuses"`
	} `json:"status"`
}

type podList struct {
	Items []podListItem `json:"items"`
}

// PodIPs returns the IPs of pods labeled role=roleLabel. When runningOnly
// is true, only pods in the Running phase are included.
func (c *Client) PodIPs(roleLabel string, runningOnly bool) ([]string, error) {
	out, err := c.kubectl("get", "pods", "-l", "role="+roleLabel, "-o", "json")
	if err != nil {
		return nil, err
	}
	var list podList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("orchestrator: decode pod list: %w", err)
	}
	ips := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		if runningOnly && item.Status.Phase != "Running" {
			continue
		}
		if item.Status.PodIP == "" {
			continue
		}
		ips = append(ips, item.Status.PodIP)
	}
	return ips, nil
}

// PodByIP resolves a single pod by its IP address. Kubectl has no
// field-selector for pod IP, so this fetches the field-indexed status list
// and scans it; clusters in the spec's target size (low thousands of
// threads) make a single list call acceptable per epoch.
func (c *Client) PodByIP(ip string) (*Pod, error) {
	out, err := c.kubectl("get", "pods", "-o", "json")
	if err != nil {
		return nil, err
	}
	var list podList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("orchestrator: decode pod list: %w", err)
	}
	for _, item := range list.Items {
		if item.Status.PodIP != ip {
			continue
		}
		restarts := 0
		if len(item.Status.ContainerStatuses) > 0 {
			restarts = item.Status.ContainerStatuses[0].RestartCount
		}
		return &Pod{IP: ip, ContainerRestart: restarts}, nil
	}
	return nil, fmt.Errorf("orchestrator: no pod with ip %s", ip)
}

func (c *Client) kubectl(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	full := append([]string{"-n", c.Namespace}, args...)
	if c.Kubeconfig != "" {
		full = append([]string{"--kubeconfig", c.Kubeconfig}, full...)
	}
	cmd := exec.CommandContext(ctx, "kubectl", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logging.Op().Warn("orchestrator: kubectl failed", "args", strings.Join(args, " "), "stderr", stderr.String())
		return nil, fmt.Errorf("orchestrator: kubectl %s: %w", strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}
