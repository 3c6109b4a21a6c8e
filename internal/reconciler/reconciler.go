// Package reconciler implements the hash-ring reconciliation in
// spec.md §4.5: compare the routing layer's membership snapshot against
// the orchestrator's live pod view and broadcast departure notices for
// any node the routing layer still believes is alive.
package reconciler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/hydro-project/cluster/internal/addrmap"
	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/ctrlmetrics"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/wire"
)

// Orchestrator is the read-only pod-query surface reconciliation needs.
type Orchestrator interface {
	PodIPs(roleLabel string, runningOnly bool) ([]string, error)
}

// Role labels used to query the orchestrator for each tier.
const (
	RoleRouting    = "routing"
	RoleMemory     = "memory"
	RoleEBS        = "ebs"
	RoleMonitoring = "monitoring"
)

// Config holds the thread-count assumptions spec.md §9 says must stay
// configurable rather than inferred.
type Config struct {
	StorageThreads int // default 4
	RoutingThreads int // default 4
}

// DefaultConfig returns the spec.md §4.5 defaults.
func DefaultConfig() Config {
	return Config{StorageThreads: 4, RoutingThreads: 4}
}

// Reconciler runs one hash-ring reconciliation pass per epoch.
type Reconciler struct {
	cfg    Config
	orch   Orchestrator
	sender *wire.Sender
	metrics *ctrlmetrics.Metrics
	rng    *rand.Rand
}

// New returns a Reconciler.
func New(cfg Config, orch Orchestrator, sender *wire.Sender, metrics *ctrlmetrics.Metrics) *Reconciler {
	return &Reconciler{cfg: cfg, orch: orch, sender: sender, metrics: metrics, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Reconcile runs the full algorithm from spec.md §4.5. It returns early,
// doing nothing, if there are no routing pods yet (cluster still
// starting) or the routing layer reports zero membership tiers.
func (r *Reconciler) Reconcile() error {
	routeIPs, err := r.orch.PodIPs(RoleRouting, false)
	if err != nil {
		return fmt.Errorf("reconciler: list routing pods: %w", err)
	}
	if len(routeIPs) == 0 {
		return nil
	}

	seedIP := routeIPs[r.rng.Intn(len(routeIPs))]
	seedAddr := addrmap.RoutingSeed(seedIP, 0)

	var membership clusterstate.ClusterMembership
	if err := r.sender.Request(seedAddr, struct{}{}, &membership); err != nil {
		return fmt.Errorf("reconciler: routing-seed round trip: %w", err)
	}

	if len(membership.Tiers) == 0 {
		return nil
	}

	memIPs, err := r.orch.PodIPs(RoleMemory, false)
	if err != nil {
		return fmt.Errorf("reconciler: list memory pods: %w", err)
	}
	ebsIPs, err := r.orch.PodIPs(RoleEBS, false)
	if err != nil {
		return fmt.Errorf("reconciler: list ebs pods: %w", err)
	}
	// storageIPs is the union of the memory and EBS tiers, per spec.md
	// §4.5 step 6 (storage_ips = mem_ips + ebs_ips); there is no
	// independent "storage" orchestrator role.
	storageIPs := append(append([]string{}, memIPs...), ebsIPs...)
	monIPs, err := r.orch.PodIPs(RoleMonitoring, false)
	if err != nil {
		return fmt.Errorf("reconciler: list monitoring pods: %w", err)
	}

	memSet := toSet(memIPs)
	ebsSet := toSet(ebsIPs)

	var departed []departedNode
	for _, tier := range membership.Tiers {
		live := memSet
		tierID := "0"
		if len(membership.Tiers) == 1 {
			// single tier is always the memory tier, per spec.md §4.5 step 3
		} else if tier.TierID == clusterstate.TierEBS {
			live = ebsSet
			tierID = "1"
		}
		for _, node := range tier.Servers {
			if _, ok := live[node.PrivateIP]; ok {
				continue
			}
			departed = append(departed, departedNode{tier: tierID, publicIP: node.PublicIP, privateIP: node.PrivateIP})
		}
	}

	for _, d := range departed {
		r.broadcastDeparture(d, storageIPs, routeIPs, monIPs)
	}
	return nil
}

type departedNode struct {
	tier      string
	publicIP  string
	privateIP string
}

func (r *Reconciler) broadcastDeparture(d departedNode, storageIPs, routeIPs, monIPs []string) {
	payload := fmt.Sprintf("%s:%s:%s", d.tier, d.publicIP, d.privateIP)
	sent := 0

	for _, ip := range storageIPs {
		for tid := 0; tid < r.cfg.StorageThreads; tid++ {
			if err := r.sender.Send(addrmap.StorageDepart(ip, tid), payload); err != nil {
				logging.Op().Warn("reconciler: storage-depart send failed", "ip", ip, "tid", tid, "error", err)
			}
			sent++
		}
	}
	for _, ip := range routeIPs {
		for tid := 0; tid < r.cfg.RoutingThreads; tid++ {
			if err := r.sender.Send(addrmap.RoutingNotify(ip, tid), "depart:"+payload); err != nil {
				logging.Op().Warn("reconciler: routing-notify send failed", "ip", ip, "tid", tid, "error", err)
			}
			sent++
		}
	}
	for _, ip := range monIPs {
		if err := r.sender.Send(addrmap.MonitoringNotify(ip), payload); err != nil {
			logging.Op().Warn("reconciler: monitoring-notify send failed", "ip", ip, "error", err)
		}
		sent++
	}

	if r.metrics != nil {
		r.metrics.ReconcileFanout.Observe(float64(sent))
	}
	logging.Op().Info("reconciler: departure broadcast", "private_ip", d.privateIP, "tier", d.tier, "messages", sent)
}

func toSet(ips []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	return set
}
