// Package policy implements the two coupled control policies from
// spec.md §4.4: replica_policy (per-function scale-up/down/latency-drift
// decisions) and executor_policy (fleet-wide VM elasticity with
// hysteresis). Both operate purely on the epoch tables in
// internal/clusterstate and call out to a Scaler; neither holds state of
// its own beyond the tunables in Tunables.
package policy

import (
	"math"
	"math/rand"
	"time"

	"github.com/hydro-project/cluster/internal/addrmap"
	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/ctrlmetrics"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/scaler"
	"github.com/hydro-project/cluster/internal/wire"
)

// Scaler is the subset of *scaler.Scaler the policies call. A narrow
// interface keeps this package testable with a fake.
type Scaler interface {
	ReplicateFunction(fname string, n int, locations clusterstate.FunctionLocations, exec scaler.ExecutorSets)
	DereplicateFunction(fname string, target int, locations clusterstate.FunctionLocations)
	AddVMs(kind string, count int)
}

// Tunables holds the thresholds from spec.md §4.4, all independently
// configurable (see internal/clusterconfig.PolicyConfig).
type Tunables struct {
	MaxUtilization      float64
	MinUtilization      float64
	MaxPinCount         float64
	MaxLatencyDeviation float64
	ScaleIncrease       int
	GracePeriod         time.Duration
	ExecReportPeriod    int // EXECUTOR_REPORT_PERIOD, default 5
	NumExecThreads      int // default 3
}

// DefaultTunables returns the spec.md §4.4 defaults.
func DefaultTunables() Tunables {
	return Tunables{
		MaxUtilization:      0.60,
		MinUtilization:      0.10,
		MaxPinCount:         0.80,
		MaxLatencyDeviation: 1.25,
		ScaleIncrease:       4,
		GracePeriod:         120 * time.Second,
		ExecReportPeriod:    5,
		NumExecThreads:      3,
	}
}

// Policy bundles the tunables and collaborators replica_policy and
// executor_policy need.
type Policy struct {
	Tunables Tunables
	Scaler   Scaler
	Metrics  *ctrlmetrics.Metrics
	Grace    *clusterstate.GraceClock
	sender   *wire.Sender
	rng      *rand.Rand
}

// New returns a Policy ready to evaluate epochs. sender is used only for
// the fire-and-forget executor-depart notices the scale-down branch emits
// directly (spec.md §4.4 step 6).
func New(t Tunables, s Scaler, m *ctrlmetrics.Metrics, grace *clusterstate.GraceClock, sender *wire.Sender) *Policy {
	return &Policy{Tunables: t, Scaler: s, Metrics: m, Grace: grace, sender: sender, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (p *Policy) sendDepart(ip string, tid int) {
	addr := addrmap.ExecutorDepart(ip, tid)
	if err := p.sender.Send(addr, struct{}{}); err != nil {
		logging.Op().Warn("policy: executor-depart send failed", "ip", ip, "tid", tid, "error", err)
	}
}

// ReplicaPolicy implements spec.md §4.4's replica_policy. statuses is the
// full current ExecutorStatusTable; frequencies and runtimes are only
// read, while latencyHistory (the persistent latency history) is updated
// in place. function_locations is rebuilt from scratch here
// per the spec, then handed to the scaler by reference.
func (p *Policy) ReplicaPolicy(
	frequencies map[string]int,
	runtimes map[string]*clusterstate.RuntimeAccumulator,
	statuses *clusterstate.ExecutorStatusTable,
	latencyHistory map[string]clusterstate.LatencyHistoryEntry,
) clusterstate.FunctionLocations {
	locations := clusterstate.NewFunctionLocations()
	var cpuExecutors, gpuExecutors []clusterstate.ExecutorKey

	for _, st := range statuses.All() {
		key := clusterstate.ExecutorKey{IP: st.IP, Tid: st.Tid}
		for fname := range st.Functions {
			locations.Add(fname, key)
		}
		if st.Kind == clusterstate.KindGPU {
			gpuExecutors = append(gpuExecutors, key)
		} else {
			cpuExecutors = append(cpuExecutors, key)
		}
	}

	exec := scaler.ExecutorSets{CPU: cpuExecutors, GPU: gpuExecutors}

	for fname, calls := range frequencies {
		acc, ok := runtimes[fname]
		if !ok || calls == 0 || acc.TotalRuntime == 0 {
			continue
		}
		avgLatency := acc.TotalRuntime / float64(acc.TotalCount)
		numReplicas := locations.Count(fname)
		if numReplicas == 0 {
			continue
		}
		throughput := float64(numReplicas) * float64(p.Tunables.ExecReportPeriod) / avgLatency

		switch {
		case float64(calls) > 0.7*throughput:
			increase := int(math.Ceil(float64(calls)/(0.7*throughput)))*numReplicas - numReplicas + 1
			p.Scaler.ReplicateFunction(fname, increase, locations, exec)
			if p.Metrics != nil {
				p.Metrics.ReplicateCalls.WithLabelValues("load").Inc()
			}

		case float64(calls) < 0.1*throughput:
			decrease := int(math.Ceil((float64(calls)/throughput)*float64(numReplicas))) + 1
			p.Scaler.DereplicateFunction(fname, decrease, locations)
			if p.Metrics != nil {
				p.Metrics.DereplicateCalls.WithLabelValues("load").Inc()
			}

		default:
			if hist, ok := latencyHistory[fname]; ok {
				ratio := avgLatency / hist.AvgLatency
				if ratio > p.Tunables.MaxLatencyDeviation {
					n := int(math.Ceil(ratio*float64(numReplicas))) - numReplicas + 1
					p.Scaler.ReplicateFunction(fname, n, locations, exec)
					if p.Metrics != nil {
						p.Metrics.ReplicateCalls.WithLabelValues("latency_drift").Inc()
					}
				}
			}
		}

		hist := latencyHistory[fname] // zero value (0.0, 0) if absent
		newTotal := acc.TotalRuntime + hist.AvgLatency*float64(hist.Count)
		newCount := acc.TotalCount + hist.Count
		latencyHistory[fname] = clusterstate.LatencyHistoryEntry{
			AvgLatency: newTotal / float64(newCount),
			Count:      newCount,
		}
	}

	return locations
}

// ExecutorPolicy implements spec.md §4.4's executor_policy: fleet-wide
// scale-up, hotspot replication, and scale-down. The grace clock is
// checked once at entry, so while it has not expired none of the three
// runs; only scale-up and scale-down reset it.
func (p *Policy) ExecutorPolicy(statuses *clusterstate.ExecutorStatusTable, departing *clusterstate.DepartingExecutors, locations clusterstate.FunctionLocations, now time.Time) {
	all := statuses.All()
	if len(all) == 0 {
		return
	}
	if !p.Grace.Expired(now) {
		return
	}

	var totalUtil, totalPin float64
	allKeys := make([]clusterstate.ExecutorKey, 0, len(all))
	for _, st := range all {
		totalUtil += st.Utilization
		totalPin += float64(len(st.Functions))
		allKeys = append(allKeys, clusterstate.ExecutorKey{IP: st.IP, Tid: st.Tid})
	}
	avgUtil := totalUtil / float64(len(all))
	avgPin := totalPin / float64(len(all))
	numNodes := len(all) / p.Tunables.NumExecThreads

	if avgUtil > p.Tunables.MaxUtilization || avgPin > p.Tunables.MaxPinCount {
		p.Scaler.AddVMs("function", p.Tunables.ScaleIncrease)
		if p.Metrics != nil {
			p.Metrics.ScaleUpEvents.Inc()
		}
		p.Grace.Reset(now)
	}

	// Hotspot replication: source-ambiguous overload (spec.md §9), passes
	// the full executor set for both arguments, no CPU/GPU partition.
	for _, st := range all {
		if st.Utilization <= 0.9 {
			continue
		}
		for fname := range st.Functions {
			exec := scaler.ExecutorSets{CPU: allKeys, GPU: allKeys}
			p.Scaler.ReplicateFunction(fname, 2, locations, exec)
			if p.Metrics != nil {
				p.Metrics.HotspotEvents.Inc()
			}
		}
	}

	if avgUtil < p.Tunables.MinUtilization && numNodes > 5 {
		victim := all[p.rng.Intn(len(all))]
		ip := victim.IP
		for tid := 0; tid < p.Tunables.NumExecThreads; tid++ {
			key := clusterstate.ExecutorKey{IP: ip, Tid: tid}
			p.sendDepart(ip, tid)
			statuses.Delete(key)
		}
		departing.Mark(ip, p.Tunables.NumExecThreads)
		if p.Metrics != nil {
			p.Metrics.ScaleDownEvents.Inc()
		}
		p.Grace.Reset(now)
	}
}
