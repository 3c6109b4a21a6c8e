package policy

import (
	"testing"
	"time"

	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/scaler"
)

// fakeScaler records every call the policy makes, so tests can assert on
// which branch fired without a real network-backed Scaler.
type fakeScaler struct {
	replicated   []replicateCall
	dereplicated []dereplicateCall
	addVMs       []addVMsCall
}

type replicateCall struct {
	fname string
	n     int
}

type dereplicateCall struct {
	fname  string
	target int
}

type addVMsCall struct {
	kind  string
	count int
}

func (f *fakeScaler) ReplicateFunction(fname string, n int, _ clusterstate.FunctionLocations, _ scaler.ExecutorSets) {
	f.replicated = append(f.replicated, replicateCall{fname, n})
}

func (f *fakeScaler) DereplicateFunction(fname string, target int, _ clusterstate.FunctionLocations) {
	f.dereplicated = append(f.dereplicated, dereplicateCall{fname, target})
}

func (f *fakeScaler) AddVMs(kind string, count int) {
	f.addVMs = append(f.addVMs, addVMsCall{kind, count})
}

func statusesWithReplicas(fname string, n int) *clusterstate.ExecutorStatusTable {
	tbl := clusterstate.NewExecutorStatusTable()
	for i := 0; i < n; i++ {
		tbl.Put(&clusterstate.ThreadStatus{
			IP:        "10.0.0.1",
			Tid:       i,
			Functions: map[string]struct{}{fname: {}},
		})
	}
	return tbl
}

func TestReplicaPolicyScaleUpByLoad(t *testing.T) {
	fs := &fakeScaler{}
	p := New(DefaultTunables(), fs, nil, &clusterstate.GraceClock{}, nil)

	frequencies := map[string]int{"f": 100}
	runtimes := map[string]*clusterstate.RuntimeAccumulator{
		"f": {TotalRuntime: 10.0, TotalCount: 100},
	}
	statuses := statusesWithReplicas("f", 2)

	p.ReplicaPolicy(frequencies, runtimes, statuses, map[string]clusterstate.LatencyHistoryEntry{})

	if len(fs.replicated) != 1 {
		t.Fatalf("expected exactly one replicate call, got %d", len(fs.replicated))
	}
	if fs.replicated[0].n != 3 {
		t.Errorf("expected increase=3, got %d", fs.replicated[0].n)
	}
}

func TestReplicaPolicyScaleDownByLoad(t *testing.T) {
	fs := &fakeScaler{}
	p := New(DefaultTunables(), fs, nil, &clusterstate.GraceClock{}, nil)

	frequencies := map[string]int{"f": 1}
	runtimes := map[string]*clusterstate.RuntimeAccumulator{
		"f": {TotalRuntime: 4.0, TotalCount: 4},
	}
	statuses := statusesWithReplicas("f", 4)

	p.ReplicaPolicy(frequencies, runtimes, statuses, map[string]clusterstate.LatencyHistoryEntry{})

	if len(fs.dereplicated) != 1 {
		t.Fatalf("expected exactly one dereplicate call, got %d", len(fs.dereplicated))
	}
	if fs.dereplicated[0].target != 2 {
		t.Errorf("expected decrease=2, got %d", fs.dereplicated[0].target)
	}
}

func TestReplicaPolicyLatencyDriftUp(t *testing.T) {
	fs := &fakeScaler{}
	p := New(DefaultTunables(), fs, nil, &clusterstate.GraceClock{}, nil)

	frequencies := map[string]int{"f": 5}
	runtimes := map[string]*clusterstate.RuntimeAccumulator{
		"f": {TotalRuntime: 0.5, TotalCount: 5},
	}
	statuses := statusesWithReplicas("f", 1)
	history := map[string]clusterstate.LatencyHistoryEntry{
		"f": {AvgLatency: 0.05, Count: 100},
	}

	p.ReplicaPolicy(frequencies, runtimes, statuses, history)

	if len(fs.replicated) != 1 {
		t.Fatalf("expected exactly one replicate call, got %d", len(fs.replicated))
	}
	if fs.replicated[0].n != 2 {
		t.Errorf("expected n=2, got %d", fs.replicated[0].n)
	}
}

func TestExecutorPolicyScaleUp(t *testing.T) {
	fs := &fakeScaler{}
	grace := &clusterstate.GraceClock{Period: 2 * time.Minute}
	p := New(DefaultTunables(), fs, nil, grace, nil)

	statuses := clusterstate.NewExecutorStatusTable()
	for node := 0; node < 3; node++ {
		for tid := 0; tid < 3; tid++ {
			statuses.Put(&clusterstate.ThreadStatus{
				IP:          nodeIP(node),
				Tid:         tid,
				Utilization: 0.7,
				Functions:   map[string]struct{}{},
			})
		}
	}
	departing := clusterstate.NewDepartingExecutors()
	now := time.Now()

	p.ExecutorPolicy(statuses, departing, clusterstate.NewFunctionLocations(), now)

	if len(fs.addVMs) != 1 {
		t.Fatalf("expected exactly one add_vms call, got %d", len(fs.addVMs))
	}
	if fs.addVMs[0].count != 4 {
		t.Errorf("expected scale_increase=4, got %d", fs.addVMs[0].count)
	}
	if grace.Expired(now) {
		t.Error("expected grace clock reset after scale-up")
	}
}

func TestExecutorPolicyScaleDownFloorBlocksSmallFleets(t *testing.T) {
	fs := &fakeScaler{}
	grace := &clusterstate.GraceClock{Period: 2 * time.Minute}
	p := New(DefaultTunables(), fs, nil, grace, nil)

	statuses := clusterstate.NewExecutorStatusTable()
	for node := 0; node < 5; node++ {
		for tid := 0; tid < 3; tid++ {
			statuses.Put(&clusterstate.ThreadStatus{
				IP:          nodeIP(node),
				Tid:         tid,
				Utilization: 0.05,
				Functions:   map[string]struct{}{},
			})
		}
	}
	departing := clusterstate.NewDepartingExecutors()

	p.ExecutorPolicy(statuses, departing, clusterstate.NewFunctionLocations(), time.Now())

	if len(fs.addVMs) != 0 {
		t.Errorf("expected no add_vms calls, got %d", len(fs.addVMs))
	}
	if departing.Len() != 0 {
		t.Errorf("expected no scale-down at num_nodes=5 (not > 5), got %d departing", departing.Len())
	}
}

func TestExecutorPolicyGraceWindowSuppressesFurtherActions(t *testing.T) {
	fs := &fakeScaler{}
	grace := &clusterstate.GraceClock{Period: 2 * time.Minute, Start: time.Now()}
	p := New(DefaultTunables(), fs, nil, grace, nil)

	statuses := statusesWithReplicas("f", 3)
	for _, st := range statuses.All() {
		st.Utilization = 0.99
	}
	departing := clusterstate.NewDepartingExecutors()

	p.ExecutorPolicy(statuses, departing, clusterstate.NewFunctionLocations(), time.Now())

	if len(fs.addVMs) != 0 {
		t.Error("expected grace window to suppress scale-up entirely")
	}
}

func nodeIP(n int) string {
	return []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}[n]
}
