package controller

import (
	"testing"
	"time"

	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/orchestrator"
	"github.com/hydro-project/cluster/internal/policy"
	"github.com/hydro-project/cluster/internal/reconciler"
	"github.com/hydro-project/cluster/internal/scaler"
	"github.com/hydro-project/cluster/internal/wire"
)

type fakeOrchestrator struct{}

func (fakeOrchestrator) PodIPs(roleLabel string, runningOnly bool) ([]string, error) {
	return nil, nil
}

func (fakeOrchestrator) PodByIP(ip string) (*orchestrator.Pod, error) {
	return &orchestrator.Pod{IP: ip, ContainerRestart: 3}, nil
}

type fakePolicyScaler struct{}

func (fakePolicyScaler) ReplicateFunction(string, int, clusterstate.FunctionLocations, scaler.ExecutorSets) {
}
func (fakePolicyScaler) DereplicateFunction(string, int, clusterstate.FunctionLocations) {}
func (fakePolicyScaler) AddVMs(string, int)                                              {}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	sender := wire.NewSender()
	t.Cleanup(sender.Close)

	audit, err := logging.NewDecisionLogger("")
	if err != nil {
		t.Fatalf("new decision logger: %v", err)
	}
	audit.SetConsole(false)

	scl, err := scaler.New(scaler.Config{
		SelfResponseIP: "tcp://127.0.0.1:0",
		PinListenAddr:  "127.0.0.1:0",
		AckTimeout:     50 * time.Millisecond,
	}, sender, nil, audit)
	if err != nil {
		t.Fatalf("new scaler: %v", err)
	}
	t.Cleanup(func() { scl.Close() })

	rec := reconciler.New(reconciler.DefaultConfig(), fakeOrchestrator{}, sender, nil)
	pol := policy.New(policy.DefaultTunables(), fakePolicyScaler{}, nil, &clusterstate.GraceClock{}, sender)

	cfg := DefaultConfig()
	return New(cfg, fakeOrchestrator{}, rec, pol, scl, sender, nil, audit)
}

func TestToThreadStatusConvertsFunctionsAndKind(t *testing.T) {
	st := toThreadStatus(WireThreadStatus{
		IP:          "10.0.0.1",
		Tid:         2,
		Utilization: 0.5,
		Functions:   []string{"resize", "encode"},
		Kind:        "GPU",
	})
	if st.Kind != clusterstate.KindGPU {
		t.Errorf("expected KindGPU, got %v", st.Kind)
	}
	if !st.HasFunction("resize") || !st.HasFunction("encode") {
		t.Errorf("expected both functions present, got %v", st.Functions)
	}
}

func TestToThreadStatusDefaultsToCPU(t *testing.T) {
	st := toThreadStatus(WireThreadStatus{Kind: "something-else"})
	if st.Kind != clusterstate.KindCPU {
		t.Errorf("expected KindCPU default, got %v", st.Kind)
	}
}

func TestHandleFunctionStatusSuppressedWhileDeparting(t *testing.T) {
	c := newTestController(t)
	c.departing.Mark("10.0.0.9", 1)

	c.handleFunctionStatus(clusterstate.ThreadStatus{IP: "10.0.0.9", Tid: 0})

	if c.statuses.Len() != 0 {
		t.Errorf("expected status from a departing ip to be dropped, got %d entries", c.statuses.Len())
	}
}

func TestHandleFunctionStatusRecordsNormally(t *testing.T) {
	c := newTestController(t)
	c.handleFunctionStatus(clusterstate.ThreadStatus{IP: "10.0.0.9", Tid: 0})
	if c.statuses.Len() != 1 {
		t.Errorf("expected one recorded status, got %d", c.statuses.Len())
	}
}

func TestHandleExecutorDepartAcksToZero(t *testing.T) {
	c := newTestController(t)
	c.departing.Mark("10.0.0.5", 2)

	c.handleExecutorDepart(executorDepartEvent{ip: "10.0.0.5"})
	if !c.departing.Contains("10.0.0.5") {
		t.Fatal("expected ip still departing after first ack")
	}
	c.handleExecutorDepart(executorDepartEvent{ip: "10.0.0.5"})
	if c.departing.Contains("10.0.0.5") {
		t.Error("expected ip removed from departing set once acks reach zero")
	}
}

func TestHandleChurnMalformedMessageIsIgnored(t *testing.T) {
	c := newTestController(t)
	c.handleChurn(churnEvent{msg: "not-enough-parts"})
	// Should not panic; nothing else observable without a real churn backend.
}

func TestHandleStatisticsAggregatesRuntimesAndFrequencies(t *testing.T) {
	c := newTestController(t)
	c.handleStatistics(statisticsEvent{stats: ExecutorStatistics{
		Functions: []FuncStat{
			{Name: "resize", CallCount: 3, Runtime: []float64{0.1, 0.2, 0.3}},
			{Name: "noop", CallCount: 5, Runtime: nil},
		},
		Dags: []DagStat{
			{Name: "pipeline", CallCount: 2, Interarrival: []float64{1.0}, Runtimes: []float64{0.4}},
		},
	}})

	acc, ok := c.epochTables.FunctionRuntimes["resize"]
	if !ok {
		t.Fatal("expected a runtime accumulator for resize")
	}
	if acc.TotalCount != 3 {
		t.Errorf("expected TotalCount=3, got %d", acc.TotalCount)
	}
	if acc.TotalRuntime < 0.599 || acc.TotalRuntime > 0.601 {
		t.Errorf("expected TotalRuntime~0.6, got %v", acc.TotalRuntime)
	}
	if c.epochTables.FunctionFrequencies["noop"] != 5 {
		t.Errorf("expected noop frequency=5, got %d", c.epochTables.FunctionFrequencies["noop"])
	}
	if c.epochTables.DagFrequencies["pipeline"] != 2 {
		t.Errorf("expected pipeline dag frequency=2, got %d", c.epochTables.DagFrequencies["pipeline"])
	}
}

func TestSnapshotReflectsLocationsAndDeparting(t *testing.T) {
	c := newTestController(t)
	c.locations.Add("resize", clusterstate.ExecutorKey{IP: "10.0.0.1", Tid: 0})
	c.departing.Mark("10.0.0.2", 1)
	c.publishSnapshot()

	snap := c.Snapshot()
	if snap.FunctionCounts["resize"] != 1 {
		t.Errorf("expected resize count 1, got %d", snap.FunctionCounts["resize"])
	}
	if snap.DepartingCount != 1 {
		t.Errorf("expected departing count 1, got %d", snap.DepartingCount)
	}
}
