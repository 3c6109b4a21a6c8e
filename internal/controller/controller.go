// Package controller is the single-threaded management event loop from
// spec.md §4.6: it multiplexes seven inbound channels, aggregates
// per-epoch statistics, and drives the hash-ring reconciler and the two
// policies once per REPORT_PERIOD. The loop shape — a ticker plus a
// select with one case per concern — generalizes the teacher's
// cmd/comet/daemon.go top-level select loop from one ticker to this
// controller's seven listeners plus the epoch ticker.
package controller

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/ctrlmetrics"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/orchestrator"
	"github.com/hydro-project/cluster/internal/policy"
	"github.com/hydro-project/cluster/internal/reconciler"
	"github.com/hydro-project/cluster/internal/scaler"
	"github.com/hydro-project/cluster/internal/wire"
)

// Ports binds the seven inbound channels from spec.md §4.6.
type Ports struct {
	Restart        int
	Churn          int
	ListExecutors  int
	FunctionStatus int
	ListSchedulers int
	ExecutorDepart int
	Statistics     int
}

// DefaultPorts returns the spec.md §4.6 port assignments.
func DefaultPorts() Ports {
	return Ports{
		Restart:        7000,
		Churn:          7001,
		ListExecutors:  7002,
		FunctionStatus: 7003,
		ListSchedulers: 7004,
		ExecutorDepart: 7005,
		Statistics:     7006,
	}
}

// Config bundles the controller's runtime knobs.
type Config struct {
	Ports             Ports
	PollTimeout       time.Duration
	ReportPeriod      time.Duration
	SetupSentinelPath string
	KubeconfigPath    string
	StartupPollDelay  time.Duration

	// ListExecutorsReplyPort is the port the list-executors channel's
	// "separate push reply" is delivered to on the requesting response-ip.
	// Not named by spec.md (which specifies only the pull side); chosen
	// to sit in the same range as the inbound channel ports.
	ListExecutorsReplyPort int

	// FunctionRoleLabel/GPURoleLabel/SchedulerRoleLabel name the
	// orchestrator role labels queried for list-executors/list-schedulers.
	FunctionRoleLabel  string
	GPURoleLabel       string
	SchedulerRoleLabel string

	StatusChannelBuffer int // buffer depth for the function-status channel
	EventChannelBuffer  int // buffer depth for every other inbound channel
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		Ports:                   DefaultPorts(),
		PollTimeout:             1 * time.Second,
		ReportPeriod:            5 * time.Second,
		SetupSentinelPath:       "/hydro/setup_complete",
		KubeconfigPath:          "~/.kube/config",
		StartupPollDelay:        250 * time.Millisecond,
		ListExecutorsReplyPort:  7102,
		FunctionRoleLabel:       "function",
		GPURoleLabel:            "gpu",
		SchedulerRoleLabel:      "scheduler",
		StatusChannelBuffer:     4096,
		EventChannelBuffer:      256,
	}
}

// Orchestrator is the pod-query surface the controller needs beyond what
// the reconciler uses: restart counts by pod IP.
type Orchestrator interface {
	reconciler.Orchestrator
	PodByIP(ip string) (*orchestrator.Pod, error)
}

// Controller owns every epoch table and drives the event loop.
type Controller struct {
	cfg         Config
	orch        Orchestrator
	reconciler  *reconciler.Reconciler
	policy      *policy.Policy
	scaler      *scaler.Scaler
	sender      *wire.Sender
	metrics     *ctrlmetrics.Metrics
	audit       *logging.DecisionLogger

	statuses       *clusterstate.ExecutorStatusTable
	departing      *clusterstate.DepartingExecutors
	epochTables    *clusterstate.EpochTables
	latencyHistory map[string]clusterstate.LatencyHistoryEntry
	locations      clusterstate.FunctionLocations

	epochStart time.Time

	mainEvents   chan event
	statusEvents chan functionStatusEvent

	snapshot atomic.Pointer[Snapshot]
}

// Snapshot is a read-only, point-in-time view of controller state, served
// by internal/ctrlapi's status endpoint. It is refreshed from the event
// loop goroutine and read lock-free via an atomic pointer swap, so the
// HTTP handler never blocks or contends with the single-writer loop.
type Snapshot struct {
	ExecutorCount  int
	DepartingCount int
	FunctionCounts map[string]int
	DagFrequencies map[string]int
	EpochStart     time.Time
	ReportPeriod   time.Duration
}

// Snapshot returns the most recently published Snapshot. Safe to call
// from any goroutine.
func (c *Controller) Snapshot() Snapshot {
	if s := c.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

func (c *Controller) publishSnapshot() {
	counts := make(map[string]int, len(c.locations))
	for fname := range c.locations {
		counts[fname] = c.locations.Count(fname)
	}
	dags := make(map[string]int, len(c.epochTables.DagFrequencies))
	for name, n := range c.epochTables.DagFrequencies {
		dags[name] = n
	}
	c.snapshot.Store(&Snapshot{
		ExecutorCount:  c.statuses.Len(),
		DepartingCount: c.departing.Len(),
		FunctionCounts: counts,
		DagFrequencies: dags,
		EpochStart:     c.epochStart,
		ReportPeriod:   c.cfg.ReportPeriod,
	})
}

// New returns a Controller ready to Run.
func New(cfg Config, orch Orchestrator, rec *reconciler.Reconciler, pol *policy.Policy, scl *scaler.Scaler, sender *wire.Sender, metrics *ctrlmetrics.Metrics, audit *logging.DecisionLogger) *Controller {
	return &Controller{
		cfg:            cfg,
		orch:           orch,
		reconciler:     rec,
		policy:         pol,
		scaler:         scl,
		sender:         sender,
		metrics:        metrics,
		audit:          audit,
		statuses:       clusterstate.NewExecutorStatusTable(),
		departing:      clusterstate.NewDepartingExecutors(),
		epochTables:    clusterstate.NewEpochTables(),
		latencyHistory: make(map[string]clusterstate.LatencyHistoryEntry),
		locations:      clusterstate.NewFunctionLocations(),
		mainEvents:     make(chan event, cfg.EventChannelBuffer),
		statusEvents:   make(chan functionStatusEvent, cfg.StatusChannelBuffer),
	}
}

// Run blocks until ctx is cancelled or an unrecoverable bind error occurs.
// It first blocks on the startup preconditions (spec.md §4.6/§7), then
// binds the seven listeners and enters the event loop.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.waitForStartup(ctx); err != nil {
		return err
	}

	listeners, err := c.bindListeners()
	if err != nil {
		return fmt.Errorf("controller: bind listeners: %w", err)
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	go c.acceptRestart(listeners[0])
	go c.acceptChurn(listeners[1])
	go c.acceptListExecutors(listeners[2])
	go c.acceptFunctionStatus(listeners[3])
	go c.acceptListSchedulers(listeners[4])
	go c.acceptExecutorDepart(listeners[5])
	go c.acceptStatistics(listeners[6])

	ticker := time.NewTicker(c.cfg.PollTimeout)
	defer ticker.Stop()
	c.epochStart = time.Now()

	logging.Op().Info("controller: event loop started", "report_period", c.cfg.ReportPeriod)
	c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.mainEvents:
			c.dispatch(ev)
			c.drainFunctionStatus()
			c.publishSnapshot()
		case st := <-c.statusEvents:
			c.handleFunctionStatus(st.status)
		case now := <-ticker.C:
			c.drainFunctionStatus()
			c.maybeRunEpoch(now)
			c.publishSnapshot()
		}
	}
}

// drainFunctionStatus empties the function-status channel in a tight
// non-blocking loop, preventing starvation when a pin operation blocks
// the loop for up to 10 seconds (spec.md §5).
func (c *Controller) drainFunctionStatus() {
	for {
		select {
		case st := <-c.statusEvents:
			c.handleFunctionStatus(st.status)
		default:
			return
		}
	}
}

func (c *Controller) dispatch(ev event) {
	switch e := ev.(type) {
	case restartEvent:
		c.handleRestart(e)
	case churnEvent:
		c.handleChurn(e)
	case listExecutorsEvent:
		c.handleListExecutors(e)
	case listSchedulersEvent:
		c.handleListSchedulers(e)
	case executorDepartEvent:
		c.handleExecutorDepart(e)
	case statisticsEvent:
		c.handleStatistics(e)
	default:
		logging.Op().Warn("controller: unknown event type")
	}
}

func (c *Controller) handleRestart(e restartEvent) {
	defer e.conn.Close()
	pod, err := c.orch.PodByIP(e.podIP)
	if err != nil {
		logging.Op().Warn("controller: restart lookup failed", "pod_ip", e.podIP, "error", err)
		return
	}
	if err := wire.WriteMessage(e.conn, strconv.Itoa(pod.RestartCount())); err != nil {
		logging.Op().Warn("controller: restart reply failed", "pod_ip", e.podIP, "error", err)
	}
}

func (c *Controller) handleChurn(e churnEvent) {
	parts := strings.SplitN(e.msg, ":", 3)
	if len(parts) != 3 {
		logging.Op().Warn("controller: malformed churn message", "msg", e.msg)
		return
	}
	action, a, b := parts[0], parts[1], parts[2]
	switch action {
	case "add":
		count, err := strconv.Atoi(a)
		if err != nil {
			logging.Op().Warn("controller: malformed churn add count", "msg", e.msg)
			return
		}
		c.scaler.AddVMs(b, count)
	case "remove":
		c.scaler.RemoveVMs(b, a)
	default:
		logging.Op().Warn("controller: unknown churn action", "action", action)
	}
}

func (c *Controller) handleListExecutors(e listExecutorsEvent) {
	funcIPs, err := c.orch.PodIPs(c.cfg.FunctionRoleLabel, false)
	if err != nil {
		logging.Op().Warn("controller: list-executors function query failed", "error", err)
	}
	gpuIPs, err := c.orch.PodIPs(c.cfg.GPURoleLabel, false)
	if err != nil {
		logging.Op().Warn("controller: list-executors gpu query failed", "error", err)
	}
	all := append(append([]string{}, funcIPs...), gpuIPs...)
	addr := fmt.Sprintf("tcp://%s:%d", e.responseIP, c.cfg.ListExecutorsReplyPort)
	if err := c.sender.Send(addr, StringSet{Keys: all}); err != nil {
		logging.Op().Warn("controller: list-executors push failed", "response_ip", e.responseIP, "error", err)
	}
}

func (c *Controller) handleListSchedulers(e listSchedulersEvent) {
	defer e.conn.Close()
	ips, err := c.orch.PodIPs(c.cfg.SchedulerRoleLabel, false)
	if err != nil {
		logging.Op().Warn("controller: list-schedulers query failed", "error", err)
		ips = nil
	}
	if err := wire.WriteMessage(e.conn, StringSet{Keys: ips}); err != nil {
		logging.Op().Warn("controller: list-schedulers reply failed", "error", err)
	}
}

func (c *Controller) handleExecutorDepart(e executorDepartEvent) {
	reachedZero, ok := c.departing.Ack(e.ip)
	if !ok {
		return
	}
	if reachedZero {
		c.scaler.RemoveVMs("function", e.ip)
		c.departing.Delete(e.ip)
		c.audit.Logf("executor departed ip=%s", e.ip)
	}
}

func (c *Controller) handleFunctionStatus(st clusterstate.ThreadStatus) {
	if c.departing.Contains(st.IP) {
		return
	}
	c.statuses.Put(&st)
	if c.metrics != nil {
		c.metrics.ExecutorThreads.Set(float64(c.statuses.Len()))
	}
}

func (c *Controller) handleStatistics(e statisticsEvent) {
	for _, f := range e.stats.Functions {
		if len(f.Runtime) > 0 {
			sum := 0.0
			for _, r := range f.Runtime {
				sum += r
			}
			acc, ok := c.epochTables.FunctionRuntimes[f.Name]
			if !ok {
				acc = &clusterstate.RuntimeAccumulator{}
				c.epochTables.FunctionRuntimes[f.Name] = acc
			}
			acc.TotalRuntime += sum
			acc.TotalCount += f.CallCount
		} else {
			c.epochTables.FunctionFrequencies[f.Name] += f.CallCount
		}
	}
	for _, d := range e.stats.Dags {
		c.epochTables.ArrivalTimes[d.Name] = append(c.epochTables.ArrivalTimes[d.Name], d.Interarrival...)
		c.epochTables.DagFrequencies[d.Name] += d.CallCount
		c.epochTables.DagRuntimes[d.Name] = append(c.epochTables.DagRuntimes[d.Name], d.Runtimes...)
	}
}

// maybeRunEpoch implements spec.md §4.6's epoch trigger.
func (c *Controller) maybeRunEpoch(now time.Time) {
	if now.Sub(c.epochStart) <= c.cfg.ReportPeriod {
		return
	}
	start := now

	if err := c.reconciler.Reconcile(); err != nil {
		logging.Op().Warn("controller: hash-ring reconciliation failed", "error", err)
	}

	c.locations = c.policy.ReplicaPolicy(c.epochTables.FunctionFrequencies, c.epochTables.FunctionRuntimes, c.statuses, c.latencyHistory)
	c.policy.ExecutorPolicy(c.statuses, c.departing, c.locations, now)

	c.epochTables.ClearEpoch()
	c.epochStart = now

	if c.metrics != nil {
		c.metrics.EpochDuration.Observe(time.Since(start).Seconds())
		c.metrics.DepartingCount.Set(float64(c.departing.Len()))
	}
}

func (c *Controller) waitForStartup(ctx context.Context) error {
	kubeconfig := expandHome(c.cfg.KubeconfigPath)
	for {
		_, sentinelErr := os.Stat(c.cfg.SetupSentinelPath)
		_, kubeErr := os.Stat(kubeconfig)
		if sentinelErr == nil && kubeErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.StartupPollDelay):
		}
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + strings.TrimPrefix(path, "~")
}

func (c *Controller) bindListeners() ([]net.Listener, error) {
	ports := []int{
		c.cfg.Ports.Restart,
		c.cfg.Ports.Churn,
		c.cfg.Ports.ListExecutors,
		c.cfg.Ports.FunctionStatus,
		c.cfg.Ports.ListSchedulers,
		c.cfg.Ports.ExecutorDepart,
		c.cfg.Ports.Statistics,
	}
	listeners := make([]net.Listener, 0, len(ports))
	for _, port := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return nil, fmt.Errorf("listen on port %d: %w", port, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}
