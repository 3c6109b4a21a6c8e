package controller

// Wire payload shapes from spec.md §6. These mirror the channel
// payloads but use slices instead of clusterstate's in-memory maps/sets,
// since the wire format carries repeated fields, not Go maps.

// StringSet is the repeated-string payload used by list-executors and
// list-schedulers replies.
type StringSet struct {
	Keys []string
}

// WireThreadStatus is the over-the-wire shape of a ThreadStatus report;
// Functions is a repeated field, converted to a set on arrival.
type WireThreadStatus struct {
	IP          string
	Tid         int
	Utilization float64
	Functions   []string
	Kind        string // "CPU" or "GPU"
}

// FuncStat is one function's contribution to an ExecutorStatistics report.
type FuncStat struct {
	Name      string
	CallCount int
	Runtime   []float64
}

// DagStat is one DAG's contribution to an ExecutorStatistics report.
type DagStat struct {
	Name         string
	CallCount    int
	Interarrival []float64
	Runtimes     []float64
}

// ExecutorStatistics is the statistics-channel payload (spec.md §6).
type ExecutorStatistics struct {
	Functions []FuncStat
	Dags      []DagStat
}
