// Package scaler pins and unpins functions on executor threads and emits
// VM elasticity requests, per spec.md §4.3. The pin path blocks on an
// acknowledgement with a bounded timeout the way the teacher's
// kubernetes.Client.ExecuteWithTrace bounds a blocking agent call with
// conn.SetDeadline; the fire-and-forget paths reuse internal/wire's
// cached sender exactly as elsewhere in the controller.
package scaler

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hydro-project/cluster/internal/addrmap"
	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/ctrlmetrics"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/wire"
)

// ExecutorSets resolves the §9 "Polymorphic scaler signature" design note:
// one replicate_function operation takes either a CPU/GPU pair (the
// replica-policy call site) or the same set in both fields (the
// hotspot-replication call site in spec.md §4.4 step 5).
type ExecutorSets struct {
	CPU []clusterstate.ExecutorKey
	GPU []clusterstate.ExecutorKey
}

// PinFunction is the payload sent to an executor's pin endpoint.
type PinFunction struct {
	Name            string
	ResponseAddress string
}

// GenericResponse is the ack payload the pin-accept listener decodes.
type GenericResponse struct {
	Success bool
}

// Local VM-churn IPC endpoints, dialed as Unix domain sockets per
// spec.md §6 ("Local IPC endpoints node_add and node_remove are outbound
// from the controller to an external VM-churn worker").
const (
	DefaultAddVMsSocket    = "unix:///run/hydro/node_add.sock"
	DefaultRemoveVMsSocket = "unix:///run/hydro/node_remove.sock"
)

// Scaler implements replicate/dereplicate/add_vms/remove_vms.
type Scaler struct {
	sender         *wire.Sender
	listener       *wire.Listener
	selfResponseIP string
	ackTimeout     time.Duration
	addVMsAddr     string
	removeVMsAddr  string
	metrics        *ctrlmetrics.Metrics
	audit          *logging.DecisionLogger
	rng            *rand.Rand
}

// Config bundles the parameters New needs beyond the shared collaborators.
type Config struct {
	SelfResponseIP string // address embedded in PinFunction.ResponseAddress
	PinListenAddr  string // local bind address for the pin-accept listener
	AckTimeout     time.Duration
	AddVMsAddr     string
	RemoveVMsAddr  string
}

// New binds the pin-accept listener and returns a ready Scaler.
func New(cfg Config, sender *wire.Sender, metrics *ctrlmetrics.Metrics, audit *logging.DecisionLogger) (*Scaler, error) {
	listener, err := wire.Listen(cfg.PinListenAddr)
	if err != nil {
		return nil, err
	}
	addVMs := cfg.AddVMsAddr
	if addVMs == "" {
		addVMs = DefaultAddVMsSocket
	}
	removeVMs := cfg.RemoveVMsAddr
	if removeVMs == "" {
		removeVMs = DefaultRemoveVMsSocket
	}
	return &Scaler{
		sender:         sender,
		listener:       listener,
		selfResponseIP: cfg.SelfResponseIP,
		ackTimeout:     cfg.AckTimeout,
		addVMsAddr:     addVMs,
		removeVMsAddr:  removeVMs,
		metrics:        metrics,
		audit:          audit,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Close releases the pin-accept listener.
func (s *Scaler) Close() error { return s.listener.Close() }

func isGPUFunction(fname string) bool {
	return strings.Contains(strings.ToLower(fname), "gpu")
}

// ReplicateFunction selects up to n candidates not already hosting fname
// from exec.GPU (if fname is GPU-tagged) or exec.CPU, pins each in turn,
// and records successes into locations. See spec.md §4.3 for the full
// candidate-selection and ack-handling contract.
func (s *Scaler) ReplicateFunction(fname string, n int, locations clusterstate.FunctionLocations, exec ExecutorSets) {
	if n <= 0 {
		return
	}
	gpu := isGPUFunction(fname)

	var pool []clusterstate.ExecutorKey
	if gpu {
		pool = exec.GPU
	} else {
		pool = exec.CPU
	}

	already := locations[fname]
	occupied := map[clusterstate.ExecutorKey]struct{}{}
	if gpu {
		for otherFname, keys := range locations {
			if !isGPUFunction(otherFname) {
				continue
			}
			for k := range keys {
				occupied[k] = struct{}{}
			}
		}
	}

	candidates := make([]clusterstate.ExecutorKey, 0, len(pool))
	for _, k := range pool {
		if _, used := already[k]; used {
			continue
		}
		if gpu {
			if _, busy := occupied[k]; busy {
				continue
			}
		}
		candidates = append(candidates, k)
	}

	s.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	successes := 0
	for _, key := range candidates {
		if successes >= n {
			break
		}
		ok := s.pinOne(fname, key)
		if ok {
			locations.Add(fname, key)
			successes++
		}
	}
}

func (s *Scaler) pinOne(fname string, key clusterstate.ExecutorKey) bool {
	corrID := uuid.New().String()
	log := logging.OpWithCorrelation(corrID)

	addr := addrmap.ExecutorPin(key.IP, key.Tid)
	start := time.Now()
	if err := s.sender.Send(addr, PinFunction{Name: fname, ResponseAddress: s.selfResponseIP}); err != nil {
		log.Warn("scaler: pin send failed", "function", fname, "ip", key.IP, "tid", key.Tid, "error", err)
		return false
	}

	var resp GenericResponse
	err := s.listener.Receive(&resp, s.ackTimeout)
	if s.metrics != nil {
		s.metrics.PinAckLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.PinTimeouts.Inc()
		}
		log.Warn("scaler: pin ack timeout, candidate dropped", "function", fname, "ip", key.IP, "tid", key.Tid)
		s.audit.Logf("pin timeout function=%s ip=%s tid=%d", fname, key.IP, key.Tid)
		return false
	}
	if !resp.Success {
		log.Info("scaler: pin rejected", "function", fname, "ip", key.IP, "tid", key.Tid)
		s.audit.Logf("pin rejected function=%s ip=%s tid=%d", fname, key.IP, key.Tid)
		return false
	}
	log.Info("scaler: pin accepted", "function", fname, "ip", key.IP, "tid", key.Tid)
	s.audit.Logf("pin accepted function=%s ip=%s tid=%d", fname, key.IP, key.Tid)
	return true
}

// DereplicateFunction removes entries from locations[fname] at random
// until its size reaches target, unpinning each one fire-and-forget.
// No-op if target < 2 (the safety floor from spec.md §4.3/§8).
func (s *Scaler) DereplicateFunction(fname string, target int, locations clusterstate.FunctionLocations) {
	if target < 2 {
		return
	}
	for locations.Count(fname) > target {
		keys := locations.Keys(fname)
		if len(keys) == 0 {
			return
		}
		victim := keys[s.rng.Intn(len(keys))]
		addr := addrmap.ExecutorUnpin(victim.IP, victim.Tid)
		if err := s.sender.Send(addr, struct{}{}); err != nil {
			logging.Op().Warn("scaler: unpin send failed", "function", fname, "ip", victim.IP, "tid", victim.Tid, "error", err)
		}
		locations.Remove(fname, victim)
		s.audit.Logf("unpin function=%s ip=%s tid=%d", fname, victim.IP, victim.Tid)
	}
}

// AddVMs sends "<kind>:<count>" to the local VM-add IPC endpoint.
func (s *Scaler) AddVMs(kind string, count int) {
	msg := kind + ":" + strconv.Itoa(count)
	if err := s.sender.Send(s.addVMsAddr, msg); err != nil {
		logging.Op().Warn("scaler: add_vms send failed", "kind", kind, "count", count, "error", err)
	}
	s.audit.Logf("add_vms kind=%s count=%d", kind, count)
}

// RemoveVMs sends "<kind>:<ip>" to the local VM-remove IPC endpoint.
func (s *Scaler) RemoveVMs(kind string, ip string) {
	msg := kind + ":" + ip
	if err := s.sender.Send(s.removeVMsAddr, msg); err != nil {
		logging.Op().Warn("scaler: remove_vms send failed", "kind", kind, "ip", ip, "error", err)
	}
	s.audit.Logf("remove_vms kind=%s ip=%s", kind, ip)
}
