package scaler

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/wire"
)

func TestIsGPUFunction(t *testing.T) {
	cases := map[string]bool{
		"resize-gpu":  true,
		"GPU-encode":  true,
		"resize-cpu":  false,
		"thumbnail":   false,
	}
	for fname, want := range cases {
		if got := isGPUFunction(fname); got != want {
			t.Errorf("isGPUFunction(%q) = %v, want %v", fname, got, want)
		}
	}
}

func TestDereplicateFunctionFloor(t *testing.T) {
	s := &Scaler{rng: rand.New(rand.NewSource(1))}
	locations := clusterstate.NewFunctionLocations()
	locations.Add("f", clusterstate.ExecutorKey{IP: "10.0.0.1", Tid: 0})
	locations.Add("f", clusterstate.ExecutorKey{IP: "10.0.0.1", Tid: 1})

	s.DereplicateFunction("f", 1, locations) // target < 2: must no-op

	if locations.Count("f") != 2 {
		t.Errorf("expected dereplicate floor to leave locations untouched, count=%d", locations.Count("f"))
	}
}

// fakeExecutor emulates one executor thread's pin endpoint: it accepts the
// pin request, then dials back respAddr with a GenericResponse.
func fakeExecutor(t *testing.T, port int, respAddr string, success bool) {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("fakeExecutor: listen :%d: %v", port, err)
	}
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		var pin PinFunction
		_ = wire.ReadMessage(conn, &pin)
		conn.Close()
		if !success {
			return
		}
		respConn, err := net.Dial("tcp", strings.TrimPrefix(respAddr, "tcp://"))
		if err != nil {
			return
		}
		defer respConn.Close()
		_ = wire.WriteMessage(respConn, GenericResponse{Success: true})
	}()
}

func newScalerForTest(t *testing.T, selfPort int, ackTimeout time.Duration) *Scaler {
	t.Helper()
	audit, err := logging.NewDecisionLogger("")
	if err != nil {
		t.Fatalf("new decision logger: %v", err)
	}
	audit.SetConsole(false)

	sc, err := New(Config{
		SelfResponseIP: fmt.Sprintf("tcp://127.0.0.1:%d", selfPort),
		PinListenAddr:  fmt.Sprintf("127.0.0.1:%d", selfPort),
		AckTimeout:     ackTimeout,
	}, wire.NewSender(), nil, audit)
	if err != nil {
		t.Fatalf("new scaler: %v", err)
	}
	t.Cleanup(func() { sc.Close() })
	return sc
}

// TestReplicateFunctionGPUExclusivity exercises the §8 "GPU exclusivity"
// invariant: an executor already hosting one GPU function is never chosen
// as a candidate for another.
func TestReplicateFunctionGPUExclusivity(t *testing.T) {
	const selfPort = 15101
	s := newScalerForTest(t, selfPort, 2*time.Second)

	occupied := clusterstate.ExecutorKey{IP: "127.0.0.1", Tid: 201}
	candidateB := clusterstate.ExecutorKey{IP: "127.0.0.1", Tid: 202}
	candidateC := clusterstate.ExecutorKey{IP: "127.0.0.1", Tid: 203}

	locations := clusterstate.NewFunctionLocations()
	locations.Add("train-gpu", occupied)

	fakeExecutor(t, 4202, s.selfResponseIP, true)
	fakeExecutor(t, 4203, s.selfResponseIP, true)

	exec := ExecutorSets{GPU: []clusterstate.ExecutorKey{occupied, candidateB, candidateC}}
	s.ReplicateFunction("classify-gpu", 1, locations, exec)

	if locations.Has("classify-gpu", occupied) {
		t.Error("expected the already-occupied GPU executor to be excluded")
	}
	if locations.Count("classify-gpu") != 1 {
		t.Fatalf("expected exactly one successful pin, got %d", locations.Count("classify-gpu"))
	}
	if !locations.Has("classify-gpu", candidateB) && !locations.Has("classify-gpu", candidateC) {
		t.Error("expected the pin to land on one of the unoccupied GPU candidates")
	}
}

// TestReplicateFunctionAckTimeout exercises the §8 "Ack-timeout" scenario:
// the executor receives the pin but never acks, so the candidate is
// dropped and function_locations is left unchanged.
func TestReplicateFunctionAckTimeout(t *testing.T) {
	const selfPort = 15102
	s := newScalerForTest(t, selfPort, 100*time.Millisecond)

	key := clusterstate.ExecutorKey{IP: "127.0.0.1", Tid: 300}
	fakeExecutor(t, 4300, s.selfResponseIP, false) // receives the pin, never acks

	locations := clusterstate.NewFunctionLocations()
	exec := ExecutorSets{CPU: []clusterstate.ExecutorKey{key}}

	s.ReplicateFunction("resize", 1, locations, exec)

	if locations.Count("resize") != 0 {
		t.Errorf("expected no successful pins after an ack timeout, got %d", locations.Count("resize"))
	}
}
