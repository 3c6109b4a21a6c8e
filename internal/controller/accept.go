package controller

import (
	"errors"
	"net"
	"strings"

	"github.com/hydro-project/cluster/internal/clusterstate"
	"github.com/hydro-project/cluster/internal/logging"
	"github.com/hydro-project/cluster/internal/wire"
)

// Each accept* method owns one inbound TCP listener and decodes
// connections sequentially, preserving per-channel arrival order (spec.md
// §5). Request/reply channels hand the open connection to the main loop
// via mainEvents so only the single event-loop goroutine ever writes a
// reply or mutates controller state; fire-and-forget channels decode and
// close here, since nothing past decoding touches shared state.

func (c *Controller) acceptRestart(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		var podIP string
		if err := wire.ReadMessage(conn, &podIP); err != nil {
			logging.Op().Warn("controller: restart decode failed", "error", err)
			conn.Close()
			continue
		}
		c.mainEvents <- restartEvent{conn: conn, podIP: podIP}
	}
}

func (c *Controller) acceptChurn(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		var msg string
		err = wire.ReadMessage(conn, &msg)
		conn.Close()
		if err != nil {
			logging.Op().Warn("controller: churn decode failed", "error", err)
			continue
		}
		c.mainEvents <- churnEvent{msg: msg}
	}
}

func (c *Controller) acceptListExecutors(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		var responseIP string
		err = wire.ReadMessage(conn, &responseIP)
		conn.Close()
		if err != nil {
			logging.Op().Warn("controller: list-executors decode failed", "error", err)
			continue
		}
		c.mainEvents <- listExecutorsEvent{responseIP: responseIP}
	}
}

func (c *Controller) acceptFunctionStatus(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		var wst WireThreadStatus
		err = wire.ReadMessage(conn, &wst)
		conn.Close()
		if err != nil {
			logging.Op().Warn("controller: function-status decode failed", "error", err)
			continue
		}
		c.statusEvents <- functionStatusEvent{status: toThreadStatus(wst)}
	}
}

func (c *Controller) acceptListSchedulers(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		var ignored struct{}
		_ = wire.ReadMessage(conn, &ignored) // request payload is ignored per spec.md §4.6
		c.mainEvents <- listSchedulersEvent{conn: conn}
	}
}

func (c *Controller) acceptExecutorDepart(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		var ip string
		err = wire.ReadMessage(conn, &ip)
		conn.Close()
		if err != nil {
			logging.Op().Warn("controller: executor-depart decode failed", "error", err)
			continue
		}
		c.mainEvents <- executorDepartEvent{ip: ip}
	}
}

func (c *Controller) acceptStatistics(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		var stats ExecutorStatistics
		err = wire.ReadMessage(conn, &stats)
		conn.Close()
		if err != nil {
			logging.Op().Warn("controller: statistics decode failed", "error", err)
			continue
		}
		c.mainEvents <- statisticsEvent{stats: stats}
	}
}

func toThreadStatus(w WireThreadStatus) clusterstate.ThreadStatus {
	fns := make(map[string]struct{}, len(w.Functions))
	for _, f := range w.Functions {
		fns[f] = struct{}{}
	}
	kind := clusterstate.KindCPU
	if strings.EqualFold(w.Kind, "GPU") {
		kind = clusterstate.KindGPU
	}
	return clusterstate.ThreadStatus{
		IP:          w.IP,
		Tid:         w.Tid,
		Utilization: w.Utilization,
		Functions:   fns,
		Kind:        kind,
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
