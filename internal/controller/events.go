package controller

import (
	"net"

	"github.com/hydro-project/cluster/internal/clusterstate"
)

// event is the tagged-variant inbound message the event loop dispatches
// on, resolving the §9 "dynamic message dispatch" design note with a
// single dispatch site instead of an if-chain over endpoints.
type event interface{ isEvent() }

type restartEvent struct {
	conn  net.Conn
	podIP string
}

func (restartEvent) isEvent() {}

type churnEvent struct {
	msg string
}

func (churnEvent) isEvent() {}

type listExecutorsEvent struct {
	responseIP string
}

func (listExecutorsEvent) isEvent() {}

type listSchedulersEvent struct {
	conn net.Conn
}

func (listSchedulersEvent) isEvent() {}

type executorDepartEvent struct {
	ip string
}

func (executorDepartEvent) isEvent() {}

type statisticsEvent struct {
	stats ExecutorStatistics
}

func (statisticsEvent) isEvent() {}

// functionStatusEvent travels on its own channel (see Controller.Run) so
// it can be drained in a tight non-blocking loop, matching spec.md §5's
// exception for the function-status channel during a blocking pin.
type functionStatusEvent struct {
	status clusterstate.ThreadStatus
}
