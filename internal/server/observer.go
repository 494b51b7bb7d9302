package server

import (
	"sync"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/metrics"
	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
	"github.com/Charancs/v-try-on-FP2/internal/session"
)

// metricsObserver feeds the Prometheus collectors from session events.
type metricsObserver struct {
	opened sync.Map
}

func (m *metricsObserver) SessionOpened(i session.Info) {
	m.opened.Store(i.ID, struct{}{})
	metrics.SessionOpened()
}

func (m *metricsObserver) SessionFailed(_ session.Info, err error) {
	metrics.SessionRejected()
	metrics.BackendError(relayerr.Kind(err))
}

func (m *metricsObserver) FrameProcessed(_ session.Info, d time.Duration) { metrics.ObserveFrame(d) }
func (m *metricsObserver) FPSUpdated(session.Info)                         {}
func (m *metricsObserver) GarmentChanged(session.Info)                     { metrics.GarmentChanged() }

func (m *metricsObserver) SessionClosed(i session.Info, reason error) {
	if _, ok := m.opened.LoadAndDelete(i.ID); !ok {
		return
	}
	metrics.SessionClosed()
	if reason != nil {
		metrics.BackendError(relayerr.Kind(reason))
	}
}
