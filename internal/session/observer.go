package session

import "time"

// Observer receives lifecycle notifications. Calls happen on the
// goroutine that caused the transition and must not block for long.
type Observer interface {
	SessionOpened(Info)
	SessionFailed(Info, error)
	FrameProcessed(Info, time.Duration)
	FPSUpdated(Info)
	GarmentChanged(Info)
	SessionClosed(Info, error)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionOpened(Info)                 {}
func (NopObserver) SessionFailed(Info, error)          {}
func (NopObserver) FrameProcessed(Info, time.Duration) {}
func (NopObserver) FPSUpdated(Info)                    {}
func (NopObserver) GarmentChanged(Info)                {}
func (NopObserver) SessionClosed(Info, error)          {}

type multiObserver []Observer

// Observers fans notifications out in order. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) SessionOpened(i Info) {
	for _, o := range m {
		o.SessionOpened(i)
	}
}

func (m multiObserver) SessionFailed(i Info, err error) {
	for _, o := range m {
		o.SessionFailed(i, err)
	}
}

func (m multiObserver) FrameProcessed(i Info, d time.Duration) {
	for _, o := range m {
		o.FrameProcessed(i, d)
	}
}

func (m multiObserver) FPSUpdated(i Info) {
	for _, o := range m {
		o.FPSUpdated(i)
	}
}

func (m multiObserver) GarmentChanged(i Info) {
	for _, o := range m {
		o.GarmentChanged(i)
	}
}

func (m multiObserver) SessionClosed(i Info, err error) {
	for _, o := range m {
		o.SessionClosed(i, err)
	}
}
