package alerts

import (
	"context"

	"github.com/hydrowatch/backend/internal/core"
)

// Notification delivery runs on a background worker pool so a slow or
// failing channel never stalls the detection workers that create alerts.
// The queue is bounded; overflow drops the alert's notifications (the
// alert itself is unaffected) with a log line.
const (
	dispatchWorkers  = 4
	dispatchQueueCap = 256
)

type dispatchJob struct {
	snapshot  *core.Alert
	emergency bool
}

func (m *Manager) dispatchWorker() {
	defer m.dispatchWG.Done()
	for job := range m.dispatchQ {
		m.dispatch(context.Background(), job.snapshot, job.emergency)
	}
}

func (m *Manager) enqueueDispatch(snapshot *core.Alert, emergency bool) {
	m.dispatchMu.RLock()
	defer m.dispatchMu.RUnlock()
	if m.dispatchClosed {
		return
	}
	select {
	case m.dispatchQ <- dispatchJob{snapshot: snapshot, emergency: emergency}:
	default:
		m.logger.Printf("Dispatch queue full, dropping notifications for %s", snapshot.ID)
	}
}

// Close drains the notification queue and stops the dispatcher pool.
// Lifecycle operations remain usable afterwards; notifications for
// alerts created after Close are dropped.
func (m *Manager) Close() {
	m.dispatchMu.Lock()
	if m.dispatchClosed {
		m.dispatchMu.Unlock()
		return
	}
	m.dispatchClosed = true
	m.dispatchMu.Unlock()

	close(m.dispatchQ)
	m.dispatchWG.Wait()
}
