// Package alerts carries user-visible trading events (rejections,
// anomalies, loss-cap trips) out of the hot path. Failures surface here as
// structured alerts instead of terminating the process.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level grades an alert's urgency.
type Level string

const (
	// LevelInfo is routine operational news
	LevelInfo Level = "info"
	// LevelWarning needs a look but not immediately
	LevelWarning Level = "warning"
	// LevelCritical needs attention now
	LevelCritical Level = "critical"
)

// Alert kinds raised by the core.
const (
	KindBrokerRejected = "broker_rejected"
	KindOrderTimeout   = "order_timeout"
	KindFillMismatch   = "fill_mismatch"
	KindDailyLossCap   = "daily_loss_cap"
	KindConnectionLost = "connection_lost"
	KindReconcile      = "reconcile"
)

// Alert is one structured event.
type Alert struct {
	Level   Level                  `json:"level"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Time    time.Time              `json:"time"`
}

const (
	hubBuffer    = 64
	recentWindow = 100
)

// Hub fans alerts into a structured log sink and keeps a bounded recent
// window for the dashboard. Publish never blocks: when the buffer is full
// the oldest queued alert is dropped.
type Hub struct {
	mu     sync.Mutex
	recent []Alert
	ch     chan Alert
	logger *logrus.Logger
}

// NewHub creates an alert hub draining into the given logger.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		ch:     make(chan Alert, hubBuffer),
		logger: logger,
	}
}

// Publish queues an alert, stamping the time if unset.
func (h *Hub) Publish(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}

	h.mu.Lock()
	h.recent = append(h.recent, a)
	if len(h.recent) > recentWindow {
		h.recent = h.recent[len(h.recent)-recentWindow:]
	}
	h.mu.Unlock()

	for {
		select {
		case h.ch <- a:
			return
		default:
			// Full: drop the oldest queued alert and retry.
			select {
			case <-h.ch:
			default:
			}
		}
	}
}

// Run drains the queue into the log sink until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-h.ch:
			entry := h.logger.WithFields(logrus.Fields{
				"kind": a.Kind,
				"time": a.Time.Format(time.RFC3339),
			})
			for k, v := range a.Fields {
				entry = entry.WithField(k, v)
			}
			switch a.Level {
			case LevelCritical:
				entry.Error(a.Message)
			case LevelWarning:
				entry.Warn(a.Message)
			default:
				entry.Info(a.Message)
			}
		}
	}
}

// Recent returns the latest alerts, oldest first.
func (h *Hub) Recent() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Alert(nil), h.recent...)
}
