// Package monitor delivers risk alerts and lifecycle notices to operators.
package monitor

import (
	"context"
	"fmt"
	"log"

	"copytrade-core/internal/events"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/risk"
)

// AlertSink is a pluggable alert delivery channel.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log. The default sink.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT %s", message)
	return nil
}

// Monitor forwards risk alerts and relationship status changes from the bus
// to the configured sink.
type Monitor struct {
	bus  *events.Bus
	sink AlertSink
}

func New(bus *events.Bus, sink AlertSink) *Monitor {
	if sink == nil {
		sink = LogSink{}
	}
	return &Monitor{bus: bus, sink: sink}
}

// Start subscribes and forwards until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	alerts, unsubAlerts := m.bus.Subscribe(events.EventRiskAlert, 50)
	statuses, unsubStatuses := m.bus.Subscribe(events.EventRelationshipStatus, 50)
	go func() {
		defer unsubAlerts()
		defer unsubStatuses()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				m.deliver(formatAlert(msg))
			case msg, ok := <-statuses:
				if !ok {
					return
				}
				m.deliver(formatStatus(msg))
			}
		}
	}()
}

func (m *Monitor) deliver(message string) {
	if err := m.sink.Send(message); err != nil {
		log.Printf("monitor: alert delivery failed: %v", err)
	}
}

func formatAlert(msg any) string {
	a, ok := msg.(risk.Alert)
	if !ok {
		return fmt.Sprintf("risk alert: %v", msg)
	}
	if a.Detail == "" {
		return fmt.Sprintf("risk alert: relationship %s: %s", a.RelationshipID, a.Reason)
	}
	return fmt.Sprintf("risk alert: relationship %s: %s (%s)", a.RelationshipID, a.Reason, a.Detail)
}

func formatStatus(msg any) string {
	c, ok := msg.(relationship.StatusChange)
	if !ok {
		return fmt.Sprintf("relationship status: %v", msg)
	}
	return fmt.Sprintf("relationship %s: %s -> %s (%s)", c.RelationshipID, c.From, c.To, c.Reason)
}
