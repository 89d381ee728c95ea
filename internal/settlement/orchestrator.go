package settlement

import (
	"context"
	"log"

	"github.com/ilp-connector/connector/internal/events"
)

// Orchestrator watches for SETTLEMENT_TRIGGERED telemetry events published
// on the bus and calls the configured SettlementDriver, emitting the
// outcome back onto the bus. No component in this module publishes
// SETTLEMENT_TRIGGERED, and no per-peer balance threshold is tracked.
type Orchestrator struct {
	driver SettlementDriver
	bus    *events.Bus
	logger *log.Logger
}

// NewOrchestrator constructs an orchestrator and subscribes it to the bus.
// Close the returned unsubscribe func to detach.
func NewOrchestrator(driver SettlementDriver, bus *events.Bus, logger *log.Logger) (*Orchestrator, events.Unsubscribe) {
	if logger == nil {
		logger = log.New(log.Writer(), "[SETTLEMENT] ", log.LstdFlags)
	}
	o := &Orchestrator{driver: driver, bus: bus, logger: logger}
	unsub := bus.Subscribe(o.handle, "SETTLEMENT_TRIGGERED")
	return o, unsub
}

func (o *Orchestrator) handle(ev events.TelemetryEvent) {
	peerID, _ := ev.Data["peerId"].(string)
	amountOwed, _ := toInt64(ev.Data["amountOwed"])
	currency, _ := ev.Data["currency"].(string)
	if peerID == "" || amountOwed <= 0 {
		return
	}

	ctx := context.Background()
	result, err := o.driver.Settle(ctx, SettleRequest{PeerID: peerID, AmountOwed: amountOwed, Currency: currency})
	if err != nil {
		o.logger.Printf("settlement for %s failed: %v", peerID, err)
		o.bus.Publish(events.TelemetryEvent{
			Type:    "SETTLEMENT_FAILED",
			Source:  "settlement",
			Subject: peerID,
			Data:    map[string]interface{}{"peerId": peerID, "error": err.Error()},
		})
		return
	}

	o.bus.Publish(events.TelemetryEvent{
		Type:    "SETTLEMENT_COMPLETED",
		Source:  "settlement",
		Subject: peerID,
		Data: map[string]interface{}{
			"peerId":        peerID,
			"txRef":         result.TxRef,
			"settledAmount": result.SettledAmount,
		},
	})
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
