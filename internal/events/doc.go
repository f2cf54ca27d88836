// Package events publishes node lifecycle and dispatch events in process.
//
// Nodes publish peer connects and disconnects, dispatched envelopes and handler
// failures. The platform subscribes to track peer activity for its readiness
// endpoint; tests subscribe to wait for deliveries without polling.
//
//	ch, _ := bus.Subscribe(ctx, "brain")
//	for ev := range ch {
//	    if ev.Kind == events.Dispatched { ... }
//	}
package events
