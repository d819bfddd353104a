// Package events delivers auth and cache lifecycle notifications to
// registered listeners.
//
// A Bus is constructed explicitly and injected into the components that emit
// events; there is no process-wide registry. Listeners run synchronously in
// subscription order, and a panicking listener does not prevent delivery to
// the others.
//
//	bus := events.NewBus()
//	unsubscribe := bus.Subscribe(func(ev events.Event) {
//		if ev.Reason == events.ReasonSessionRevoked {
//			// react
//		}
//	})
//	defer unsubscribe()
//
// Messages are rendered by MessageTemplateEngine from EventData; templates can
// be replaced per reason with SetTemplate.
package events
