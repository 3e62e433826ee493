// Package watch provides a latest-value fan-out hub.
//
// # Overview
//
// The machine registry publishes a fresh snapshot of the machine list after
// every refresh tick and API mutation. The hub compares it with the previous
// snapshot and only pushes real changes. Each watcher has a one-slot channel:
// a slow watcher never blocks the publisher and never reads an outdated value
// after a newer one has been published.
//
// # Usage
//
//	hub := watch.NewHub[[]machine.Info](machine.EqualInfos, logger)
//	ch, _ := hub.Subscribe(ctx)
//	for list := range ch {
//	    // send list to the browser
//	}
package watch
