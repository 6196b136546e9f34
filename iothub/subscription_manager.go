package iothub

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type subscriptionKind int

const (
	subscriptionMethods subscriptionKind = iota
	subscriptionTwinPatch
	subscriptionMessages
)

// subscriptionManager records which cloud-to-device subscriptions are active so they can be
// restored after a reconnect.
type subscriptionManager struct {
	lock       sync.Mutex
	methods    bool
	twinPatch  bool
	messages   bool
	events     bool
	edgeModule bool
}

type subscriptionSnapshot struct {
	methods    bool
	twinPatch  bool
	messages   bool
	events     bool
	edgeModule bool
}

func (manager *subscriptionManager) set(kind subscriptionKind, enabled bool) {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	switch kind {
	case subscriptionMethods:
		manager.methods = enabled
	case subscriptionTwinPatch:
		manager.twinPatch = enabled
	case subscriptionMessages:
		manager.messages = enabled
	}
}

// setEvents records module event subscriptions, which also carry the edge module flag.
func (manager *subscriptionManager) setEvents(enabled bool, isAnEdgeModule bool) {
	manager.lock.Lock()
	manager.events = enabled
	manager.edgeModule = isAnEdgeModule
	manager.lock.Unlock()
}

func (manager *subscriptionManager) snapshot() subscriptionSnapshot {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	return subscriptionSnapshot{
		methods:    manager.methods,
		twinPatch:  manager.twinPatch,
		messages:   manager.messages,
		events:     manager.events,
		edgeModule: manager.edgeModule,
	}
}

// Resubscribe enables every active subscription on handler. Subscriptions are restored
// concurrently and one failure does not stop the others.
func (manager *subscriptionManager) Resubscribe(ctx context.Context, handler DelegatingHandler) error {
	if manager == nil || handler == nil {
		return nil
	}
	active := manager.snapshot()

	var group errgroup.Group
	if active.methods {
		group.Go(func() error { return handler.EnableMethods(ctx) })
	}
	if active.twinPatch {
		group.Go(func() error { return handler.EnableTwinPatch(ctx) })
	}
	if active.messages {
		group.Go(func() error { return handler.EnableReceiveMessage(ctx) })
	}
	if active.events {
		group.Go(func() error { return handler.EnableEventReceive(ctx, active.edgeModule) })
	}
	return group.Wait()
}
