package wirelay

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/maps"
)

type LocalRelaySettings struct {
	// bound on stored events kept for replay
	StoreSize int
	// refuse events past this serialized size
	MaxEventSize ByteCount
	// verify signatures on publish the way a remote relay would
	VerifyEvents bool
}

func DefaultLocalRelaySettings() *LocalRelaySettings {
	return &LocalRelaySettings{
		StoreSize:    4096,
		MaxEventSize: kib(128),
		VerifyEvents: true,
	}
}

// LocalRelay is an in-process RelayTransport. it stands in for every relay
// url it is handed, which makes it the loopback transport for tests and for
// writer/reader pairs living in one process.
type LocalRelay struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *LocalRelaySettings

	stateLock     sync.Mutex
	store         *lru.Cache[string, *Event]
	subscriptions map[Id]*localSubscription
}

func NewLocalRelayWithDefaults(ctx context.Context) *LocalRelay {
	return NewLocalRelay(ctx, DefaultLocalRelaySettings())
}

func NewLocalRelay(ctx context.Context, settings *LocalRelaySettings) *LocalRelay {
	cancelCtx, cancel := context.WithCancel(ctx)
	store, _ := lru.New[string, *Event](settings.StoreSize)
	return &LocalRelay{
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		store:         store,
		subscriptions: map[Id]*localSubscription{},
	}
}

func (self *LocalRelay) Publish(ctx context.Context, event *Event, relays []string) ([]string, error) {
	if self.settings.MaxEventSize < ByteCount(len(event.Serialize())) {
		return nil, fmt.Errorf("event exceeds %s", formatByteCount(self.settings.MaxEventSize))
	}
	if self.settings.VerifyEvents {
		if err := VerifyEvent(event); err != nil {
			return nil, err
		}
	}

	var fanout []*localSubscription
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.store.Contains(event.Id) {
			// duplicate publish of a stored event is accepted, not refanned
			return
		}
		self.store.Add(event.Id, event)
		for _, subscription := range self.subscriptions {
			if subscription.filter.Match(event) {
				fanout = append(fanout, subscription)
			}
		}
	}()

	// deliver outside the lock so a callback can publish without deadlock
	for _, subscription := range fanout {
		subscription.onEvent(event)
	}
	glog.V(2).Infof("[lr]event %s -> %d subscriptions\n", event.Id, len(fanout))
	return append([]string{}, relays...), nil
}

func (self *LocalRelay) Subscribe(ctx context.Context, filter *Filter, relays []string, onEvent func(*Event)) (Subscription, error) {
	subscription := &localSubscription{
		relay:          self,
		subscriptionId: NewId(),
		filter:         filter,
		onEvent:        onEvent,
		done:           make(chan struct{}),
	}

	// register before replay so no publish lands in a gap. an event that
	// arrives while the stored snapshot is taken can reach the callback
	// twice, once live and once replayed. readers deduplicate by id.
	var replay []*Event
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscriptions[subscription.subscriptionId] = subscription
		for _, id := range self.store.Keys() {
			if event, ok := self.store.Get(id); ok && filter.Match(event) {
				replay = append(replay, event)
			}
		}
	}()
	if 0 < filter.Limit && filter.Limit < len(replay) {
		replay = replay[len(replay)-filter.Limit:]
	}
	for _, event := range replay {
		onEvent(event)
	}

	go HandleError(func() {
		select {
		case <-ctx.Done():
		case <-self.ctx.Done():
		case <-subscription.done:
		}
		subscription.Close()
	})

	return subscription, nil
}

func (self *LocalRelay) Close() {
	self.cancel()
	self.stateLock.Lock()
	subscriptions := maps.Values(self.subscriptions)
	maps.Clear(self.subscriptions)
	self.store.Purge()
	self.stateLock.Unlock()
	for _, subscription := range subscriptions {
		subscription.close()
	}
}

type localSubscription struct {
	relay          *LocalRelay
	subscriptionId Id
	filter         *Filter
	onEvent        func(*Event)

	closeOnce sync.Once
	done      chan struct{}
}

func (self *localSubscription) Close() {
	self.relay.stateLock.Lock()
	delete(self.relay.subscriptions, self.subscriptionId)
	self.relay.stateLock.Unlock()
	self.close()
}

func (self *localSubscription) close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}
