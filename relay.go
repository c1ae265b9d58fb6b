package wirelay

import (
	"context"
	"slices"
)

// RelayTransport moves signed events between stream endpoints. relays store
// and forward with no ordering guarantee. both the in-process LocalRelay and
// the websocket RelayPool implement this.
type RelayTransport interface {
	// publishes to every listed relay and returns the relays that accepted
	// the event. an empty result with a nil error means every relay refused.
	Publish(ctx context.Context, event *Event, relays []string) ([]string, error)
	// delivers matching events to onEvent until the subscription is closed.
	// stored events replay first, then live events as they arrive. onEvent
	// may be called concurrently with the subscriber.
	Subscribe(ctx context.Context, filter *Filter, relays []string, onEvent func(*Event)) (Subscription, error)
}

type Subscription interface {
	Close()
}

// the standard relay filter shape. empty fields match everything.
type Filter struct {
	Ids     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

func (self *Filter) Match(event *Event) bool {
	if self.Ids != nil && !slices.Contains(self.Ids, event.Id) {
		return false
	}
	if self.Authors != nil && !slices.Contains(self.Authors, event.PubKey) {
		return false
	}
	if self.Kinds != nil && !slices.Contains(self.Kinds, event.Kind) {
		return false
	}
	if self.Since != nil && event.CreatedAt < *self.Since {
		return false
	}
	return true
}
