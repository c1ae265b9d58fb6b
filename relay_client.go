package wirelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
)

type RelayPoolSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	// per-subscription seen-event window for cross-relay deduplication
	DedupeSize int
	// the publish OK wait scales with observed round trips
	RttWindowSize    int
	RttWindowTimeout time.Duration
	RttScale         float32
	MinPublishWait   time.Duration
	MaxPublishWait   time.Duration
}

func DefaultRelayPoolSettings() *RelayPoolSettings {
	return &RelayPoolSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
		DedupeSize:         1024,
		RttWindowSize:      128,
		RttWindowTimeout:   60 * time.Second,
		RttScale:           4.0,
		MinPublishWait:     1 * time.Second,
		MaxPublishWait:     10 * time.Second,
	}
}

// RelayPool is the websocket RelayTransport. it keeps one connection per
// relay url, created lazily and reconnected until the pool closes. the wire
// protocol is JSON text frames:
//
//	client: ["EVENT", event], ["REQ", subId, filter], ["CLOSE", subId]
//	relay:  ["OK", eventId, accepted, reason], ["EVENT", subId, event],
//	        ["EOSE", subId], ["NOTICE", message]
type RelayPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings  *RelayPoolSettings
	rttWindow *RttWindow

	stateLock sync.Mutex
	conns     map[string]*relayConn
}

func NewRelayPoolWithDefaults(ctx context.Context) *RelayPool {
	return NewRelayPool(ctx, DefaultRelayPoolSettings())
}

func NewRelayPool(ctx context.Context, settings *RelayPoolSettings) *RelayPool {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RelayPool{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		rttWindow: NewRttWindow(
			settings.RttWindowSize,
			settings.RttWindowTimeout,
			settings.RttScale,
			settings.MinPublishWait,
			settings.MaxPublishWait,
		),
		conns: map[string]*relayConn{},
	}
}

func (self *RelayPool) conn(url string) (*relayConn, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ctx.Err() != nil {
		return nil, errors.New("pool closed")
	}
	conn, ok := self.conns[url]
	if !ok {
		conn = newRelayConn(self, url)
		self.conns[url] = conn
	}
	return conn, nil
}

func (self *RelayPool) existingConn(url string) *relayConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.conns[url]
}

func (self *RelayPool) Publish(ctx context.Context, event *Event, relays []string) ([]string, error) {
	frame, err := json.Marshal([]any{"EVENT", event})
	if err != nil {
		return nil, err
	}

	wait := self.rttWindow.ScaledRtt()
	type publishResult struct {
		url      string
		accepted bool
	}
	results := make(chan publishResult, len(relays))
	attempted := 0
	for _, url := range relays {
		conn, err := self.conn(url)
		if err != nil {
			continue
		}
		attempted += 1
		go HandleError(func() {
			results <- publishResult{
				url:      url,
				accepted: conn.publish(ctx, event.Id, frame, wait),
			}
		})
	}
	if attempted == 0 {
		return nil, errors.New("pool closed")
	}

	accepted := []string{}
	for range attempted {
		select {
		case result := <-results:
			if result.accepted {
				accepted = append(accepted, result.url)
			}
		case <-ctx.Done():
			return accepted, ctx.Err()
		}
	}
	glog.V(2).Infof("[rp]event %s accepted %d/%d\n", event.Id, len(accepted), attempted)
	return accepted, nil
}

func (self *RelayPool) Subscribe(ctx context.Context, filter *Filter, relays []string, onEvent func(*Event)) (Subscription, error) {
	dedupe, _ := lru.New[string, bool](self.settings.DedupeSize)
	subscription := &poolSubscription{
		pool:           self,
		subscriptionId: NewId().String(),
		filter:         filter,
		urls:           append([]string{}, relays...),
		onEvent:        onEvent,
		dedupe:         dedupe,
		done:           make(chan struct{}),
	}

	frame, err := json.Marshal([]any{"REQ", subscription.subscriptionId, filter})
	if err != nil {
		return nil, err
	}
	for _, url := range relays {
		conn, err := self.conn(url)
		if err != nil {
			return nil, err
		}
		conn.addSubscription(ctx, subscription, frame)
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

func (self *RelayPool) Close() {
	self.cancel()
}

type poolSubscription struct {
	pool           *RelayPool
	subscriptionId string
	filter         *Filter
	urls           []string
	onEvent        func(*Event)
	dedupe         *lru.Cache[string, bool]

	closeOnce sync.Once
	done      chan struct{}
}

func (self *poolSubscription) deliver(event *Event) {
	// the same event arrives once per relay that stores it
	if seen, _ := self.dedupe.ContainsOrAdd(event.Id, true); seen {
		return
	}
	self.onEvent(event)
}

func (self *poolSubscription) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		for _, url := range self.urls {
			if conn := self.pool.existingConn(url); conn != nil {
				conn.removeSubscription(self.subscriptionId)
			}
		}
	})
}

type relayConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	pool *RelayPool
	url  string

	send chan []byte

	stateLock     sync.Mutex
	pendingOks    map[string]chan bool
	subscriptions map[string]*poolSubscription
}

func newRelayConn(pool *RelayPool, url string) *relayConn {
	cancelCtx, cancel := context.WithCancel(pool.ctx)
	conn := &relayConn{
		ctx:           cancelCtx,
		cancel:        cancel,
		pool:          pool,
		url:           url,
		send:          make(chan []byte, pool.settings.SendBufferSize),
		pendingOks:    map[string]chan bool{},
		subscriptions: map[string]*poolSubscription{},
	}
	go HandleError(conn.run)
	return conn
}

// waits for the relay's OK for one event. false on refusal, disconnect, or
// wait expiry.
func (self *relayConn) publish(ctx context.Context, eventId string, frame []byte, wait time.Duration) bool {
	okChan := make(chan bool, 1)
	self.stateLock.Lock()
	self.pendingOks[eventId] = okChan
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.pendingOks, eventId)
		self.stateLock.Unlock()
	}()

	sample := self.pool.rttWindow.OpenSample()
	if !self.enqueue(ctx, frame, wait) {
		return false
	}
	select {
	case accepted := <-okChan:
		self.pool.rttWindow.CloseSample(sample)
		return accepted
	case <-ctx.Done():
		return false
	case <-self.ctx.Done():
		return false
	case <-time.After(wait):
		glog.V(1).Infof("[rp]ok timeout %s %s\n", self.url, eventId)
		return false
	}
}

func (self *relayConn) enqueue(ctx context.Context, frame []byte, timeout time.Duration) bool {
	select {
	case self.send <- frame:
		return true
	case <-ctx.Done():
		return false
	case <-self.ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

func (self *relayConn) addSubscription(ctx context.Context, subscription *poolSubscription, reqFrame []byte) {
	self.stateLock.Lock()
	self.subscriptions[subscription.subscriptionId] = subscription
	self.stateLock.Unlock()
	// a lost frame here is recovered by the resubscribe on reconnect
	self.enqueue(ctx, reqFrame, self.pool.settings.WriteTimeout)
}

func (self *relayConn) removeSubscription(subscriptionId string) {
	self.stateLock.Lock()
	_, ok := self.subscriptions[subscriptionId]
	delete(self.subscriptions, subscriptionId)
	self.stateLock.Unlock()
	if ok {
		if frame, err := json.Marshal([]any{"CLOSE", subscriptionId}); err == nil {
			self.enqueue(self.ctx, frame, self.pool.settings.WriteTimeout)
		}
	}
}

func (self *relayConn) run() {
	defer self.cancel()

	settings := self.pool.settings

	for {
		reconnect := NewReconnect(settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			// restore subscriptions before the pumps start. replayed
			// duplicates are dropped by the subscription dedupe.
			self.stateLock.Lock()
			resubscribe := make([]*poolSubscription, 0, len(self.subscriptions))
			for _, subscription := range self.subscriptions {
				resubscribe = append(resubscribe, subscription)
			}
			self.stateLock.Unlock()
			for _, subscription := range resubscribe {
				frame, err := json.Marshal([]any{"REQ", subscription.subscriptionId, subscription.filter})
				if err != nil {
					return nil, err
				}
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return nil, err
				}
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[rp]connect %s", self.url), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[rp]connect error %s = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			defer func() {
				// fail the waiting publishes instead of letting them ride
				// out the full wait
				self.stateLock.Lock()
				for eventId, okChan := range self.pendingOks {
					select {
					case okChan <- false:
					default:
					}
					delete(self.pendingOks, eventId)
				}
				self.stateLock.Unlock()
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case frame, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
							glog.Infof("[rp]%s-> error = %s\n", self.url, err)
							return
						}
						glog.V(2).Infof("[rp]%s->\n", self.url)
					case <-time.After(settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
				ws.SetPongHandler(func(string) error {
					return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
				})

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[rp]%s<- error = %s\n", self.url, err)
						return
					}
					ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))

					switch messageType {
					case websocket.TextMessage:
						self.handleMessage(message)
					default:
						glog.V(2).Infof("[rp]other=%d %s<-\n", messageType, self.url)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(settings.ReconnectTimeout)
		if glog.V(2) {
			Trace(fmt.Sprintf("[rp]connect run %s", self.url), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *relayConn) handleMessage(message []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(message, &elements); err != nil || len(elements) == 0 {
		glog.V(2).Infof("[rp]drop malformed %s<-\n", self.url)
		return
	}
	var label string
	if err := json.Unmarshal(elements[0], &label); err != nil {
		glog.V(2).Infof("[rp]drop malformed %s<-\n", self.url)
		return
	}

	switch label {
	case "OK":
		if len(elements) < 3 {
			return
		}
		var eventId string
		var accepted bool
		if err := json.Unmarshal(elements[1], &eventId); err != nil {
			return
		}
		if err := json.Unmarshal(elements[2], &accepted); err != nil {
			return
		}
		self.stateLock.Lock()
		okChan := self.pendingOks[eventId]
		self.stateLock.Unlock()
		if okChan != nil {
			select {
			case okChan <- accepted:
			default:
			}
		}
	case "EVENT":
		if len(elements) < 3 {
			return
		}
		var subscriptionId string
		if err := json.Unmarshal(elements[1], &subscriptionId); err != nil {
			return
		}
		var event Event
		if err := json.Unmarshal(elements[2], &event); err != nil {
			return
		}
		self.stateLock.Lock()
		subscription := self.subscriptions[subscriptionId]
		self.stateLock.Unlock()
		if subscription != nil {
			subscription.deliver(&event)
		}
	case "EOSE":
		glog.V(1).Infof("[rp]replay complete %s\n", self.url)
	case "NOTICE":
		notice := ""
		if 2 <= len(elements) {
			json.Unmarshal(elements[1], &notice)
		}
		glog.Infof("[rp]notice %s = %s\n", self.url, notice)
	default:
		glog.V(2).Infof("[rp]drop %s %s<-\n", label, self.url)
	}
}
