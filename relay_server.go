package wirelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RelayServerSettings struct {
	StoreSize        int
	MaxEventSize     ByteCount
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int
	MaxSubscriptions int
}

func DefaultRelayServerSettings() *RelayServerSettings {
	return &RelayServerSettings{
		StoreSize:        4096,
		MaxEventSize:     kib(128),
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		SendBufferSize:   256,
		MaxSubscriptions: 32,
	}
}

// RelayServer exposes a LocalRelay store over the websocket relay protocol,
// one conn per client, signatures verified on ingest.
type RelayServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelayServerSettings
	relay    *LocalRelay
	upgrader *websocket.Upgrader
}

func NewRelayServerWithDefaults(ctx context.Context) *RelayServer {
	return NewRelayServer(ctx, DefaultRelayServerSettings())
}

func NewRelayServer(ctx context.Context, settings *RelayServerSettings) *RelayServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := NewLocalRelay(cancelCtx, &LocalRelaySettings{
		StoreSize:    settings.StoreSize,
		MaxEventSize: settings.MaxEventSize,
		VerifyEvents: true,
	})
	return &RelayServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		relay:    relay,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// blocks until the server closes or the listener fails
func (self *RelayServer) ListenAndServe(address string) error {
	httpServer := &http.Server{
		Addr:    address,
		Handler: self,
		BaseContext: func(net.Listener) context.Context {
			return self.ctx
		},
	}
	go HandleError(func() {
		<-self.ctx.Done()
		httpServer.Close()
	})
	glog.V(1).Infof("[rs]listen %s\n", address)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[rs]upgrade error = %s\n", err)
		return
	}
	newRelayServerConn(self, ws).run()
}

func (self *RelayServer) Close() {
	self.cancel()
	self.relay.Close()
}

type relayServerConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	server *RelayServer
	ws     *websocket.Conn
	connId Id

	send chan []byte

	stateLock     sync.Mutex
	subscriptions map[string]Subscription
}

func newRelayServerConn(server *RelayServer, ws *websocket.Conn) *relayServerConn {
	cancelCtx, cancel := context.WithCancel(server.ctx)
	return &relayServerConn{
		ctx:           cancelCtx,
		cancel:        cancel,
		server:        server,
		ws:            ws,
		connId:        NewId(),
		send:          make(chan []byte, server.settings.SendBufferSize),
		subscriptions: map[string]Subscription{},
	}
}

func (self *relayServerConn) run() {
	settings := self.server.settings

	defer func() {
		self.cancel()
		self.ws.Close()
		self.stateLock.Lock()
		subscriptions := self.subscriptions
		self.subscriptions = map[string]Subscription{}
		self.stateLock.Unlock()
		for _, subscription := range subscriptions {
			subscription.Close()
		}
		glog.V(1).Infof("[rs]%s closed\n", self.connId)
	}()

	glog.V(1).Infof("[rs]%s open\n", self.connId)

	go HandleError(func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case frame := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					glog.V(1).Infof("[rs]%s-> error = %s\n", self.connId, err)
					return
				}
			}
		}
	})

	// frame overhead on top of the event itself
	self.ws.SetReadLimit(int64(settings.MaxEventSize) + 1024)
	self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	self.ws.SetPingHandler(func(appData string) error {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return self.ws.WriteControl(
			websocket.PongMessage,
			[]byte(appData),
			time.Now().Add(settings.WriteTimeout),
		)
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[rs]%s<- error = %s\n", self.connId, err)
			return
		}
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage:
			self.handleFrame(message)
		default:
			glog.V(2).Infof("[rs]%s other=%d<-\n", self.connId, messageType)
		}
	}
}

func (self *relayServerConn) handleFrame(message []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(message, &elements); err != nil || len(elements) == 0 {
		self.notice("malformed frame")
		return
	}
	var label string
	if err := json.Unmarshal(elements[0], &label); err != nil {
		self.notice("malformed frame")
		return
	}

	switch label {
	case "EVENT":
		if len(elements) < 2 {
			self.notice("EVENT requires an event")
			return
		}
		var event Event
		if err := json.Unmarshal(elements[1], &event); err != nil {
			self.notice("malformed event")
			return
		}
		_, err := self.server.relay.Publish(self.ctx, &event, nil)
		if err != nil {
			self.enqueue(mustFrame("OK", event.Id, false, fmt.Sprintf("invalid: %s", err)))
			return
		}
		self.enqueue(mustFrame("OK", event.Id, true, ""))
	case "REQ":
		if len(elements) < 3 {
			self.notice("REQ requires a subscription id and a filter")
			return
		}
		var subscriptionId string
		if err := json.Unmarshal(elements[1], &subscriptionId); err != nil {
			self.notice("malformed subscription id")
			return
		}
		var filter Filter
		if err := json.Unmarshal(elements[2], &filter); err != nil {
			self.notice("malformed filter")
			return
		}
		self.handleReq(subscriptionId, &filter)
	case "CLOSE":
		if len(elements) < 2 {
			self.notice("CLOSE requires a subscription id")
			return
		}
		var subscriptionId string
		if err := json.Unmarshal(elements[1], &subscriptionId); err != nil {
			self.notice("malformed subscription id")
			return
		}
		self.stateLock.Lock()
		subscription := self.subscriptions[subscriptionId]
		delete(self.subscriptions, subscriptionId)
		self.stateLock.Unlock()
		if subscription != nil {
			subscription.Close()
		}
	default:
		self.notice(fmt.Sprintf("unknown frame %s", label))
	}
}

func (self *relayServerConn) handleReq(subscriptionId string, filter *Filter) {
	self.stateLock.Lock()
	replaced := self.subscriptions[subscriptionId]
	delete(self.subscriptions, subscriptionId)
	atLimit := self.server.settings.MaxSubscriptions <= len(self.subscriptions)
	self.stateLock.Unlock()
	if replaced != nil {
		replaced.Close()
	}
	if atLimit {
		self.notice("too many subscriptions")
		return
	}

	// replay happens inside Subscribe, so the EOSE enqueued after it lands
	// behind every replayed event
	subscription, err := self.server.relay.Subscribe(self.ctx, filter, nil, func(event *Event) {
		frame, err := json.Marshal([]any{"EVENT", subscriptionId, event})
		if err != nil {
			return
		}
		select {
		case self.send <- frame:
		default:
			// a consumer this far behind gets the event again on resubscribe
			glog.Infof("[rs]%s drop %s->\n", self.connId, subscriptionId)
		}
	})
	if err != nil {
		self.notice(fmt.Sprintf("subscribe failed: %s", err))
		return
	}
	self.stateLock.Lock()
	self.subscriptions[subscriptionId] = subscription
	self.stateLock.Unlock()
	self.enqueue(mustFrame("EOSE", subscriptionId))
}

func (self *relayServerConn) notice(message string) {
	glog.V(1).Infof("[rs]%s notice = %s\n", self.connId, message)
	self.enqueue(mustFrame("NOTICE", message))
}

func (self *relayServerConn) enqueue(frame []byte) {
	select {
	case self.send <- frame:
	case <-self.ctx.Done():
	}
}

func mustFrame(elements ...any) []byte {
	frame, err := json.Marshal(elements)
	if err != nil {
		panic(err)
	}
	return frame
}
