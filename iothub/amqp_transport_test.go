package iothub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Thejuampi/iothub-device-go/iothub/internal/testutil"
)

type fakeAmqpLink struct {
	identity DeviceIdentity
	token    string

	lock       sync.Mutex
	sent       []*Message
	subscribed map[SubscriptionTopic]bool
	settled    map[string]MessageOutcome
	closeOnce  sync.Once
	done       chan struct{}
	err        error
}

func newFakeAmqpLink(identity DeviceIdentity, token string) *fakeAmqpLink {
	return &fakeAmqpLink{
		identity:   identity,
		token:      token,
		subscribed: make(map[SubscriptionTopic]bool),
		settled:    make(map[string]MessageOutcome),
		done:       make(chan struct{}),
	}
}

func (link *fakeAmqpLink) SendEvents(messages []*Message, timeout time.Duration) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	link.sent = append(link.sent, messages...)
	return nil
}

func (link *fakeAmqpLink) Receive(timeout time.Duration) (*Message, error) {
	return nil, nil
}

func (link *fakeAmqpLink) Settle(lockToken string, outcome MessageOutcome, timeout time.Duration) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	link.settled[lockToken] = outcome
	return nil
}

func (link *fakeAmqpLink) Subscribe(topic SubscriptionTopic, timeout time.Duration) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	link.subscribed[topic] = true
	return nil
}

func (link *fakeAmqpLink) Unsubscribe(topic SubscriptionTopic, timeout time.Duration) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	delete(link.subscribed, topic)
	return nil
}

func (link *fakeAmqpLink) SendMethodResponse(response *MethodResponse, timeout time.Duration) error {
	return nil
}

func (link *fakeAmqpLink) GetTwin(timeout time.Duration) (*Twin, error) {
	return &Twin{Desired: TwinCollection{"$version": 1}, Reported: TwinCollection{}}, nil
}

func (link *fakeAmqpLink) PatchTwin(reported TwinCollection, timeout time.Duration) (int64, error) {
	return 2, nil
}

func (link *fakeAmqpLink) RefreshToken(token string, expiresOn time.Time, timeout time.Duration) error {
	return nil
}

func (link *fakeAmqpLink) Done() <-chan struct{} {
	return link.done
}

func (link *fakeAmqpLink) Err() error {
	link.lock.Lock()
	defer link.lock.Unlock()
	return link.err
}

// fail ends the link with err.
func (link *fakeAmqpLink) fail(err error) {
	link.closeOnce.Do(func() {
		link.lock.Lock()
		link.err = err
		link.lock.Unlock()
		close(link.done)
	})
}

func (link *fakeAmqpLink) Close(timeout time.Duration) error {
	link.fail(nil)
	return nil
}

func (link *fakeAmqpLink) isSubscribed(topic SubscriptionTopic) bool {
	link.lock.Lock()
	defer link.lock.Unlock()
	return link.subscribed[topic]
}

func newAmqpTestHandler(t *testing.T, identity DeviceIdentity, connector *fakeAmqpConnector) DelegatingHandler {
	t.Helper()
	pipeline := &PipelineContext{
		Identity: identity,
		AmqpPool: NewAmqpConnectionPool(connector, discardLogger(), nil),
		Logger:   discardLogger(),
	}
	handler, err := NewTransportHandler(pipeline, NewTransportSettings(TransportAmqpTCP))
	if err != nil {
		t.Fatalf("unexpected error creating the AMQP transport: %v", err)
	}
	return handler
}

func TestAmqpTransportOperations(t *testing.T) {
	connector := &fakeAmqpConnector{}
	handler := newAmqpTestHandler(t, testIdentity(), connector)
	defer handler.Dispose()
	ctx := context.Background()

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	connection := connector.last()
	if connection == nil || len(connection.links) != 1 {
		t.Fatalf("expected one link on one connection")
	}
	link := connection.links[0]

	if err := handler.SendEvent(ctx, NewMessage([]byte("telemetry"))); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected one message on the link, got %d", len(link.sent))
	}

	if err := handler.EnableMethods(ctx); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := handler.EnableEventReceive(ctx, false); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if !link.isSubscribed(TopicMethods) || !link.isSubscribed(TopicMessages) {
		t.Fatalf("expected methods and messages subscriptions")
	}
	if err := handler.DisableMethods(ctx); err != nil {
		t.Fatalf("unexpected unsubscribe error: %v", err)
	}
	if link.isSubscribed(TopicMethods) {
		t.Fatalf("expected methods to be unsubscribed")
	}

	if err := handler.Complete(ctx, "lock-1"); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if link.settled["lock-1"] != OutcomeComplete {
		t.Fatalf("expected lock-1 to be completed")
	}

	twin, err := handler.SendTwinGet(ctx)
	if err != nil || twin == nil {
		t.Fatalf("unexpected twin get result %v, %v", twin, err)
	}
	version, err := handler.SendTwinPatch(ctx, TwinCollection{"temperature": 21})
	if err != nil || version != 2 {
		t.Fatalf("unexpected twin patch result %d, %v", version, err)
	}

	if err := handler.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if !connection.isClosed() {
		t.Fatalf("expected closing the link to release the dedicated connection")
	}
}

func TestAmqpTransportConnectionLoss(t *testing.T) {
	connector := &fakeAmqpConnector{}
	handler := newAmqpTestHandler(t, testIdentity(), connector)
	defer handler.Dispose()
	ctx := context.Background()

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	closed := make(chan error, 1)
	go func() {
		closed <- handler.WaitForTransportClosed(ctx)
	}()

	_ = connector.last().Close(time.Second)

	select {
	case err := <-closed:
		if ErrorCode(err) != NetworkError {
			t.Fatalf("expected NetworkError after connection loss, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transport closed signal not raised")
	}

	if err := handler.SendEvent(ctx, NewMessage(nil)); ErrorCode(err) != InvalidOperationError {
		t.Fatalf("expected InvalidOperationError on a dropped transport, got %v", err)
	}
	if err := handler.Open(ctx); err != nil {
		t.Fatalf("expected a reopen to dial a new connection, got %v", err)
	}
	if connector.count() != 2 {
		t.Fatalf("expected a second connection, got %d", connector.count())
	}
}

func TestAmqpTransportLinkEndsGracefully(t *testing.T) {
	connector := &fakeAmqpConnector{}
	handler := newAmqpTestHandler(t, testIdentity(), connector)
	defer handler.Dispose()
	ctx := context.Background()

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	connector.last().links[0].fail(nil)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := handler.WaitForTransportClosed(waitCtx); err != nil {
		t.Fatalf("expected a nil close signal for a graceful link end, got %v", err)
	}
}

func TestAmqpTransportOpenLinkFailureReleasesLease(t *testing.T) {
	connector := &fakeAmqpConnector{}
	pool := NewAmqpConnectionPool(connector, discardLogger(), nil)
	identity := DeviceIdentity{HostName: "hub.example.net", DeviceID: "sensor-1", AuthScope: AuthScopeHub}
	settings := NewTransportSettings(TransportAmqpTCP)
	settings.AmqpPool = poolingSettings(DefaultMaxPoolSize, time.Minute)

	// Prime the shared connection so the next open fails on the link.
	lease, err := pool.Acquire(context.Background(), identity, settings.AmqpPool, time.Second)
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	lease.Connection().(*fakeAmqpConnection).openErr = NewError(UnauthorizedError, "bad token")

	pipeline := &PipelineContext{Identity: identity, AmqpPool: pool, Logger: discardLogger()}
	handler, err := NewTransportHandler(pipeline, settings)
	if err != nil {
		t.Fatalf("unexpected error creating the AMQP transport: %v", err)
	}
	defer handler.Dispose()

	if err := handler.Open(context.Background()); ErrorCode(err) != UnauthorizedError {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	hub := pool.hubPool("hub.example.net", settings.AmqpPool)
	testutil.Eventually(t, time.Second, func() bool { return hub.RefCount() == 1 }, "expected only the primed reference, got %d", hub.RefCount())
	lease.Release()
}

// gatedAmqpConnection holds OpenLink until gate is closed.
type gatedAmqpConnection struct {
	*fakeAmqpConnection
	gate chan struct{}
}

func (connection *gatedAmqpConnection) OpenLink(identity DeviceIdentity, token string, handlers LinkHandlers, timeout time.Duration) (AmqpLink, error) {
	<-connection.gate
	return connection.fakeAmqpConnection.OpenLink(identity, token, handlers, timeout)
}

type gatedAmqpConnector struct {
	connection *gatedAmqpConnection
}

func (connector *gatedAmqpConnector) Connect(hostName string, timeout time.Duration) (AmqpConnection, error) {
	return connector.connection, nil
}

func TestAmqpTransportClosesLinkOpenedAfterCancel(t *testing.T) {
	shared := &gatedAmqpConnection{fakeAmqpConnection: newFakeAmqpConnection(0), gate: make(chan struct{})}
	pool := NewAmqpConnectionPool(&gatedAmqpConnector{connection: shared}, discardLogger(), nil)
	settings := NewTransportSettings(TransportAmqpTCP)
	settings.AmqpPool = poolingSettings(1, time.Minute)

	other, err := pool.Acquire(context.Background(), deviceIdentity(1, AuthScopeHub), settings.AmqpPool, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer other.Release()

	pipeline := &PipelineContext{Identity: deviceIdentity(2, AuthScopeHub), AmqpPool: pool, Logger: discardLogger()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := openAmqpLink(ctx, pipeline, settings); !IsCanceled(err) {
		t.Fatalf("open past the deadline = %v", err)
	}

	close(shared.gate)
	testutil.Eventually(t, time.Second, func() bool {
		shared.lock.Lock()
		defer shared.lock.Unlock()
		if len(shared.links) != 1 {
			return false
		}
		select {
		case <-shared.links[0].Done():
			return true
		default:
			return false
		}
	}, "link attached after the caller gave up was left open")

	if shared.isClosed() {
		t.Fatal("shared connection closed while another device holds it")
	}
}
