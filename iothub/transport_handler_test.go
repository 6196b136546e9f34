package iothub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeLink struct {
	lock       sync.Mutex
	sent       int
	settled    map[string]MessageOutcome
	subscribed map[SubscriptionTopic]bool
	responses  []*MethodResponse
	closes     int
	closeOnce  sync.Once
	done       chan struct{}
	err        error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		settled:    make(map[string]MessageOutcome),
		subscribed: make(map[SubscriptionTopic]bool),
		done:       make(chan struct{}),
	}
}

func (link *fakeLink) SendEvents(ctx context.Context, messages []*Message) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	link.sent += len(messages)
	return nil
}

func (link *fakeLink) Receive(ctx context.Context) (*Message, error) {
	message := NewMessage([]byte("c2d"))
	message.LockToken = "lock-1"
	return message, nil
}

func (link *fakeLink) Settle(ctx context.Context, lockToken string, outcome MessageOutcome) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	link.settled[lockToken] = outcome
	return nil
}

func (link *fakeLink) Subscribe(ctx context.Context, topic SubscriptionTopic) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	link.subscribed[topic] = true
	return nil
}

func (link *fakeLink) Unsubscribe(ctx context.Context, topic SubscriptionTopic) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	delete(link.subscribed, topic)
	return nil
}

func (link *fakeLink) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	link.lock.Lock()
	defer link.lock.Unlock()
	link.responses = append(link.responses, response)
	return nil
}

func (link *fakeLink) GetTwin(ctx context.Context) (*Twin, error) {
	return &Twin{Desired: TwinCollection{}, Reported: TwinCollection{}}, nil
}

func (link *fakeLink) PatchTwin(ctx context.Context, reported TwinCollection) (int64, error) {
	return 7, nil
}

func (link *fakeLink) Done() <-chan struct{} {
	return link.done
}

func (link *fakeLink) Err() error {
	link.lock.Lock()
	defer link.lock.Unlock()
	return link.err
}

func (link *fakeLink) end(err error) {
	link.closeOnce.Do(func() {
		link.lock.Lock()
		link.err = err
		link.lock.Unlock()
		close(link.done)
	})
}

func (link *fakeLink) Close(ctx context.Context) error {
	link.lock.Lock()
	link.closes++
	link.lock.Unlock()
	link.end(nil)
	return nil
}

func (link *fakeLink) closeCount() int {
	link.lock.Lock()
	defer link.lock.Unlock()
	return link.closes
}

// linkHandler returns a transport handler whose opens hand out the links in order.
func linkHandler(links ...*fakeLink) (*TransportHandler, *int) {
	opened := 0
	opener := func(ctx context.Context) (Link, error) {
		if opened >= len(links) {
			return nil, NewError(NetworkError, "no more links")
		}
		link := links[opened]
		opened++
		return link, nil
	}
	pipeline := &PipelineContext{Identity: testIdentity(), Logger: discardLogger()}
	return NewLinkTransportHandler(pipeline, NewTransportSettings(TransportMqttTCP), opener, nil), &opened
}

func TestTransportHandlerOperations(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	link := newFakeLink()
	handler, _ := linkHandler(link)
	defer handler.Dispose()
	ctx := context.Background()

	if err := handler.SendEvent(ctx, NewMessage(nil)); ErrorCode(err) != InvalidOperationError {
		t.Fatalf("expected InvalidOperationError before open, got %v", err)
	}
	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := handler.Open(ctx); err != nil {
		t.Fatalf("expected a second open to be a no-op, got %v", err)
	}

	if err := handler.SendEvents(ctx, []*Message{NewMessage(nil), NewMessage(nil)}); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if link.sent != 2 {
		t.Fatalf("expected two messages on the link, got %d", link.sent)
	}

	message, err := handler.ReceiveMessage(ctx)
	if err != nil || message.LockToken != "lock-1" {
		t.Fatalf("unexpected receive result %v, %v", message, err)
	}
	if err := handler.Reject(ctx, message.LockToken); err != nil {
		t.Fatalf("unexpected reject error: %v", err)
	}
	if link.settled["lock-1"] != OutcomeReject {
		t.Fatalf("expected lock-1 to be rejected")
	}
	if err := handler.Abandon(ctx, ""); ErrorCode(err) != ArgumentError {
		t.Fatalf("expected ArgumentError for an empty lock token, got %v", err)
	}

	if err := handler.EnableEventReceive(ctx, true); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := handler.EnableTwinPatch(ctx); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if !link.subscribed[TopicModuleEvents] || !link.subscribed[TopicTwinPatch] || link.subscribed[TopicMessages] {
		t.Fatalf("expected module events and twin patch subscriptions, got %v", link.subscribed)
	}
	if err := handler.DisableEventReceive(ctx, true); err != nil {
		t.Fatalf("unexpected unsubscribe error: %v", err)
	}
	if link.subscribed[TopicModuleEvents] {
		t.Fatalf("expected module events to be unsubscribed")
	}

	if err := handler.SendMethodResponse(ctx, nil); ErrorCode(err) != ArgumentError {
		t.Fatalf("expected ArgumentError for a nil method response, got %v", err)
	}
	if err := handler.SendMethodResponse(ctx, &MethodResponse{RequestID: "1", Status: 200}); err != nil {
		t.Fatalf("unexpected method response error: %v", err)
	}
	if version, err := handler.SendTwinPatch(ctx, TwinCollection{"on": true}); err != nil || version != 7 {
		t.Fatalf("unexpected twin patch result %d, %v", version, err)
	}
	if _, err := handler.GetFileUploadSASURI(ctx, FileUploadSASURIRequest{BlobName: "a.bin"}); ErrorCode(err) != NotSupportedError {
		t.Fatalf("expected NotSupportedError without a file uploader, got %v", err)
	}

	if err := handler.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := handler.WaitForTransportClosed(ctx); err != nil {
		t.Fatalf("expected a graceful close signal, got %v", err)
	}
}

func TestTransportHandlerSignalsDrop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	first, second := newFakeLink(), newFakeLink()
	handler, opened := linkHandler(first, second)
	defer handler.Dispose()
	ctx := context.Background()

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	closed := make(chan error, 1)
	go func() {
		closed <- handler.WaitForTransportClosed(ctx)
	}()

	lost := errors.New("connection reset")
	first.end(lost)
	select {
	case err := <-closed:
		if !errors.Is(err, lost) {
			t.Fatalf("expected the drop error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transport closed signal not raised")
	}
	if first.closeCount() != 1 {
		t.Fatalf("expected the dropped link to be closed once, got %d", first.closeCount())
	}

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	if *opened != 2 {
		t.Fatalf("expected a second link, got %d opens", *opened)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := handler.WaitForTransportClosed(waitCtx); !IsCanceled(err) {
		t.Fatalf("expected the new generation to be open, got %v", err)
	}
}

func TestTransportHandlerDispose(t *testing.T) {
	link := newFakeLink()
	handler, _ := linkHandler(link)
	ctx := context.Background()

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	handler.Dispose()
	handler.Dispose()

	if link.closeCount() != 1 {
		t.Fatalf("expected dispose to close the link once, got %d", link.closeCount())
	}
	if err := handler.Open(ctx); !IsDisposed(err) {
		t.Fatalf("expected DisposedError, got %v", err)
	}
	if err := handler.Close(ctx); !IsDisposed(err) {
		t.Fatalf("expected DisposedError, got %v", err)
	}
	if _, err := handler.SendTwinGet(ctx); !IsDisposed(err) {
		t.Fatalf("expected DisposedError, got %v", err)
	}
}

func TestTransportHandlerOpenFailure(t *testing.T) {
	handler, _ := linkHandler()
	defer handler.Dispose()

	if err := handler.Open(context.Background()); ErrorCode(err) != NetworkError {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if err := handler.SendEvent(context.Background(), NewMessage(nil)); ErrorCode(err) != InvalidOperationError {
		t.Fatalf("expected InvalidOperationError after a failed open, got %v", err)
	}
}

func TestNewTransportHandlerRequirements(t *testing.T) {
	pipeline := &PipelineContext{Identity: testIdentity(), Logger: discardLogger()}

	if _, err := NewTransportHandler(pipeline, NewTransportSettings(TransportAmqpTCP)); ErrorCode(err) != ArgumentError {
		t.Fatalf("expected ArgumentError without an AMQP pool, got %v", err)
	}
	if _, err := NewTransportHandler(pipeline, NewTransportSettings(TransportMqttTCP)); ErrorCode(err) != ArgumentError {
		t.Fatalf("expected ArgumentError without an MQTT dialer, got %v", err)
	}
	if _, err := NewTransportHandler(pipeline, TransportSettings{Type: TransportType(42)}); ErrorCode(err) != ArgumentError {
		t.Fatalf("expected ArgumentError for an unknown transport, got %v", err)
	}
	handler, err := NewTransportHandler(pipeline, NewTransportSettings(TransportHTTP))
	if err != nil || handler == nil {
		t.Fatalf("unexpected HTTP transport result %v, %v", handler, err)
	}
	handler.Dispose()
}
