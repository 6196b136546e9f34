package iothub

import (
	"context"
	"sync"
	"time"
)

// AmqpConnector dials AMQP 1.0 connections. Frame encoding lives behind this interface.
type AmqpConnector interface {
	Connect(hostName string, timeout time.Duration) (AmqpConnection, error)
}

// AmqpConnection is one AMQP connection able to carry the links of many devices.
type AmqpConnection interface {
	OpenLink(identity DeviceIdentity, token string, handlers LinkHandlers, timeout time.Duration) (AmqpLink, error)
	Done() <-chan struct{}
	Close(timeout time.Duration) error
}

// AmqpLink is the set of AMQP links of one device. Its calls are bounded by timeouts and cannot
// be canceled.
type AmqpLink interface {
	SendEvents(messages []*Message, timeout time.Duration) error
	Receive(timeout time.Duration) (*Message, error)
	Settle(lockToken string, outcome MessageOutcome, timeout time.Duration) error
	Subscribe(topic SubscriptionTopic, timeout time.Duration) error
	Unsubscribe(topic SubscriptionTopic, timeout time.Duration) error
	SendMethodResponse(response *MethodResponse, timeout time.Duration) error
	GetTwin(timeout time.Duration) (*Twin, error)
	PatchTwin(reported TwinCollection, timeout time.Duration) (int64, error)
	RefreshToken(token string, expiresOn time.Time, timeout time.Duration) error
	Done() <-chan struct{}
	Err() error
	Close(timeout time.Duration) error
}

func newAmqpTransportHandler(pipeline *PipelineContext, settings TransportSettings) (*TransportHandler, error) {
	pool := pipeline.AmqpPool
	if pool == nil {
		return nil, NewError(ArgumentError, "AMQP transport requires a connection pool")
	}
	if err := pool.Bind(pipeline.Identity, settings.poolSettings()); err != nil {
		return nil, err
	}
	opener := func(ctx context.Context) (Link, error) {
		return openAmqpLink(ctx, pipeline, settings)
	}
	return NewLinkTransportHandler(pipeline, settings, opener, newHTTPFileUploader(pipeline, settings)), nil
}

func openAmqpLink(ctx context.Context, pipeline *PipelineContext, settings TransportSettings) (Link, error) {
	lease, err := pipeline.AmqpPool.Acquire(ctx, pipeline.Identity, settings.poolSettings(), settings.openTimeout())
	if err != nil {
		return nil, err
	}

	token := ""
	if pipeline.AuthProvider != nil {
		token, err = pipeline.AuthProvider.GetToken(ctx, pipeline.Identity.HostName)
		if err != nil {
			lease.Release()
			return nil, err
		}
	}

	raw, err := openLinkWithContext(ctx, lease.Connection(), pipeline, token, settings.openTimeout())
	if err != nil {
		lease.Release()
		return nil, err
	}

	link := &amqpLinkAdapter{
		link:       raw,
		connection: lease.Connection(),
		lease:      lease,
		timeout:    settings.operationTimeout(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go link.watch()

	if pipeline.AuthProvider != nil && pipeline.Identity.AuthScope == AuthScopeDevice {
		link.refresher = startTokenRefresher(pipeline.AuthProvider, pipeline.Identity.HostName,
			func(ctx context.Context, token string, expiresOn time.Time) error {
				return runWithTimeout(ctx, link.timeout, func() error {
					return raw.RefreshToken(token, expiresOn, link.timeout)
				})
			},
			func(err error) {
				pipeline.logger().Warn("token refresh failed", "device_id", pipeline.Identity.DeviceID, "error", err)
			})
	}
	return link, nil
}

// openLinkWithContext attaches the device links while honoring ctx. Links that attach after
// the caller gave up are closed so the shared connection does not carry them.
func openLinkWithContext(ctx context.Context, connection AmqpConnection, pipeline *PipelineContext, token string, timeout time.Duration) (AmqpLink, error) {
	var lock sync.Mutex
	var link AmqpLink
	abandoned := false

	err := runWithTimeout(ctx, timeout, func() error {
		opened, err := connection.OpenLink(pipeline.Identity, token, pipeline.LinkHandlers, timeout)
		lock.Lock()
		defer lock.Unlock()
		if err != nil {
			return err
		}
		if abandoned {
			_ = opened.Close(timeout)
			return nil
		}
		link = opened
		return nil
	})

	lock.Lock()
	defer lock.Unlock()
	if err != nil {
		abandoned = true
		if link != nil {
			_ = link.Close(timeout)
			link = nil
		}
		return nil, err
	}
	return link, nil
}

// amqpLinkAdapter races the timeout-based AmqpLink calls against the caller's context.
type amqpLinkAdapter struct {
	link       AmqpLink
	connection AmqpConnection
	lease      *amqpLease
	refresher  *tokenRefresher
	timeout    time.Duration

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	lock      sync.Mutex
	err       error
}

func (adapter *amqpLinkAdapter) watch() {
	var err error
	select {
	case <-adapter.link.Done():
		err = adapter.link.Err()
	case <-adapter.connection.Done():
		err = NewError(NetworkError, "AMQP connection lost")
	case <-adapter.stop:
	}
	adapter.lock.Lock()
	adapter.err = err
	adapter.lock.Unlock()
	close(adapter.done)
}

func (adapter *amqpLinkAdapter) Done() <-chan struct{} {
	return adapter.done
}

func (adapter *amqpLinkAdapter) Err() error {
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	return adapter.err
}

func (adapter *amqpLinkAdapter) Close(ctx context.Context) error {
	var err error
	adapter.closeOnce.Do(func() {
		close(adapter.stop)
		adapter.refresher.Stop()
		err = runWithTimeout(ctx, adapter.timeout, func() error {
			return adapter.link.Close(adapter.timeout)
		})
		adapter.lease.Release()
	})
	return err
}

func (adapter *amqpLinkAdapter) SendEvents(ctx context.Context, messages []*Message) error {
	return runWithTimeout(ctx, adapter.timeout, func() error {
		return adapter.link.SendEvents(messages, adapter.timeout)
	})
}

func (adapter *amqpLinkAdapter) Receive(ctx context.Context) (*Message, error) {
	var message *Message
	err := runWithTimeout(ctx, adapter.timeout, func() error {
		received, err := adapter.link.Receive(adapter.timeout)
		message = received
		return err
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (adapter *amqpLinkAdapter) Settle(ctx context.Context, lockToken string, outcome MessageOutcome) error {
	return runWithTimeout(ctx, adapter.timeout, func() error {
		return adapter.link.Settle(lockToken, outcome, adapter.timeout)
	})
}

func (adapter *amqpLinkAdapter) Subscribe(ctx context.Context, topic SubscriptionTopic) error {
	return runWithTimeout(ctx, adapter.timeout, func() error {
		return adapter.link.Subscribe(topic, adapter.timeout)
	})
}

func (adapter *amqpLinkAdapter) Unsubscribe(ctx context.Context, topic SubscriptionTopic) error {
	return runWithTimeout(ctx, adapter.timeout, func() error {
		return adapter.link.Unsubscribe(topic, adapter.timeout)
	})
}

func (adapter *amqpLinkAdapter) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	return runWithTimeout(ctx, adapter.timeout, func() error {
		return adapter.link.SendMethodResponse(response, adapter.timeout)
	})
}

func (adapter *amqpLinkAdapter) GetTwin(ctx context.Context) (*Twin, error) {
	var twin *Twin
	err := runWithTimeout(ctx, adapter.timeout, func() error {
		received, err := adapter.link.GetTwin(adapter.timeout)
		twin = received
		return err
	})
	if err != nil {
		return nil, err
	}
	return twin, nil
}

func (adapter *amqpLinkAdapter) PatchTwin(ctx context.Context, reported TwinCollection) (int64, error) {
	var version int64
	err := runWithTimeout(ctx, adapter.timeout, func() error {
		patched, err := adapter.link.PatchTwin(reported, adapter.timeout)
		version = patched
		return err
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}
