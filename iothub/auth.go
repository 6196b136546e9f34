package iothub

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AuthScope tells whether credentials belong to the hub (shared access policy) or the device.
type AuthScope int

const (
	AuthScopeDevice AuthScope = iota
	AuthScopeHub
)

// DeviceIdentity names the device or module a client acts for.
type DeviceIdentity struct {
	HostName        string
	GatewayHostName string
	DeviceID        string
	ModuleID        string
	AuthScope       AuthScope
}

// IsEdgeModule reports whether the identity is a module identity.
func (identity DeviceIdentity) IsEdgeModule() bool {
	return identity.ModuleID != ""
}

// TargetHost returns the gateway host when set, otherwise the hub host.
func (identity DeviceIdentity) TargetHost() string {
	if identity.GatewayHostName != "" {
		return identity.GatewayHostName
	}
	return identity.HostName
}

func (identity DeviceIdentity) String() string {
	if identity.IsEdgeModule() {
		return identity.HostName + "/" + identity.DeviceID + "/" + identity.ModuleID
	}
	return identity.HostName + "/" + identity.DeviceID
}

// Validate checks that the identity can be used to open a pipeline.
func (identity DeviceIdentity) Validate() error {
	if identity.HostName == "" {
		return NewError(ArgumentError, "host name is required")
	}
	if identity.DeviceID == "" {
		return NewError(ArgumentError, "device id is required")
	}
	return nil
}

// AuthenticationProvider supplies tokens for the hub. Token signing is done by the provider.
type AuthenticationProvider interface {
	GetToken(ctx context.Context, hostName string) (string, error)
	ExpiresOn() time.Time
	RefreshesOn() time.Time
}

// TokenRefreshPolicy decides how long a token lives and how early it is renewed.
type TokenRefreshPolicy struct {
	TimeToLive              time.Duration
	RenewalBufferPercentage int
}

// DefaultTokenRefreshPolicy returns a one hour lifetime renewed with 15% left.
func DefaultTokenRefreshPolicy() TokenRefreshPolicy {
	return TokenRefreshPolicy{TimeToLive: time.Hour, RenewalBufferPercentage: 15}
}

// Validate checks field ranges.
func (policy TokenRefreshPolicy) Validate() error {
	if policy.TimeToLive <= 0 {
		return NewError(ArgumentError, "token time to live must be positive")
	}
	if policy.RenewalBufferPercentage < 0 || policy.RenewalBufferPercentage > 100 {
		return NewError(ArgumentError, "token renewal buffer must be between 0 and 100")
	}
	return nil
}

// ExpiresOn returns the expiry of a token issued at issuedAt.
func (policy TokenRefreshPolicy) ExpiresOn(issuedAt time.Time) time.Time {
	return issuedAt.Add(policy.TimeToLive)
}

// RefreshesOn returns when a token issued at issuedAt should be renewed.
func (policy TokenRefreshPolicy) RefreshesOn(issuedAt time.Time) time.Time {
	buffer := policy.TimeToLive * time.Duration(policy.RenewalBufferPercentage) / 100
	return issuedAt.Add(policy.TimeToLive - buffer)
}

// Signer produces a shared access signature for resource valid until expiry.
type Signer func(resource string, expiry time.Time) (string, error)

// SharedAccessKeyProvider caches signed tokens and re-signs them once they are due for renewal.
type SharedAccessKeyProvider struct {
	lock        sync.Mutex
	identity    DeviceIdentity
	signer      Signer
	policy      TokenRefreshPolicy
	token       string
	expiresOn   time.Time
	refreshesOn time.Time
	now         func() time.Time
}

// NewSharedAccessKeyProvider returns a provider for identity.
func NewSharedAccessKeyProvider(identity DeviceIdentity, signer Signer, policy TokenRefreshPolicy) (*SharedAccessKeyProvider, error) {
	if signer == nil {
		return nil, NewError(ArgumentError, "signer is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &SharedAccessKeyProvider{identity: identity, signer: signer, policy: policy, now: time.Now}, nil
}

func (provider *SharedAccessKeyProvider) resource(hostName string) string {
	if provider.identity.IsEdgeModule() {
		return fmt.Sprintf("%s/devices/%s/modules/%s", hostName, provider.identity.DeviceID, provider.identity.ModuleID)
	}
	return fmt.Sprintf("%s/devices/%s", hostName, provider.identity.DeviceID)
}

// GetToken returns the cached token or signs a new one when it is due for renewal.
func (provider *SharedAccessKeyProvider) GetToken(ctx context.Context, hostName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", WrapError(CanceledError, err)
	}
	provider.lock.Lock()
	defer provider.lock.Unlock()

	now := provider.now()
	if provider.token != "" && now.Before(provider.refreshesOn) {
		return provider.token, nil
	}
	expiresOn := provider.policy.ExpiresOn(now)
	token, err := provider.signer(provider.resource(hostName), expiresOn)
	if err != nil {
		return "", WrapError(UnauthorizedError, err, "token signing failed")
	}
	provider.token = token
	provider.expiresOn = expiresOn
	provider.refreshesOn = provider.policy.RefreshesOn(now)
	return token, nil
}

// ExpiresOn returns the expiry of the cached token.
func (provider *SharedAccessKeyProvider) ExpiresOn() time.Time {
	provider.lock.Lock()
	defer provider.lock.Unlock()
	return provider.expiresOn
}

// RefreshesOn returns the renewal time of the cached token.
func (provider *SharedAccessKeyProvider) RefreshesOn() time.Time {
	provider.lock.Lock()
	defer provider.lock.Unlock()
	return provider.refreshesOn
}

// tokenRefresher renews the link token whenever the provider says it is due.
type tokenRefresher struct {
	provider AuthenticationProvider
	hostName string
	refresh  func(ctx context.Context, token string, expiresOn time.Time) error
	onError  func(error)
	now      func() time.Time
	stop     context.CancelFunc
	done     chan struct{}
}

func startTokenRefresher(provider AuthenticationProvider, hostName string, refresh func(ctx context.Context, token string, expiresOn time.Time) error, onError func(error)) *tokenRefresher {
	ctx, cancel := context.WithCancel(context.Background())
	refresher := &tokenRefresher{
		provider: provider,
		hostName: hostName,
		refresh:  refresh,
		onError:  onError,
		now:      time.Now,
		stop:     cancel,
		done:     make(chan struct{}),
	}
	go refresher.run(ctx)
	return refresher
}

func (refresher *tokenRefresher) run(ctx context.Context) {
	defer close(refresher.done)
	for {
		wait := refresher.provider.RefreshesOn().Sub(refresher.now())
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		token, err := refresher.provider.GetToken(ctx, refresher.hostName)
		if err == nil {
			err = refresher.refresh(ctx, token, refresher.provider.ExpiresOn())
		}
		if err != nil && ctx.Err() == nil && refresher.onError != nil {
			refresher.onError(err)
		}
	}
}

func (refresher *tokenRefresher) Stop() {
	if refresher == nil {
		return
	}
	refresher.stop()
	<-refresher.done
}
