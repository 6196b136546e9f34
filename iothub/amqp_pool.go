package iothub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/xid"
)

const (
	poolScopeHub       = "hub"
	poolScopeDevice    = "device"
	poolScopeDedicated = "dedicated"
)

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type poolKey struct {
	hostName string
	scope    AuthScope
}

// AmqpConnectionPool hands out AMQP connections to transport handlers. Depending on the pool
// settings a device gets a dedicated connection, shares the single hub-scope connection, or is
// multiplexed over one of a fixed set of device-scope connections.
type AmqpConnectionPool struct {
	lock        sync.Mutex
	connector   AmqpConnector
	logger      *slog.Logger
	metrics     *Metrics
	afterFunc   afterFunc
	settings    map[poolKey]*AmqpConnectionPoolSettings
	hubPools    map[string]*hubScopeConnectionPool
	devicePools map[string]*deviceScopeConnectionPool
}

// NewAmqpConnectionPool returns an empty pool manager dialing through connector.
func NewAmqpConnectionPool(connector AmqpConnector, logger *slog.Logger, metrics *Metrics) *AmqpConnectionPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &AmqpConnectionPool{
		connector:   connector,
		logger:      logger,
		metrics:     metrics,
		afterFunc:   timeAfterFunc,
		settings:    make(map[poolKey]*AmqpConnectionPoolSettings),
		hubPools:    make(map[string]*hubScopeConnectionPool),
		devicePools: make(map[string]*deviceScopeConnectionPool),
	}
}

// Bind records settings as the pool settings for the identity's hub and scope. Later binds
// must use equal settings.
func (pool *AmqpConnectionPool) Bind(identity DeviceIdentity, settings *AmqpConnectionPoolSettings) error {
	if settings == nil {
		settings = NewAmqpConnectionPoolSettings()
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	key := poolKey{hostName: identity.TargetHost(), scope: identity.AuthScope}

	pool.lock.Lock()
	defer pool.lock.Unlock()
	bound, ok := pool.settings[key]
	if !ok {
		copied := *settings
		pool.settings[key] = &copied
		return nil
	}
	if !bound.Equals(settings) {
		return NewError(ArgumentError, "AMQP connection pool settings for "+key.hostName+" cannot be modified from the initial settings")
	}
	return nil
}

// Acquire binds settings and returns a lease on a live connection for identity.
func (pool *AmqpConnectionPool) Acquire(ctx context.Context, identity DeviceIdentity, settings *AmqpConnectionPoolSettings, timeout time.Duration) (*amqpLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapError(CanceledError, err, "connection acquire canceled")
	}
	if err := pool.Bind(identity, settings); err != nil {
		return nil, err
	}
	if settings == nil {
		settings = NewAmqpConnectionPoolSettings()
	}
	if pool.connector == nil {
		return nil, NewError(InvalidOperationError, "no AMQP connector configured")
	}

	deviceKey := deviceKeyFor(identity)
	var holder amqpConnectionHolder
	switch {
	case !settings.Pooling:
		holder = newDedicatedConnection(pool, identity.TargetHost())
	case identity.AuthScope == AuthScopeHub:
		// An expired hub is replaced by the next hubPool call.
		hub := pool.hubPool(identity.TargetHost(), settings)
		for !hub.TryAddRef() {
			hub = pool.hubPool(identity.TargetHost(), settings)
		}
		holder = hub
	default:
		devices := pool.devicePool(identity.TargetHost(), settings)
		mux, err := devices.Acquire(deviceKey)
		if err != nil {
			return nil, err
		}
		holder = mux
	}

	connection, err := holder.connect(ctx, timeout)
	if err != nil {
		holder.release(deviceKey)
		return nil, err
	}
	return &amqpLease{holder: holder, connection: connection, deviceKey: deviceKey}, nil
}

func (pool *AmqpConnectionPool) hubPool(hostName string, settings *AmqpConnectionPoolSettings) *hubScopeConnectionPool {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	hub, ok := pool.hubPools[hostName]
	if !ok || hub.IsClosed() {
		hub = newHubScopeConnectionPool(pool, hostName, settings.ConnectionIdleTimeout)
		pool.hubPools[hostName] = hub
	}
	return hub
}

func (pool *AmqpConnectionPool) devicePool(hostName string, settings *AmqpConnectionPoolSettings) *deviceScopeConnectionPool {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	devices, ok := pool.devicePools[hostName]
	if !ok {
		devices = newDeviceScopeConnectionPool(pool, hostName, settings.MaxPoolSize, settings.ConnectionIdleTimeout)
		pool.devicePools[hostName] = devices
	}
	return devices
}

// Close closes every pooled connection.
func (pool *AmqpConnectionPool) Close() {
	pool.lock.Lock()
	hubs := make([]*hubScopeConnectionPool, 0, len(pool.hubPools))
	for _, hub := range pool.hubPools {
		hubs = append(hubs, hub)
	}
	devices := make([]*deviceScopeConnectionPool, 0, len(pool.devicePools))
	for _, device := range pool.devicePools {
		devices = append(devices, device)
	}
	pool.hubPools = make(map[string]*hubScopeConnectionPool)
	pool.devicePools = make(map[string]*deviceScopeConnectionPool)
	pool.lock.Unlock()

	for _, hub := range hubs {
		hub.close()
	}
	for _, device := range devices {
		device.close()
	}
}

func deviceKeyFor(identity DeviceIdentity) string {
	if identity.ModuleID != "" {
		return identity.DeviceID + "/" + identity.ModuleID
	}
	return identity.DeviceID
}

// connectWithContext dials through the timeout-based connector while honoring ctx. A
// connection that completes after the caller gave up is closed.
func connectWithContext(ctx context.Context, connector AmqpConnector, hostName string, timeout time.Duration) (AmqpConnection, error) {
	var lock sync.Mutex
	var connection AmqpConnection
	abandoned := false

	err := runWithTimeout(ctx, timeout, func() error {
		dialed, err := connector.Connect(hostName, timeout)
		lock.Lock()
		defer lock.Unlock()
		if err != nil {
			return err
		}
		if abandoned {
			_ = dialed.Close(timeout)
			return nil
		}
		connection = dialed
		return nil
	})

	lock.Lock()
	defer lock.Unlock()
	if err != nil {
		abandoned = true
		if connection != nil {
			_ = connection.Close(timeout)
			connection = nil
		}
		return nil, err
	}
	return connection, nil
}

func connectionAlive(connection AmqpConnection) bool {
	if connection == nil {
		return false
	}
	select {
	case <-connection.Done():
		return false
	default:
		return true
	}
}

type amqpConnectionHolder interface {
	connect(ctx context.Context, timeout time.Duration) (AmqpConnection, error)
	release(deviceKey string)
}

// amqpLease is one transport handler's claim on a connection.
type amqpLease struct {
	holder     amqpConnectionHolder
	connection AmqpConnection
	deviceKey  string
	once       sync.Once
}

func (lease *amqpLease) Connection() AmqpConnection {
	return lease.connection
}

// Release gives the connection back to its holder once.
func (lease *amqpLease) Release() {
	if lease == nil {
		return
	}
	lease.once.Do(func() {
		lease.holder.release(lease.deviceKey)
	})
}

// dedicatedConnection serves exactly one device when pooling is disabled.
type dedicatedConnection struct {
	lock       sync.Mutex
	owner      *AmqpConnectionPool
	hostName   string
	connection AmqpConnection
	closed     bool
}

func newDedicatedConnection(owner *AmqpConnectionPool, hostName string) *dedicatedConnection {
	return &dedicatedConnection{owner: owner, hostName: hostName}
}

func (holder *dedicatedConnection) connect(ctx context.Context, timeout time.Duration) (AmqpConnection, error) {
	holder.lock.Lock()
	defer holder.lock.Unlock()
	if holder.closed {
		return nil, NewError(DisposedError, "dedicated connection has been closed")
	}
	if connectionAlive(holder.connection) {
		return holder.connection, nil
	}
	connection, err := connectWithContext(ctx, holder.owner.connector, holder.hostName, timeout)
	if err != nil {
		return nil, err
	}
	holder.connection = connection
	holder.owner.metrics.poolConnections(poolScopeDedicated, 1)
	return connection, nil
}

// release closes the connection whatever device key is passed.
func (holder *dedicatedConnection) release(string) {
	holder.lock.Lock()
	connection := holder.connection
	holder.connection = nil
	wasClosed := holder.closed
	holder.closed = true
	holder.lock.Unlock()
	if wasClosed || connection == nil {
		return
	}
	holder.owner.metrics.poolConnections(poolScopeDedicated, -1)
	_ = connection.Close(DefaultOperationTimeout)
}

// IsClosed reports whether release ran.
func (holder *dedicatedConnection) IsClosed() bool {
	holder.lock.Lock()
	defer holder.lock.Unlock()
	return holder.closed
}

// hubScopeConnectionPool is the single reference-counted connection shared by every client
// using hub-level credentials for one hub.
type hubScopeConnectionPool struct {
	lock        sync.Mutex
	owner       *AmqpConnectionPool
	id          string
	hostName    string
	idleTimeout time.Duration
	connection  AmqpConnection
	refCount    int
	stopIdle    func() bool
	idleArmed   uint64
	closed      bool
}

func newHubScopeConnectionPool(owner *AmqpConnectionPool, hostName string, idleTimeout time.Duration) *hubScopeConnectionPool {
	return &hubScopeConnectionPool{
		owner:       owner,
		id:          xid.New().String(),
		hostName:    hostName,
		idleTimeout: idleTimeout,
	}
}

// TryAddRef adds a reference and disarms the idle timer. It fails once the pool is closed.
func (hub *hubScopeConnectionPool) TryAddRef() bool {
	hub.lock.Lock()
	defer hub.lock.Unlock()
	if hub.closed {
		return false
	}
	hub.refCount++
	if hub.stopIdle != nil {
		hub.stopIdle()
		hub.stopIdle = nil
	}
	hub.owner.metrics.poolDevices(poolScopeHub, 1)
	return true
}

// RemoveRef drops a reference and arms the idle timer when none remain.
func (hub *hubScopeConnectionPool) RemoveRef() {
	hub.lock.Lock()
	defer hub.lock.Unlock()
	if hub.closed || hub.refCount == 0 {
		return
	}
	hub.refCount--
	hub.owner.metrics.poolDevices(poolScopeHub, -1)
	if hub.refCount > 0 {
		return
	}
	hub.owner.logger.Debug("hub-scope connection idle", "connection_id", hub.id, "host", hub.hostName, "idle_timeout", hub.idleTimeout)
	hub.idleArmed++
	armed := hub.idleArmed
	hub.stopIdle = hub.owner.afterFunc(hub.idleTimeout, func() { hub.expire(armed) })
}

// expire closes the connection unless it was reused after the timer identified by armed was
// started.
func (hub *hubScopeConnectionPool) expire(armed uint64) {
	hub.lock.Lock()
	if hub.closed || hub.refCount > 0 || hub.idleArmed != armed {
		hub.lock.Unlock()
		return
	}
	connection := hub.shutdownLocked()
	hub.lock.Unlock()
	hub.owner.logger.Info("closing idle hub-scope connection", "connection_id", hub.id, "host", hub.hostName)
	hub.closeConnection(connection)
}

func (hub *hubScopeConnectionPool) close() {
	hub.lock.Lock()
	if hub.closed {
		hub.lock.Unlock()
		return
	}
	connection := hub.shutdownLocked()
	hub.lock.Unlock()
	hub.closeConnection(connection)
}

// shutdownLocked marks the pool closed and detaches its connection. hub.lock must be held.
func (hub *hubScopeConnectionPool) shutdownLocked() AmqpConnection {
	hub.closed = true
	connection := hub.connection
	hub.connection = nil
	if hub.stopIdle != nil {
		hub.stopIdle()
		hub.stopIdle = nil
	}
	if hub.refCount > 0 {
		hub.owner.metrics.poolDevices(poolScopeHub, -float64(hub.refCount))
		hub.refCount = 0
	}
	return connection
}

func (hub *hubScopeConnectionPool) closeConnection(connection AmqpConnection) {
	if connection == nil {
		return
	}
	hub.owner.metrics.poolConnections(poolScopeHub, -1)
	_ = connection.Close(DefaultOperationTimeout)
}

// RefCount returns the number of live references.
func (hub *hubScopeConnectionPool) RefCount() int {
	hub.lock.Lock()
	defer hub.lock.Unlock()
	return hub.refCount
}

// IsClosed reports whether the idle timer or Close shut the pool down.
func (hub *hubScopeConnectionPool) IsClosed() bool {
	hub.lock.Lock()
	defer hub.lock.Unlock()
	return hub.closed
}

func (hub *hubScopeConnectionPool) connect(ctx context.Context, timeout time.Duration) (AmqpConnection, error) {
	hub.lock.Lock()
	defer hub.lock.Unlock()
	if hub.closed {
		return nil, NewError(DisposedError, "hub-scope connection has been closed")
	}
	if connectionAlive(hub.connection) {
		return hub.connection, nil
	}
	if hub.connection != nil {
		hub.owner.metrics.poolConnections(poolScopeHub, -1)
		hub.connection = nil
	}
	connection, err := connectWithContext(ctx, hub.owner.connector, hub.hostName, timeout)
	if err != nil {
		return nil, err
	}
	hub.connection = connection
	hub.owner.metrics.poolConnections(poolScopeHub, 1)
	return connection, nil
}

func (hub *hubScopeConnectionPool) release(string) {
	hub.RemoveRef()
}

// deviceScopeConnectionPool spreads devices over at most maxPoolSize multiplexed connections.
type deviceScopeConnectionPool struct {
	lock        sync.Mutex
	owner       *AmqpConnectionPool
	hostName    string
	maxPoolSize uint32
	maxDevices  int
	idleTimeout time.Duration
	buckets     map[uint32]*deviceMuxConnection
	hash        func(deviceKey string) uint64
}

func newDeviceScopeConnectionPool(owner *AmqpConnectionPool, hostName string, maxPoolSize uint32, idleTimeout time.Duration) *deviceScopeConnectionPool {
	if maxPoolSize == 0 {
		maxPoolSize = DefaultMaxPoolSize
	}
	return &deviceScopeConnectionPool{
		owner:       owner,
		hostName:    hostName,
		maxPoolSize: maxPoolSize,
		maxDevices:  MaxDevicesPerConnection,
		idleTimeout: idleTimeout,
		buckets:     make(map[uint32]*deviceMuxConnection),
		hash:        xxhash.Sum64String,
	}
}

func (devices *deviceScopeConnectionPool) bucketFor(deviceKey string) uint32 {
	return uint32(devices.hash(deviceKey) % uint64(devices.maxPoolSize))
}

// Acquire adds deviceKey to its bucket, creating the bucket on first use.
func (devices *deviceScopeConnectionPool) Acquire(deviceKey string) (*deviceMuxConnection, error) {
	devices.lock.Lock()
	defer devices.lock.Unlock()

	index := devices.bucketFor(deviceKey)
	mux, ok := devices.buckets[index]
	if !ok || mux.IsClosed() {
		mux = newDeviceMuxConnection(devices, index)
		devices.buckets[index] = mux
	}
	if err := mux.add(deviceKey); err != nil {
		return nil, err
	}
	return mux, nil
}

// Release removes deviceKey from its bucket.
func (devices *deviceScopeConnectionPool) Release(deviceKey string) {
	devices.lock.Lock()
	mux, ok := devices.buckets[devices.bucketFor(deviceKey)]
	devices.lock.Unlock()
	if ok {
		mux.release(deviceKey)
	}
}

// Count returns the number of live mux connections.
func (devices *deviceScopeConnectionPool) Count() int {
	devices.lock.Lock()
	defer devices.lock.Unlock()
	return len(devices.buckets)
}

// evictIdle shuts mux down if it is still idle since the timer identified by armed. Holding
// devices.lock keeps Acquire from adding a device to mux while it is checked and closed.
// The detached connection is returned for the caller to close.
func (devices *deviceScopeConnectionPool) evictIdle(mux *deviceMuxConnection, armed uint64) (AmqpConnection, bool) {
	devices.lock.Lock()
	defer devices.lock.Unlock()

	mux.lock.Lock()
	if mux.closed || len(mux.devices) > 0 || mux.idleArmed != armed {
		mux.lock.Unlock()
		return nil, false
	}
	connection := mux.shutdownLocked()
	mux.lock.Unlock()

	if current, ok := devices.buckets[mux.index]; ok && current == mux {
		delete(devices.buckets, mux.index)
	}
	return connection, true
}

func (devices *deviceScopeConnectionPool) close() {
	devices.lock.Lock()
	buckets := make([]*deviceMuxConnection, 0, len(devices.buckets))
	for _, mux := range devices.buckets {
		buckets = append(buckets, mux)
	}
	devices.buckets = make(map[uint32]*deviceMuxConnection)
	devices.lock.Unlock()
	for _, mux := range buckets {
		mux.close()
	}
}

// deviceMuxConnection is one multiplexed connection shared by the devices of a bucket.
type deviceMuxConnection struct {
	lock       sync.Mutex
	pool       *deviceScopeConnectionPool
	id         string
	index      uint32
	devices    map[string]struct{}
	connection AmqpConnection
	stopIdle   func() bool
	idleArmed  uint64
	closed     bool
}

func newDeviceMuxConnection(pool *deviceScopeConnectionPool, index uint32) *deviceMuxConnection {
	return &deviceMuxConnection{
		pool:    pool,
		id:      xid.New().String(),
		index:   index,
		devices: make(map[string]struct{}),
	}
}

func (mux *deviceMuxConnection) add(deviceKey string) error {
	mux.lock.Lock()
	defer mux.lock.Unlock()
	if mux.closed {
		return NewError(DisposedError, "mux connection has been closed")
	}
	if _, ok := mux.devices[deviceKey]; ok {
		return nil
	}
	if len(mux.devices) >= mux.pool.maxDevices {
		return NewError(InvalidOperationError, "AMQP connection pool is full: MaxDevicesPerConnection reached on every available connection")
	}
	mux.devices[deviceKey] = struct{}{}
	if mux.stopIdle != nil {
		mux.stopIdle()
		mux.stopIdle = nil
	}
	mux.pool.owner.metrics.poolDevices(poolScopeDevice, 1)
	return nil
}

func (mux *deviceMuxConnection) release(deviceKey string) {
	mux.lock.Lock()
	defer mux.lock.Unlock()
	if _, ok := mux.devices[deviceKey]; !ok || mux.closed {
		return
	}
	delete(mux.devices, deviceKey)
	mux.pool.owner.metrics.poolDevices(poolScopeDevice, -1)
	if len(mux.devices) > 0 {
		return
	}
	mux.idleArmed++
	armed := mux.idleArmed
	mux.stopIdle = mux.pool.owner.afterFunc(mux.pool.idleTimeout, func() { mux.expire(armed) })
}

func (mux *deviceMuxConnection) expire(armed uint64) {
	connection, evicted := mux.pool.evictIdle(mux, armed)
	if !evicted {
		return
	}
	mux.pool.owner.logger.Info("closing idle mux connection", "connection_id", mux.id, "host", mux.pool.hostName, "bucket", mux.index)
	mux.closeConnection(connection)
}

func (mux *deviceMuxConnection) close() {
	mux.lock.Lock()
	if mux.closed {
		mux.lock.Unlock()
		return
	}
	connection := mux.shutdownLocked()
	mux.lock.Unlock()
	mux.closeConnection(connection)
}

// shutdownLocked marks the mux closed and detaches its connection. mux.lock must be held.
func (mux *deviceMuxConnection) shutdownLocked() AmqpConnection {
	mux.closed = true
	connection := mux.connection
	mux.connection = nil
	if mux.stopIdle != nil {
		mux.stopIdle()
		mux.stopIdle = nil
	}
	if count := len(mux.devices); count > 0 {
		mux.pool.owner.metrics.poolDevices(poolScopeDevice, -float64(count))
		mux.devices = make(map[string]struct{})
	}
	return connection
}

func (mux *deviceMuxConnection) closeConnection(connection AmqpConnection) {
	if connection == nil {
		return
	}
	mux.pool.owner.metrics.poolConnections(poolScopeDevice, -1)
	_ = connection.Close(DefaultOperationTimeout)
}

// DeviceCount returns the number of devices sharing the connection.
func (mux *deviceMuxConnection) DeviceCount() int {
	mux.lock.Lock()
	defer mux.lock.Unlock()
	return len(mux.devices)
}

// IsClosed reports whether the connection was evicted or closed.
func (mux *deviceMuxConnection) IsClosed() bool {
	mux.lock.Lock()
	defer mux.lock.Unlock()
	return mux.closed
}

func (mux *deviceMuxConnection) connect(ctx context.Context, timeout time.Duration) (AmqpConnection, error) {
	mux.lock.Lock()
	defer mux.lock.Unlock()
	if mux.closed {
		return nil, NewError(DisposedError, "mux connection has been closed")
	}
	if connectionAlive(mux.connection) {
		return mux.connection, nil
	}
	if mux.connection != nil {
		mux.pool.owner.metrics.poolConnections(poolScopeDevice, -1)
		mux.connection = nil
	}
	connection, err := connectWithContext(ctx, mux.pool.owner.connector, mux.pool.hostName, timeout)
	if err != nil {
		return nil, err
	}
	mux.connection = connection
	mux.pool.owner.metrics.poolConnections(poolScopeDevice, 1)
	return connection, nil
}
