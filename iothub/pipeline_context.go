package iothub

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
)

// ClientVersion is reported in the product info.
const ClientVersion = "0.1.0"

// ProductInfo builds the user agent sent to the hub.
type ProductInfo struct {
	Extra string
}

func (info ProductInfo) String() string {
	agent := fmt.Sprintf("iothub-device-go/%s (%s; %s; %s)", ClientVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if info.Extra != "" {
		agent += " " + info.Extra
	}
	return agent
}

// TransportHandlerFactory creates the terminal handler for one transport setting.
type TransportHandlerFactory func(pipeline *PipelineContext, settings TransportSettings) (DelegatingHandler, error)

// LinkHandlers receive cloud-initiated traffic from a live link.
type LinkHandlers struct {
	OnMethodRequest        func(request *MethodRequest)
	OnDesiredPropertyPatch func(patch TwinCollection)
	OnModuleEvent          func(input string, message *Message)
}

// PipelineContext carries the configuration shared by every handler of one pipeline. It is
// built once per client and not modified afterwards.
type PipelineContext struct {
	Identity                      DeviceIdentity
	TransportSettings             []TransportSettings
	RetryPolicy                   RetryPolicy
	ProductInfo                   ProductInfo
	ConnectionStatusChangeHandler ConnectionStatusChangeHandler
	Logger                        *slog.Logger
	Metrics                       *Metrics
	AuthProvider                  AuthenticationProvider
	AmqpPool                      *AmqpConnectionPool
	AmqpConnector                 AmqpConnector
	MqttDialer                    MqttDialer
	ConnDialer                    ConnDialer
	HTTPClient                    *http.Client
	LinkHandlers                  LinkHandlers
	TransportHandlerFactory       TransportHandlerFactory
	ImplicitOpen                  bool
}

func (pipeline *PipelineContext) logger() *slog.Logger {
	if pipeline == nil || pipeline.Logger == nil {
		return slog.Default()
	}
	return pipeline.Logger
}

func (pipeline *PipelineContext) metrics() *Metrics {
	if pipeline == nil {
		return nil
	}
	return pipeline.Metrics
}

func (pipeline *PipelineContext) retryPolicy() RetryPolicy {
	if pipeline == nil || pipeline.RetryPolicy == nil {
		return DefaultRetryPolicy()
	}
	return pipeline.RetryPolicy
}

func (pipeline *PipelineContext) newTransportHandler(settings TransportSettings) (DelegatingHandler, error) {
	if pipeline.TransportHandlerFactory != nil {
		return pipeline.TransportHandlerFactory(pipeline, settings)
	}
	return NewTransportHandler(pipeline, settings)
}

// BuildPipeline composes the handler chain
// GateKeeper -> ConnectionState -> Retry -> ExceptionRemapping -> ProtocolRouting -> transport.
func BuildPipeline(pipeline *PipelineContext) (*GateKeeperDelegatingHandler, error) {
	if pipeline == nil {
		return nil, NewError(ArgumentError, "pipeline context is required")
	}
	if len(pipeline.TransportSettings) == 0 {
		return nil, NewError(ArgumentError, "at least one transport setting is required")
	}
	routing := NewProtocolRoutingDelegatingHandler(pipeline)
	remapping := NewExceptionRemappingDelegatingHandler(pipeline, routing)
	retry := NewRetryDelegatingHandler(pipeline, remapping)
	state := NewConnectionStateDelegatingHandler(pipeline, retry)
	return NewGateKeeperDelegatingHandler(pipeline, state), nil
}
