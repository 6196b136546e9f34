package iothub

import (
	"context"
	"sync/atomic"
)

// RetryDelegatingHandler re-executes operations that fail with a transient error, as long as the
// active retry policy allows it.
type RetryDelegatingHandler struct {
	*DefaultDelegatingHandler

	policy atomic.Pointer[retryPolicyHolder]
}

type retryPolicyHolder struct {
	policy RetryPolicy
}

// NewRetryDelegatingHandler returns a handler using the pipeline retry policy.
func NewRetryDelegatingHandler(pipeline *PipelineContext, inner DelegatingHandler) *RetryDelegatingHandler {
	handler := &RetryDelegatingHandler{DefaultDelegatingHandler: NewDefaultDelegatingHandler(pipeline, inner)}
	handler.policy.Store(&retryPolicyHolder{policy: pipeline.retryPolicy()})
	return handler
}

// SetRetryPolicy replaces the active policy. Running retry loops pick it up at their next
// evaluation.
func (handler *RetryDelegatingHandler) SetRetryPolicy(policy RetryPolicy) {
	if policy == nil {
		policy = NewNoRetryPolicy()
	}
	handler.policy.Store(&retryPolicyHolder{policy: policy})
}

// RetryPolicy returns the active policy.
func (handler *RetryDelegatingHandler) RetryPolicy() RetryPolicy {
	return handler.policy.Load().policy
}

// run calls operation until it succeeds, fails with a non-transient error, or the policy
// stops. beforeRetry runs ahead of every repeated attempt; an error from it ends the loop.
func (handler *RetryDelegatingHandler) run(ctx context.Context, name string, operation func(ctx context.Context) error, beforeRetry func() error) error {
	for attempt := 1; ; attempt++ {
		if err := handler.checkDisposed(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return WrapError(CanceledError, err, name+" canceled")
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}

		retry, delay := handler.RetryPolicy().ShouldRetry(attempt, err)
		if !retry {
			handler.logger().Debug("retry policy declined", "operation", name, "attempt", attempt, "error", err)
			return err
		}
		if beforeRetry != nil {
			if replayErr := beforeRetry(); replayErr != nil {
				return replayErr
			}
		}

		handler.pipeline.metrics().retried(name)
		handler.logger().Warn("transient failure, retrying", "operation", name, "attempt", attempt, "delay", delay, "error", err)
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return WrapError(CanceledError, sleepErr, name+" canceled while waiting to retry")
		}
	}
}

func rewindAll(messages []*Message) func() error {
	return func() error {
		for _, message := range messages {
			if err := message.rewind(); err != nil {
				return err
			}
		}
		return nil
	}
}

func (handler *RetryDelegatingHandler) Open(ctx context.Context) error {
	return handler.run(ctx, "open", handler.inner.Open, nil)
}

// Close is forwarded once.
func (handler *RetryDelegatingHandler) Close(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.Close(ctx)
}

func (handler *RetryDelegatingHandler) SendEvent(ctx context.Context, message *Message) error {
	message.anchor()
	return handler.run(ctx, "send_event", func(ctx context.Context) error {
		return handler.inner.SendEvent(ctx, message)
	}, rewindAll([]*Message{message}))
}

func (handler *RetryDelegatingHandler) SendEvents(ctx context.Context, messages []*Message) error {
	for _, message := range messages {
		message.anchor()
	}
	return handler.run(ctx, "send_events", func(ctx context.Context) error {
		return handler.inner.SendEvents(ctx, messages)
	}, rewindAll(messages))
}

func (handler *RetryDelegatingHandler) EnableReceiveMessage(ctx context.Context) error {
	return handler.run(ctx, "enable_receive_message", handler.inner.EnableReceiveMessage, nil)
}

func (handler *RetryDelegatingHandler) DisableReceiveMessage(ctx context.Context) error {
	return handler.run(ctx, "disable_receive_message", handler.inner.DisableReceiveMessage, nil)
}

func (handler *RetryDelegatingHandler) ReceiveMessage(ctx context.Context) (*Message, error) {
	var message *Message
	err := handler.run(ctx, "receive_message", func(ctx context.Context) error {
		var err error
		message, err = handler.inner.ReceiveMessage(ctx)
		return err
	}, nil)
	return message, err
}

func (handler *RetryDelegatingHandler) Complete(ctx context.Context, lockToken string) error {
	return handler.run(ctx, "complete", func(ctx context.Context) error {
		return handler.inner.Complete(ctx, lockToken)
	}, nil)
}

func (handler *RetryDelegatingHandler) Abandon(ctx context.Context, lockToken string) error {
	return handler.run(ctx, "abandon", func(ctx context.Context) error {
		return handler.inner.Abandon(ctx, lockToken)
	}, nil)
}

func (handler *RetryDelegatingHandler) Reject(ctx context.Context, lockToken string) error {
	return handler.run(ctx, "reject", func(ctx context.Context) error {
		return handler.inner.Reject(ctx, lockToken)
	}, nil)
}

func (handler *RetryDelegatingHandler) EnableMethods(ctx context.Context) error {
	return handler.run(ctx, "enable_methods", handler.inner.EnableMethods, nil)
}

func (handler *RetryDelegatingHandler) DisableMethods(ctx context.Context) error {
	return handler.run(ctx, "disable_methods", handler.inner.DisableMethods, nil)
}

func (handler *RetryDelegatingHandler) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	return handler.run(ctx, "send_method_response", func(ctx context.Context) error {
		return handler.inner.SendMethodResponse(ctx, response)
	}, nil)
}

func (handler *RetryDelegatingHandler) EnableTwinPatch(ctx context.Context) error {
	return handler.run(ctx, "enable_twin_patch", handler.inner.EnableTwinPatch, nil)
}

func (handler *RetryDelegatingHandler) DisableTwinPatch(ctx context.Context) error {
	return handler.run(ctx, "disable_twin_patch", handler.inner.DisableTwinPatch, nil)
}

func (handler *RetryDelegatingHandler) SendTwinGet(ctx context.Context) (*Twin, error) {
	var twin *Twin
	err := handler.run(ctx, "twin_get", func(ctx context.Context) error {
		var err error
		twin, err = handler.inner.SendTwinGet(ctx)
		return err
	}, nil)
	return twin, err
}

func (handler *RetryDelegatingHandler) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	var version int64
	err := handler.run(ctx, "twin_patch", func(ctx context.Context) error {
		var err error
		version, err = handler.inner.SendTwinPatch(ctx, reported)
		return err
	}, nil)
	return version, err
}

func (handler *RetryDelegatingHandler) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	return handler.run(ctx, "enable_event_receive", func(ctx context.Context) error {
		return handler.inner.EnableEventReceive(ctx, isAnEdgeModule)
	}, nil)
}

func (handler *RetryDelegatingHandler) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	return handler.run(ctx, "disable_event_receive", func(ctx context.Context) error {
		return handler.inner.DisableEventReceive(ctx, isAnEdgeModule)
	}, nil)
}

func (handler *RetryDelegatingHandler) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	var response *FileUploadSASURIResponse
	err := handler.run(ctx, "file_upload_sas_uri", func(ctx context.Context) error {
		var err error
		response, err = handler.inner.GetFileUploadSASURI(ctx, request)
		return err
	}, nil)
	return response, err
}

func (handler *RetryDelegatingHandler) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	return handler.run(ctx, "file_upload_complete", func(ctx context.Context) error {
		return handler.inner.CompleteFileUpload(ctx, notification)
	}, nil)
}
