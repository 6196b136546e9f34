package iothub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	httpAPIVersion         = "2020-09-30"
	httpAppPropertyPrefix  = "iothub-app-"
	httpBatchContentType   = "application/vnd.microsoft.iothub.json"
	httpMaxErrorBodyLength = 4096
)

// httpRestClient issues the device REST calls of the hub.
type httpRestClient struct {
	pipeline *PipelineContext
	client   *http.Client
	baseURL  string
	timeout  time.Duration
}

func newHTTPRestClient(pipeline *PipelineContext, settings TransportSettings) *httpRestClient {
	client := pipeline.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = settings.TLSConfig
		if settings.Proxy != nil {
			transport.Proxy = settings.Proxy
		}
		client = &http.Client{Transport: transport}
	}
	return &httpRestClient{
		pipeline: pipeline,
		client:   client,
		baseURL:  "https://" + pipeline.Identity.TargetHost(),
		timeout:  settings.operationTimeout(),
	}
}

func newHTTPFileUploader(pipeline *PipelineContext, settings TransportSettings) FileUploader {
	return newHTTPRestClient(pipeline, settings)
}

func (rest *httpRestClient) devicePath() string {
	identity := rest.pipeline.Identity
	path := "/devices/" + url.PathEscape(identity.DeviceID)
	if identity.ModuleID != "" {
		path += "/modules/" + url.PathEscape(identity.ModuleID)
	}
	return path
}

func (rest *httpRestClient) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", httpAPIVersion)
	return rest.baseURL + rest.devicePath() + path + "?" + query.Encode()
}

// do sends one request and maps non-2xx answers onto error codes. The operation timeout
// stays armed until the response body is closed.
func (rest *httpRestClient) do(ctx context.Context, method string, endpoint string, body io.Reader, headers http.Header) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if rest.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, rest.timeout)
	}
	request, err := rest.newRequest(ctx, method, endpoint, body, headers)
	if err != nil {
		cancel()
		return nil, err
	}
	response, err := rest.send(request)
	if err != nil {
		cancel()
		return nil, err
	}
	response.Body = &cancelOnClose{ReadCloser: response.Body, cancel: cancel}
	return response, nil
}

func (rest *httpRestClient) newRequest(ctx context.Context, method string, endpoint string, body io.Reader, headers http.Header) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, WrapError(ArgumentError, err)
	}
	for name, values := range headers {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	request.Header.Set("User-Agent", rest.pipeline.ProductInfo.String())
	if provider := rest.pipeline.AuthProvider; provider != nil {
		token, err := provider.GetToken(ctx, rest.pipeline.Identity.HostName)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Authorization", token)
	}
	return request, nil
}

func (rest *httpRestClient) send(request *http.Request) (*http.Response, error) {
	response, err := rest.client.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	defer response.Body.Close()
	reason, _ := io.ReadAll(io.LimitReader(response.Body, httpMaxErrorBodyLength))
	text := strings.TrimSpace(string(reason))
	if text == "" {
		text = response.Status
	}
	return nil, statusCodeToError(response.StatusCode, text)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (body *cancelOnClose) Close() error {
	err := body.ReadCloser.Close()
	body.cancel()
	return err
}

func messageHeaders(message *Message) http.Header {
	headers := http.Header{}
	if message.MessageID != "" {
		headers.Set("iothub-messageid", message.MessageID)
	}
	if message.CorrelationID != "" {
		headers.Set("iothub-correlationid", message.CorrelationID)
	}
	if message.UserID != "" {
		headers.Set("iothub-userid", message.UserID)
	}
	if message.ContentType != "" {
		headers.Set("iothub-contenttype", message.ContentType)
	}
	if message.ContentEncoding != "" {
		headers.Set("iothub-contentencoding", message.ContentEncoding)
	}
	if !message.ExpiryTime.IsZero() {
		headers.Set("iothub-expiry", message.ExpiryTime.UTC().Format(time.RFC3339))
	}
	for name, value := range message.Properties {
		headers.Set(httpAppPropertyPrefix+name, value)
	}
	return headers
}

type httpBatchEntry struct {
	Body       string            `json:"body"`
	Base64     bool              `json:"base64Encoded"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (rest *httpRestClient) SendEvents(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}
	if len(messages) == 1 {
		body, err := messages[0].Bytes()
		if err != nil {
			return err
		}
		response, err := rest.do(ctx, http.MethodPost, rest.endpoint("/messages/events", nil), bytes.NewReader(body), messageHeaders(messages[0]))
		if err != nil {
			return err
		}
		return response.Body.Close()
	}

	entries := make([]httpBatchEntry, 0, len(messages))
	for _, message := range messages {
		body, err := message.Bytes()
		if err != nil {
			return err
		}
		properties := make(map[string]string)
		for name, values := range messageHeaders(message) {
			properties[strings.ToLower(name)] = values[0]
		}
		entries = append(entries, httpBatchEntry{
			Body:       base64.StdEncoding.EncodeToString(body),
			Base64:     true,
			Properties: properties,
		})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return WrapError(ArgumentError, err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", httpBatchContentType)
	response, err := rest.do(ctx, http.MethodPost, rest.endpoint("/messages/events", nil), bytes.NewReader(payload), headers)
	if err != nil {
		return err
	}
	return response.Body.Close()
}

// Receive polls for one cloud-to-device message. It returns nil when none is pending.
func (rest *httpRestClient) Receive(ctx context.Context) (*Message, error) {
	response, err := rest.do(ctx, http.MethodGet, rest.endpoint("/messages/deviceBound", nil), nil, nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	message := NewMessage(body)
	message.LockToken = strings.Trim(response.Header.Get("ETag"), `"`)
	if id := response.Header.Get("iothub-messageid"); id != "" {
		message.MessageID = id
	}
	message.CorrelationID = response.Header.Get("iothub-correlationid")
	message.UserID = response.Header.Get("iothub-userid")
	message.To = response.Header.Get("iothub-to")
	message.ContentType = response.Header.Get("iothub-contenttype")
	message.ContentEncoding = response.Header.Get("iothub-contentencoding")
	if count, err := strconv.ParseUint(response.Header.Get("iothub-deliverycount"), 10, 32); err == nil {
		message.DeliveryCount = uint32(count)
	}
	if enqueued, err := time.Parse(time.RFC3339, response.Header.Get("iothub-enqueuedtime")); err == nil {
		message.EnqueuedTime = enqueued
	}
	if expiry, err := time.Parse(time.RFC3339, response.Header.Get("iothub-expiry")); err == nil {
		message.ExpiryTime = expiry
	}
	for name, values := range response.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, httpAppPropertyPrefix) && len(values) > 0 {
			message.Properties[strings.TrimPrefix(lower, httpAppPropertyPrefix)] = values[0]
		}
	}
	return message, nil
}

func (rest *httpRestClient) Settle(ctx context.Context, lockToken string, outcome MessageOutcome) error {
	path := "/messages/deviceBound/" + url.PathEscape(lockToken)
	headers := http.Header{}
	headers.Set("If-Match", `"`+lockToken+`"`)

	var response *http.Response
	var err error
	switch outcome {
	case OutcomeComplete:
		response, err = rest.do(ctx, http.MethodDelete, rest.endpoint(path, nil), nil, headers)
	case OutcomeReject:
		response, err = rest.do(ctx, http.MethodDelete, rest.endpoint(path, url.Values{"reject": {""}}), nil, headers)
	case OutcomeAbandon:
		response, err = rest.do(ctx, http.MethodPost, rest.endpoint(path+"/abandon", nil), nil, headers)
	default:
		return NewError(ArgumentError, "unknown message outcome")
	}
	if err != nil {
		return err
	}
	return response.Body.Close()
}

func (rest *httpRestClient) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, WrapError(ArgumentError, err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	response, err := rest.do(ctx, http.MethodPost, rest.endpoint("/files", nil), bytes.NewReader(payload), headers)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var result FileUploadSASURIResponse
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, WrapError(ProtocolError, err, "invalid file upload response")
	}
	return &result, nil
}

func (rest *httpRestClient) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return WrapError(ArgumentError, err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	response, err := rest.do(ctx, http.MethodPost, rest.endpoint("/files/notifications", nil), bytes.NewReader(payload), headers)
	if err != nil {
		return err
	}
	return response.Body.Close()
}

// httpLink presents the REST client as a Link. HTTP has no session, so the link only ends
// when it is closed.
type httpLink struct {
	*httpRestClient

	closeOnce sync.Once
	done      chan struct{}
}

func newHTTPTransportHandler(pipeline *PipelineContext, settings TransportSettings) (*TransportHandler, error) {
	rest := newHTTPRestClient(pipeline, settings)
	opener := func(ctx context.Context) (Link, error) {
		if err := ctx.Err(); err != nil {
			return nil, WrapError(CanceledError, err)
		}
		return &httpLink{httpRestClient: rest, done: make(chan struct{})}, nil
	}
	return NewLinkTransportHandler(pipeline, settings, opener, rest), nil
}

func (link *httpLink) Done() <-chan struct{} {
	return link.done
}

func (link *httpLink) Err() error {
	return nil
}

func (link *httpLink) Close(ctx context.Context) error {
	link.closeOnce.Do(func() {
		close(link.done)
	})
	return nil
}

// Subscribe accepts cloud-to-device messages, which are polled with Receive.
func (link *httpLink) Subscribe(ctx context.Context, topic SubscriptionTopic) error {
	if topic == TopicMessages {
		return nil
	}
	return NewError(NotSupportedError, topic.String()+" are not supported over HTTP")
}

func (link *httpLink) Unsubscribe(ctx context.Context, topic SubscriptionTopic) error {
	return link.Subscribe(ctx, topic)
}

func (link *httpLink) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	return NewError(NotSupportedError, "direct methods are not supported over HTTP")
}

func (link *httpLink) GetTwin(ctx context.Context) (*Twin, error) {
	return nil, NewError(NotSupportedError, "device twin is not supported over HTTP")
}

func (link *httpLink) PatchTwin(ctx context.Context, reported TwinCollection) (int64, error) {
	return 0, NewError(NotSupportedError, "device twin is not supported over HTTP")
}
