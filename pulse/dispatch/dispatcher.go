// Package dispatch delivers a firing job's payload to its recipient.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/internal/httpclient"
	"github.com/teranos/jobsvc/logger"
	"github.com/teranos/jobsvc/pulse/events"
	"github.com/teranos/jobsvc/pulse/job"
)

// Response is the outcome of a successful dispatch.
type Response = events.Response

// Headers added to every delivery so recipients can deduplicate.
const (
	HeaderJobID         = "X-Job-Id"
	HeaderCorrelationID = "X-Job-Correlation-Id"
	HeaderExecution     = "X-Job-Execution"
	HeaderRetry         = "X-Job-Retry"
)

// CodePublished is the response code of a topic delivery.
const CodePublished = "PUBLISHED"

// maxBodyLen bounds how much of a recipient's response body is kept.
const maxBodyLen = 4 << 10

// Publisher accepts topic messages. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, m events.Message) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClient replaces the recipient HTTP client. SetConfig leaves an
// injected client alone.
func WithClient(c *httpclient.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
		d.fixedClient = true
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithClock replaces time.Now for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher sends payloads to HTTP and topic recipients.
type Dispatcher struct {
	bus Publisher
	log *zap.SugaredLogger
	now func() time.Time

	mu          sync.RWMutex
	cfg         am.DispatchConfig
	client      *httpclient.Client
	fixedClient bool
	limiter     *rate.Limiter
}

// New creates a dispatcher. bus may be nil when no topic recipients are used.
func New(cfg am.DispatchConfig, bus Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:     bus,
		log:     logger.Logger,
		now:     time.Now,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logger.AddDispatchSymbol(d.log.Named("dispatch"))
	if d.client == nil {
		d.client = httpclient.New(httpclient.Options{BlockPrivateIP: cfg.BlockPrivateIP})
	}
	d.applyLimit(cfg)
	return d
}

// SetConfig swaps timeout, rate limit and private-IP policy at runtime.
func (d *Dispatcher) SetConfig(cfg am.DispatchConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fixedClient && cfg.BlockPrivateIP != d.cfg.BlockPrivateIP {
		d.client = httpclient.New(httpclient.Options{BlockPrivateIP: cfg.BlockPrivateIP})
	}
	d.cfg = cfg
	d.applyLimit(cfg)
	d.log.Infow("Dispatch config reloaded",
		"default_timeout", cfg.DefaultTimeout,
		"max_per_second", cfg.MaxPerSecond,
		"burst", cfg.Burst,
		"block_private_ip", cfg.BlockPrivateIP,
	)
}

func (d *Dispatcher) applyLimit(cfg am.DispatchConfig) {
	if cfg.MaxPerSecond <= 0 {
		d.limiter.SetLimit(rate.Inf)
		return
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	d.limiter.SetLimit(rate.Limit(cfg.MaxPerSecond))
	d.limiter.SetBurst(burst)
}

// Config returns the active configuration.
func (d *Dispatcher) Config() am.DispatchConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// ValidateRecipient rejects recipients that can never be delivered to.
func (d *Dispatcher) ValidateRecipient(r job.Recipient) error {
	if err := r.Validate(); err != nil {
		return err
	}
	switch r.Kind {
	case job.KindHTTP:
		d.mu.RLock()
		client := d.client
		d.mu.RUnlock()
		if _, err := client.ValidateURL(r.HTTP.URL); err != nil {
			return errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
	case job.KindTopic:
		if d.bus == nil {
			return errors.NewInvalidRequestError("topic recipients are not enabled")
		}
	}
	return nil
}

// Dispatch delivers one firing of d. A non-nil error is always a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, details job.Details) (*Response, error) {
	d.mu.RLock()
	timeout := d.cfg.DefaultTimeout
	client := d.client
	d.mu.RUnlock()
	if details.ExecutionTimeout > 0 {
		timeout = details.ExecutionTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := logger.JobLogger(d.log, details.ID, details.CorrelationID)
	start := d.now()

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, failure(ctx, "rate limit wait", err)
	}

	var resp *Response
	var derr *DispatchError
	switch details.Recipient.Kind {
	case job.KindHTTP:
		resp, derr = d.sendHTTP(ctx, client, details)
	case job.KindTopic:
		resp, derr = d.publish(ctx, details)
	default:
		err := errors.Newf("unknown recipient kind %q", details.Recipient.Kind)
		derr = &DispatchError{Kind: KindTransport, ExceptionClass: "invalid_recipient", Message: err.Error(), Details: describe(err), Err: err}
	}

	elapsed := d.now().Sub(start)
	if derr != nil {
		log.Warnw("Dispatch failed",
			logger.FieldURL, details.Recipient.Target(),
			logger.FieldErrorKind, derr.Kind,
			"exception_class", derr.ExceptionClass,
			logger.FieldRetries, details.Retries,
			logger.FieldDurationMS, elapsed.Milliseconds(),
			logger.FieldError, derr.Message,
		)
		return nil, derr
	}
	log.Debugw("Dispatched",
		logger.FieldURL, details.Recipient.Target(),
		"code", resp.Code,
		logger.FieldDurationMS, elapsed.Milliseconds(),
	)
	return resp, nil
}

func (d *Dispatcher) sendHTTP(ctx context.Context, client *httpclient.Client, details job.Details) (*Response, *DispatchError) {
	r := details.Recipient.HTTP
	if r == nil {
		err := errors.New("http recipient missing")
		return nil, &DispatchError{Kind: KindTransport, ExceptionClass: "invalid_recipient", Message: err.Error(), Details: describe(err), Err: err}
	}

	u, err := client.ValidateURL(r.URL)
	if err != nil {
		return nil, failure(ctx, "build request", err)
	}
	if len(r.QueryParams) > 0 {
		q := u.Query()
		for k, v := range r.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	body, contentType, err := encodePayload(r.Payload)
	if err != nil {
		return nil, failure(ctx, "encode payload", err)
	}
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, failure(ctx, "build request", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range jobHeaders(details) {
		req.Header.Set(k, v)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, failure(ctx, method+" "+r.URL, errors.WithDetailf(err, "Recipient: %s", r.URL))
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyLen))
	if err != nil {
		return nil, failure(ctx, "read response", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, nonSuccess(res.StatusCode, res.Status, string(raw))
	}
	return &Response{
		JobID:     details.ID,
		Code:      strconv.Itoa(res.StatusCode),
		Message:   string(raw),
		Timestamp: d.now().UTC(),
	}, nil
}

func (d *Dispatcher) publish(ctx context.Context, details job.Details) (*Response, *DispatchError) {
	r := details.Recipient.Topic
	if r == nil || d.bus == nil {
		err := errors.New("topic recipients are not enabled")
		return nil, &DispatchError{Kind: KindTransport, ExceptionClass: "invalid_recipient", Message: err.Error(), Details: describe(err), Err: err}
	}
	value := r.Payload
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	key := r.Key
	if key == "" {
		key = details.ID
	}
	msg := events.Message{
		Topic:     r.Topic,
		Key:       key,
		Value:     value,
		Headers:   jobHeaders(details),
		Timestamp: d.now().UTC(),
	}
	if err := d.bus.Publish(ctx, msg); err != nil {
		return nil, failure(ctx, "publish to "+r.Topic, err)
	}
	return &Response{
		JobID:     details.ID,
		Code:      CodePublished,
		Message:   r.Topic,
		Timestamp: msg.Timestamp,
	}, nil
}

func jobHeaders(details job.Details) map[string]string {
	return map[string]string{
		HeaderJobID:         details.ID,
		HeaderCorrelationID: details.CorrelationID,
		HeaderExecution:     strconv.Itoa(details.ExecutionCounter + 1),
		HeaderRetry:         strconv.Itoa(details.Retries),
	}
}

// encodePayload sends a JSON string as its plain text and any other JSON
// value verbatim.
func encodePayload(p json.RawMessage) (io.Reader, string, error) {
	p = bytes.TrimSpace(p)
	if len(p) == 0 {
		return nil, "", nil
	}
	if p[0] == '"' {
		var s string
		if err := json.Unmarshal(p, &s); err != nil {
			return nil, "", errors.Wrap(err, "invalid string payload")
		}
		return bytes.NewReader([]byte(s)), "text/plain; charset=utf-8", nil
	}
	return bytes.NewReader(p), "application/json", nil
}
