package dispatch

import (
	"context"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/internal/httpclient"
)

// ErrorKind classifies a failed dispatch.
type ErrorKind string

const (
	KindTransport        ErrorKind = "TRANSPORT"
	KindNonSuccessStatus ErrorKind = "NON_SUCCESS_STATUS"
	KindTimeout          ErrorKind = "TIMEOUT"
)

// maxDetailsLen bounds ExceptionDetails stored on the job row.
const maxDetailsLen = 8 << 10

// DispatchError is the only error type Dispatch returns.
type DispatchError struct {
	Kind ErrorKind
	// Code is the HTTP status for NonSuccessStatus, empty otherwise.
	Code string
	// ExceptionClass is a short stable label such as "connection_refused".
	ExceptionClass string
	Message        string
	Details        string
	Err            error
}

func (e *DispatchError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// AsDispatchError extracts a *DispatchError from err's chain.
func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func nonSuccess(code int, status, body string) *DispatchError {
	err := errors.WithDetailf(errors.Newf("recipient returned %s", status), "Body: %s", body)
	return &DispatchError{
		Kind:           KindNonSuccessStatus,
		Code:           fmt.Sprint(code),
		ExceptionClass: "http_status",
		Message:        "recipient returned " + status,
		Details:        describe(err),
		Err:            err,
	}
}

// failure classifies a transport-level error. ctx is the per-dispatch
// context so its deadline can be told apart from the caller's.
func failure(ctx context.Context, op string, err error) *DispatchError {
	err = errors.Wrap(err, op)
	class := classify(err)
	kind := KindTransport
	if class == "timeout" || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
		class = "timeout"
	}
	return &DispatchError{
		Kind:           kind,
		ExceptionClass: class,
		Message:        err.Error(),
		Details:        describe(err),
		Err:            err,
	}
}

// classify maps an error onto a short label by type first, then by message.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, httpclient.ErrBlocked) {
		return "blocked"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		return "connection_reset"
	case strings.Contains(msg, "tls"), strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return "tls"
	case strings.Contains(msg, "redirect"):
		return "redirect"
	case strings.Contains(msg, "invalid url"), strings.Contains(msg, "unsupported protocol"):
		return "invalid_url"
	case strings.Contains(msg, "closed"):
		return "closed"
	default:
		return "transport"
	}
}

// describe renders the detail chain followed by the stack, truncated.
func describe(err error) string {
	var b strings.Builder
	for _, d := range errors.GetAllDetails(err) {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%+v", err)
	s := b.String()
	return truncate(s, maxDetailsLen)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
