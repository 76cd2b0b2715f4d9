package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class groups remote failures by how the executor should react to them.
type Class int

const (
	ClassPermanent Class = iota
	ClassTransient
	ClassRateLimited
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCanceled:
		return "canceled"
	default:
		return "permanent"
	}
}

var (
	// ErrEmptyResponse is returned when a provider answers successfully but
	// with no usable payload (empty audio, no image, blank completion).
	ErrEmptyResponse = errors.New("empty response")
	// ErrContentPolicy marks a provider-side content policy rejection.
	ErrContentPolicy = errors.New("content policy rejection")
	// ErrMalformed marks a response that could not be parsed.
	ErrMalformed = errors.New("malformed response")
)

// StatusError is a non-2xx answer from an HTTP-based provider.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s failed (status %d): %s", e.Service, e.StatusCode, body)
}

// NewStatusError drains (a bounded prefix of) the response body and captures
// the Retry-After hint when present.
func NewStatusError(service string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

type markedError struct {
	err   error
	class Class
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Transient forces err to be retried regardless of its underlying type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, class: ClassTransient}
}

// Permanent stops retries for err regardless of its underlying type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, class: ClassPermanent}
}

// Classify maps an error returned by any provider client onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.class
	}

	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrContentPolicy) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrEmptyResponse) {
		return ClassPermanent
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.StatusCode)
	}

	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) {
		return classifyStatus(oaiAPI.HTTPStatusCode)
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) {
		return classifyStatus(oaiReq.HTTPStatusCode)
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return classifyStatus(anthErr.StatusCode)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted:
			return ClassRateLimited
		case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Aborted:
			return ClassTransient
		case codes.Canceled:
			return ClassCanceled
		default:
			return ClassPermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassPermanent
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// retryAfter extracts a server-provided wait hint, if any.
func retryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
