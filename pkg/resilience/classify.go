package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

// Class is the failure category an error falls into for one downstream call.
type Class int

const (
	// ClassTransient failures are retried and count toward opening the breaker.
	ClassTransient Class = iota
	// ClassTimeout failures are retried and count toward opening the breaker.
	ClassTimeout
	// ClassFatal failures are not retried but still count toward the breaker.
	ClassFatal
	// ClassCaller failures are the caller's fault. They are never retried and
	// never trip the breaker, so a bad request cannot take a dependency down.
	ClassCaller
)

// Retryable reports whether another attempt may succeed.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout
}

// CountsAgainstBreaker reports whether the failure reflects dependency health.
func (c Class) CountsAgainstBreaker() bool {
	return c != ClassCaller
}

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassFatal:
		return "fatal"
	case ClassCaller:
		return "caller"
	default:
		return "unknown"
	}
}

// rule matches an error by service and message signature. Signature matching
// is substring based so one rule covers a family of messages.
type rule struct {
	service   enums.ServiceName
	signature string
	class     Class
}

// classificationRules is consulted top to bottom; first match wins. An empty
// service matches every service.
var classificationRules = []rule{
	{enums.ServiceStorage, "object not found", ClassCaller},
	{enums.ServiceStorage, "404", ClassCaller},
	{enums.ServiceStorage, "403", ClassFatal},
	{enums.ServiceStorage, "connection refused", ClassTransient},
	{enums.ServiceStorage, "connection reset", ClassTransient},
	{enums.ServiceStorage, "503", ClassTransient},
	{enums.ServiceStorage, "502", ClassTransient},
	{enums.ServiceStorage, "429", ClassTransient},
	{enums.ServicePayment, "card_declined", ClassCaller},
	{enums.ServicePayment, "invalid_request", ClassCaller},
	{enums.ServicePayment, "rate_limit", ClassTransient},
	{enums.ServicePayment, "api_connection", ClassTransient},
	{enums.ServiceIdentity, "token", ClassCaller},
	{"", "connection refused", ClassTransient},
	{"", "broken pipe", ClassTransient},
	{"", "i/o timeout", ClassTimeout},
	{"", "timeout", ClassTimeout},
	{"", "temporarily unavailable", ClassTransient},
}

// Classify maps an error from a downstream call to its failure class.
func Classify(service enums.ServiceName, err error) Class {
	if err == nil {
		return ClassCaller
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCaller
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if appErr := apperrors.As(err); appErr != nil {
		meta := apperrors.MetadataFor(appErr.Code())
		switch {
		case meta.Retryable:
			return ClassTransient
		case meta.HTTPStatus >= 400 && meta.HTTPStatus < 500:
			return ClassCaller
		}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range classificationRules {
		if r.service != "" && r.service != service {
			continue
		}
		if strings.Contains(msg, r.signature) {
			return r.class
		}
	}
	return ClassFatal
}
