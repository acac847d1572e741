package proximity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind classifies a failed API call.
type Kind string

// Error kinds produced by Normalize.
const (
	KindOther                    Kind = "Other"
	KindNotYours                 Kind = "NotYours"
	KindNotRegistered            Kind = "NotRegistered"
	KindAlreadyRegistered        Kind = "AlreadyRegistered"
	KindUnknownRegistrationError Kind = "UnknownRegistrationError"
	KindRegisterPermissionDenied Kind = "RegisterPermissionDenied"
	KindNoSuchBeacon             Kind = "NoSuchBeacon"
)

// Sentinels matched by errors.Is against a *RequestError of the same kind.
var (
	ErrOther                    = errors.New("proximity: request failed")
	ErrNotYours                 = errors.New("proximity: beacon is owned by another project")
	ErrNotRegistered            = errors.New("proximity: beacon is not registered")
	ErrAlreadyRegistered        = errors.New("proximity: beacon is already registered")
	ErrUnknownRegistrationError = errors.New("proximity: registration failed")
	ErrRegisterPermissionDenied = errors.New("proximity: permission denied for registration")
	ErrNoSuchBeacon             = errors.New("proximity: no such beacon")

	// ErrNoToken is returned when the token source cannot produce a bearer token.
	ErrNoToken = errors.New("proximity: no bearer token available")
)

var kindSentinels = map[Kind]error{
	KindOther:                    ErrOther,
	KindNotYours:                 ErrNotYours,
	KindNotRegistered:            ErrNotRegistered,
	KindAlreadyRegistered:        ErrAlreadyRegistered,
	KindUnknownRegistrationError: ErrUnknownRegistrationError,
	KindRegisterPermissionDenied: ErrRegisterPermissionDenied,
	KindNoSuchBeacon:             ErrNoSuchBeacon,
}

// Operation tells Normalize which family of call produced a response; the
// same status code means different things for registration and lookups.
type Operation int

// Operation families.
const (
	OpAdmin Operation = iota
	OpRegister
	OpServing
)

// RequestError is a failed call. Status is always set; it is 0 when no HTTP
// exchange took place (transport failure or a local lifecycle guard).
type RequestError struct {
	Status  int
	Kind    Kind
	Message string
	// Object is the offending object reported by the server, when any.
	Object json.RawMessage
	// Err is the underlying cause for failures without an HTTP response.
	Err error
}

func (e *RequestError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "proximity: %s", e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.Status)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *RequestError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of err, or "" if err is not a *RequestError.
func KindOf(err error) Kind {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

// errorEnvelope is the Google API error body.
type errorEnvelope struct {
	Error struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Status  string          `json:"status"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

const maxMessageLen = 512

// Normalize classifies a non-2xx response.
func Normalize(op Operation, status int, body []byte) *RequestError {
	rerr := &RequestError{Status: status}

	var env errorEnvelope
	apiStatus := ""
	if err := json.Unmarshal(body, &env); err == nil && (env.Error.Code != 0 || env.Error.Message != "" || env.Error.Status != "") {
		apiStatus = env.Error.Status
		rerr.Message = env.Error.Message
		if len(env.Error.Details) > 0 && string(env.Error.Details) != "null" {
			rerr.Object = env.Error.Details
		}
	} else if json.Valid(body) && len(body) > 0 {
		rerr.Object = json.RawMessage(body)
	} else if text := strings.TrimSpace(string(body)); text != "" {
		rerr.Message = truncate(text, maxMessageLen)
	}

	if rerr.Message == "" {
		rerr.Message = http.StatusText(status)
	}

	rerr.Kind = classify(op, status, apiStatus)
	return rerr
}

func classify(op Operation, status int, apiStatus string) Kind {
	switch op {
	case OpRegister:
		switch {
		case status == http.StatusConflict || apiStatus == "ALREADY_EXISTS":
			return KindAlreadyRegistered
		case status == http.StatusForbidden || apiStatus == "PERMISSION_DENIED":
			return KindRegisterPermissionDenied
		case status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusTooManyRequests:
			return KindUnknownRegistrationError
		}
	case OpServing:
		if status == http.StatusNotFound || status == http.StatusForbidden || apiStatus == "NOT_FOUND" {
			return KindNoSuchBeacon
		}
	default:
		switch {
		case status == http.StatusForbidden || apiStatus == "PERMISSION_DENIED":
			return KindNotYours
		case status == http.StatusNotFound || apiStatus == "NOT_FOUND":
			return KindNotRegistered
		case status == http.StatusBadRequest && apiStatus == "FAILED_PRECONDITION":
			return KindNotRegistered
		}
	}
	return KindOther
}

// FromTransport wraps a transport failure as a KindOther RequestError.
func FromTransport(err error) *RequestError {
	return &RequestError{Kind: KindOther, Err: err}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
