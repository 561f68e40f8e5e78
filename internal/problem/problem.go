// Package problem implements RFC 7807 application/problem+json error bodies
// and the error-kind taxonomy of the AF's M1/M3/M5/management surfaces.
package problem

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds the AF surfaces to its peers.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindAuth               Kind = "AuthError"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindUnsupportedMedia   Kind = "UnsupportedMediaType"
	KindUpstream           Kind = "UpstreamError"
	KindTimeout            Kind = "Timeout"
	KindInternal           Kind = "Internal"
)

// Status returns the HTTP status associated with a Kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// InvalidParam names one offending field in a ValidationError.
type InvalidParam struct {
	Param  string `json:"param"`
	Reason string `json:"reason,omitempty"`
}

// Details is the RFC 7807 problem document body.
type Details struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Status        int            `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Instance      string         `json:"instance,omitempty"`
	InvalidParams []InvalidParam `json:"invalidParams,omitempty"`
}

// Problem is a Go error carrying an RFC 7807 Details document. It is the
// only error type that ever crosses an HTTP handler boundary; internal
// errors are wrapped into one with Wrap before being written to the peer.
type Problem struct {
	Kind    Kind
	Details Details
	cause   error
}

func (p *Problem) Error() string {
	if p.Details.Detail != "" {
		return fmt.Sprintf("%s: %s", p.Kind, p.Details.Detail)
	}
	return string(p.Kind)
}

// Unwrap allows errors.Is/errors.As to see the underlying cause, if any.
func (p *Problem) Unwrap() error {
	return p.cause
}

// New builds a Problem for the given kind, service/apiVersion (used to build
// the "type" field) and resource instance path.
func New(kind Kind, serviceName, apiVersion, instance, detail string) *Problem {
	return &Problem{
		Kind: kind,
		Details: Details{
			Type:     fmt.Sprintf("/%s/%s", serviceName, apiVersion),
			Title:    string(kind),
			Status:   kind.Status(),
			Detail:   detail,
			Instance: instance,
		},
	}
}

// WithInvalidParams attaches invalidParams to a ValidationError Problem.
func (p *Problem) WithInvalidParams(params ...InvalidParam) *Problem {
	p.Details.InvalidParams = append(p.Details.InvalidParams, params...)
	return p
}

// WithCause records the underlying Go error without exposing it to the peer.
func (p *Problem) WithCause(cause error) *Problem {
	p.cause = cause
	return p
}

// Wrap converts an arbitrary error into an Internal Problem, preserving the
// original error as the cause for logging.
func Wrap(err error, serviceName, apiVersion, instance string) *Problem {
	var existing *Problem
	if errors.As(err, &existing) {
		return existing
	}
	return New(KindInternal, serviceName, apiVersion, instance, "internal error").WithCause(err)
}

// WriteJSON serializes the Problem as application/problem+json onto the
// given ResponseWriter.
func (p *Problem) WriteJSON(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Details.Status)
	return json.NewEncoder(w).Encode(p.Details)
}
