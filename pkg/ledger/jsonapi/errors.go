package jsonapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
)

// errorEnvelope is the gateway's error body. The code vocabulary is shared
// with pkg/fault, so a coded body maps straight to a class.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeError maps a non-200 response to a *fault.Error. A coded body wins;
// otherwise the HTTP status decides.
func decodeError(op string, resp *http.Response) error {
	var envelope errorEnvelope
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(body, &envelope)

	if envelope.Code != "" {
		return fault.Coded(envelope.Code, op, envelope.Message)
	}

	msg := envelope.Message
	if msg == "" {
		msg = fmt.Sprintf("gateway returned %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fault.New(fault.Validation, op, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.Coded(fault.CodeUnauthorized, op, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fault.Coded(fault.CodeContractNotFound, op, msg)
	case resp.StatusCode == http.StatusConflict:
		return fault.Coded(fault.CodeStaleReference, op, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.Coded(fault.CodeRateLimited, op, msg)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return fault.Coded(fault.CodeTimeout, op, msg)
	default:
		return fault.Coded(fault.CodeUpstream, op, msg)
	}
}

// mapTransportErr classifies a failed round trip. Deadline expiry is
// transient with an ambiguous outcome; cancellation passes through unchanged
// so nothing upstream retries an abandoned operation.
func mapTransportErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &fault.Error{Class: fault.Transient, Code: fault.CodeTimeout,
			Op: op, Msg: "gateway call timed out", Err: err}
	}
	return &fault.Error{Class: fault.Transient, Code: fault.CodeUpstream,
		Op: op, Msg: "gateway unreachable", Err: err}
}
