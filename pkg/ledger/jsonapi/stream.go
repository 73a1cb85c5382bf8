package jsonapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
)

type activeQueryWire struct {
	Parties []ledger.Party    `json:"parties"`
	Kind    ledger.RecordKind `json:"kind,omitempty"`
}

// frame is one NDJSON line of an active-contracts stream. Exactly one field
// is set per frame; the final frame of a healthy stream is the completion
// marker.
type frame struct {
	Record   *ledger.CreatedRecord `json:"record,omitempty"`
	Complete bool                  `json:"complete,omitempty"`
	Error    *errorEnvelope        `json:"error,omitempty"`
}

// ActiveContracts opens a push stream of the active contracts visible to the
// queried parties. The stream runs on the caller's context.
func (c *Client) ActiveContracts(ctx context.Context, q ledger.ActiveQuery) (ledger.RecordStream, error) {
	const op = "jsonapi.ActiveContracts"

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/contracts/active",
		activeQueryWire{Parties: q.Parties, Kind: q.Kind})
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportErr(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(op, resp)
	}

	return &recordStream{
		body: resp.Body,
		dec:  json.NewDecoder(resp.Body),
	}, nil
}

// recordStream decodes NDJSON frames until the completion marker. A body
// that ends without the marker was cut mid-flight and surfaces as a
// truncation fault, never as a clean EOF.
type recordStream struct {
	body     io.ReadCloser
	dec      *json.Decoder
	complete bool
	err      error
}

func (s *recordStream) Recv() (*ledger.CreatedRecord, error) {
	if s.complete {
		return nil, io.EOF
	}
	if s.err != nil {
		return nil, s.err
	}

	for {
		var f frame
		if err := s.dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				s.err = &fault.Error{Class: fault.Transient, Code: fault.CodeStreamTruncated,
					Op: "jsonapi.Recv", Msg: "stream ended before completion marker"}
			} else {
				s.err = &fault.Error{Class: fault.Transient, Code: fault.CodeStreamTruncated,
					Op: "jsonapi.Recv", Msg: "stream broke mid-flight", Err: err}
			}
			return nil, s.err
		}

		switch {
		case f.Error != nil:
			if f.Error.Code != "" {
				s.err = fault.Coded(f.Error.Code, "jsonapi.Recv", f.Error.Message)
			} else {
				s.err = &fault.Error{Class: fault.Transient, Code: fault.CodeStreamTruncated,
					Op: "jsonapi.Recv", Msg: f.Error.Message}
			}
			return nil, s.err
		case f.Complete:
			s.complete = true
			return nil, io.EOF
		case f.Record != nil:
			normalizeKind(f.Record)
			return f.Record, nil
		default:
			// Unknown frame shape, skip. Future gateways may add
			// heartbeat frames.
		}
	}
}

func (s *recordStream) Close() error {
	return s.body.Close()
}
