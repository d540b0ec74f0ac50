// Package protocol implements the full-duplex session wire protocol: a
// framed request/response multiplexer running over a WebSocket transport,
// gated by a mutual-authentication handshake that proves each side
// actually controls the service endpoint it claims.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tos-network/attest/envelope"
)

// ResponseCode discriminates AttestRequest/AttestResponse variants so a
// received response can be checked against what was asked for.
type ResponseCode int

const (
	CodeLatestTips ResponseCode = iota
	CodeSpecificTips
	CodePost
)

// LatestTips asks for the newest envelope of every chain the peer knows.
type LatestTips struct{}

// SpecificTips asks for the envelopes behind a specific set of hashes.
type SpecificTips struct {
	Tips []envelope.Hash `json:"tips"`
}

// Post submits envelopes for the peer to authenticate and insert.
type Post struct {
	Envelopes []envelope.Envelope `json:"envelopes"`
}

// AttestRequest is the tagged union of request kinds. Exactly one of the
// three fields is non-nil; ResponseCodeOf reports which.
type AttestRequest struct {
	LatestTips   *LatestTips   `json:"LatestTips,omitempty"`
	SpecificTips *SpecificTips `json:"SpecificTips,omitempty"`
	Post         *Post         `json:"Post,omitempty"`
}

// ResponseCodeOf reports which variant is populated.
func (r AttestRequest) ResponseCodeOf() (ResponseCode, error) {
	switch {
	case r.LatestTips != nil:
		return CodeLatestTips, nil
	case r.SpecificTips != nil:
		return CodeSpecificTips, nil
	case r.Post != nil:
		return CodePost, nil
	default:
		return 0, fmt.Errorf("protocol: empty AttestRequest")
	}
}

// Outcome reports whether one posted envelope was accepted.
type Outcome struct {
	Success bool `json:"success"`
}

// LatestTipsResponse answers LatestTips.
type LatestTipsResponse struct {
	Tips []envelope.Envelope `json:"tips"`
}

// SpecificTipsResponse answers SpecificTips.
type SpecificTipsResponse struct {
	Tips []envelope.Envelope `json:"tips"`
}

// PostResponse answers Post, one Outcome per submitted envelope in order.
type PostResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// AttestResponse is the tagged union of response kinds.
type AttestResponse struct {
	LatestTips   *LatestTipsResponse   `json:"LatestTips,omitempty"`
	SpecificTips *SpecificTipsResponse `json:"SpecificTips,omitempty"`
	Post         *PostResponse         `json:"Post,omitempty"`
}

// ResponseCodeOf reports which variant is populated.
func (r AttestResponse) ResponseCodeOf() (ResponseCode, error) {
	switch {
	case r.LatestTips != nil:
		return CodeLatestTips, nil
	case r.SpecificTips != nil:
		return CodeSpecificTips, nil
	case r.Post != nil:
		return CodePost, nil
	default:
		return 0, fmt.Errorf("protocol: empty AttestResponse")
	}
}

// AttestSocketProtocol is the wire envelope: every frame is either a
// Request or a Response tagged with its multiplexing sequence number.
type AttestSocketProtocol struct {
	Kind     string          `json:"kind"`
	Seq      uint64          `json:"seq"`
	Request  *AttestRequest  `json:"request,omitempty"`
	Response *AttestResponse `json:"response,omitempty"`
}

func encodeRequest(seq uint64, req AttestRequest) ([]byte, error) {
	return json.Marshal(AttestSocketProtocol{Kind: "request", Seq: seq, Request: &req})
}

func encodeResponse(seq uint64, resp AttestResponse) ([]byte, error) {
	return json.Marshal(AttestSocketProtocol{Kind: "response", Seq: seq, Response: &resp})
}

func decodeFrame(data []byte) (AttestSocketProtocol, error) {
	var frame AttestSocketProtocol
	if err := json.Unmarshal(data, &frame); err != nil {
		return AttestSocketProtocol{}, err
	}
	return frame, nil
}
