package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrUnknownOp is returned for a request whose op tag is not recognised.
var ErrUnknownOp = errors.New("protocol: unknown operation")

// Marshal encodes any protocol value.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal decodes any protocol value.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// DecodeRequest parses and validates a request payload.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := sonic.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if !req.Op.Valid() {
		return req, fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
	}
	return req, nil
}

// EncodeRequest serializes req into a frame payload.
func EncodeRequest(req Request) ([]byte, error) {
	return sonic.Marshal(req)
}

// EncodeResponse serializes resp into a frame payload.
func EncodeResponse(resp Response) ([]byte, error) {
	return sonic.Marshal(resp)
}

// DecodeResponse parses a response payload.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := sonic.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
