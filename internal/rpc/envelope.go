package rpc

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roborock-go/rrcore/internal/errs"
	"github.com/roborock-go/rrcore/internal/wire"
)

// request is the stringified payload carried inside a dps/101 envelope,
// matching what the reference local client builds for both the plain and
// L01 wire versions.
type request struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// response is the stringified payload carried inside a dps/102 envelope.
type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
}

// NextRequestID returns a request id in the 10000..999999 range the
// reference client draws its ids from.
func NextRequestID() int {
	return 10000 + rand.Intn(999999-10000+1)
}

// EncodeRequest builds the double-encoded dps/101 envelope a command frame
// carries: the inner {id,method,params} object stringified and nested
// under the outer {"dps":{"101":...},"t":...} object.
func EncodeRequest(id int, method string, params any) ([]byte, error) {
	inner, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocolError, "encode rpc request", err)
	}
	outer := map[string]any{
		"dps": map[string]string{"101": string(inner)},
		"t":   time.Now().Unix(),
	}
	payload, err := json.Marshal(outer)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocolError, "encode rpc envelope", err)
	}
	return payload, nil
}

// DecodeResponse extracts the dps/102 envelope's stringified {id,result}
// object and confirms its id matches the request that's being answered.
func DecodeResponse(payload []byte, wantID int) (json.RawMessage, error) {
	if !gjson.ValidBytes(payload) {
		return nil, errs.New(errs.KindProtocolError, "rpc response payload is not valid json")
	}
	inner := gjson.GetBytes(payload, "dps.102")
	if !inner.Exists() {
		return nil, errs.New(errs.KindProtocolError, "rpc response missing dps/102 envelope")
	}
	var resp response
	if err := json.Unmarshal([]byte(inner.String()), &resp); err != nil {
		return nil, errs.Wrap(errs.KindProtocolError, "decode rpc response envelope", err)
	}
	if resp.ID != wantID {
		return nil, errs.New(errs.KindProtocolError, "rpc response id mismatch")
	}
	return resp.Result, nil
}

// SendRPC wraps method/params in the dps/101 request envelope, sends it as
// an RPC-request frame, and unwraps the matching dps/102 response envelope.
func (r *RpcChannel) SendRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := NextRequestID()
	payload, err := EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	f := wire.Frame{
		Protocol:  wire.ProtocolRPCRequest,
		Timestamp: uint32(time.Now().Unix()),
		Payload:   payload,
	}
	resp, err := r.Send(ctx, f, wire.ProtocolRPCResponse)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(resp.Payload, id)
}
