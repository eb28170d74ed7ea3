package rpc

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func TestEncodeRequest_WrapsMethodAndParamsUnderDps101(t *testing.T) {
	payload, err := EncodeRequest(12345, "get_status", []any{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if !gjson.ValidBytes(payload) {
		t.Fatalf("expected valid json, got %s", payload)
	}
	if !gjson.GetBytes(payload, "t").Exists() {
		t.Fatal("expected a top-level unix timestamp field")
	}

	inner := gjson.GetBytes(payload, "dps.101")
	if !inner.Exists() {
		t.Fatalf("expected dps.101 to carry the inner envelope, got %s", payload)
	}

	var decoded struct {
		ID     int    `json:"id"`
		Method string `json:"method"`
		Params []any  `json:"params"`
	}
	if err := json.Unmarshal([]byte(inner.String()), &decoded); err != nil {
		t.Fatalf("decode inner envelope: %v", err)
	}
	if decoded.ID != 12345 || decoded.Method != "get_status" {
		t.Fatalf("unexpected inner envelope: %+v", decoded)
	}
}

func TestDecodeResponse_ReadsDps102AndChecksID(t *testing.T) {
	payload := []byte(`{"dps":{"102":"{\"id\":12345,\"result\":{\"state\":5}}"}}`)

	result, err := DecodeResponse(payload, 12345)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var decoded struct {
		State int `json:"state"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded.State != 5 {
		t.Fatalf("expected state 5, got %+v", decoded)
	}
}

func TestDecodeResponse_RejectsMismatchedID(t *testing.T) {
	payload := []byte(`{"dps":{"102":"{\"id\":1,\"result\":{}}"}}`)

	if _, err := DecodeResponse(payload, 2); err == nil {
		t.Fatal("expected an id mismatch to be rejected")
	}
}

func TestDecodeResponse_RejectsMissingEnvelope(t *testing.T) {
	payload := []byte(`{"dps":{"103":"{}"}}`)

	if _, err := DecodeResponse(payload, 1); err == nil {
		t.Fatal("expected a missing dps.102 envelope to be rejected")
	}
}

func TestEncodeThenDecode_RoundTripsGetStatus(t *testing.T) {
	id := NextRequestID()
	if id < 10000 || id > 999999 {
		t.Fatalf("expected id in [10000, 999999], got %d", id)
	}

	req, err := EncodeRequest(id, "get_status", []any{})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if !gjson.ValidBytes(req) {
		t.Fatalf("request is not valid json: %s", req)
	}

	inner := gjson.GetBytes(req, "dps.101").String()
	echoedID := gjson.Parse(inner).Get("id").Int()
	if echoedID != int64(id) {
		t.Fatalf("expected request envelope to carry id %d, got %d", id, echoedID)
	}

	resp, err := json.Marshal(map[string]any{
		"dps": map[string]string{"102": `{"id":` + gjson.Parse(inner).Get("id").Raw + `,"result":{"state":5}}`},
	})
	if err != nil {
		t.Fatalf("marshal fake response: %v", err)
	}

	result, err := DecodeResponse(resp, id)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(result) != `{"state":5}` {
		t.Fatalf("unexpected result: %s", result)
	}
}
