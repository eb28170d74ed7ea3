// Package homedata decodes the cloud account's raw home/device JSON into
// typed structs. The web account API that produces this JSON is out of
// scope; only the shape DeviceManager consumes is implemented here.
package homedata

import (
	"github.com/mitchellh/mapstructure"

	"github.com/roborock-go/rrcore/internal/errs"
)

// Family tags the transport family a device belongs to, selecting which
// composite channel DeviceManager builds for it.
type Family string

const (
	FamilyV1  Family = "v1"
	FamilyB01 Family = "b01"
)

// Device is one entry of a home's device list.
type Device struct {
	DUID     string `mapstructure:"duid"`
	Name     string `mapstructure:"name"`
	LocalKey string `mapstructure:"local_key"`
	Family   Family `mapstructure:"pv"`
	Online   bool   `mapstructure:"online"`
	LocalIP  string `mapstructure:"ip"`
}

// Home is one account home, with its member devices.
type Home struct {
	ID      int      `mapstructure:"id"`
	Name    string   `mapstructure:"name"`
	Devices []Device `mapstructure:"devices"`
}

// Decode converts a raw, already-json.Unmarshal'd home payload (a
// map[string]any as produced by encoding/json into interface{}) into a
// typed Home. Unknown fields are ignored; missing ones stay zero-valued.
func Decode(raw map[string]any) (Home, error) {
	var h Home
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &h,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Home{}, errs.Wrap(errs.KindFatal, "build home data decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return Home{}, errs.Wrap(errs.KindProtocolError, "decode home data", err)
	}
	return h, nil
}

// DecodeDevices decodes a bare device list (e.g. a "devices" array returned
// independently of a home envelope).
func DecodeDevices(raw []map[string]any) ([]Device, error) {
	var devices []Device
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &devices,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "build device list decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errs.Wrap(errs.KindProtocolError, "decode device list", err)
	}
	return devices, nil
}
