package obd

import (
	"testing"

	"github.com/automotive-pi/canbridge/internal/canbus"
)

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		param   Parameter
		payload []byte
		want    float64
	}{
		{"coolant 90C", EngineTemp, []byte{0x82}, 90.0},
		{"rpm 1726", RPM, []byte{0x1A, 0xF8}, 1726.0},
		{"rpm 1724", RPM, []byte{0x1A, 0xF0}, 1724.0},
		{"speed 50", Speed, []byte{0x32}, 50.0},
		{"load full", EngineLoad, []byte{0xFF}, 100.0},
		{"load zero", EngineLoad, []byte{0x00}, 0.0},
		{"throttle half", Throttle, []byte{0x80}, 128.0 * 100.0 / 255.0},
		{"fuel quarter", FuelLevel, []byte{0x40}, 64.0 * 100.0 / 255.0},
		{"gear 3", Gear, []byte{0x03}, 3.0},
		{"odometer 24bit", Odometer, []byte{0x01, 0x00, 0x10}, 65552.0},
		{"pedal full", AcceleratorPedal, []byte{0xFF}, 100.0},
	}

	for _, tt := range tests {
		got, err := DecodeResponse(tt.param, tt.payload)
		if err != nil {
			t.Fatalf("%s: DecodeResponse returned error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}

func TestDecodeResponseShortPayload(t *testing.T) {
	tests := []struct {
		param   Parameter
		payload []byte
	}{
		{RPM, []byte{0x1A}},
		{Odometer, []byte{0x01, 0x00}},
		{Speed, nil},
	}
	for _, tt := range tests {
		if _, err := DecodeResponse(tt.param, tt.payload); err == nil {
			t.Fatalf("PID 0x%02X: expected error for %d payload bytes", byte(tt.param), len(tt.payload))
		}
	}
}

func TestDecodeResponseUnknownPID(t *testing.T) {
	if _, err := DecodeResponse(Parameter(0xEE), []byte{1, 2, 3, 4}); err == nil {
		t.Fatalf("expected error for unknown PID")
	}
}

func TestEncodeRequest(t *testing.T) {
	var f canbus.Frame = EncodeRequest(RPM)
	if f.ID != FunctionalID {
		t.Fatalf("unexpected request ID %03x", f.ID)
	}
	if f.Length != 8 {
		t.Fatalf("expected DLC 8, got %d", f.Length)
	}
	want := [8]byte{0x02, 0x01, 0x0C, 0, 0, 0, 0, 0}
	if f.Data != want {
		t.Fatalf("unexpected payload % X", f.Data)
	}
	if f.Extended || f.Remote || f.Error {
		t.Fatalf("request frame must be a plain standard frame")
	}
}

func TestIsResponseID(t *testing.T) {
	for id := ResponseBase; id < ResponseBase+ResponseWindow; id++ {
		if !IsResponseID(id) {
			t.Fatalf("0x%03X should be in the response window", id)
		}
	}
	for _, id := range []uint32{0x7E7, 0x7F0, FunctionalID, 0x123} {
		if IsResponseID(id) {
			t.Fatalf("0x%03X should not be in the response window", id)
		}
	}
}

func TestLookupAndNames(t *testing.T) {
	p, ok := Lookup(0x0C)
	if !ok || p != RPM {
		t.Fatalf("Lookup(0x0C) = %v, %v", p, ok)
	}
	if p.Name() != "rpm" {
		t.Fatalf("unexpected name %q", p.Name())
	}
	if _, ok := Lookup(0xEE); ok {
		t.Fatalf("Lookup(0xEE) should fail")
	}
}

func TestDefaults(t *testing.T) {
	if got := EngineTemp.Default(); got != 20.0 {
		t.Fatalf("engineTemp default = %v, want ambient 20.0", got)
	}
	if got := FuelLevel.Default(); got != 50.0 {
		t.Fatalf("fuelLevel default = %v, want mid-scale 50.0", got)
	}
	if got := RPM.Default(); got != 0.0 {
		t.Fatalf("rpm default = %v, want 0.0", got)
	}
}

func TestParametersSorted(t *testing.T) {
	params := Parameters()
	if len(params) != 9 {
		t.Fatalf("expected 9 parameters, got %d", len(params))
	}
	for i := 1; i < len(params); i++ {
		if params[i-1] >= params[i] {
			t.Fatalf("parameters not sorted: %v", params)
		}
	}
}
