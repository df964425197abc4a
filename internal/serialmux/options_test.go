package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalise_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalise()
	if err != nil {
		t.Fatalf("Normalise() error = %v", err)
	}
	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalise() = %+v, want %+v", got, want)
	}
	if s := (PortOptions{}).String(); s != "115200 8N1" {
		t.Errorf("String() = %q, want %q", s, "115200 8N1")
	}
}

func TestPortOptions_Normalise_Invalid(t *testing.T) {
	tests := []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	}
	for _, opts := range tests {
		if _, err := opts.Normalise(); err == nil {
			t.Errorf("Normalise(%+v) expected error", opts)
		}
		if _, err := opts.SerialMode(); err == nil {
			t.Errorf("SerialMode(%+v) expected error", opts)
		}
	}
}

func TestPortOptions_Equal(t *testing.T) {
	a := PortOptions{Parity: "none"}
	b := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if !a.Equal(b) {
		t.Errorf("expected %+v to equal %+v", a, b)
	}
	if a.Equal(PortOptions{BaudRate: 9600}) {
		t.Error("different baud rates should not be equal")
	}
	if (PortOptions{DataBits: 9}).Equal(PortOptions{DataBits: 9}) {
		t.Error("invalid options are never equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	tests := []struct {
		opts     PortOptions
		parity   serial.Parity
		stopBits serial.StopBits
	}{
		{PortOptions{}, serial.NoParity, serial.OneStopBit},
		{PortOptions{Parity: "even", StopBits: 2}, serial.EvenParity, serial.TwoStopBits},
		{PortOptions{Parity: "O"}, serial.OddParity, serial.OneStopBit},
	}
	for _, tt := range tests {
		mode, err := tt.opts.SerialMode()
		if err != nil {
			t.Fatalf("SerialMode(%+v) error = %v", tt.opts, err)
		}
		if mode.BaudRate != 115200 || mode.DataBits != 8 {
			t.Errorf("SerialMode(%+v) = %+v", tt.opts, mode)
		}
		if mode.Parity != tt.parity {
			t.Errorf("parity = %v, want %v", mode.Parity, tt.parity)
		}
		if mode.StopBits != tt.stopBits {
			t.Errorf("stop bits = %v, want %v", mode.StopBits, tt.stopBits)
		}
	}
}
