package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalise(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{
			name: "defaults",
			in:   PortOptions{},
			want: PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"},
		},
		{
			name: "explicit even parity",
			in:   PortOptions{BaudRate: 38400, DataBits: 7, StopBits: 2, Parity: "even"},
			want: PortOptions{BaudRate: 38400, DataBits: 7, StopBits: 2, Parity: "E"},
		},
		{
			name: "odd shorthand",
			in:   PortOptions{Parity: " o "},
			want: PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "O"},
		},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalise()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalise() expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalise() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalise() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPortOptions_String(t *testing.T) {
	if got := (PortOptions{}).String(); got != "9600-8N1" {
		t.Errorf("String() = %q, want 9600-8N1", got)
	}
	if got := (PortOptions{BaudRate: 57600, Parity: "E", StopBits: 2}).String(); got != "57600-8E2" {
		t.Errorf("String() = %q, want 57600-8E2", got)
	}
	if got := (PortOptions{DataBits: 12}).String(); got == "" || got[:7] != "invalid" {
		t.Errorf("String() = %q, want invalid(...)", got)
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 19200, StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error: %v", err)
	}
	if mode.BaudRate != 19200 || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v, want TwoStopBits", mode.StopBits)
	}
	if mode.Parity != serial.OddParity {
		t.Errorf("Parity = %v, want OddParity", mode.Parity)
	}

	if _, err := (PortOptions{Parity: "x"}).SerialMode(); err == nil {
		t.Error("SerialMode() expected error for invalid parity")
	}
}
