package server

import (
	"testing"

	"alan3344/go-minicap-relay/internal/geometry"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
		ok   bool
	}{
		{"on", Command{Kind: CommandOn}, true},
		{"off", Command{Kind: CommandOff}, true},
		{"size 540x960", Command{Kind: CommandSize, Size: geometry.Size{Width: 540, Height: 960}}, true},
		{"size 1x1", Command{Kind: CommandSize, Size: geometry.Size{Width: 1, Height: 1}}, true},
		{"On", Command{}, false},
		{"on ", Command{}, false},
		{" off", Command{}, false},
		{"size", Command{}, false},
		{"size 540x", Command{}, false},
		{"size  540x960", Command{}, false},
		{"size 540x960 ", Command{}, false},
		{"size 540X960", Command{}, false},
		{"size +540x960", Command{}, false},
		{"size 0x960", Command{}, false},
		{"size 99999999999x1", Command{}, false},
		{"resize 540x960", Command{}, false},
		{"", Command{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseCommand(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
