package main

import "testing"

func TestNextSeq(t *testing.T) {
	tests := []struct {
		round int
		want  uint16
	}{
		{0, 0},
		{1, 1},
		{65534, 65534},
		{65535, 65535},
		{65536, 0},
		{65537, 1},
	}
	for _, tt := range tests {
		if got := nextSeq(tt.round); got != tt.want {
			t.Errorf("nextSeq(%d) = %d, want %d", tt.round, got, tt.want)
		}
	}
}
