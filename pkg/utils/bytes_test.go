package utils

import "testing"

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512B", 512, false},
		{"64K", 64 * 1024, false},
		{"4MiB", 4 * 1024 * 1024, false},
		{"10 GB", 10 * 1024 * 1024 * 1024, false},
		{"1.5g", 1536 * 1024 * 1024, false},
		{"2TiB", 2 * 1024 * 1024 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"10XB", 0, true},
		{"-5M", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseBytes(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536 * 1024 * 1024, "1.5 GiB"},
		{10 * 1024 * 1024 * 1024, "10.0 GiB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
