package utils

import (
	"path/filepath"
	"testing"
)

func TestSecureJoin(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "var", "cache")

	tests := []struct {
		name     string
		base     string
		elements []string
		want     string
		wantErr  bool
	}{
		{"nested block file", base, []string{"blocks", "ab", "abcd-0.blk"}, filepath.Join(base, "blocks", "ab", "abcd-0.blk"), false},
		{"base itself", base, nil, base, false},
		{"inner dotdot stays inside", base, []string{"blocks", "..", "index.cbor"}, filepath.Join(base, "index.cbor"), false},
		{"escape", base, []string{"..", "etc", "passwd"}, "", true},
		{"deep escape", base, []string{"blocks", "..", "..", "..", "tmp"}, "", true},
		{"empty base", "", []string{"x"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(tt.base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SecureJoin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SecureJoin() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsWithin(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "tmp", "fuser")

	if !IsWithin(base, base) {
		t.Error("base should be within itself")
	}
	if !IsWithin(base, filepath.Join(base, "blocks", "x.blk")) {
		t.Error("child should be within base")
	}
	if IsWithin(base, filepath.Join(base, "..", "other")) {
		t.Error("sibling should not be within base")
	}
	if IsWithin(base, base+"2") {
		t.Error("prefix sibling should not be within base")
	}
}
