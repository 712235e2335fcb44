package utils

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		path          string
		allowAbsolute bool
		wantErr       bool
		errContains   string
	}{
		{name: "valid relative path", path: "data/cache.json"},
		{name: "absolute allowed", path: "/var/lib/cachekit", allowAbsolute: true},
		{name: "absolute rejected", path: "/var/lib/cachekit", wantErr: true, errContains: "absolute paths not allowed"},
		{name: "traversal", path: "../../etc/passwd", wantErr: true, errContains: "directory traversal"},
		{name: "traversal in middle", path: "data/../../etc", wantErr: true, errContains: "directory traversal"},
		{name: "dots inside a name", path: "data/v2..2/cache.json"},
		{name: "empty", path: "", wantErr: true, errContains: "cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path, tt.allowAbsolute)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q should contain %q", err.Error(), tt.errContains)
			}
		})
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	got, err := SecureJoin(base, "records", "ab12.gz")
	if err != nil {
		t.Fatalf("SecureJoin() error = %v", err)
	}
	if want := filepath.Join(base, "records", "ab12.gz"); got != want {
		t.Errorf("SecureJoin() = %q, want %q", got, want)
	}

	if _, err := SecureJoin(base, "..", "outside"); err == nil {
		t.Error("expected error when escaping base")
	}
	if _, err := SecureJoin("", "x"); err == nil {
		t.Error("expected error for empty base")
	}
}
