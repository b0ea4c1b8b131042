package vision

import (
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		raw     string
		semver  string
		wantErr bool
	}{
		{raw: "1.4.2", semver: "v1.4.2"},
		{raw: "v2.0.0", semver: "v2.0.0"},
		{raw: " 1.2 ", semver: "v1.2.0"},
		{raw: "1.0.0-beta.1", semver: "v1.0.0-beta.1"},
		{raw: "banana", wantErr: true},
		{raw: "1.2.3.4", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := ParseVersion(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseVersion(%q) = %v, want error", tt.raw, v)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.raw, err)
			}
			if v.Semver() != tt.semver {
				t.Errorf("Semver() = %q, want %q", v.Semver(), tt.semver)
			}
		})
	}
}

func TestParseVersionEmpty(t *testing.T) {
	if _, err := ParseVersion(""); !errors.Is(err, ErrNoVersion) {
		t.Fatalf("err = %v, want ErrNoVersion", err)
	}
}

func TestVersionAtLeast(t *testing.T) {
	v, err := ParseVersion("1.4.2")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		min  string
		want bool
	}{
		{"", true},
		{"1.4.2", true},
		{"1.4", true},
		{"v1.3.9", true},
		{"1.5.0", false},
		{"2", false},
		{"not-a-version", false},
	}
	for _, tt := range tests {
		if got := v.AtLeast(tt.min); got != tt.want {
			t.Errorf("AtLeast(%q) = %v, want %v", tt.min, got, tt.want)
		}
	}

	if (Version{}).AtLeast("1.0.0") {
		t.Error("zero Version satisfied a minimum")
	}
}
