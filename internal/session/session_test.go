package session

import (
	"errors"
	"testing"
)

func TestNewCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code := NewCode()
		if !ValidCode(code) {
			t.Fatalf("NewCode() = %q, not a valid code", code)
		}
		if code[0] == '0' {
			t.Fatalf("NewCode() = %q, want 1000..9999", code)
		}
	}
}

func TestValidCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"1234", true},
		{"0000", true},
		{"123", false},
		{"12345", false},
		{"12a4", false},
		{"", false},
		{"١٢٣٤", false},
	}
	for _, tt := range tests {
		if got := ValidCode(tt.code); got != tt.want {
			t.Errorf("ValidCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestIdentity(t *testing.T) {
	if got := Identity("4821"); got != "jalebi-4821" {
		t.Errorf("Identity() = %s, want jalebi-4821", got)
	}
	s := Session{Code: "4821", Role: RoleSender}
	if s.Identity() != Identity("4821") {
		t.Errorf("Session.Identity() = %s", s.Identity())
	}
}

func TestShareURL(t *testing.T) {
	got, err := ShareURL("https://jalebi.example/", ShareInfo{Code: "4821", Filename: "a b.txt", Size: 2500000})
	if err != nil {
		t.Fatalf("ShareURL() error = %v", err)
	}
	want := "https://jalebi.example/receive/4821?filename=a+b.txt&size=2500000"
	if got != want {
		t.Errorf("ShareURL() = %s, want %s", got, want)
	}

	got, err = ShareURL("http://localhost:3000", ShareInfo{Code: "1000"})
	if err != nil {
		t.Fatalf("ShareURL() error = %v", err)
	}
	if got != "http://localhost:3000/receive/1000" {
		t.Errorf("ShareURL() = %s", got)
	}

	if _, err := ShareURL("http://x", ShareInfo{Code: "12"}); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("ShareURL(bad code) error = %v, want %v", err, ErrInvalidCode)
	}
}

func TestParseShareTarget(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		want    ShareInfo
		wantErr bool
	}{
		{name: "bare code", target: " 4821 ", want: ShareInfo{Code: "4821"}},
		{
			name:   "share url",
			target: "https://jalebi.example/receive/4821?filename=a+b.txt&size=2500000",
			want:   ShareInfo{Code: "4821", Filename: "a b.txt", Size: 2500000},
		},
		{name: "trailing slash", target: "http://localhost:3000/receive/1000/", want: ShareInfo{Code: "1000"}},
		{name: "bad size ignored", target: "http://h/receive/1000?size=abc", want: ShareInfo{Code: "1000"}},
		{name: "not receive path", target: "http://h/share/1000", wantErr: true},
		{name: "bad code in url", target: "http://h/receive/10", wantErr: true},
		{name: "garbage", target: "hello", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShareTarget(tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseShareTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseShareTarget() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
