package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCheckHeader(t *testing.T) {
	testlog.Start(t)
	v := StaticToken{Token: "s3cret"}
	tests := []struct {
		header string
		ok     bool
	}{
		{"Bearer s3cret", true},
		{"bearer  s3cret ", true},
		{"Basic s3cret", false},
		{"Bearer", false},
		{"Bearer wrong", false},
		{"", false},
	}
	for _, tc := range tests {
		err := CheckHeader(v, tc.header)
		if (err == nil) != tc.ok {
			t.Fatalf("header %q: err=%v want ok=%v", tc.header, err, tc.ok)
		}
	}
}
