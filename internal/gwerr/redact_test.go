package gwerr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactMasksSensitiveSubstrings(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bearer token",
			in:   "upstream said: Bearer eyJhbGciOiJIUzI1NiJ9.secret expired",
			want: "upstream said: Bearer [REDACTED] expired",
		},
		{
			name: "authorization header",
			in:   `request failed: Authorization: Basic dXNlcjpwYXNz rejected`,
			want: "request failed: authorization: [REDACTED] rejected",
		},
		{
			name: "secret key value",
			in:   `config error: client_secret="shh-dont-tell" is invalid`,
			want: `config error: client_secret=[REDACTED]" is invalid`,
		},
		{
			name: "access token in json",
			in:   `{"access_token":"abc123","scope":"read"}`,
			want: `{"access_token=[REDACTED]","scope":"read"}`,
		},
		{
			name: "clean message untouched",
			in:   "dial tcp 127.0.0.1:9999: connection refused",
			want: "dial tcp 127.0.0.1:9999: connection refused",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Redact(tc.in))
		})
	}
}
