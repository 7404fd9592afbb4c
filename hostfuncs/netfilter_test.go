package hostfuncs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAddress(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		host    string
		opts    []NetfilterOption
		allowed bool
	}{
		{host: "93.184.216.34", allowed: true},
		{host: "2606:2800:220:1:248:1893:25c8:1946", allowed: true},
		{host: "127.0.0.1"},
		{host: "::1"},
		{host: "10.1.2.3"},
		{host: "192.168.0.10"},
		{host: "169.254.169.254"},
		{host: "100.64.0.1"},
		{host: "0.0.0.0"},
		{host: "224.0.0.1"},
		{host: "::ffff:127.0.0.1"},
		{host: "127.0.0.1", opts: []NetfilterOption{WithBlockLocalhost(false)}, allowed: true},
		{host: "10.1.2.3", opts: []NetfilterOption{WithBlockPrivate(false)}, allowed: true},
		{host: "0.0.0.0", opts: []NetfilterOption{WithBlockPrivate(false), WithBlockLocalhost(false)}},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			res := ValidateAddress(ctx, tt.host, tt.opts...)
			assert.Equal(t, tt.allowed, res.Allowed, res.Reason)
			if tt.allowed {
				assert.NotEmpty(t, res.ResolvedIP)
			} else {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestSafeDialer_RefusesPrivateTarget(t *testing.T) {
	d := NewSafeDialer()
	_, err := d.DialContext(context.Background(), "tcp", "10.0.0.1:80")
	assert.ErrorContains(t, err, "SSRF protection")
}
