package ssrf

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_BlocksPrivateLiterals(t *testing.T) {
	blocked := []string{
		"http://localhost:8080/",
		"http://0.0.0.0/",
		"http://127.0.0.1/",
		"http://10.1.2.3/",
		"http://172.16.5.5/",
		"http://192.168.1.1/",
		"http://169.254.1.1/",
		"http://[::1]/",
		"http://[fc00::1]/",
		"http://[fe80::1]/",
	}
	for _, u := range blocked {
		assert.Error(t, Check(u, nil), "expected %s to be blocked", u)
	}
}

func TestCheck_AllowsPublicLiteral(t *testing.T) {
	assert.NoError(t, Check("https://93.184.216.34/", nil))
}

func TestCheck_UnsupportedScheme(t *testing.T) {
	assert.Error(t, Check("ftp://example.com/", nil))
}

func TestCheck_ResolvesAndBlocksPrivateDNS(t *testing.T) {
	resolver := func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("127.0.0.1")}, nil
	}
	assert.Error(t, Check("http://internal.example.com/", resolver))
}

func TestCheck_ResolvesAndAllowsPublicDNS(t *testing.T) {
	resolver := func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	assert.NoError(t, Check("http://example.com/", resolver))
}
