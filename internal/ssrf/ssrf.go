// Package ssrf validates candidate upstream URLs against the private and
// reserved address ranges the route table and proxy must never dial.
package ssrf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedCIDRs = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("ssrf: invalid cidr %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Check validates rawURL's scheme and host. It returns a non-nil error when
// the URL targets a private, loopback, or reserved address, or "localhost".
// hostResolver resolves a hostname to candidate IPs; pass net.LookupIP for
// runtime checks, or nil to skip DNS resolution (pure syntactic compile-time
// check against literal IPs and "localhost").
func Check(rawURL string, hostResolver func(string) ([]net.IP, error)) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("ssrf: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ssrf: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("ssrf: empty host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("ssrf: host %q is blocked", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	if hostResolver == nil {
		return nil
	}
	ips, err := hostResolver(host)
	if err != nil {
		return fmt.Errorf("ssrf: cannot resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsUnspecified() {
		return fmt.Errorf("ssrf: unspecified address %s is blocked", ip)
	}
	for _, n := range blockedCIDRs {
		if n.Contains(ip) {
			return fmt.Errorf("ssrf: address %s in blocked range %s", ip, n)
		}
	}
	return nil
}
