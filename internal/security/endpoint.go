package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateGatewayURL checks the payment gateway base URL before any
// credentials are sent to it. Outside development the URL must be https
// and must not point at loopback, private or link-local addresses.
func ValidateGatewayURL(rawURL string, allowInsecure bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid gateway URL")
	}
	if u.Host == "" {
		return fmt.Errorf("gateway URL must have a host")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return fmt.Errorf("gateway URL must use https")
		}
	default:
		return fmt.Errorf("gateway URL scheme must be http or https")
	}
	if allowInsecure {
		return nil
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("gateway host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve gateway host %s", host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("gateway host %q resolves to a blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsUnspecified():
		return fmt.Errorf("address %s is not routable to a payment gateway", ip)
	}
	return nil
}
