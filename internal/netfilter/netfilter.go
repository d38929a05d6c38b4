// Package netfilter classifies hostnames and URLs as safe or blocked,
// the broker's SSRF protection layer sitting in front of any
// upstream-initiated outbound connection.
package netfilter

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Reason categorizes why a host was blocked.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonLocalhost       Reason = "localhost"
	ReasonPrivateNetwork  Reason = "private-network"
	ReasonCloudMetadata   Reason = "cloud-metadata"
	ReasonOther           Reason = "other"
	ReasonInvalidURLFormat Reason = "invalid-url-format"
)

// Verdict is the result of classifying a host or URL.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

var metadataHostnames = map[string]bool{
	"metadata.google.internal":   true,
	"instance-data.ec2.internal": true,
}

var metadataIPs = map[string]bool{
	"169.254.169.254": true,
	"169.254.169.253": true,
	"fd00:ec2::254":   true,
}

var deprecatedTunnelBlocks = mustParseCIDRs(
	"2002::/16",
	"2001:db8::/32",
	"2001::/32",
	"64:ff9b::/96",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("netfilter: invalid CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Classify decides whether host (a bare hostname or IP literal, no
// scheme or port) is safe to dial.
func Classify(host string) Verdict {
	host = strings.TrimSpace(host)
	if host == "" {
		return Verdict{Allowed: false, Reason: ReasonInvalidURLFormat, Detail: "empty host"}
	}

	lower := strings.ToLower(host)
	if metadataHostnames[lower] {
		return Verdict{Allowed: false, Reason: ReasonCloudMetadata, Detail: "contains cloud metadata endpoint"}
	}

	ip := parseIPLiteral(host)
	if ip == nil {
		// Not an IP literal: decide by hostname alone. Anything else is
		// assumed to resolve to a public address; DNS resolution and
		// re-checking the resolved IP is the caller's responsibility
		// once it has a connection target.
		if lower == "localhost" {
			return Verdict{Allowed: false, Reason: ReasonLocalhost, Detail: "localhost"}
		}
		return Verdict{Allowed: true}
	}

	return classifyIP(ip)
}

func classifyIP(ip net.IP) Verdict {
	// net.IP.To4 already folds an IPv4-mapped IPv6 address (::ffff:a.b.c.d)
	// down to its embedded IPv4 form; normalize eagerly so every check
	// below sees the real target address, per the IPv4-mapped-IPv6 rule.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	if metadataIPs[ip.String()] {
		return Verdict{Allowed: false, Reason: ReasonCloudMetadata, Detail: "contains cloud metadata endpoint"}
	}

	if ip.IsLoopback() {
		return Verdict{Allowed: false, Reason: ReasonLocalhost, Detail: "loopback address"}
	}

	if ip.Equal(net.IPv4zero) || ip.Equal(net.IPv4(0, 0, 0, 0)) {
		return Verdict{Allowed: false, Reason: ReasonLocalhost, Detail: "unspecified address"}
	}

	if ip.IsPrivate() {
		return Verdict{Allowed: false, Reason: ReasonPrivateNetwork, Detail: "private network range"}
	}

	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return Verdict{Allowed: false, Reason: ReasonPrivateNetwork, Detail: "link-local address"}
	}

	if ip.IsMulticast() {
		return Verdict{Allowed: false, Reason: ReasonOther, Detail: "multicast address"}
	}

	// IPv6 unique local addresses (fc00::/7) aren't covered by IsPrivate
	// on all Go versions for the fd00::/8 half; check explicitly.
	if ula.Contains(ip) {
		return Verdict{Allowed: false, Reason: ReasonPrivateNetwork, Detail: "unique local address"}
	}

	for _, n := range deprecatedTunnelBlocks {
		if n.Contains(ip) {
			return Verdict{Allowed: false, Reason: ReasonOther, Detail: "deprecated or tunneling address range"}
		}
	}

	return Verdict{Allowed: true}
}

var ula = mustParseCIDRs("fc00::/7")[0]

// parseIPLiteral parses host as an IP address, additionally accepting
// the alternative IPv4 encodings attackers use to slip past naive
// string-based filters: a plain 32-bit decimal integer, dotted-octal
// (leading zero) and dotted-hex (0x) octets, and encodings that mix
// the two.
func parseIPLiteral(host string) net.IP {
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return parseAlternativeIPv4(host)
}

func parseAlternativeIPv4(host string) net.IP {
	if !strings.Contains(host, ".") {
		return parseDecimalIPv4(host)
	}

	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return nil
	}
	octets := make([]byte, 4)
	for i, p := range parts {
		v, err := parseFlexibleInt(p)
		if err != nil || v < 0 || v > 255 {
			return nil
		}
		octets[i] = byte(v)
	}
	return net.IPv4(octets[0], octets[1], octets[2], octets[3])
}

func parseDecimalIPv4(host string) net.IP {
	v, err := parseFlexibleInt(host)
	if err != nil || v < 0 || v > 0xFFFFFFFF {
		return nil
	}
	u := uint32(v)
	return net.IPv4(byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

// parseFlexibleInt accepts decimal, "0x"-prefixed hex, and leading-zero
// octal representations of a non-negative integer.
func parseFlexibleInt(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty component")
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		return strconv.ParseInt(lower[2:], 16, 64)
	case len(s) > 1 && s[0] == '0':
		return strconv.ParseInt(s, 8, 64)
	default:
		return strconv.ParseInt(s, 10, 64)
	}
}

// ClassifyURL parses rawURL, extracts its hostname, and classifies it.
// A malformed URL or one without a host fails with ReasonInvalidURLFormat.
func ClassifyURL(rawURL string) Verdict {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Verdict{Allowed: false, Reason: ReasonInvalidURLFormat, Detail: err.Error()}
	}
	if u.Hostname() == "" {
		return Verdict{Allowed: false, Reason: ReasonInvalidURLFormat, Detail: "missing host"}
	}
	return Classify(u.Hostname())
}
