package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var (
	hexPattern    = regexp.MustCompile(`0x[0-9a-fA-F]{40,}`)
	secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key|proof)=([^\s&"',}]+)`)
)

// RedactHandle shortens a 0x-prefixed handle or address for logs.
func RedactHandle(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "..." + h[len(h)-4:]
}
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
// RedactLogLine hides long hex values (identifiers, proofs) and key=value secrets.
func RedactLogLine(line string) string {
	line = hexPattern.ReplaceAllStringFunc(line, RedactHandle)
	return secretPattern.ReplaceAllString(line, "$1=[REDACTED]")
}
