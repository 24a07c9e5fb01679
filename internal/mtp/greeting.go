package mtp

import (
	"fmt"
	"regexp"
	"strings"
)

// SupportedVersions lists the MTP protocol versions this relay speaks.
var SupportedVersions = []string{"0.3"}

// greetingRe matches the greeting line's comma-separated version list.
var greetingRe = regexp.MustCompile(`^MTP ([^\s\r\n]+)\r\n`)

// ParseGreeting extracts the comma-separated version list from a raw
// greeting line. The line must include the trailing CRLF.
func ParseGreeting(line string) ([]string, error) {
	m := greetingRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("mtp: malformed greeting %q", line)
	}
	return strings.Split(m[1], ","), nil
}

// NegotiateVersion returns the first of SupportedVersions present in the
// peer's offered version list, or an error if there is no overlap.
func NegotiateVersion(offered []string) (string, error) {
	for _, supported := range SupportedVersions {
		for _, o := range offered {
			if o == supported {
				return supported, nil
			}
		}
	}
	return "", fmt.Errorf("mtp: no common protocol version (offered %v, support %v)", offered, SupportedVersions)
}

// EncodeGreeting renders the greeting line this relay sends, either as
// the server's chosen single version or the client's offered list.
func EncodeGreeting(versions ...string) string {
	return "MTP " + strings.Join(versions, ",") + "\r\n"
}
