package urlguard

import (
	"fmt"
	"io"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

// Ports at or above this value are always accepted when a port list is configured.
const unprivilegedPortFloor = 1024

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
	"ftp":   21,
	"ssh":   22,
	"git":   9418,
}

// EffectivePort returns the explicit port of u or the default port of its scheme.
// It returns 0 when neither is known.
func EffectivePort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		return n
	}
	return defaultPorts[u.Scheme]
}

func errInvalidURI() error {
	return domain.BlockedURL("URI is invalid")
}

// parseTarget parses raw, rejecting embedded line breaks and out of range ports.
func parseTarget(raw string) (*url.URL, error) {
	if strings.ContainsAny(raw, "\r\n") {
		return nil, errInvalidURI()
	}

	u, err := url.Parse(escapeUserinfo(raw))
	if err != nil {
		return nil, errInvalidURI()
	}
	if multilineBlocked(raw, u.Scheme) {
		return nil, errInvalidURI()
	}
	if !validPort(u) {
		return nil, errInvalidURI()
	}
	return u, nil
}

// validPort reports whether the explicit port of u, if any, is a TCP port number.
func validPort(u *url.URL) bool {
	p := u.Port()
	if p == "" {
		return true
	}
	n, err := strconv.Atoi(p)
	return err == nil && n <= 65535
}

// multilineBlocked reports whether text carries a line break. For schemes other
// than http and https, percent-encoded line breaks are rejected as well since
// those URLs are commonly handed to tools that decode them.
func multilineBlocked(text, scheme string) bool {
	if strings.ContainsAny(text, "\r\n") {
		return true
	}
	if scheme == "http" || scheme == "https" {
		return false
	}
	decoded, err := url.QueryUnescape(text)
	if err != nil {
		return false
	}
	return strings.ContainsAny(decoded, "\r\n")
}

// escapeUserinfo percent-encodes non-ASCII bytes of the userinfo section so the
// URL parser accepts it; the decoded username is still checked afterwards.
func escapeUserinfo(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	rest := raw[i+3:]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	at := strings.LastIndex(rest[:end], "@")
	if at < 0 {
		return raw
	}

	user := rest[:at]
	var b strings.Builder
	for j := 0; j < len(user); j++ {
		if c := user[j]; c >= utf8.RuneSelf {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return raw[:i+3] + b.String() + rest[at:]
}

// validateURI applies the syntactic rules. internal URIs skip everything after
// the sanitization check.
func validateURI(u *url.URL, text string, opts PolicyOptions, internal bool) error {
	if opts.EnforceSanitization && containsMarkup(text) {
		return domain.BlockedURL("HTML/CSS/JS tags are not allowed")
	}

	if internal {
		return nil
	}

	if !slices.Contains(opts.Schemes, u.Scheme) {
		return domain.BlockedURLf("Only allowed schemes are %s", strings.Join(opts.Schemes, ", "))
	}

	if len(opts.Ports) > 0 {
		port := EffectivePort(u)
		if port < unprivilegedPortFloor && !slices.Contains(opts.Ports, port) {
			return domain.BlockedURLf("Only allowed ports are %s, and any over %d", joinInts(opts.Ports), unprivilegedPortFloor)
		}
	}

	if opts.EnforceUser && u.User != nil {
		if name := u.User.Username(); name != "" && !startsAlnum(name) {
			return domain.BlockedURL("Username needs to start with an alphanumeric character")
		}
	}

	if host := u.Hostname(); host != "" {
		if _, ok := parseIPLiteral(host); !ok && !startsAlnum(host) {
			return domain.BlockedURL("Hostname or IP address invalid")
		}
	}

	if opts.ASCIIOnly && !asciiOnly(u, text) {
		return domain.BlockedURLf("URI must be ascii only %q", text)
	}

	return nil
}

// containsMarkup reports whether the decoded text contains anything the HTML
// tokenizer treats as a tag, comment or doctype.
func containsMarkup(text string) bool {
	if decoded, err := url.QueryUnescape(text); err == nil {
		text = decoded
	}

	z := html.NewTokenizer(strings.NewReader(text))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return z.Err() != io.EOF
		case html.TextToken:
			continue
		default:
			return true
		}
	}
}

func asciiOnly(u *url.URL, text string) bool {
	parts := []string{text, u.Hostname(), u.Path, u.Fragment}
	if u.User != nil {
		parts = append(parts, u.User.Username())
	}
	if q, err := url.QueryUnescape(u.RawQuery); err == nil {
		parts = append(parts, q)
	}
	for _, p := range parts {
		for i := 0; i < len(p); i++ {
			if p[i] >= utf8.RuneSelf {
				return false
			}
		}
	}
	return true
}

func startsAlnum(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func joinInts(vals []int) string {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ", ")
}
