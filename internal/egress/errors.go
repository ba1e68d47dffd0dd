package egress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

// ErrAsyncIncompatible is returned when Async is combined with streaming or silent mode.
var ErrAsyncIncompatible = errors.New("`async` cannot be used with `stream_body` or `silent_mode_enabled`")

// normalizeError maps a failure to the gateway error taxonomy. Errors that are
// already classified keep their kind; a budget violation recorded on the
// connection wins over the symptom the HTTP stack reported. Unknown errors are
// returned wrapped but unclassified.
func normalizeError(err, recorded error) error {
	if err == nil {
		return nil
	}

	var gerr *domain.Error
	if errors.As(err, &gerr) {
		return gerr
	}
	if recorded != nil {
		return recorded
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("egress: %w", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.WrapError(domain.KindDNSFailure, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		if opErr.Op == "dial" {
			return domain.WrapError(domain.KindOpenTimeout, err)
		}
		if opErr.Op == "write" {
			return domain.WrapError(domain.KindWriteTimeout, err)
		}
		return domain.WrapError(domain.KindReadTimeout, err)
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return domain.WrapError(domain.KindConnectionReset, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return domain.WrapError(domain.KindConnectionRefused, err)
	case errors.Is(err, syscall.EHOSTUNREACH):
		return domain.WrapError(domain.KindHostUnreachable, err)
	case errors.Is(err, syscall.ENETUNREACH):
		return domain.WrapError(domain.KindNetworkUnreachable, err)
	case isTLSError(err):
		return domain.WrapError(domain.KindTLSFailure, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return domain.WrapError(domain.KindEOF, err)
	case strings.Contains(err.Error(), "malformed HTTP"):
		return domain.WrapError(domain.KindBadResponse, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.WrapError(domain.KindReadTimeout, err)
	}

	return fmt.Errorf("egress: %w", err)
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}
