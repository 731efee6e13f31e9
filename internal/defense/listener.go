package defense

import (
	"log/slog"
	"net"
	"net/netip"
)

// FilteredListener closes connections from blocked addresses as soon as
// they are accepted.
type FilteredListener struct {
	net.Listener
	guard  *Guard
	logger *slog.Logger
	// OnRejected, when set, is called for every refused connection.
	OnRejected func(ip, reason string)
}

// NewFilteredListener wraps l with guard.
func NewFilteredListener(l net.Listener, guard *Guard, logger *slog.Logger) *FilteredListener {
	return &FilteredListener{Listener: l, guard: guard, logger: logger}
}

// Accept returns the next connection from an address that is not blocked.
func (l *FilteredListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		ip := RemoteIP(conn.RemoteAddr())
		if !l.guard.IsBlocked(ip) {
			return conn, nil
		}
		conn.Close()
		reason := l.guard.blocklist.Reason(ip)
		l.logger.Debug("Connection rejected", "ip", ip, "reason", reason)
		if l.OnRejected != nil {
			l.OnRejected(ip, reason)
		}
	}
}

// RemoteIP returns the normalized address of addr without its port.
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr().Unmap().String()
	}
	return NormalizeIP(addr.String())
}

// NormalizeIP returns ip in canonical form, with IPv4-mapped IPv6 addresses
// unmapped. Unparsable input is returned unchanged.
func NormalizeIP(ip string) string {
	if a, err := netip.ParseAddr(ip); err == nil {
		return a.Unmap().String()
	}
	return ip
}
