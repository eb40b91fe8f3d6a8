package network

import (
	"net"
	"net/netip"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

// Validator admits connections whose source address is in the allow-list.
// Entries are literal addresses or CIDR ranges, IPv4 or IPv6. An empty list
// admits everyone.
type Validator struct {
	prefixes []netip.Prefix
	logger   logging.Logger
}

func NewValidator(allowed []string, logger logging.Logger) (*Validator, error) {
	v := &Validator{logger: logger}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := parseNetwork(entry)
		if err != nil {
			return nil, err
		}
		v.prefixes = append(v.prefixes, prefix)
	}
	return v, nil
}

func parseNetwork(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, errors.NewValidationError("invalid allowed network", err).WithContext("network", entry)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, errors.NewValidationError("invalid allowed address", err).WithContext("network", entry)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Allow reports whether a peer address may open a session
func (v *Validator) Allow(remote net.Addr) bool {
	if len(v.prefixes) == 0 {
		return true
	}

	addr, ok := addrOf(remote)
	if !ok {
		v.logger.Warnf("Connection from %v rejected (unrecognised address)", remote)
		return false
	}
	if v.AllowAddr(addr) {
		v.logger.Debugf("Connection from %s allowed", addr)
		return true
	}
	v.logger.Warnf("Connection from %s rejected (not in allowed networks)", addr)
	return false
}

func (v *Validator) AllowAddr(addr netip.Addr) bool {
	if len(v.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, prefix := range v.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func addrOf(remote net.Addr) (netip.Addr, bool) {
	if remote == nil {
		return netip.Addr{}, false
	}
	if tcp, ok := remote.(*net.TCPAddr); ok {
		addr, ok := netip.AddrFromSlice(tcp.IP)
		return addr.Unmap(), ok
	}
	addrPort, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return addrPort.Addr().Unmap(), true
}
