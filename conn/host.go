package conn

import (
	"net"
	"strconv"
)

// Host describes the remote endpoint of a connection. The address family
// picks the TCP connect variant.
type Host struct {
	IP   net.IP
	Port uint16
}

// Network returns the dial network matching the address family.
func (h Host) Network() string {
	if h.IP.To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}

func (h Host) Addr() string {
	ip := ""
	if len(h.IP) > 0 {
		ip = h.IP.String()
	}
	return net.JoinHostPort(ip, strconv.FormatUint(uint64(h.Port), 10))
}

// ParseHost resolves a "host:port" string into a Host.
func ParseHost(addr string) (Host, error) {
	resolved, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return Host{}, err
	}
	return Host{IP: resolved.IP, Port: uint16(resolved.Port)}, nil
}
