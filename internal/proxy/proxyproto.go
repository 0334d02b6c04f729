package proxy

import (
	"encoding/binary"
	"net"
)

// PROXY protocol v2 specification: https://www.haproxy.org/download/2.9/doc/proxy-protocol.txt

var (
	proxyV2Sig = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}
)

const (
	proxyV2CmdLocal = 0x20
	proxyV2CmdProxy = 0x21

	proxyV2FamUnspec = 0x00
	proxyV2FamTCP4   = 0x11
	proxyV2FamTCP6   = 0x21
)

// BuildProxyV2Header encodes the client (src) and the address it connected to
// (dst). Non-TCP addresses yield a LOCAL header with no address block; an IPv4
// and IPv6 pair is encoded as IPv6 using the v4-mapped form.
func BuildProxyV2Header(src, dst net.Addr) []byte {
	s, _ := src.(*net.TCPAddr)
	d, _ := dst.(*net.TCPAddr)
	if s == nil || d == nil || s.IP == nil || d.IP == nil {
		return proxyV2Prefix(proxyV2CmdLocal, proxyV2FamUnspec, 0)
	}

	fam := byte(proxyV2FamTCP6)
	srcIP, dstIP := s.IP.To16(), d.IP.To16()
	if s4, d4 := s.IP.To4(), d.IP.To4(); s4 != nil && d4 != nil {
		fam = proxyV2FamTCP4
		srcIP, dstIP = s4, d4
	}

	addrLen := 2*len(srcIP) + 4
	buf := proxyV2Prefix(proxyV2CmdProxy, fam, addrLen)
	buf = append(buf, srcIP...)
	buf = append(buf, dstIP...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(s.Port))
	buf = binary.BigEndian.AppendUint16(buf, uint16(d.Port))
	return buf
}

func proxyV2Prefix(cmd, fam byte, addrLen int) []byte {
	buf := make([]byte, 0, 16+addrLen)
	buf = append(buf, proxyV2Sig...)
	buf = append(buf, cmd, fam)
	return binary.BigEndian.AppendUint16(buf, uint16(addrLen))
}
