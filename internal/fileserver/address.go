package fileserver

import (
	"fmt"
	"net"

	qrcode "github.com/skip2/go-qrcode"
)

// GetOutboundIP returns the LAN address the host would use to reach the
// network. Dialing UDP sends nothing; it only asks the OS for a route.
func GetOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return localAddr.IP.String()
}

func resolveAddress(host string, bound net.Addr) Address {
	port := 0
	if tcp, ok := bound.(*net.TCPAddr); ok {
		port = tcp.Port
	}

	ip := host
	if ip == "" || ip == "0.0.0.0" || ip == "::" {
		ip = GetOutboundIP()
	}
	return Address{
		Label: fmt.Sprintf("http://%s/", net.JoinHostPort(ip, fmt.Sprint(port))),
		IP:    ip,
		Port:  port,
	}
}

// QRCode renders the address label as a PNG.
func (a Address) QRCode(size int) ([]byte, error) {
	return qrcode.Encode(a.Label, qrcode.Medium, size)
}

// QRText renders the address label for a terminal.
func (a Address) QRText() (string, error) {
	q, err := qrcode.New(a.Label, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
