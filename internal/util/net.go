package util

import (
	"net"
	"strconv"
)

// LoopbackAddr returns the host:port dial address of a locally forwarded port.
//
//	LoopbackAddr(15432) → "127.0.0.1:15432"
func LoopbackAddr(port uint16) string {
	return net.JoinHostPort(LoopbackHost, strconv.Itoa(int(port)))
}
