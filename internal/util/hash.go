package util

import (
	"fmt"
	"hash/fnv"
	"net"
)

// ConnTag identifies an accepted socket in log lines. It hashes the local
// and remote addresses, so two live sockets never share a tag in practice.
func ConnTag(conn net.Conn) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conn.LocalAddr().String()))
	_, _ = h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}

// FormatTag renders a tag the way it appears in logs.
func FormatTag(tag uint32) string {
	return fmt.Sprintf("%08x", tag)
}
