package plugin

import (
	"fmt"
	"net"

	"github.com/nexusd/nexus/internal/nexuserr"
)

// portRangeStart and portRangeEnd bound the loopback ports handed out to
// plugin containers. This range lies below the IANA ephemeral range
// (49152-65535) but inside Linux's default ephemeral range (32768-60999), so
// allocatePort probes each candidate with a listen before handing it out.
const (
	portRangeStart = 33000
	portRangeEnd   = 34000
)

// allocatePort picks a loopback port in [portRangeStart, portRangeEnd) that
// collides with neither an already-assigned plugin port nor a port some
// other process on the host currently has bound.
func allocatePort(assigned map[int]bool) (int, error) {
	for p := portRangeStart; p < portRangeEnd; p++ {
		if assigned[p] {
			continue
		}
		if !portFree(p) {
			continue
		}
		return p, nil
	}
	return 0, nexuserr.New(nexuserr.RuntimeOther, "no free loopback port in range")
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
