package relay

import "github.com/CrazyForks/anyvm/internal/control"

// Control sentinel prefix. A client frame starting with these two bytes is an
// out-of-band power request, not console traffic: [0xFF, 0x02, op] where op
// is a control.Command value. The full op set is closed (reset=1,
// powerdown=2, quit=3).
const (
	sentinelTag = 0xFF
	sentinelVer = 0x02
	sentinelLen = 3
)

// decodeSentinel inspects a client payload. It returns (cmd, true, true) for
// a recognized control frame, (0, true, false) for a sentinel with an unknown
// op (dropped, never forwarded), and (0, false, false) for ordinary
// passthrough traffic.
func decodeSentinel(payload []byte) (cmd control.Command, isSentinel, known bool) {
	if len(payload) != sentinelLen || payload[0] != sentinelTag || payload[1] != sentinelVer {
		return 0, false, false
	}
	cmd = control.Command(payload[2])
	return cmd, true, cmd.Valid()
}
