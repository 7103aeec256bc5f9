package quic

import (
	quicgo "github.com/quic-go/quic-go"

	"replibridge/pkg/transport"
)

// connectionStats maps quic-go's congestion controller view of qc onto
// PathStats. RTT is the smoothed estimate; it stays zero until the first
// sample is taken.
func connectionStats(qc *quicgo.Conn) (transport.PathStats, bool) {
	if qc == nil {
		return transport.PathStats{}, false
	}
	cs := qc.ConnectionStats()
	return transport.PathStats{
		RTT:         cs.SmoothedRTT,
		SentPackets: cs.PacketsSent,
		LostPackets: cs.PacketsLost,
	}, true
}
