package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseListenOverflows(t *testing.T) {
	netstat := `TcpExt: SyncookiesSent SyncookiesRecv ListenOverflows ListenDrops
TcpExt: 0 0 17 21
IpExt: InNoRoutes InTruncatedPkts
IpExt: 0 0
`
	assert.EqualValues(t, 17, parseListenOverflows(strings.NewReader(netstat)))

	assert.Zero(t, parseListenOverflows(strings.NewReader("")))
	assert.Zero(t, parseListenOverflows(strings.NewReader("TcpExt: ListenDrops\nTcpExt: 3\n")))
	assert.Zero(t, parseListenOverflows(strings.NewReader("TcpExt: ListenOverflows\nTcpExt: many\n")))
	assert.Zero(t, parseListenOverflows(strings.NewReader("TcpExt: A ListenOverflows\nTcpExt: 1\n")), "short value line")
}
