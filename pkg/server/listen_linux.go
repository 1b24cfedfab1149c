//go:build linux

package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const overflowCheckInterval = 10 * time.Second

// logListenBacklog logs the address along with the kernel's accept backlog
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &somaxconn)
	}

	log.Printf("Concord server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections during reconnect storms", somaxconn)
	}
}

// monitorListenOverflows logs when the kernel drops connections because the
// accept loop fell behind
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(overflowCheckInterval)
	defer ticker.Stop()

	last := readListenOverflows()
	for {
		select {
		case <-ticker.C:
			overflows := readListenOverflows()
			if overflows > last {
				log.Printf("WARNING: %d connection(s) dropped by a full listen backlog (total: %d)", overflows-last, overflows)
			}
			last = overflows
		case <-s.shutdown:
			return
		}
	}
}

// readListenOverflows reads the host-wide ListenOverflows counter from
// /proc/net/netstat, or 0 when it is unavailable
func readListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	return parseListenOverflows(file)
}

// parseListenOverflows finds the ListenOverflows column of the TcpExt
// header/value line pair
func parseListenOverflows(r io.Reader) uint64 {
	scanner := bufio.NewScanner(r)
	var headers, values []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		values = fields[1:]
		break
	}

	for i, h := range headers {
		if h == "ListenOverflows" && i < len(values) {
			n, err := strconv.ParseUint(values[i], 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
