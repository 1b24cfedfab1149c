//go:build !linux

package server

import "log"

func logListenBacklog(addr string) {
	log.Printf("Concord server listening on %s", addr)
}

// monitorListenOverflows has nothing to watch outside Linux
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()
	<-s.shutdown
}
