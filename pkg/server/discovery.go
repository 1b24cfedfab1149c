package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"
)

const discoveryTimeout = 3 * time.Second

// Announcement is what the server publishes to discovery servers
type Announcement struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Port        int    `json:"port"`
}

// discoveryLoop publishes the server's metadata right away and then on every
// DiscoveryInterval until shutdown
func (s *Server) discoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		s.publishDiscovery()
		select {
		case <-ticker.C:
		case <-s.shutdown:
			return
		}
	}
}

// publishDiscovery posts one announcement to each discovery server. Failures
// are logged and otherwise ignored.
func (s *Server) publishDiscovery() {
	port := s.config.TCPPort
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}

	body, err := json.Marshal(Announcement{
		Name:        s.config.Name,
		Description: s.config.Description,
		Port:        port,
	})
	if err != nil {
		errorLog.Printf("Failed to encode discovery announcement: %v", err)
		return
	}

	for _, url := range s.config.DiscoveryServers {
		if err := s.announce(url, body); err != nil {
			log.Printf("Could not publish metadata to %s: %v", url, err)
		}
	}
}

func (s *Server) announce(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
