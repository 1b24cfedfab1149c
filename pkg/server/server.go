package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/aeolun/concord/pkg/database"
	"github.com/aeolun/concord/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// EnableDebugLogging sends debug output to w
func EnableDebugLogging(w io.Writer) {
	debugLog.SetOutput(w)
}

// Server represents the Concord chat server
type Server struct {
	config      ServerConfig
	configStore *ConfigStore
	registry    *protocol.Registry
	db          Store
	ids         IDGenerator
	auth        *AuthService
	clients     *ClientManager
	channels    *ChannelManager
	handlers    map[protocol.MessageType]HandlerFunc
	metrics     *Metrics

	listener      net.Listener
	sshListener   net.Listener
	wsListener    net.Listener
	wsServer      *http.Server
	metricsServer *http.Server
	httpClient    *http.Client

	live      mapset.Set[*Client] // every connection, identified or not
	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // accept and background loops

	connMu   sync.Mutex
	stopping bool
	connWg   sync.WaitGroup // connection handlers
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Name        string
	Description string

	TCPPort        int // 0 picks a free port
	WebSocketPort  int // 0 disables
	SSHPort        int // 0 disables
	SSHHostKeyPath string
	MetricsPort    int // 0 disables

	MaxMessageLength        int
	ChatHistoryMaxCount     int
	ChatHistoryDefaultCount int
	MaxIdentifyAttempts     int

	AcceptAllNewClients bool
	BcryptCost          int
	SessionTokenTTL     time.Duration
	TokenSweepInterval  time.Duration

	DefaultChannel string
	Channels       []ChannelConfig

	DiscoveryServers  []string
	DiscoveryInterval time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Name:                    "My Concord Server",
		TCPPort:                 8123,
		SSHHostKeyPath:          "~/.concord/ssh_host_key",
		MaxMessageLength:        8192,
		ChatHistoryMaxCount:     100,
		ChatHistoryDefaultCount: 50,
		MaxIdentifyAttempts:     5,
		AcceptAllNewClients:     false,
		BcryptCost:              12,
		SessionTokenTTL:         DefaultSessionTokenTTL,
		TokenSweepInterval:      24 * time.Hour,
		DefaultChannel:          "general",
		Channels:                []ChannelConfig{{Name: "general", Description: "General discussion"}},
		DiscoveryInterval:       time.Minute,
	}
}

// NewServer opens the database at dbPath and creates a server on it
func NewServer(dbPath string, config ServerConfig, configStore *ConfigStore) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	srv, err := NewServerWithStore(db, config, configStore, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	return srv, nil
}

// NewServerWithStore creates a server on an already open store. A nil ids
// generates random UUIDs. The server closes the store on Stop.
func NewServerWithStore(store Store, config ServerConfig, configStore *ConfigStore, ids IDGenerator) (*Server, error) {
	if ids == nil {
		ids = RandomIDs{}
	}
	defaults := DefaultConfig()
	if config.MaxIdentifyAttempts <= 0 {
		config.MaxIdentifyAttempts = defaults.MaxIdentifyAttempts
	}
	if config.ChatHistoryMaxCount <= 0 {
		config.ChatHistoryMaxCount = defaults.ChatHistoryMaxCount
	}
	if config.ChatHistoryDefaultCount <= 0 {
		config.ChatHistoryDefaultCount = defaults.ChatHistoryDefaultCount
	}
	if config.MaxMessageLength <= 0 {
		config.MaxMessageLength = defaults.MaxMessageLength
	}
	if config.TokenSweepInterval <= 0 {
		config.TokenSweepInterval = defaults.TokenSweepInterval
	}
	if config.DiscoveryInterval <= 0 {
		config.DiscoveryInterval = defaults.DiscoveryInterval
	}
	if len(config.Channels) == 0 {
		config.Channels = defaults.Channels
	}

	registry := protocol.NewRegistry()
	metrics := NewMetrics()

	channels, err := NewChannelManager(store, ids, registry, metrics, config.DefaultChannel, config.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create channels: %w", err)
	}

	s := &Server{
		config:      config,
		configStore: configStore,
		registry:    registry,
		db:          store,
		ids:         ids,
		auth:        NewAuthService(store, ids, config.BcryptCost, config.SessionTokenTTL),
		clients:     NewClientManager(registry, metrics),
		channels:    channels,
		metrics:     metrics,
		httpClient:  &http.Client{Timeout: discoveryTimeout},
		live:        mapset.NewSet[*Client](),
		shutdown:    make(chan struct{}),
	}
	s.handlers = s.newHandlers()
	return s, nil
}

// listenTCP opens a TCP listener with SO_REUSEADDR set
func listenTCP(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) { sockErr = setSocketOptions(fd) }); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Start starts the listeners and background loops
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startWebSocketServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.wg.Add(1)
	go s.tokenSweepLoop()

	if len(s.config.DiscoveryServers) > 0 {
		s.wg.Add(1)
		go s.discoveryLoop()
	}

	if s.configStore.Path() != "" {
		if err := s.watchConfig(); err != nil {
			log.Printf("Config file watching disabled: %v", err)
		}
	}

	s.wg.Add(1)
	go s.monitorListenOverflows()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
}

// Stop disconnects every client, then closes the listeners, waits for
// background loops and closes the store. Connections accepted while clients
// are being disconnected are refused.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		s.connMu.Lock()
		s.stopping = true
		s.connMu.Unlock()

		for _, c := range s.live.ToSlice() {
			c.Close()
		}
		s.connWg.Wait()

		s.closeListeners()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Done is closed when the server begins shutting down
func (s *Server) Done() <-chan struct{} {
	return s.shutdown
}

// acceptLoop accepts TCP connections until the listener closes
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.serve(conn, "tcp")
	}
}

// serve runs a connection handler for conn in its own goroutine
func (s *Server) serve(conn net.Conn, transport string) {
	if !s.trackConn() {
		conn.Close()
		return
	}
	go s.handleConnection(conn, transport)
}

// trackConn counts a new connection goroutine, unless Stop is already
// waiting for them
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.connWg.Add(1)
	return true
}

// tokenSweepLoop periodically deletes expired session tokens
func (s *Server) tokenSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TokenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.auth.RemoveExpiredSessionTokens()
			if err != nil {
				errorLog.Printf("Session token sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("Removed %d expired session token(s)", removed)
			}
		case <-s.shutdown:
			return
		}
	}
}

// MetaData describes the server and its public channels
func (s *Server) MetaData() protocol.ServerMetaData {
	return protocol.ServerMetaData{Name: s.config.Name, Channels: s.channels.ChannelData()}
}

// Config returns the server configuration
func (s *Server) Config() ServerConfig {
	return s.config
}

// Channels returns the channel manager
func (s *Server) Channels() *ChannelManager {
	return s.channels
}

// Clients returns the client manager
func (s *Server) Clients() *ClientManager {
	return s.clients
}

// Auth returns the authentication service
func (s *Server) Auth() *AuthService {
	return s.auth
}

// Metrics returns the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// AddChannel creates a public channel, saves it to the config file and sends
// everyone the new channel list
func (s *Server) AddChannel(name, description string) (*Channel, error) {
	ch, err := s.channels.AddChannel(name, description)
	if err != nil {
		return nil, err
	}
	log.Printf("Added channel %s", ch)
	s.saveChannels()
	s.broadcastMetaData()
	return ch, nil
}

// RemoveChannel deletes a public channel along with its chat log, moving its
// members elsewhere, then saves the config file and sends everyone the new
// channel list
func (s *Server) RemoveChannel(name string) error {
	ch, err := s.channels.RemoveChannel(name)
	if ch == nil {
		return err
	}
	log.Printf("Removed channel %s", ch)
	s.saveChannels()
	s.broadcastMetaData()
	return err
}

func (s *Server) saveChannels() {
	if err := s.configStore.SaveChannels(s.channels.Configs()); err != nil {
		errorLog.Printf("Failed to save channels to %s: %v", s.configStore.Path(), err)
	}
}
