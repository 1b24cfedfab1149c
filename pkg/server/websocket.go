package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/aeolun/concord/pkg/protocol"
)

// WebSocketPath is where the WebSocket transport is mounted
const WebSocketPath = "/ws"

// WebSocketConn presents a WebSocket as a byte stream. Frames of the chat
// protocol are carried in binary messages, but message boundaries carry no
// meaning, so a frame may span several messages and one message may hold
// several frames.
type WebSocketConn struct {
	ws      *websocket.Conn
	readMu  sync.Mutex
	readBuf bytes.Buffer
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebSocketConn wraps an upgraded connection
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	ws.SetReadLimit(2 * protocol.MaxFieldSize)
	return &WebSocketConn{ws: ws, closed: make(chan struct{})}
}

func (s *Server) startWebSocketServer() error {
	if s.config.WebSocketPort == 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.WebSocketPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.wsListener = listener

	router := httprouter.New()
	router.GET(WebSocketPath, s.handleWebSocket)
	s.wsServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("WebSocket server: %v", err)
		}
	}()

	log.Printf("WebSocket server listening on %s%s", listener.Addr(), WebSocketPath)
	return nil
}

// WebSocketAddr returns the WebSocket listener address, or nil when disabled
func (s *Server) WebSocketAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// handleWebSocket upgrades the request and hands the stream to the same
// connection handler TCP clients go through
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	select {
	case <-s.shutdown:
		ws.Close()
		return
	default:
	}

	s.serve(NewWebSocketConn(ws), "websocket")
}

// Read implements net.Conn
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.readBuf.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, io.EOF
			}
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, fmt.Errorf("unexpected websocket message type %d", messageType)
		}
		c.readBuf.Write(data)
	}
	return c.readBuf.Read(b)
}

// Write implements net.Conn; each call becomes one binary message
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
