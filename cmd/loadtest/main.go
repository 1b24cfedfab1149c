package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/concord/pkg/client"
	"github.com/aeolun/concord/pkg/protocol"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(".", "", ",", "").Replace(loremIpsum)))

// generateNickname glues fragments of two random words and a number
func generateNickname(id int) string {
	frag := func() string {
		w := loremWords[rand.Intn(len(loremWords))]
		n := 3 + rand.Intn(3)
		if n > len(w) {
			n = len(w)
		}
		return w[:n]
	}
	return fmt.Sprintf("%s%s%d", frag(), frag(), id)
}

// Stats tracks throughput and failures across all bots
type Stats struct {
	sent             atomic.Int64
	echoed           atomic.Int64
	totalEchoTime    atomic.Int64 // microseconds
	warnings         atomic.Int64
	moves            atomic.Int64
	historyResponses atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
}

func (s *Stats) snapshot() (sent, echoed, warnings, connErrors int64, avgEchoUs float64) {
	sent = s.sent.Load()
	echoed = s.echoed.Load()
	if echoed > 0 {
		avgEchoUs = float64(s.totalEchoTime.Load()) / float64(echoed)
	}
	return sent, echoed, s.warnings.Load(), s.connectionErrors.Load(), avgEchoUs
}

// Bot is one simulated user
type Bot struct {
	id       int
	nickname string
	conn     *client.Conn
	stats    *Stats

	mu       sync.Mutex
	inFlight []time.Time // send times of our chats not yet echoed back
	channels []uuid.UUID
	current  uuid.UUID
}

func NewBot(id int, serverAddr string, stats *Stats) (*Bot, error) {
	conn, err := client.Dial(serverAddr, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	b := &Bot{id: id, nickname: generateNickname(id), conn: conn, stats: stats}
	welcome, err := conn.Identify(b.nickname, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to identify: %w", err)
	}
	b.current = welcome.CurrentChannelID
	for _, ch := range welcome.MetaData.Channels {
		b.channels = append(b.channels, ch.ID)
	}
	return b, nil
}

// readLoop matches our own chats coming back through the channel broadcast
func (b *Bot) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		msg, err := b.conn.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.Chat:
			if m.SenderID != b.conn.ID() {
				continue
			}
			b.mu.Lock()
			if len(b.inFlight) > 0 {
				b.stats.totalEchoTime.Add(time.Since(b.inFlight[0]).Microseconds())
				b.stats.echoed.Add(1)
				b.inFlight = b.inFlight[1:]
			}
			b.mu.Unlock()
		case *protocol.MoveToChannel:
			b.mu.Lock()
			b.current = m.ID
			b.inFlight = nil
			b.mu.Unlock()
			b.stats.moves.Add(1)
		case *protocol.ServerMetaData:
			b.mu.Lock()
			b.channels = b.channels[:0]
			for _, ch := range m.Channels {
				b.channels = append(b.channels, ch.ID)
			}
			b.mu.Unlock()
		case *protocol.ChatHistoryResponse:
			b.stats.historyResponses.Add(1)
		case *protocol.Error:
			b.stats.warnings.Add(1)
		}
	}
}

func (b *Bot) randomMessage() string {
	words := make([]string, 5+rand.Intn(16))
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func (b *Bot) act() error {
	b.mu.Lock()
	current := b.current
	var target uuid.UUID
	if len(b.channels) > 0 {
		target = b.channels[rand.Intn(len(b.channels))]
	}
	b.mu.Unlock()

	switch r := rand.Float32(); {
	case r < 0.05 && target != uuid.Nil:
		return b.conn.Move(target)
	case r < 0.10:
		return b.conn.RequestHistory(current, map[string]string{"count": "20"})
	default:
		b.mu.Lock()
		b.inFlight = append(b.inFlight, time.Now())
		b.mu.Unlock()
		if err := b.conn.Chat(b.randomMessage()); err != nil {
			return err
		}
		b.stats.sent.Add(1)
		return nil
	}
}

func (b *Bot) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer b.conn.Close()

	done := make(chan struct{})
	go b.readLoop(done)

	end := time.Now().Add(duration)
	for time.Now().Before(end) {
		if err := b.act(); err != nil {
			b.stats.disconnections.Add(1)
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-done:
			b.stats.disconnections.Add(1)
			return
		case <-time.After(delay):
		}
	}

	// Stagger shutdown to avoid a disconnect storm
	time.Sleep(shutdownDelay)
}

func main() {
	serverAddr := flag.String("server", "localhost:8123", "Server address (host:port, ssh://, ws://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between actions")
	maxDelay := flag.Duration("max-delay", time.Second, "Maximum delay between actions")
	flag.Parse()

	// Ramp up over a quarter of the run
	rampUp := *duration / 4
	stagger := rampUp / time.Duration(*numClients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUp, stagger)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, echoed, warnings, connErrors, avgUs := stats.snapshot()
				log.Printf("Stats: %d sent (%.1f/s), %d echoed, %d warnings, %d conn errors, avg echo %.2fms",
					sent, float64(sent)/time.Since(start).Seconds(), echoed, warnings, connErrors, avgUs/1000)
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stop()
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		shutdownDelay := stagger * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBot(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				if id == 0 {
					log.Printf("[Bot %d] %v", id, err)
				}
				return
			}
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}
			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(stagger)
	}

	wg.Wait()
	stop()

	sent, echoed, warnings, connErrors, avgUs := stats.snapshot()
	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Chats sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	log.Printf("Chats echoed: %d", echoed)
	log.Printf("Channel moves: %d", stats.moves.Load())
	log.Printf("History responses: %d", stats.historyResponses.Load())
	log.Printf("Warnings: %d", warnings)
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Average echo time: %.2fms", avgUs/1000)
}
