package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/aeolun/concord/pkg/database"
	"github.com/aeolun/concord/pkg/protocol"
)

var (
	ErrChannelExists      = errors.New("channel already exists")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrLastChannel        = errors.New("cannot remove the last channel")
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrTooFewParticipants = errors.New("private channels need at least two participants")
)

// ChannelManager owns the public channels, indexed by name and by id, and
// caches private channels resolved from the store.
type ChannelManager struct {
	store    Store
	ids      IDGenerator
	registry *protocol.Registry
	metrics  *Metrics

	mu          sync.RWMutex
	byName      map[string]*Channel
	byID        map[uuid.UUID]*Channel
	defaultName string

	privateMu sync.Mutex
	private   map[string]*Channel    // participant key -> channel
	privateID map[uuid.UUID]*Channel // channel id -> channel

	// Serializes leave/join pairs so a client is never in two channels
	moveMu sync.Mutex
}

// NewChannelManager creates the public channels from configuration. The
// default channel falls back to the first configured one when unknown.
func NewChannelManager(store Store, ids IDGenerator, reg *protocol.Registry, metrics *Metrics, defaultName string, channels []ChannelConfig) (*ChannelManager, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one channel must be configured")
	}

	cm := &ChannelManager{
		store:     store,
		ids:       ids,
		registry:  reg,
		metrics:   metrics,
		byName:    make(map[string]*Channel),
		byID:      make(map[uuid.UUID]*Channel),
		private:   make(map[string]*Channel),
		privateID: make(map[uuid.UUID]*Channel),
	}

	for _, cfg := range channels {
		id, err := uuid.Parse(cfg.ID)
		if err != nil {
			id = ids.NewID()
		}
		if _, err := cm.addChannel(id, cfg.Name, cfg.Description); err != nil {
			return nil, fmt.Errorf("channel %q: %w", cfg.Name, err)
		}
	}

	cm.defaultName = normalizeChannelName(defaultName)
	if _, ok := cm.byName[cm.defaultName]; !ok {
		cm.defaultName = normalizeChannelName(channels[0].Name)
	}

	return cm, nil
}

func (cm *ChannelManager) addChannel(id uuid.UUID, name, description string) (*Channel, error) {
	name = normalizeChannelName(name)
	if name == "" {
		return nil, ErrInvalidChannelName
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	if _, ok := cm.byID[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, id)
	}

	ch := newChannel(id, name, cm.registry, cm.metrics)
	ch.description = description
	cm.byName[name] = ch
	cm.byID[id] = ch
	cm.metrics.RecordChannelMembers(name, 0)
	return ch, nil
}

// AddChannel creates a public channel. The name is lower-cased with
// whitespace replaced by '-'.
func (cm *ChannelManager) AddChannel(name, description string) (*Channel, error) {
	return cm.addChannel(cm.ids.NewID(), name, description)
}

// RemoveChannel deletes a public channel and moves its members to the
// default channel, or to another channel when the default itself is removed.
// The channel's chat log is dropped.
func (cm *ChannelManager) RemoveChannel(name string) (*Channel, error) {
	name = normalizeChannelName(name)

	cm.mu.Lock()
	ch, ok := cm.byName[name]
	if !ok {
		cm.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if len(cm.byName) == 1 {
		cm.mu.Unlock()
		return nil, ErrLastChannel
	}
	delete(cm.byName, name)
	delete(cm.byID, ch.id)

	if cm.defaultName == name {
		cm.defaultName = cm.sortedLocked()[0].name
	}
	fallback := cm.byName[cm.defaultName]
	cm.mu.Unlock()

	cm.metrics.ForgetChannel(name)

	// The removed channel is no longer resolvable by id, so leave it explicitly
	for _, c := range ch.Members() {
		cm.moveMu.Lock()
		ch.Leave(c)
		cm.moveMu.Unlock()
		cm.MoveToChannel(c, fallback)
	}

	if _, err := cm.store.DeleteChannelChats(ch.id); err != nil {
		return ch, fmt.Errorf("failed to drop chat log of %s: %w", ch, err)
	}
	return ch, nil
}

// ChannelByID returns a public channel by id
func (cm *ChannelManager) ChannelByID(id uuid.UUID) (*Channel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ch, ok := cm.byID[id]
	return ch, ok
}

// ChannelByName returns a public channel by name
func (cm *ChannelManager) ChannelByName(name string) (*Channel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ch, ok := cm.byName[normalizeChannelName(name)]
	return ch, ok
}

// DefaultChannel returns the channel new clients are placed in
func (cm *ChannelManager) DefaultChannel() *Channel {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byName[cm.defaultName]
}

// Channels returns the public channels sorted by name
func (cm *ChannelManager) Channels() []*Channel {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.sortedLocked()
}

func (cm *ChannelManager) sortedLocked() []*Channel {
	channels := make([]*Channel, 0, len(cm.byName))
	for _, ch := range cm.byName {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].name < channels[j].name })
	return channels
}

// ChannelData returns the public channels in wire form, sorted by name
func (cm *ChannelManager) ChannelData() []protocol.ChannelData {
	channels := cm.Channels()
	data := make([]protocol.ChannelData, len(channels))
	for i, ch := range channels {
		data[i] = ch.Data()
	}
	return data
}

// Configs returns the public channels as they are stored in the config file
func (cm *ChannelManager) Configs() []ChannelConfig {
	channels := cm.Channels()
	configs := make([]ChannelConfig, len(channels))
	for i, ch := range channels {
		configs[i] = ChannelConfig{ID: ch.id.String(), Name: ch.name, Description: ch.description}
	}
	return configs
}

// Current resolves the channel the client is in, public or cached private
func (cm *ChannelManager) Current(c *Client) (*Channel, bool) {
	id := c.ChannelID()
	if id == uuid.Nil {
		return nil, false
	}
	if ch, ok := cm.ChannelByID(id); ok {
		return ch, true
	}
	cm.privateMu.Lock()
	defer cm.privateMu.Unlock()
	ch, ok := cm.privateID[id]
	return ch, ok
}

// MoveToChannel takes the client out of its current channel, adds it to
// target, then confirms the move to the client
func (cm *ChannelManager) MoveToChannel(c *Client, target *Channel) {
	cm.moveMu.Lock()
	if current, ok := cm.Current(c); ok {
		current.Leave(c)
	}
	target.Join(c)
	cm.moveMu.Unlock()

	name := target.Name()
	if err := c.Send(&protocol.MoveToChannel{ID: target.ID(), ChannelName: &name}); err != nil {
		debugLog.Printf("Client %s: move confirmation failed: %v", c, err)
	}
}

// Join puts a freshly identified client into ch without a move
// confirmation; the welcome message already names the channel
func (cm *ChannelManager) Join(c *Client, ch *Channel) {
	cm.moveMu.Lock()
	defer cm.moveMu.Unlock()
	if current, ok := cm.Current(c); ok {
		current.Leave(c)
	}
	ch.Join(c)
}

// Leave takes the client out of whatever channel it is in
func (cm *ChannelManager) Leave(c *Client) {
	cm.moveMu.Lock()
	defer cm.moveMu.Unlock()
	if current, ok := cm.Current(c); ok {
		current.Leave(c)
	}
}

// GetPrivateChannel returns the private channel for a set of users,
// creating and persisting it on first use. Order and duplicates in
// participants do not matter.
func (cm *ChannelManager) GetPrivateChannel(participants []uuid.UUID) (*Channel, error) {
	unique := dedupeIDs(participants)
	if len(unique) < 2 {
		return nil, ErrTooFewParticipants
	}
	key := database.PrivateChannelKey(unique)

	cm.privateMu.Lock()
	defer cm.privateMu.Unlock()

	if ch, ok := cm.private[key]; ok {
		return ch, nil
	}

	pc, err := cm.store.GetPrivateChannel(key)
	if errors.Is(err, database.ErrPrivateChannelNotFound) {
		pc = &database.PrivateChannel{
			Key:            key,
			ID:             cm.ids.NewID(),
			Name:           PrivateChannelName,
			ParticipantIDs: unique,
		}
		if err := cm.store.CreatePrivateChannel(pc); err != nil {
			return nil, fmt.Errorf("failed to persist private channel: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up private channel: %w", err)
	}

	return cm.cachePrivateLocked(pc), nil
}

// PrivateChannelFor resolves a private channel by id, but only when the
// user is one of its participants
func (cm *ChannelManager) PrivateChannelFor(userID, channelID uuid.UUID) (*Channel, bool, error) {
	cm.privateMu.Lock()
	defer cm.privateMu.Unlock()

	ch, ok := cm.privateID[channelID]
	if !ok {
		pc, err := cm.store.GetPrivateChannelByID(channelID)
		if errors.Is(err, database.ErrPrivateChannelNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up private channel: %w", err)
		}
		ch = cm.cachePrivateLocked(pc)
	}

	if !ch.HasParticipant(userID) {
		return nil, false, nil
	}
	return ch, true, nil
}

func (cm *ChannelManager) cachePrivateLocked(pc *database.PrivateChannel) *Channel {
	ch := newPrivateChannel(pc.ID, pc.ParticipantIDs, cm.registry, cm.metrics)
	cm.private[pc.Key] = ch
	cm.privateID[pc.ID] = ch
	return ch
}

// ResolveForUser finds a public channel by id, or else a private channel the
// user participates in
func (cm *ChannelManager) ResolveForUser(userID, channelID uuid.UUID) (*Channel, bool, error) {
	if ch, ok := cm.ChannelByID(channelID); ok {
		return ch, true, nil
	}
	return cm.PrivateChannelFor(userID, channelID)
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
