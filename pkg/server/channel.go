package server

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/aeolun/concord/pkg/protocol"
)

// PrivateChannelName is the display name of every private channel
const PrivateChannelName = "Private Channel"

// Channel is a broadcast group. Members are non-owning references to
// connections owned by the server; the chat log lives in the store under the
// channel id.
type Channel struct {
	id           uuid.UUID
	name         string
	description  string
	participants []uuid.UUID // private channels only

	members  mapset.Set[*Client]
	registry *protocol.Registry
	metrics  *Metrics
}

func newChannel(id uuid.UUID, name string, reg *protocol.Registry, metrics *Metrics) *Channel {
	return &Channel{
		id:       id,
		name:     name,
		members:  mapset.NewSet[*Client](),
		registry: reg,
		metrics:  metrics,
	}
}

func newPrivateChannel(id uuid.UUID, participants []uuid.UUID, reg *protocol.Registry, metrics *Metrics) *Channel {
	ch := newChannel(id, PrivateChannelName, reg, metrics)
	ch.participants = append([]uuid.UUID(nil), participants...)
	return ch
}

func (ch *Channel) ID() uuid.UUID       { return ch.id }
func (ch *Channel) Name() string        { return ch.name }
func (ch *Channel) Description() string { return ch.description }
func (ch *Channel) IsPrivate() bool     { return ch.participants != nil }

// Participants returns the user ids a private channel was created for
func (ch *Channel) Participants() []uuid.UUID {
	return append([]uuid.UUID(nil), ch.participants...)
}

// HasParticipant reports whether a private channel belongs to the user
func (ch *Channel) HasParticipant(userID uuid.UUID) bool {
	for _, p := range ch.participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Join adds the client and sends every member, the newcomer included,
// the new occupancy
func (ch *Channel) Join(c *Client) {
	if !ch.members.Add(c) {
		return
	}
	c.setChannelID(ch.id)
	ch.occupancyChanged()
}

// Leave removes the client and sends the remaining members the new occupancy
func (ch *Channel) Leave(c *Client) {
	if !ch.members.Contains(c) {
		return
	}
	ch.members.Remove(c)
	if c.ChannelID() == ch.id {
		c.setChannelID(uuid.Nil)
	}
	ch.occupancyChanged()
}

// Contains reports whether the client is a member
func (ch *Channel) Contains(c *Client) bool {
	return ch.members.Contains(c)
}

// Members returns a snapshot of the member set
func (ch *Channel) Members() []*Client {
	return ch.members.ToSlice()
}

// Size returns the number of members
func (ch *Channel) Size() int {
	return ch.members.Cardinality()
}

// Users returns the members' public data sorted by nickname
func (ch *Channel) Users() []protocol.UserData {
	members := ch.members.ToSlice()
	users := make([]protocol.UserData, 0, len(members))
	for _, c := range members {
		users = append(users, c.UserData())
	}
	sortUsers(users)
	return users
}

func (ch *Channel) occupancyChanged() {
	if !ch.IsPrivate() {
		ch.metrics.RecordChannelMembers(ch.name, ch.members.Cardinality())
	}
	if err := ch.Broadcast(&protocol.ChannelUsersResponse{Users: ch.Users()}); err != nil {
		errorLog.Printf("Channel %s: occupancy notice failed: %v", ch, err)
	}
}

// Broadcast encodes msg once and writes the bytes to every member.
// Members that fail the write are closed; their own read loop tears them down.
func (ch *Channel) Broadcast(msg protocol.Message) error {
	data, err := ch.registry.Marshal(msg)
	if err != nil {
		return err
	}
	members := ch.members.ToSlice()
	for _, c := range members {
		if err := c.SendBytes(msg.Type(), data); err != nil {
			debugLog.Printf("Channel %s: send %s to %s failed: %v", ch, msg.Type(), c, err)
			c.Close()
		}
	}
	ch.metrics.RecordBroadcastFanout(len(members))
	return nil
}

// Data returns the wire form used in server metadata
func (ch *Channel) Data() protocol.ChannelData {
	return protocol.ChannelData{ID: ch.id, Name: ch.name}
}

func (ch *Channel) String() string {
	if ch.IsPrivate() {
		return ch.id.String()
	}
	return "#" + ch.name
}
