package tgclient

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gotd/td/tg"

	"crabstack.local/projects/crab-claw/internal/channels"
)

type peer struct {
	id    string
	name  string
	kind  string
	input tg.InputPeerClass
}

func (p peer) info() channels.ChatInfo {
	return channels.ChatInfo{JID: JIDPrefix + p.id, Name: p.name, Type: p.kind}
}

// peerCache remembers access hashes seen in dialogs, searches and updates.
type peerCache struct {
	mu    sync.Mutex
	peers map[string]peer
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[string]peer)}
}

func (c *peerCache) get(id string) (peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[id]
	return p, ok
}

func (c *peerCache) put(p peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.id] = p
}

func (c *peerCache) addChats(chats []tg.ChatClass) {
	for _, chat := range chats {
		if p, ok := peerFromChat(chat); ok {
			c.put(p)
		}
	}
}

func (c *peerCache) addUsers(users []tg.UserClass) {
	for _, user := range users {
		if p, ok := peerFromUser(user); ok {
			c.put(p)
		}
	}
}

func (c *peerCache) addEntities(e tg.Entities) {
	for _, u := range e.Users {
		c.addUsers([]tg.UserClass{u})
	}
	for _, ch := range e.Chats {
		c.addChats([]tg.ChatClass{ch})
	}
	for _, ch := range e.Channels {
		c.addChats([]tg.ChatClass{ch})
	}
}

func peerFromUser(u tg.UserClass) (peer, bool) {
	user, ok := u.(*tg.User)
	if !ok {
		return peer{}, false
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	if name == "" {
		name = "Unknown"
	}
	return peer{
		id:    strconv.FormatInt(user.ID, 10),
		name:  name,
		kind:  channels.ChatTypeUser,
		input: &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash},
	}, true
}

func peerFromChat(c tg.ChatClass) (peer, bool) {
	switch chat := c.(type) {
	case *tg.Chat:
		return peer{
			id:    strconv.FormatInt(chat.ID, 10),
			name:  chat.Title,
			kind:  channels.ChatTypeGroup,
			input: &tg.InputPeerChat{ChatID: chat.ID},
		}, true
	case *tg.Channel:
		kind := channels.ChatTypeGroup
		if chat.Broadcast {
			kind = channels.ChatTypeChannel
		}
		return peer{
			id:    strconv.FormatInt(chat.ID, 10),
			name:  chat.Title,
			kind:  kind,
			input: &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash},
		}, true
	}
	return peer{}, false
}

func peerID(p tg.PeerClass) (string, bool) {
	switch v := p.(type) {
	case *tg.PeerUser:
		return strconv.FormatInt(v.UserID, 10), true
	case *tg.PeerChat:
		return strconv.FormatInt(v.ChatID, 10), true
	case *tg.PeerChannel:
		return strconv.FormatInt(v.ChannelID, 10), true
	}
	return "", false
}
