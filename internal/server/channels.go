package server

import (
	"sync"
)

// channelSet tracks open live channels so shutdown can close them; hijacked
// connections are not closed by http.Server.Shutdown.
type channelSet struct {
	mu       sync.RWMutex
	channels map[string]*wsChannel
}

func newChannelSet() *channelSet {
	return &channelSet{channels: make(map[string]*wsChannel)}
}

func (cs *channelSet) Add(ch *wsChannel) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.channels[ch.ID()] = ch
}

func (cs *channelSet) Remove(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.channels, id)
}

func (cs *channelSet) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.channels)
}

// CloseAll closes every channel and forgets it.
func (cs *channelSet) CloseAll() {
	cs.mu.Lock()
	channels := cs.channels
	cs.channels = make(map[string]*wsChannel)
	cs.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
