package app

import (
	"log/slog"
	"sync"

	"github.com/detekoi/chatsage-sub004/internal/domain"
)

// LiveState is the in-memory live-channel set fed by stream.online and
// stream.offline webhook events. It is derivable state: lost on restart and
// rebuilt as events arrive.
type LiveState struct {
	mu   sync.RWMutex
	live map[string]struct{}
}

func NewLiveState() *LiveState {
	return &LiveState{live: make(map[string]struct{})}
}

var _ domain.StreamContext = (*LiveState)(nil)

// SetLive marks a channel live or offline.
func (s *LiveState) SetLive(channelName string, live bool) {
	channelName = domain.NormalizeChannelName(channelName)

	s.mu.Lock()
	if live {
		s.live[channelName] = struct{}{}
	} else {
		delete(s.live, channelName)
	}
	s.mu.Unlock()

	slog.Debug("Live state updated", "channel", channelName, "live", live)
}

func (s *LiveState) IsLive(channelName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[domain.NormalizeChannelName(channelName)]
	return ok
}

func (s *LiveState) LiveChannels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.live))
	for name := range s.live {
		names = append(names, name)
	}
	return names
}
