package chat

import (
	"github.com/rs/zerolog"

	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/pkg/protocol"
)

// Fanout delivers push events to the routable connection of each target
// user. Delivery is at most once: offline users, full queues and closed
// connections are skipped.
type Fanout struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewFanout returns a Fanout that resolves users through registry.
func NewFanout(registry *Registry, logger zerolog.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		logger:   logger.With().Str("component", "fanout").Logger(),
	}
}

// Deliver sends ev to every user in userIDs that is online and returns how
// many connections accepted it.
func (f *Fanout) Deliver(userIDs []string, ev protocol.Event) int {
	targets := store.UniqueIDs(userIDs)
	if len(targets) == 0 {
		return 0
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		f.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode event")
		return 0
	}

	delivered, offline, dropped := 0, 0, 0
	for _, userID := range targets {
		c, ok := f.registry.clientForUser(userID)
		if !ok {
			offline++
			continue
		}
		if !c.Push(data) {
			dropped++
			f.logger.Debug().Str("user_id", userID).Str("conn_id", c.ID).Str("remote", c.RemoteAddr()).Str("event", string(ev.Type)).Msg("event dropped")
			continue
		}
		delivered++
	}

	f.logger.Debug().
		Str("event", string(ev.Type)).
		Int("delivered", delivered).
		Int("offline", offline).
		Int("dropped", dropped).
		Msg("event fanned out")
	return delivered
}
