package core

import (
	"github.com/rs/zerolog"

	"github.com/vforte/gruppo/internal/proto"
)

// Broadcaster fans a response out to the live members of a group.
type Broadcaster struct {
	registry *Registry
	log      *zerolog.Logger
}

// NewBroadcaster creates a broadcaster over the registry.
func NewBroadcaster(registry *Registry, logger *zerolog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, log: logger}
}

// Broadcast writes resp to every member of groupID except the sender,
// identified by user id rather than by socket. The registry snapshot is
// taken first and all socket writes happen with the lock released; a
// failed write is logged and skipped so one broken connection cannot
// block delivery to the rest of the group.
func (b *Broadcaster) Broadcast(groupID, excludeUserID string, resp *proto.Response) {
	members := b.registry.SnapshotMembers(groupID)

	for _, m := range members {
		if m.UserID == excludeUserID {
			continue
		}
		if err := m.Peer.Send(resp); err != nil {
			b.log.Warn().
				Err(err).
				Str("user_id", m.UserID).
				Str("group", groupID).
				Msg("fan-out write failed, skipping recipient")
		}
	}
}
