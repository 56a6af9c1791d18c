// Package state holds the in-process cache of guilds, join channel
// configurations and provisioned voice channels, plus the owner and presence
// indices that cross-reference them. All mutation goes through the Store so
// compound invariants (guild membership sets, owner bijection, presence
// referential integrity) hold in every observable state.
package state

import "sync"

// Store is the authoritative in-memory cache. The store-level mutex guards
// the maps and both indices; individual records carry their own locks for
// field reads and patches. Patches that touch an index (owner changes,
// presence changes) run entirely under the store lock.
type Store struct {
	mu            sync.RWMutex
	guilds        map[string]*Guild
	joinChannels  map[string]*JoinChannel
	voiceChannels map[string]*VoiceChannel
	owners        map[GuildUser]string
	presence      map[GuildUser]string
	unavailable   map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		guilds:        make(map[string]*Guild),
		joinChannels:  make(map[string]*JoinChannel),
		voiceChannels: make(map[string]*VoiceChannel),
		owners:        make(map[GuildUser]string),
		presence:      make(map[GuildUser]string),
		unavailable:   make(map[string]struct{}),
	}
}

// Guild returns the cached guild, or nil.
func (s *Store) Guild(id string) *Guild {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guilds[id]
}

// JoinChannel returns the cached join channel, or nil.
func (s *Store) JoinChannel(id string) *JoinChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinChannels[id]
}

// VoiceChannel returns the cached voice channel, or nil.
func (s *Store) VoiceChannel(id string) *VoiceChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voiceChannels[id]
}

// Owner returns the channel id owned by the user within the guild.
func (s *Store) Owner(guildID, userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owners[GuildUser{guildID, userID}]
	return id, ok
}

// Presence returns the tracked voice channel the user is connected to.
func (s *Store) Presence(guildID, userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.presence[GuildUser{guildID, userID}]
	return id, ok
}

func (s *Store) InsertGuild(id, botRoleID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[id] = &Guild{
		ID:              id,
		BotRoleID:       botRoleID,
		name:            name,
		joinChannelIDs:  make(map[string]struct{}),
		voiceChannelIDs: make(map[string]struct{}),
	}
}

func (s *Store) InsertJoinChannel(p JoinChannelParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinChannels[p.ID] = &JoinChannel{
		ID:           p.ID,
		GuildID:      p.GuildID,
		accessRoleID: p.AccessRoleID,
		name:         p.Name,
		parentID:     p.ParentID,
		permanence:   p.Permanence,
		overwrites:   copyOverwrites(p.Overwrites),
		privacy:      p.Privacy,
	}
	if guild := s.guilds[p.GuildID]; guild != nil {
		guild.mu.Lock()
		guild.joinChannelIDs[p.ID] = struct{}{}
		guild.mu.Unlock()
	}
}

func (s *Store) InsertVoiceChannel(p VoiceChannelParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Reinsertion replaces the record, so index entries of the old record
	// must not outlive it.
	if old := s.voiceChannels[p.ID]; old != nil {
		if old.ownerID != "" {
			delete(s.owners, GuildUser{old.GuildID, old.ownerID})
		}
		for userID := range old.connectedUserIDs {
			delete(s.presence, GuildUser{old.GuildID, userID})
		}
	}
	s.voiceChannels[p.ID] = &VoiceChannel{
		ID:               p.ID,
		GuildID:          p.GuildID,
		bitrate:          p.Bitrate,
		connectedUserIDs: make(map[string]struct{}),
		name:             p.Name,
		ownerID:          p.OwnerID,
		permanence:       p.Permanence,
		overwrites:       copyOverwrites(p.Overwrites),
		privacy:          p.Privacy,
		rateLimitPerUser: p.RateLimitPerUser,
		rtcRegion:        p.RTCRegion,
		userLimit:        p.UserLimit,
		videoQualityMode: p.VideoQualityMode,
	}
	if p.OwnerID != "" {
		s.owners[GuildUser{p.GuildID, p.OwnerID}] = p.ID
	}
	if guild := s.guilds[p.GuildID]; guild != nil {
		guild.mu.Lock()
		guild.voiceChannelIDs[p.ID] = struct{}{}
		guild.mu.Unlock()
	}
}

// InsertPresence records a user's location in a tracked channel, voice room
// or join channel. Only voice rooms carry a connected set; presence in
// channels the store does not know about is never indexed.
func (s *Store) InsertPresence(guildID, userID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vc := s.voiceChannels[channelID]; vc != nil {
		s.presence[GuildUser{guildID, userID}] = channelID
		vc.mu.Lock()
		vc.connectedUserIDs[userID] = struct{}{}
		vc.mu.Unlock()
		return
	}
	if _, ok := s.joinChannels[channelID]; ok {
		s.presence[GuildUser{guildID, userID}] = channelID
	}
}

// RemovePresence drops the user's tracked presence, if any.
func (s *Store) RemovePresence(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := GuildUser{guildID, userID}
	channelID, ok := s.presence[key]
	if !ok {
		return
	}
	delete(s.presence, key)
	if vc := s.voiceChannels[channelID]; vc != nil {
		vc.mu.Lock()
		delete(vc.connectedUserIDs, userID)
		vc.mu.Unlock()
	}
}

func (s *Store) MarkUnavailable(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.unavailable[id] = struct{}{}
	}
}

func (s *Store) IsUnavailable(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unavailable[id]
	return ok
}

// RemoveGuild cascades: every join channel and voice channel of the guild is
// removed through the single-entity paths so index maintenance is never
// skipped.
func (s *Store) RemoveGuild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	guild := s.guilds[id]
	if guild == nil {
		delete(s.unavailable, id)
		return
	}
	delete(s.guilds, id)
	delete(s.unavailable, id)
	for _, channelID := range guild.JoinChannelIDs() {
		s.removeJoinChannelLocked(channelID)
	}
	for _, channelID := range guild.VoiceChannelIDs() {
		s.removeVoiceChannelLocked(channelID)
	}
}

func (s *Store) RemoveJoinChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeJoinChannelLocked(id)
}

func (s *Store) removeJoinChannelLocked(id string) {
	jc := s.joinChannels[id]
	if jc == nil {
		return
	}
	delete(s.joinChannels, id)
	if guild := s.guilds[jc.GuildID]; guild != nil {
		guild.mu.Lock()
		delete(guild.joinChannelIDs, id)
		guild.mu.Unlock()
	}
	for key, channelID := range s.presence {
		if channelID == id {
			delete(s.presence, key)
		}
	}
}

func (s *Store) RemoveVoiceChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeVoiceChannelLocked(id)
}

func (s *Store) removeVoiceChannelLocked(id string) {
	vc := s.voiceChannels[id]
	if vc == nil {
		return
	}
	delete(s.voiceChannels, id)
	if guild := s.guilds[vc.GuildID]; guild != nil {
		guild.mu.Lock()
		delete(guild.voiceChannelIDs, id)
		guild.mu.Unlock()
	}
	vc.mu.Lock()
	if vc.ownerID != "" {
		delete(s.owners, GuildUser{vc.GuildID, vc.ownerID})
	}
	for userID := range vc.connectedUserIDs {
		delete(s.presence, GuildUser{vc.GuildID, userID})
	}
	vc.mu.Unlock()
}

func (s *Store) UpdateGuild(id string, update GuildUpdate) {
	s.mu.RLock()
	guild := s.guilds[id]
	s.mu.RUnlock()
	if guild == nil {
		return
	}
	guild.mu.Lock()
	update.Name.Apply(&guild.name)
	guild.mu.Unlock()
}

func (s *Store) UpdateJoinChannel(id string, update JoinChannelUpdate) {
	s.mu.RLock()
	jc := s.joinChannels[id]
	s.mu.RUnlock()
	if jc == nil {
		return
	}
	jc.mu.Lock()
	update.AccessRoleID.Apply(&jc.accessRoleID)
	update.Name.Apply(&jc.name)
	update.ParentID.Apply(&jc.parentID)
	update.Permanence.Apply(&jc.permanence)
	if ows, ok := update.Overwrites.Value(); ok {
		jc.overwrites = copyOverwrites(ows)
	} else if update.Overwrites.Present() {
		jc.overwrites = nil
	}
	update.Privacy.Apply(&jc.privacy)
	jc.mu.Unlock()
}

// UpdateVoiceChannel applies a sparse patch. An owner change swaps the owner
// index entry in the same critical section, so readers never observe a channel
// whose ownerID disagrees with the index.
func (s *Store) UpdateVoiceChannel(id string, update VoiceChannelUpdate) {
	s.mu.Lock()
	vc := s.voiceChannels[id]
	if vc == nil {
		s.mu.Unlock()
		return
	}
	vc.mu.Lock()
	if update.OwnerID.Present() {
		if vc.ownerID != "" {
			delete(s.owners, GuildUser{vc.GuildID, vc.ownerID})
		}
		update.OwnerID.Apply(&vc.ownerID)
		if vc.ownerID != "" {
			s.owners[GuildUser{vc.GuildID, vc.ownerID}] = vc.ID
		}
	}
	update.Bitrate.Apply(&vc.bitrate)
	update.Name.Apply(&vc.name)
	update.Permanence.Apply(&vc.permanence)
	if ows, ok := update.Overwrites.Value(); ok {
		vc.overwrites = copyOverwrites(ows)
	} else if update.Overwrites.Present() {
		vc.overwrites = nil
	}
	update.Privacy.Apply(&vc.privacy)
	update.RateLimitPerUser.Apply(&vc.rateLimitPerUser)
	update.RTCRegion.Apply(&vc.rtcRegion)
	update.UserLimit.Apply(&vc.userLimit)
	update.VideoQualityMode.Apply(&vc.videoQualityMode)
	vc.mu.Unlock()
	s.mu.Unlock()
}
