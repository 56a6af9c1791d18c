package lifecycle

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/state"
	"voice-warden/internal/storage"
)

// Normalized events. The transport layer (internal/discord) translates
// gateway payloads into these shapes; delivery order across entities is not
// guaranteed, and every handler tolerates events for state that has already
// converged through another path.

// ChannelSnapshot is one live voice channel inside a guild snapshot.
type ChannelSnapshot struct {
	ID               string
	Name             string
	Bitrate          int
	Overwrites       []*discordgo.PermissionOverwrite
	RateLimitPerUser int
	RTCRegion        string
	UserLimit        int
	VideoQualityMode int
}

// PresenceSnapshot is one live voice connection inside a guild snapshot.
type PresenceSnapshot struct {
	UserID    string
	ChannelID string
}

// GuildSnapshot is the authoritative picture of a guild at (re)load time.
type GuildSnapshot struct {
	ID          string
	BotRoleID   string
	Name        string
	Channels    []ChannelSnapshot
	VoiceStates []PresenceSnapshot
}

type GuildRemoved struct {
	ID     string
	Outage bool
}

type GuildRenamed struct {
	ID      string
	NewName string
}

type ChannelRemoved struct {
	ID string
}

// ChannelConfigChanged carries externally observed attribute changes.
// Unset fields were not part of the notification.
type ChannelConfigChanged struct {
	ID               string
	Name             state.Field[string]
	Overwrites       state.Field[[]*discordgo.PermissionOverwrite]
	Bitrate          state.Field[int]
	RateLimitPerUser state.Field[int]
	RTCRegion        state.Field[string]
	UserLimit        state.Field[int]
	VideoQualityMode state.Field[int]
}

type MemberLeftGuild struct {
	GuildID string
	UserID  string
}

type RoleRemoved struct {
	GuildID string
	RoleID  string
}

// VoicePresenceChanged reports a user's new voice location. An empty
// ChannelID means the user left voice entirely.
type VoicePresenceChanged struct {
	GuildID   string
	UserID    string
	Bot       bool
	Username  string
	ChannelID string
}

// HandleGuildSnapshot reconciles the authoritative channel list against the
// persisted rows: rows for channels that no longer exist are deleted, the
// rest are rehydrated into the cache using live attributes where available
// and stored defaults otherwise.
func (c *Controller) HandleGuildSnapshot(ctx context.Context, snap GuildSnapshot) error {
	c.state.InsertGuild(snap.ID, snap.BotRoleID, snap.Name)

	live := make(map[string]ChannelSnapshot, len(snap.Channels))
	liveIDs := make([]string, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		live[ch.ID] = ch
		liveIDs = append(liveIDs, ch.ID)
	}

	if err := c.db.RemoveUnknownChannels(ctx, snap.ID, liveIDs); err != nil {
		return fmt.Errorf("failed to prune stale rows for guild %s: %w", snap.ID, err)
	}

	joinRows, err := c.db.GuildJoinChannels(ctx, snap.ID)
	if err != nil {
		return err
	}
	for _, row := range joinRows {
		ch := live[row.ID]
		c.state.InsertJoinChannel(state.JoinChannelParams{
			ID:           row.ID,
			GuildID:      row.GuildID,
			AccessRoleID: row.AccessRoleID,
			Name:         ch.Name,
			ParentID:     row.ParentID,
			Permanence:   row.Permanence,
			Overwrites:   ch.Overwrites,
			Privacy:      row.Privacy,
		})
	}

	voiceRows, err := c.db.GuildVoiceChannels(ctx, snap.ID)
	if err != nil {
		return err
	}
	for _, row := range voiceRows {
		ch, known := live[row.ID]
		if !known {
			ch = ChannelSnapshot{Bitrate: state.DefaultBitrate, VideoQualityMode: state.VideoQualityAuto}
		}
		c.state.InsertVoiceChannel(state.VoiceChannelParams{
			ID:               row.ID,
			GuildID:          row.GuildID,
			Bitrate:          ch.Bitrate,
			Name:             ch.Name,
			OwnerID:          row.OwnerID,
			Permanence:       row.Permanence,
			Overwrites:       ch.Overwrites,
			Privacy:          row.Privacy,
			RateLimitPerUser: ch.RateLimitPerUser,
			RTCRegion:        ch.RTCRegion,
			UserLimit:        ch.UserLimit,
			VideoQualityMode: ch.VideoQualityMode,
		})
	}

	// Presence is rehydrated only for users inside channels we recognize;
	// the store drops everything else.
	for _, vs := range snap.VoiceStates {
		c.state.InsertPresence(snap.ID, vs.UserID, vs.ChannelID)
	}
	return nil
}

// HandleGuildRemoved handles both outages and true removals. An outage only
// marks the guild unavailable; a removal drops rows and cascades the cache.
func (c *Controller) HandleGuildRemoved(ctx context.Context, ev GuildRemoved) error {
	if ev.Outage {
		c.state.MarkUnavailable(ev.ID)
		return nil
	}
	if err := c.db.RemoveGuild(ctx, ev.ID); err != nil {
		return err
	}
	c.state.RemoveGuild(ev.ID)
	return nil
}

func (c *Controller) HandleGuildRenamed(ctx context.Context, ev GuildRenamed) error {
	guild := c.state.Guild(ev.ID)
	if guild == nil || guild.Name() == ev.NewName {
		return nil
	}
	c.state.UpdateGuild(ev.ID, state.GuildUpdate{Name: state.Set(ev.NewName)})
	return nil
}

// HandleChannelRemoved reacts to an external deletion: the remote side is
// already gone, so no delete command is issued, but the row and every index
// entry are still purged.
func (c *Controller) HandleChannelRemoved(ctx context.Context, ev ChannelRemoved) error {
	switch {
	case c.state.JoinChannel(ev.ID) != nil:
		if err := c.db.RemoveJoinChannel(ctx, ev.ID); err != nil {
			return err
		}
		c.state.RemoveJoinChannel(ev.ID)
	case c.state.VoiceChannel(ev.ID) != nil:
		if err := c.db.RemoveVoiceChannel(ctx, ev.ID); err != nil {
			return err
		}
		c.state.RemoveVoiceChannel(ev.ID)
	}
	return nil
}

// HandleChannelConfigChanged folds externally observed attribute changes into
// the cache. Nothing here is persisted; the rows only carry lifecycle fields.
func (c *Controller) HandleChannelConfigChanged(ctx context.Context, ev ChannelConfigChanged) error {
	switch {
	case c.state.JoinChannel(ev.ID) != nil:
		c.state.UpdateJoinChannel(ev.ID, state.JoinChannelUpdate{
			Name:       ev.Name,
			Overwrites: ev.Overwrites,
		})
	case c.state.VoiceChannel(ev.ID) != nil:
		c.state.UpdateVoiceChannel(ev.ID, state.VoiceChannelUpdate{
			Bitrate:          ev.Bitrate,
			Name:             ev.Name,
			Overwrites:       ev.Overwrites,
			RateLimitPerUser: ev.RateLimitPerUser,
			RTCRegion:        ev.RTCRegion,
			UserLimit:        ev.UserLimit,
			VideoQualityMode: ev.VideoQualityMode,
		})
	}
	return nil
}

// HandleMemberLeft clears ownership held by the departed member. Only the
// owner field changes; the room itself stays (a permanent room simply becomes
// claimable again).
func (c *Controller) HandleMemberLeft(ctx context.Context, ev MemberLeftGuild) error {
	channelID, ok := c.state.Owner(ev.GuildID, ev.UserID)
	if !ok {
		return nil
	}
	if err := c.db.UpdateVoiceChannelOwner(ctx, channelID, ""); err != nil {
		return err
	}
	c.state.UpdateVoiceChannel(channelID, state.VoiceChannelUpdate{OwnerID: state.Clear[string]()})
	return nil
}

// HandleRoleRemoved clears the access role from any join channel configured
// with the deleted role.
func (c *Controller) HandleRoleRemoved(ctx context.Context, ev RoleRemoved) error {
	guild := c.state.Guild(ev.GuildID)
	if guild == nil {
		return nil
	}
	for _, channelID := range guild.JoinChannelIDs() {
		jc := c.state.JoinChannel(channelID)
		if jc == nil || jc.AccessRoleID() != ev.RoleID {
			continue
		}
		if err := c.db.UpdateJoinChannelAccessRole(ctx, channelID, ""); err != nil {
			return err
		}
		c.state.UpdateJoinChannel(channelID, state.JoinChannelUpdate{AccessRoleID: state.Clear[string]()})
	}
	return nil
}

// HandleVoicePresence is the creation and teardown driver. Leaving a tracked
// room may tear it down; entering a join channel provisions a fresh room for
// the user unless they already own one in the guild.
func (c *Controller) HandleVoicePresence(ctx context.Context, ev VoicePresenceChanged) error {
	if ev.Bot {
		return nil
	}
	guild := c.state.Guild(ev.GuildID)
	if guild == nil {
		return nil
	}

	if knownChannelID, ok := c.state.Presence(ev.GuildID, ev.UserID); ok {
		// Mute and deafen toggles re-report the channel the user is
		// already in; that is not movement.
		if knownChannelID == ev.ChannelID {
			return nil
		}
		c.state.RemovePresence(ev.GuildID, ev.UserID)
		if err := c.teardownIfEmpty(ctx, knownChannelID); err != nil {
			return err
		}
	}

	if ev.ChannelID == "" {
		return nil
	}
	c.state.InsertPresence(ev.GuildID, ev.UserID, ev.ChannelID)
	if _, owns := c.state.Owner(ev.GuildID, ev.UserID); owns {
		return nil
	}
	joinChannel := c.state.JoinChannel(ev.ChannelID)
	if joinChannel == nil {
		return nil
	}
	return c.provisionRoom(ctx, guild, joinChannel, ev.UserID, ev.Username)
}

// provisionRoom creates an ephemeral room for a user entering a join channel.
/// Ordering: remote create, durable row, cache insert, then relocate the user.
// A remote failure mutates nothing; a row failure after a successful create
// leaves an orphaned remote channel, which is accepted and reclaimed by the
// next snapshot reconciliation.
func (c *Controller) provisionRoom(ctx context.Context, guild *state.Guild, joinChannel *state.JoinChannel, userID, username string) error {
	name := roomName(username)
	privacy := joinChannel.Privacy()
	permanence := joinChannel.Permanence()
	parentID := joinChannel.ParentID()
	overwrites := privacyOverwrites(guild, privacy)

	created, err := c.prov.CreateVoiceChannel(ctx, guild.ID, name, parentID, overwrites)
	if err != nil {
		return fmt.Errorf("failed to create voice channel for %s: %w", userID, err)
	}

	if err := c.db.InsertVoiceChannel(ctx, storage.VoiceChannelRow{
		ID:         created.ID,
		GuildID:    guild.ID,
		Permanence: permanence,
		Privacy:    privacy,
	}); err != nil {
		return fmt.Errorf("failed to persist voice channel %s (remote channel orphaned until reconciliation): %w", created.ID, err)
	}

	bitrate := created.Bitrate
	if bitrate == 0 {
		bitrate = state.DefaultBitrate
	}
	c.state.InsertVoiceChannel(state.VoiceChannelParams{
		ID:               created.ID,
		GuildID:          guild.ID,
		Bitrate:          bitrate,
		Name:             name,
		Permanence:       permanence,
		Overwrites:       created.Overwrites,
		Privacy:          privacy,
		RateLimitPerUser: created.RateLimitPerUser,
		UserLimit:        created.UserLimit,
		VideoQualityMode: state.VideoQualityAuto,
	})

	if err := c.prov.MoveMember(ctx, guild.ID, userID, created.ID); err != nil {
		return fmt.Errorf("failed to move %s into %s: %w", userID, created.ID, err)
	}
	return nil
}
