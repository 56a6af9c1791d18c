package lifecycle

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/state"
)

// ownedRoom resolves the caller's room through the owner index.
func (c *Controller) ownedRoom(guildID, userID string) (*state.VoiceChannel, error) {
	channelID, ok := c.state.Owner(guildID, userID)
	if !ok {
		return nil, ErrNotOwner
	}
	vc := c.state.VoiceChannel(channelID)
	if vc == nil {
		return nil, ErrUnknownVoiceChannel
	}
	return vc, nil
}

// Claim grants ownership of the room the user is connected to, provided it is
// unowned and the user owns nothing else in the guild. The claimant receives
// the allow bits of the room's privacy level so a later privacy change does
// not lock them out of their own room.
func (c *Controller) Claim(ctx context.Context, guildID, userID string) (string, error) {
	if _, owns := c.state.Owner(guildID, userID); owns {
		return "", ErrAlreadyOwner
	}
	channelID, ok := c.state.Presence(guildID, userID)
	if !ok {
		return "", ErrNotConnected
	}
	vc := c.state.VoiceChannel(channelID)
	if vc == nil {
		return "", ErrUnknownVoiceChannel
	}
	if vc.OwnerID() != "" {
		return "", ErrAlreadyOwned
	}

	if err := c.prov.UpdateChannelPermission(ctx, channelID, userID, discordgo.PermissionOverwriteTypeMember, vc.Privacy().Permissions(), 0); err != nil {
		return "", err
	}
	if err := c.db.UpdateVoiceChannelOwner(ctx, channelID, userID); err != nil {
		return "", err
	}
	c.state.UpdateVoiceChannel(channelID, state.VoiceChannelUpdate{OwnerID: state.Set(userID)})
	return channelID, nil
}

// Transfer hands the caller's room to another member by re-pointing the
// caller's member overwrite at the new owner.
func (c *Controller) Transfer(ctx context.Context, guildID, userID, targetID string, targetIsBot bool) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if targetID == userID || targetIsBot {
		return "", ErrBadTarget
	}

	overwrites := vc.Overwrites()
	for _, ow := range overwrites {
		if ow.Type == discordgo.PermissionOverwriteTypeMember && ow.ID == userID {
			ow.ID = targetID
		}
	}
	if err := c.prov.UpdateChannelOverwrites(ctx, vc.ID, overwrites); err != nil {
		return "", err
	}

	if err := c.db.UpdateVoiceChannelOwner(ctx, vc.ID, targetID); err != nil {
		return "", err
	}
	c.state.UpdateVoiceChannel(vc.ID, state.VoiceChannelUpdate{OwnerID: state.Set(targetID)})
	return vc.ID, nil
}

// DeleteRoom tears down the caller's room. Like emptiness teardown, the
// remote delete is tolerant of the channel already being gone.
func (c *Controller) DeleteRoom(ctx context.Context, guildID, userID string) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if err := c.prov.DeleteChannel(ctx, vc.ID); err != nil {
		log.Printf("[WARN] Remote delete of voice channel %s failed (continuing): %v", vc.ID, err)
	}
	if err := c.db.RemoveVoiceChannel(ctx, vc.ID); err != nil {
		return "", err
	}
	c.state.RemoveVoiceChannel(vc.ID)
	return vc.ID, nil
}

// RenameRoom renames the caller's room remotely; the cache converges through
// the channel update notification.
func (c *Controller) RenameRoom(ctx context.Context, guildID, userID, name string) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if vc.Name() == name {
		return "", ErrNoChange
	}
	return vc.ID, c.prov.UpdateChannelSettings(ctx, vc.ID, &discordgo.ChannelEdit{Name: name})
}

// SetRoomBitrate takes kbps and applies bps remotely.
func (c *Controller) SetRoomBitrate(ctx context.Context, guildID, userID string, kbps int) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	bitrate := kbps * 1000
	if vc.Bitrate() == bitrate {
		return "", ErrNoChange
	}
	return vc.ID, c.prov.UpdateChannelSettings(ctx, vc.ID, &discordgo.ChannelEdit{Bitrate: bitrate})
}

// SetRoomUserLimit caps how many members may connect; zero clears the cap.
func (c *Controller) SetRoomUserLimit(ctx context.Context, guildID, userID string, limit int) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if vc.UserLimit() == limit {
		return "", ErrNoChange
	}
	return vc.ID, c.prov.UpdateChannelSettings(ctx, vc.ID, &discordgo.ChannelEdit{UserLimit: limit})
}

// SetRoomSlowMode sets the per-user message rate limit in seconds; zero
// clears it.
func (c *Controller) SetRoomSlowMode(ctx context.Context, guildID, userID string, seconds int) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if vc.RateLimitPerUser() == seconds {
		return "", ErrNoChange
	}
	return vc.ID, c.prov.UpdateChannelSettings(ctx, vc.ID, &discordgo.ChannelEdit{RateLimitPerUser: &seconds})
}

// SetRoomPermanence flips whether the room survives emptying.
func (c *Controller) SetRoomPermanence(ctx context.Context, guildID, userID string, permanence bool) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if vc.Permanence() == permanence {
		return "", ErrNoChange
	}
	if err := c.db.UpdateVoiceChannelPermanence(ctx, vc.ID, permanence); err != nil {
		return "", err
	}
	c.state.UpdateVoiceChannel(vc.ID, state.VoiceChannelUpdate{Permanence: state.Set(permanence)})
	return vc.ID, nil
}

// SetRoomPrivacy re-aims every overwrite at the new gated bits: the owner and
// every individually allowed member keep access, individually denied members
// stay denied, the bot role keeps its allow and @everyone keeps its deny.
func (c *Controller) SetRoomPrivacy(ctx context.Context, guildID, userID string, privacy state.Privacy) (string, error) {
	guild := c.state.Guild(guildID)
	if guild == nil {
		return "", ErrUnknownGuild
	}
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if vc.Privacy() == privacy {
		return "", ErrNoChange
	}

	perms := privacy.Permissions()
	ownerID := vc.OwnerID()
	overwrites := vc.Overwrites()
	for _, ow := range overwrites {
		if ow.Type == discordgo.PermissionOverwriteTypeMember {
			if ow.ID == ownerID {
				ow.Allow = perms
			}
			if ow.Allow == 0 && ow.Deny == 0 {
				continue
			}
			if ow.Deny&discordgo.PermissionViewChannel != 0 {
				continue
			}
			ow.Allow = perms
		} else {
			if ow.ID == guild.BotRoleID {
				ow.Allow = perms
			}
			if ow.ID == guild.ID {
				ow.Deny = perms
			}
		}
	}
	if err := c.prov.UpdateChannelOverwrites(ctx, vc.ID, overwrites); err != nil {
		return "", err
	}

	if err := c.db.UpdateVoiceChannelPrivacy(ctx, vc.ID, privacy); err != nil {
		return "", err
	}
	c.state.UpdateVoiceChannel(vc.ID, state.VoiceChannelUpdate{Privacy: state.Set(privacy)})
	return vc.ID, nil
}

// memberPerms is what an individually allowed member receives. An unlocked
// room gates nothing, so the grant falls back to CONNECT to still mean
// something once the room locks.
func memberPerms(privacy state.Privacy) int64 {
	if perms := privacy.Permissions(); perms != 0 {
		return perms
	}
	return discordgo.PermissionVoiceConnect
}

// AllowMember grants a member the room's gated bits.
func (c *Controller) AllowMember(ctx context.Context, guildID, userID, targetID string, targetIsBot bool) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if targetID == userID || targetIsBot {
		return "", ErrBadTarget
	}

	perms := memberPerms(vc.Privacy())
	var allow, deny int64
	for _, ow := range vc.Overwrites() {
		if ow.Type == discordgo.PermissionOverwriteTypeMember && ow.ID == targetID {
			allow, deny = ow.Allow, ow.Deny
			break
		}
	}
	if allow&perms == perms {
		return "", ErrNoChange
	}

	mask := int64(discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect)
	allow = (allow &^ mask) | perms
	deny &^= mask
	return vc.ID, c.prov.UpdateChannelPermission(ctx, vc.ID, targetID, discordgo.PermissionOverwriteTypeMember, allow, deny)
}

// DenyMember blocks a member from seeing or joining the room.
func (c *Controller) DenyMember(ctx context.Context, guildID, userID, targetID string, targetIsBot bool) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if targetID == userID || targetIsBot {
		return "", ErrBadTarget
	}

	perms := memberPerms(vc.Privacy())
	var allow, deny int64
	for _, ow := range vc.Overwrites() {
		if ow.Type == discordgo.PermissionOverwriteTypeMember && ow.ID == targetID {
			allow, deny = ow.Allow, ow.Deny
			break
		}
	}
	if deny&perms == perms {
		return "", ErrNoChange
	}

	mask := int64(discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect)
	allow &^= mask
	deny = (deny &^ mask) | perms
	if err := c.prov.UpdateChannelPermission(ctx, vc.ID, targetID, discordgo.PermissionOverwriteTypeMember, allow, deny); err != nil {
		return "", err
	}

	if channelID, ok := c.state.Presence(guildID, targetID); ok && channelID == vc.ID {
		if err := c.prov.MoveMember(ctx, guildID, targetID, ""); err != nil {
			return "", err
		}
	}
	return vc.ID, nil
}

// EjectMember removes a member's individual overwrite and disconnects them if
// they are inside the room. Returns ErrNoChange when neither applied.
func (c *Controller) EjectMember(ctx context.Context, guildID, userID, targetID string, targetIsBot bool) (string, error) {
	vc, err := c.ownedRoom(guildID, userID)
	if err != nil {
		return "", err
	}
	if targetID == userID || targetIsBot {
		return "", ErrBadTarget
	}

	changed := false
	for _, ow := range vc.Overwrites() {
		if ow.Type == discordgo.PermissionOverwriteTypeMember && ow.ID == targetID {
			if err := c.prov.RemoveChannelPermission(ctx, vc.ID, targetID); err != nil {
				return "", err
			}
			changed = true
			break
		}
	}
	if channelID, ok := c.state.Presence(guildID, targetID); ok && channelID == vc.ID {
		if err := c.prov.MoveMember(ctx, guildID, targetID, ""); err != nil {
			return "", err
		}
		changed = true
	}
	if !changed {
		return "", ErrNoChange
	}
	return vc.ID, nil
}
