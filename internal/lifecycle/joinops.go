package lifecycle

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/state"
	"voice-warden/internal/storage"
)

// JoinChannelConfig carries the admin-supplied settings for a new join
// channel. Zero values mean: synthesized name, no access role, no category,
// ephemeral rooms, unlocked privacy.
type JoinChannelConfig struct {
	Name         string
	AccessRoleID string
	ParentID     string
	Permanence   bool
	Privacy      state.Privacy
}

// CreateJoinChannel provisions a new join channel and returns its id. Rooms
// spawned from it inherit its permanence and privacy.
func (c *Controller) CreateJoinChannel(ctx context.Context, guildID string, cfg JoinChannelConfig) (string, error) {
	guild := c.state.Guild(guildID)
	if guild == nil {
		return "", ErrUnknownGuild
	}
	count := guild.JoinChannelCount()
	if count >= MaxJoinChannels {
		return "", ErrJoinChannelLimit
	}
	if cfg.AccessRoleID == guild.BotRoleID || cfg.AccessRoleID == guild.ID {
		return "", ErrReservedRole
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("join-%d", count+1)
	}
	privacy := cfg.Privacy
	if privacy == "" {
		privacy = state.PrivacyUnlocked
	}

	overwrites := privacyOverwrites(guild, privacy)
	if cfg.AccessRoleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    cfg.AccessRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: privacy.Permissions(),
		})
	}

	created, err := c.prov.CreateVoiceChannel(ctx, guildID, name, cfg.ParentID, overwrites)
	if err != nil {
		return "", fmt.Errorf("failed to create join channel in guild %s: %w", guildID, err)
	}

	if err := c.db.InsertJoinChannel(ctx, storage.JoinChannelRow{
		ID:           created.ID,
		GuildID:      guildID,
		AccessRoleID: cfg.AccessRoleID,
		ParentID:     cfg.ParentID,
		Permanence:   cfg.Permanence,
		Privacy:      privacy,
	}); err != nil {
		return "", fmt.Errorf("failed to persist join channel %s (remote channel orphaned until reconciliation): %w", created.ID, err)
	}

	c.state.InsertJoinChannel(state.JoinChannelParams{
		ID:           created.ID,
		GuildID:      guildID,
		AccessRoleID: cfg.AccessRoleID,
		Name:         name,
		ParentID:     cfg.ParentID,
		Permanence:   cfg.Permanence,
		Overwrites:   created.Overwrites,
		Privacy:      privacy,
	})
	return created.ID, nil
}

// RemoveJoinChannel deletes a join channel. The remote delete is tolerant of
// the channel already being gone.
func (c *Controller) RemoveJoinChannel(ctx context.Context, channelID string) error {
	if c.state.JoinChannel(channelID) == nil {
		return ErrUnknownJoinChannel
	}
	if err := c.prov.DeleteChannel(ctx, channelID); err != nil {
		log.Printf("[WARN] Remote delete of join channel %s failed (continuing): %v", channelID, err)
	}
	if err := c.db.RemoveJoinChannel(ctx, channelID); err != nil {
		return err
	}
	c.state.RemoveJoinChannel(channelID)
	return nil
}

// SetJoinAccessRole replaces the access role; an empty roleID clears it.
// The role overwrite carries the allow bits of the channel's privacy level.
func (c *Controller) SetJoinAccessRole(ctx context.Context, guildID, channelID, roleID string) error {
	guild := c.state.Guild(guildID)
	if guild == nil {
		return ErrUnknownGuild
	}
	if roleID == guild.BotRoleID || roleID == guild.ID {
		return ErrReservedRole
	}
	jc := c.state.JoinChannel(channelID)
	if jc == nil {
		return ErrUnknownJoinChannel
	}
	current := jc.AccessRoleID()
	if current == roleID {
		return ErrNoChange
	}

	if current != "" {
		if err := c.prov.RemoveChannelPermission(ctx, channelID, current); err != nil {
			return err
		}
	}
	if roleID != "" {
		if err := c.prov.UpdateChannelPermission(ctx, channelID, roleID, discordgo.PermissionOverwriteTypeRole, jc.Privacy().Permissions(), 0); err != nil {
			return err
		}
	}

	if err := c.db.UpdateJoinChannelAccessRole(ctx, channelID, roleID); err != nil {
		return err
	}
	update := state.JoinChannelUpdate{AccessRoleID: state.Set(roleID)}
	if roleID == "" {
		update.AccessRoleID = state.Clear[string]()
	}
	c.state.UpdateJoinChannel(channelID, update)
	return nil
}

// SetJoinParent records the category new rooms are created under. This is a
// durable setting only; the join channel itself is not moved.
func (c *Controller) SetJoinParent(ctx context.Context, channelID, parentID string) error {
	jc := c.state.JoinChannel(channelID)
	if jc == nil {
		return ErrUnknownJoinChannel
	}
	if jc.ParentID() == parentID {
		return ErrNoChange
	}
	if err := c.db.UpdateJoinChannelParent(ctx, channelID, parentID); err != nil {
		return err
	}
	update := state.JoinChannelUpdate{ParentID: state.Set(parentID)}
	if parentID == "" {
		update.ParentID = state.Clear[string]()
	}
	c.state.UpdateJoinChannel(channelID, update)
	return nil
}

// RenameJoinChannel renames the channel remotely; the cache converges through
// the channel update notification.
func (c *Controller) RenameJoinChannel(ctx context.Context, channelID, name string) error {
	jc := c.state.JoinChannel(channelID)
	if jc == nil {
		return ErrUnknownJoinChannel
	}
	if jc.Name() == name {
		return ErrNoChange
	}
	return c.prov.UpdateChannelSettings(ctx, channelID, &discordgo.ChannelEdit{Name: name})
}

func (c *Controller) SetJoinPermanence(ctx context.Context, channelID string, permanence bool) error {
	jc := c.state.JoinChannel(channelID)
	if jc == nil {
		return ErrUnknownJoinChannel
	}
	if jc.Permanence() == permanence {
		return ErrNoChange
	}
	if err := c.db.UpdateJoinChannelPermanence(ctx, channelID, permanence); err != nil {
		return err
	}
	c.state.UpdateJoinChannel(channelID, state.JoinChannelUpdate{Permanence: state.Set(permanence)})
	return nil
}

// SetJoinPrivacy changes the privacy rooms are created with and re-aims the
// join channel's own role overwrites at the new gated bits: bot role allow,
// @everyone deny, access role (when set) allow.
func (c *Controller) SetJoinPrivacy(ctx context.Context, guildID, channelID string, privacy state.Privacy) error {
	guild := c.state.Guild(guildID)
	if guild == nil {
		return ErrUnknownGuild
	}
	jc := c.state.JoinChannel(channelID)
	if jc == nil {
		return ErrUnknownJoinChannel
	}
	if jc.Privacy() == privacy {
		return ErrNoChange
	}

	perms := privacy.Permissions()
	accessRoleID := jc.AccessRoleID()
	overwrites := jc.Overwrites()
	for _, ow := range overwrites {
		if ow.Type != discordgo.PermissionOverwriteTypeRole {
			continue
		}
		switch ow.ID {
		case guild.BotRoleID:
			ow.Allow = perms
		case guild.ID:
			ow.Deny = perms
		case accessRoleID:
			ow.Allow = perms
		}
	}
	if err := c.prov.UpdateChannelOverwrites(ctx, channelID, overwrites); err != nil {
		return err
	}

	if err := c.db.UpdateJoinChannelPrivacy(ctx, channelID, privacy); err != nil {
		return err
	}
	c.state.UpdateJoinChannel(channelID, state.JoinChannelUpdate{Privacy: state.Set(privacy)})
	return nil
}
