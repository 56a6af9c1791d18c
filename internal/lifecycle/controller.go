// Package lifecycle drives creation, ownership and teardown of ephemeral
// voice rooms. It consumes normalized platform events and user commands,
// reads and mutates the state cache, and issues side effects through the
// Provisioner and Database collaborators. The write discipline everywhere is
// remote call, then durable row, then cache, so the cache is a lagging
// projection of remote and durable state, never ahead of it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/state"
	"voice-warden/internal/storage"
)

// Validation failures surfaced to the command layer. These are terminal for
// the single request and carry no retry semantics.
var (
	ErrUnknownGuild        = errors.New("guild is not cached")
	ErrUnknownJoinChannel  = errors.New("join channel is not cached")
	ErrUnknownVoiceChannel = errors.New("voice channel is not cached")
	ErrJoinChannelLimit    = errors.New("join channel limit reached")
	ErrReservedRole        = errors.New("role may not be used as an access role")
	ErrAlreadyOwner        = errors.New("user already owns a voice channel")
	ErrAlreadyOwned        = errors.New("voice channel already has an owner")
	ErrNotConnected        = errors.New("user is not connected to a voice channel")
	ErrNotOwner            = errors.New("user does not own a voice channel")
	ErrBadTarget           = errors.New("member is not a valid target")
	ErrNoChange            = errors.New("no change")
)

// MaxJoinChannels caps the number of join channels per guild.
const MaxJoinChannels = 3

// CreatedChannel is the provisioner's view of a freshly created channel.
type CreatedChannel struct {
	ID               string
	Bitrate          int
	Overwrites       []*discordgo.PermissionOverwrite
	RateLimitPerUser int
	UserLimit        int
}

// Provisioner executes channel and member operations against the platform.
// Implementations carry their own timeouts; the controller never retries.
type Provisioner interface {
	CreateVoiceChannel(ctx context.Context, guildID, name, parentID string, overwrites []*discordgo.PermissionOverwrite) (CreatedChannel, error)
	UpdateChannelOverwrites(ctx context.Context, channelID string, overwrites []*discordgo.PermissionOverwrite) error
	UpdateChannelPermission(ctx context.Context, channelID, subjectID string, subjectType discordgo.PermissionOverwriteType, allow, deny int64) error
	RemoveChannelPermission(ctx context.Context, channelID, subjectID string) error
	UpdateChannelSettings(ctx context.Context, channelID string, edit *discordgo.ChannelEdit) error
	DeleteChannel(ctx context.Context, channelID string) error
	// MoveMember relocates a member; an empty channelID disconnects them.
	MoveMember(ctx context.Context, guildID, userID, channelID string) error
}

// Database is the durable row store for join and voice channel records.
type Database interface {
	InsertJoinChannel(ctx context.Context, row storage.JoinChannelRow) error
	InsertVoiceChannel(ctx context.Context, row storage.VoiceChannelRow) error
	RemoveJoinChannel(ctx context.Context, id string) error
	RemoveVoiceChannel(ctx context.Context, id string) error
	RemoveGuild(ctx context.Context, guildID string) error
	RemoveUnknownChannels(ctx context.Context, guildID string, knownIDs []string) error
	UpdateJoinChannelAccessRole(ctx context.Context, id, accessRoleID string) error
	UpdateJoinChannelParent(ctx context.Context, id, parentID string) error
	UpdateJoinChannelPermanence(ctx context.Context, id string, permanence bool) error
	UpdateJoinChannelPrivacy(ctx context.Context, id string, privacy state.Privacy) error
	UpdateVoiceChannelOwner(ctx context.Context, id, ownerID string) error
	UpdateVoiceChannelPermanence(ctx context.Context, id string, permanence bool) error
	UpdateVoiceChannelPrivacy(ctx context.Context, id string, privacy state.Privacy) error
	GuildJoinChannels(ctx context.Context, guildID string) ([]storage.JoinChannelRow, error)
	GuildVoiceChannels(ctx context.Context, guildID string) ([]storage.VoiceChannelRow, error)
}

// Controller owns no entity records; it re-resolves every lookup after an
// external call returns, because the cache may have moved underneath it.
type Controller struct {
	state *state.Store
	db    Database
	prov  Provisioner
}

func New(store *state.Store, db Database, prov Provisioner) *Controller {
	return &Controller{state: store, db: db, prov: prov}
}

// State exposes the cache for read-only consumers (command rendering).
func (c *Controller) State() *state.Store {
	return c.state
}

// roomName synthesizes the room name for a user.
func roomName(username string) string {
	if strings.HasSuffix(username, "s") {
		return fmt.Sprintf("%s' voice", username)
	}
	return fmt.Sprintf("%s's voice", username)
}

// privacyOverwrites builds the base overwrite pair for a privacy level:
// the gated bits are denied to @everyone (whose role id equals the guild id)
// and allowed to the bot's managed role.
func privacyOverwrites(guild *state.Guild, privacy state.Privacy) []*discordgo.PermissionOverwrite {
	perms := privacy.Permissions()
	return []*discordgo.PermissionOverwrite{
		{
			ID:    guild.BotRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: perms,
		},
		{
			ID:   guild.ID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: perms,
		},
	}
}

// teardownIfEmpty removes a non-permanent, empty room. The remote delete is
// attempted first; its failure is logged and otherwise ignored, since the
// usual cause is the channel already being gone. Row removal failure aborts
// before the cache mutation.
func (c *Controller) teardownIfEmpty(ctx context.Context, channelID string) error {
	vc := c.state.VoiceChannel(channelID)
	if vc == nil {
		return nil
	}
	if vc.Permanence() || !vc.Empty() {
		return nil
	}
	if err := c.prov.DeleteChannel(ctx, channelID); err != nil {
		log.Printf("[WARN] Remote delete of voice channel %s failed (continuing): %v", channelID, err)
	}
	if err := c.db.RemoveVoiceChannel(ctx, channelID); err != nil {
		return err
	}
	c.state.RemoveVoiceChannel(channelID)
	return nil
}
