package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"voice-warden/internal/lifecycle"
)

// ChannelProvisioner executes channel and member mutations against Discord,
// paced by a shared limiter so lifecycle bursts (a popular join channel, a
// guild-wide reconcile) do not trip the REST rate limits.
type ChannelProvisioner struct {
	dg      *discordgo.Session
	limiter *rate.Limiter
}

func NewChannelProvisioner(dg *discordgo.Session) *ChannelProvisioner {
	return &ChannelProvisioner{
		dg:      dg,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

func (p *ChannelProvisioner) CreateVoiceChannel(ctx context.Context, guildID, name, parentID string, overwrites []*discordgo.PermissionOverwrite) (lifecycle.CreatedChannel, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return lifecycle.CreatedChannel{}, err
	}
	ch, err := p.dg.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildVoice,
		ParentID:             parentID,
		PermissionOverwrites: overwrites,
	})
	if err != nil {
		return lifecycle.CreatedChannel{}, err
	}
	return lifecycle.CreatedChannel{
		ID:               ch.ID,
		Bitrate:          ch.Bitrate,
		Overwrites:       ch.PermissionOverwrites,
		RateLimitPerUser: ch.RateLimitPerUser,
		UserLimit:        ch.UserLimit,
	}, nil
}

func (p *ChannelProvisioner) UpdateChannelOverwrites(ctx context.Context, channelID string, overwrites []*discordgo.PermissionOverwrite) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.dg.ChannelEdit(channelID, &discordgo.ChannelEdit{PermissionOverwrites: overwrites})
	return err
}

func (p *ChannelProvisioner) UpdateChannelPermission(ctx context.Context, channelID, subjectID string, subjectType discordgo.PermissionOverwriteType, allow, deny int64) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.dg.ChannelPermissionSet(channelID, subjectID, subjectType, allow, deny)
}

func (p *ChannelProvisioner) RemoveChannelPermission(ctx context.Context, channelID, subjectID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.dg.ChannelPermissionDelete(channelID, subjectID)
}

func (p *ChannelProvisioner) UpdateChannelSettings(ctx context.Context, channelID string, edit *discordgo.ChannelEdit) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.dg.ChannelEdit(channelID, edit)
	return err
}

func (p *ChannelProvisioner) DeleteChannel(ctx context.Context, channelID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.dg.ChannelDelete(channelID)
	return err
}

func (p *ChannelProvisioner) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	var target *string
	if channelID != "" {
		target = &channelID
	}
	return p.dg.GuildMemberMove(guildID, userID, target)
}
