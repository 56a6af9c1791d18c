package discord

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/command"
	"voice-warden/internal/config"
	"voice-warden/internal/journal"
	"voice-warden/internal/lifecycle"
	"voice-warden/internal/state"
	"voice-warden/internal/storage"
)

// Bot is the Discord front of the lifecycle controller: it owns the gateway
// session, translates gateway payloads into normalized lifecycle events, and
// dispatches slash commands.
type Bot struct {
	dg      *discordgo.Session
	cfg     *config.Config
	ctrl    *lifecycle.Controller
	journal *journal.Journal
}

// StartBot runs the Discord bot until ctx is canceled.
func StartBot(ctx context.Context, cfg *config.Config, store *state.Store, db *storage.Storage, jrnl *journal.Journal) error {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	b := &Bot{
		dg:      dg,
		cfg:     cfg,
		ctrl:    lifecycle.New(store, db, NewChannelProvisioner(dg)),
		journal: jrnl,
	}

	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates

	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onGuildCreate)
	dg.AddHandler(b.onGuildDelete)
	dg.AddHandler(b.onGuildUpdate)
	dg.AddHandler(b.onChannelDelete)
	dg.AddHandler(b.onChannelUpdate)
	dg.AddHandler(b.onGuildMemberRemove)
	dg.AddHandler(b.onGuildRoleDelete)
	dg.AddHandler(b.onVoiceStateUpdate)
	dg.AddHandler(b.onInteractionCreate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer dg.Close()

	<-ctx.Done()
	log.Println("[INFO] Shutdown signal received. Cleaning up...")
	return nil
}

func (b *Bot) isGuildBlacklisted(guildID string) bool {
	return slices.Contains(b.cfg.DiscordGuildBlacklist, guildID)
}

// onReady marks guilds Discord reports as unavailable; their cached records
// survive the outage. Blacklisted guilds are left immediately.
func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	for _, g := range r.Guilds {
		if b.isGuildBlacklisted(g.ID) {
			log.Printf("[INFO] Leaving blacklisted guild: %s", g.ID)
			if err := s.GuildLeave(g.ID); err != nil {
				log.Printf("[ERR] Failed to leave guild %s: %v", g.ID, err)
			}
			continue
		}
		if g.Unavailable {
			b.ctrl.State().MarkUnavailable(g.ID)
		}
	}
	log.Printf("[INFO] Discord bot %v is running.", s.State.User.Username)
}

// botRoleID finds the managed role the bot's integration carries in a guild.
func (b *Bot) botRoleID(s *discordgo.Session, g *discordgo.Guild) string {
	member, err := s.State.Member(g.ID, s.State.User.ID)
	if err != nil {
		member, err = s.GuildMember(g.ID, s.State.User.ID)
		if err != nil {
			log.Printf("[WARN] Failed to fetch own member in guild %s: %v", g.ID, err)
			return ""
		}
	}
	for _, roleID := range member.Roles {
		for _, role := range g.Roles {
			if role.ID == roleID && role.Managed {
				return role.ID
			}
		}
	}
	return ""
}

// onGuildCreate fires on join and on availability recovery. Without an
// identifiable bot role no overwrite pair can be built, so the guild is left.
func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if b.isGuildBlacklisted(g.ID) {
		log.Printf("[INFO] Leaving blacklisted guild: %s (%s)", g.ID, g.Name)
		if err := s.GuildLeave(g.ID); err != nil {
			log.Printf("[ERR] Failed to leave guild %s: %v", g.ID, err)
		}
		return
	}

	roleID := b.botRoleID(s, g.Guild)
	if roleID == "" {
		log.Printf("[WARN] No managed bot role in guild %s (%s), leaving", g.ID, g.Name)
		if err := s.GuildLeave(g.ID); err != nil {
			log.Printf("[ERR] Failed to leave guild %s: %v", g.ID, err)
		}
		return
	}

	snap := lifecycle.GuildSnapshot{
		ID:        g.ID,
		BotRoleID: roleID,
		Name:      g.Name,
	}
	for _, ch := range g.Channels {
		if ch.Type != discordgo.ChannelTypeGuildVoice {
			continue
		}
		snap.Channels = append(snap.Channels, lifecycle.ChannelSnapshot{
			ID:               ch.ID,
			Name:             ch.Name,
			Bitrate:          ch.Bitrate,
			Overwrites:       ch.PermissionOverwrites,
			RateLimitPerUser: ch.RateLimitPerUser,
			UserLimit:        ch.UserLimit,
			VideoQualityMode: state.VideoQualityAuto,
		})
	}
	for _, vs := range g.VoiceStates {
		snap.VoiceStates = append(snap.VoiceStates, lifecycle.PresenceSnapshot{
			UserID:    vs.UserID,
			ChannelID: vs.ChannelID,
		})
	}
	if err := b.ctrl.HandleGuildSnapshot(context.Background(), snap); err != nil {
		log.Printf("[ERR] Failed to reconcile guild %s: %v", g.ID, err)
		return
	}
	log.Printf("[INFO] Guild ready: %s (%s)", g.ID, g.Name)

	if b.cfg.InitSlashCommands {
		if err := b.registerCommands(g.ID); err != nil {
			log.Printf("[ERR] Failed to register commands for guild %s: %v", g.ID, err)
		}
	}
}

func (b *Bot) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	ev := lifecycle.GuildRemoved{ID: g.ID, Outage: g.Unavailable}
	if err := b.ctrl.HandleGuildRemoved(context.Background(), ev); err != nil {
		log.Printf("[ERR] Failed to handle removal of guild %s: %v", g.ID, err)
	}
}

func (b *Bot) onGuildUpdate(s *discordgo.Session, g *discordgo.GuildUpdate) {
	ev := lifecycle.GuildRenamed{ID: g.ID, NewName: g.Name}
	if err := b.ctrl.HandleGuildRenamed(context.Background(), ev); err != nil {
		log.Printf("[ERR] Failed to handle rename of guild %s: %v", g.ID, err)
	}
}

func (b *Bot) onChannelDelete(s *discordgo.Session, c *discordgo.ChannelDelete) {
	ev := lifecycle.ChannelRemoved{ID: c.ID}
	if err := b.ctrl.HandleChannelRemoved(context.Background(), ev); err != nil {
		log.Printf("[ERR] Failed to handle removal of channel %s: %v", c.ID, err)
	}
}

func (b *Bot) onChannelUpdate(s *discordgo.Session, c *discordgo.ChannelUpdate) {
	if c.Type != discordgo.ChannelTypeGuildVoice {
		return
	}
	ev := lifecycle.ChannelConfigChanged{
		ID:               c.ID,
		Name:             state.Set(c.Name),
		Overwrites:       state.Set(c.PermissionOverwrites),
		Bitrate:          state.Set(c.Bitrate),
		RateLimitPerUser: state.Set(c.RateLimitPerUser),
		UserLimit:        state.Set(c.UserLimit),
	}
	if err := b.ctrl.HandleChannelConfigChanged(context.Background(), ev); err != nil {
		log.Printf("[ERR] Failed to handle update of channel %s: %v", c.ID, err)
	}
}

func (b *Bot) onGuildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	ev := lifecycle.MemberLeftGuild{GuildID: m.GuildID, UserID: m.User.ID}
	if err := b.ctrl.HandleMemberLeft(context.Background(), ev); err != nil {
		log.Printf("[ERR] Failed to handle member %s leaving guild %s: %v", m.User.ID, m.GuildID, err)
	}
}

func (b *Bot) onGuildRoleDelete(s *discordgo.Session, r *discordgo.GuildRoleDelete) {
	ev := lifecycle.RoleRemoved{GuildID: r.GuildID, RoleID: r.RoleID}
	if err := b.ctrl.HandleRoleRemoved(context.Background(), ev); err != nil {
		log.Printf("[ERR] Failed to handle deletion of role %s in guild %s: %v", r.RoleID, r.GuildID, err)
	}
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	member, err := s.State.Member(v.GuildID, v.UserID)
	if err != nil {
		member, err = s.GuildMember(v.GuildID, v.UserID)
		if err != nil {
			log.Printf("[WARN] Failed to resolve member %s in guild %s: %v", v.UserID, v.GuildID, err)
			return
		}
	}
	ev := lifecycle.VoicePresenceChanged{
		GuildID:   v.GuildID,
		UserID:    v.UserID,
		Bot:       member.User.Bot,
		Username:  member.User.Username,
		ChannelID: v.ChannelID,
	}
	if err := b.ctrl.HandleVoicePresence(context.Background(), ev); err != nil {
		log.Printf("[ERR] Failed to handle voice presence of %s in guild %s: %v", v.UserID, v.GuildID, err)
	}
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	cmdName := i.ApplicationCommandData().Name
	cmd, ok := command.Get(cmdName)
	if !ok {
		log.Printf("[WARN] Unknown command: %s", cmdName)
		return
	}

	ctx := &command.SlashInteractionContext{
		Session:    s,
		Event:      i,
		Controller: b.ctrl,
		Journal:    b.journal,
	}
	if err := cmd.Run(ctx); err != nil {
		log.Printf("[ERR] Error running slash command /%s: %v", cmdName, err)
	}
}

// registerCommands overwrites the guild's command set with ours.
func (b *Bot) registerCommands(guildID string) error {
	appID := b.dg.State.User.ID
	if appID == "" {
		user, err := b.dg.User("@me")
		if err != nil {
			return err
		}
		appID = user.ID
	}

	var wanted []*discordgo.ApplicationCommand
	for _, cmd := range command.All() {
		if sp, ok := cmd.(command.SlashProvider); ok {
			if def := sp.SlashDefinition(); def != nil {
				wanted = append(wanted, def)
			}
		}
	}

	if _, err := b.dg.ApplicationCommandBulkOverwrite(appID, guildID, wanted); err != nil {
		return err
	}
	log.Printf("[DONE] Registered %d commands for guild %s", len(wanted), guildID)
	return nil
}
