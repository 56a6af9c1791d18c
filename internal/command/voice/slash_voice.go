package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/command"
	"voice-warden/internal/lifecycle"
	"voice-warden/internal/state"
)

type VoiceCommand struct{}

func (c *VoiceCommand) Name() string        { return "voice" }
func (c *VoiceCommand) Description() string { return "Manage your voice room" }
func (c *VoiceCommand) RequireAdmin() bool  { return false }

func memberOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        "member",
		Description: description,
		Required:    true,
	}
}

func minValue(v float64) *float64 { return &v }

func (c *VoiceCommand) SlashDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        c.Name(),
		Description: c.Description(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "claim",
				Description: "Claim the unowned voice room you are in",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "transfer",
				Description: "Transfer your voice room to another member",
				Options:     []*discordgo.ApplicationCommandOption{memberOption("The new owner")},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "delete",
				Description: "Delete your voice room",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "name",
				Description: "Rename your voice room",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "The new name",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "bitrate",
				Description: "Set the bitrate of your voice room",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "kbps",
						Description: "Bitrate in kbps (8-96)",
						Required:    true,
						MinValue:    minValue(8),
						MaxValue:    96,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "permanence",
				Description: "Set whether your voice room survives emptying",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "permanence",
						Description: "True to keep the room after it empties",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "privacy",
				Description: "Set the privacy of your voice room",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "level",
						Description: "The new privacy level",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "Invisible", Value: string(state.PrivacyInvisible)},
							{Name: "Locked (and visible)", Value: string(state.PrivacyLocked)},
							{Name: "Unlocked (and visible)", Value: string(state.PrivacyUnlocked)},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "user-limit",
				Description: "Cap how many members may connect (0 clears)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "limit",
						Description: "Member cap (0-99)",
						Required:    true,
						MinValue:    minValue(0),
						MaxValue:    99,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "slow-mode",
				Description: "Set the per-member message rate limit (0 clears)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "seconds",
						Description: "Seconds between messages (0-21600)",
						Required:    true,
						MinValue:    minValue(0),
						MaxValue:    21600,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "allow-member",
				Description: "Allow a member through your room's privacy gate",
				Options:     []*discordgo.ApplicationCommandOption{memberOption("The member to allow")},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "deny-member",
				Description: "Block a member from seeing or joining your room",
				Options:     []*discordgo.ApplicationCommandOption{memberOption("The member to block")},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove-member",
				Description: "Remove a member's standing in your room and disconnect them",
				Options:     []*discordgo.ApplicationCommandOption{memberOption("The member to remove")},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "view",
				Description: "View the settings of your voice room",
			},
		},
	}
}

func (c *VoiceCommand) Run(ctx interface{}) error {
	slash, ok := ctx.(*command.SlashInteractionContext)
	if !ok {
		return fmt.Errorf("wrong context type")
	}

	s := slash.Session
	e := slash.Event
	ctrl := slash.Controller

	data := e.ApplicationCommandData()
	if len(data.Options) == 0 {
		return command.RespondEphemeral(s, e, "Missing subcommand.")
	}
	sub := data.Options[0]
	bg := context.Background()
	userID := e.Member.User.ID

	switch sub.Name {
	case "claim":
		channelID, err := ctrl.Claim(bg, e.GuildID, userID)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("You are now the owner of <#%s>.", channelID))

	case "transfer":
		targetID, targetIsBot := targetMember(sub, data)
		channelID, err := ctrl.Transfer(bg, e.GuildID, userID, targetID, targetIsBot)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<@%s> is now the owner of <#%s>.", targetID, channelID))

	case "delete":
		channelID, err := ctrl.DeleteRoom(bg, e.GuildID, userID)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> has been deleted.", channelID))

	case "name":
		name := sub.Options[0].StringValue()
		channelID, err := ctrl.RenameRoom(bg, e.GuildID, userID, name)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> has been renamed to **%s**.", channelID, name))

	case "bitrate":
		kbps := int(sub.Options[0].IntValue())
		channelID, err := ctrl.SetRoomBitrate(bg, e.GuildID, userID, kbps)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> now runs at **%d kbps**.", channelID, kbps))

	case "permanence":
		permanence := sub.Options[0].BoolValue()
		channelID, err := ctrl.SetRoomPermanence(bg, e.GuildID, userID, permanence)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		if permanence {
			return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> will now survive emptying.", channelID))
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> will now be removed when it empties.", channelID))

	case "privacy":
		level := sub.Options[0].StringValue()
		channelID, err := ctrl.SetRoomPrivacy(bg, e.GuildID, userID, state.Privacy(level))
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> is now **%s**.", channelID, level))

	case "user-limit":
		limit := int(sub.Options[0].IntValue())
		channelID, err := ctrl.SetRoomUserLimit(bg, e.GuildID, userID, limit)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		if limit == 0 {
			return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> no longer has a member cap.", channelID))
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> is now capped at **%d** members.", channelID, limit))

	case "slow-mode":
		seconds := int(sub.Options[0].IntValue())
		channelID, err := ctrl.SetRoomSlowMode(bg, e.GuildID, userID, seconds)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		if seconds == 0 {
			return command.RespondEphemeral(s, e, fmt.Sprintf("Slow mode is off in <#%s>.", channelID))
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("Members in <#%s> may now send one message every **%d seconds**.", channelID, seconds))

	case "allow-member":
		targetID, targetIsBot := targetMember(sub, data)
		_, err := ctrl.AllowMember(bg, e.GuildID, userID, targetID, targetIsBot)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<@%s> is now allowed in your voice room.", targetID))

	case "deny-member":
		targetID, targetIsBot := targetMember(sub, data)
		_, err := ctrl.DenyMember(bg, e.GuildID, userID, targetID, targetIsBot)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<@%s> is now blocked from your voice room.", targetID))

	case "remove-member":
		targetID, targetIsBot := targetMember(sub, data)
		_, err := ctrl.EjectMember(bg, e.GuildID, userID, targetID, targetIsBot)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<@%s> has been removed from your voice room.", targetID))

	case "view":
		return c.runView(slash)

	default:
		return command.RespondEphemeral(s, e, fmt.Sprintf("Unknown subcommand: %s", sub.Name))
	}
}

func (c *VoiceCommand) runView(slash *command.SlashInteractionContext) error {
	s, e := slash.Session, slash.Event
	store := slash.Controller.State()

	channelID, ok := store.Owner(e.GuildID, e.Member.User.ID)
	if !ok {
		return command.RespondError(s, e, lifecycle.ErrNotOwner)
	}
	vc := store.VoiceChannel(channelID)
	if vc == nil {
		return command.RespondError(s, e, lifecycle.ErrUnknownVoiceChannel)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<#%s>\n", vc.ID)
	fmt.Fprintf(&sb, "Privacy: **%s**\n", vc.Privacy())
	fmt.Fprintf(&sb, "Bitrate: **%d kbps**\n", vc.Bitrate()/1000)
	if limit := vc.UserLimit(); limit > 0 {
		fmt.Fprintf(&sb, "Member cap: **%d**\n", limit)
	}
	if seconds := vc.RateLimitPerUser(); seconds > 0 {
		fmt.Fprintf(&sb, "Slow mode: **%d seconds**\n", seconds)
	}
	if vc.Permanence() {
		sb.WriteString("Survives emptying: **yes**\n")
	}
	fmt.Fprintf(&sb, "Connected members: **%d**", len(vc.ConnectedUserIDs()))
	return command.RespondEphemeral(s, e, sb.String())
}

// targetMember extracts the member option and whether it points at a bot.
func targetMember(sub *discordgo.ApplicationCommandInteractionDataOption, data discordgo.ApplicationCommandInteractionData) (string, bool) {
	var targetID string
	for _, opt := range sub.Options {
		if opt.Name == "member" {
			targetID, _ = opt.Value.(string)
		}
	}
	if data.Resolved != nil {
		if user, ok := data.Resolved.Users[targetID]; ok {
			return targetID, user.Bot
		}
	}
	return targetID, false
}

func init() {
	command.Register(
		command.ApplyMiddlewares(
			&VoiceCommand{},
			command.WithCommandLogger(),
			command.WithGuildOnly(),
		),
	)
}
