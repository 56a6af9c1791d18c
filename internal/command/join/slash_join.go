package join

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/command"
	"voice-warden/internal/lifecycle"
	"voice-warden/internal/state"
)

var adminOnly int64 = discordgo.PermissionAdministrator

type JoinCommand struct{}

func (c *JoinCommand) Name() string        { return "join" }
func (c *JoinCommand) Description() string { return "Manage join channels that spawn voice rooms" }
func (c *JoinCommand) RequireAdmin() bool  { return true }

func channelOption(required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionChannel,
		Name:         "channel",
		Description:  "The join channel",
		Required:     required,
		ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice},
	}
}

func privacyOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "level",
		Description: description,
		Required:    true,
		Choices: []*discordgo.ApplicationCommandOptionChoice{
			{Name: "Invisible", Value: string(state.PrivacyInvisible)},
			{Name: "Locked (and visible)", Value: string(state.PrivacyLocked)},
			{Name: "Unlocked (and visible)", Value: string(state.PrivacyUnlocked)},
		},
	}
}

func (c *JoinCommand) SlashDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:                     c.Name(),
		Description:              c.Description(),
		DefaultMemberPermissions: &adminOnly,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "create",
				Description: "Create a join channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Channel name (defaults to join-N)",
					},
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "access-role",
						Description: "Role allowed through the privacy gate",
					},
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "category",
						Description:  "Category new voice rooms are created under",
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildCategory},
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "permanence",
						Description: "Whether spawned rooms survive emptying",
					},
					privacyOptional("Privacy of spawned voice rooms"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "access-role",
				Description: "Set or clear the access role of a join channel",
				Options: []*discordgo.ApplicationCommandOption{
					channelOption(true),
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "role",
						Description: "The new access role (omit to clear)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "category",
				Description: "Set or clear the category rooms are created under",
				Options: []*discordgo.ApplicationCommandOption{
					channelOption(true),
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "category",
						Description:  "The new category (omit to clear)",
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildCategory},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "name",
				Description: "Rename a join channel",
				Options: []*discordgo.ApplicationCommandOption{
					channelOption(true),
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
				Name:        "permanence",
				Description: "Set whether spawned rooms survive emptying",
				Options: []*discordgo.ApplicationCommandOption{
					channelOption(true),
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "permanence",
						Description: "True to keep spawned rooms after they empty",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "privacy",
				Description: "Set the privacy of spawned voice rooms",
				Options: []*discordgo.ApplicationCommandOption{
					channelOption(true),
					privacyOption("The new privacy level"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Delete a join channel",
				Options:     []*discordgo.ApplicationCommandOption{channelOption(true)},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "view",
				Description: "View the join channels of this server",
			},
		},
	}
}

func privacyOptional(description string) *discordgo.ApplicationCommandOption {
	opt := privacyOption(description)
	opt.Required = false
	return opt
}

func (c *JoinCommand) Run(ctx interface{}) error {
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

	switch sub.Name {
	case "create":
		cfg := lifecycle.JoinChannelConfig{}
		for _, opt := range sub.Options {
			switch opt.Name {
			case "name":
				cfg.Name = opt.StringValue()
			case "access-role":
				cfg.AccessRoleID, _ = opt.Value.(string)
			case "category":
				cfg.ParentID, _ = opt.Value.(string)
			case "permanence":
				cfg.Permanence = opt.BoolValue()
			case "level":
				cfg.Privacy = state.Privacy(opt.StringValue())
			}
		}
		channelID, err := ctrl.CreateJoinChannel(bg, e.GuildID, cfg)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> is ready. Joining it spawns a voice room.", channelID))

	case "access-role":
		channelID, roleID := subOptions(sub, "channel", "role")
		err := ctrl.SetJoinAccessRole(bg, e.GuildID, channelID, roleID)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		if roleID == "" {
			return command.RespondEphemeral(s, e, fmt.Sprintf("The access role for <#%s> has been removed.", channelID))
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("The access role for <#%s> is now <@&%s>.", channelID, roleID))

	case "category":
		channelID, parentID := subOptions(sub, "channel", "category")
		err := ctrl.SetJoinParent(bg, channelID, parentID)
		if err != nil {
			return command.RespondError(s, e, err)
		}
		if parentID == "" {
			return command.RespondEphemeral(s, e, fmt.Sprintf("Voice rooms from <#%s> are no longer created under a category.", channelID))
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("Voice rooms from <#%s> are now created under <#%s>.", channelID, parentID))

	case "name":
		channelID, name := subOptions(sub, "channel", "name")
		if err := ctrl.RenameJoinChannel(bg, channelID, name); err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("<#%s> has been renamed to **%s**.", channelID, name))

	case "permanence":
		var channelID string
		var permanence bool
		for _, opt := range sub.Options {
			switch opt.Name {
			case "channel":
				channelID, _ = opt.Value.(string)
			case "permanence":
				permanence = opt.BoolValue()
			}
		}
		if err := ctrl.SetJoinPermanence(bg, channelID, permanence); err != nil {
			return command.RespondError(s, e, err)
		}
		if permanence {
			return command.RespondEphemeral(s, e, fmt.Sprintf("**New** voice rooms from <#%s> will now survive emptying.", channelID))
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("**New** voice rooms from <#%s> will now be removed when they empty.", channelID))

	case "privacy":
		channelID, level := subOptions(sub, "channel", "level")
		if err := ctrl.SetJoinPrivacy(bg, e.GuildID, channelID, state.Privacy(level)); err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, fmt.Sprintf("**New** voice rooms from <#%s> will now be **%s**.", channelID, level))

	case "remove":
		channelID, _ := subOptions(sub, "channel", "")
		if err := ctrl.RemoveJoinChannel(bg, channelID); err != nil {
			return command.RespondError(s, e, err)
		}
		return command.RespondEphemeral(s, e, "The join channel has been removed.")

	case "view":
		return c.runView(slash)

	default:
		return command.RespondEphemeral(s, e, fmt.Sprintf("Unknown subcommand: %s", sub.Name))
	}
}

func (c *JoinCommand) runView(slash *command.SlashInteractionContext) error {
	s, e := slash.Session, slash.Event
	store := slash.Controller.State()

	guild := store.Guild(e.GuildID)
	if guild == nil {
		return command.RespondError(s, e, lifecycle.ErrUnknownGuild)
	}
	channelIDs := guild.JoinChannelIDs()
	if len(channelIDs) == 0 {
		return command.RespondEphemeral(s, e, "This server has no join channels yet.")
	}

	var sb strings.Builder
	for _, id := range channelIDs {
		jc := store.JoinChannel(id)
		if jc == nil {
			continue
		}
		fmt.Fprintf(&sb, "<#%s> — privacy **%s**", id, jc.Privacy())
		if jc.Permanence() {
			sb.WriteString(", permanent rooms")
		}
		if roleID := jc.AccessRoleID(); roleID != "" {
			fmt.Fprintf(&sb, ", access role <@&%s>", roleID)
		}
		if parentID := jc.ParentID(); parentID != "" {
			fmt.Fprintf(&sb, ", category <#%s>", parentID)
		}
		sb.WriteString("\n")
	}
	return command.RespondEphemeral(s, e, sb.String())
}

// subOptions pulls the channel id plus one named option out of a subcommand.
func subOptions(sub *discordgo.ApplicationCommandInteractionDataOption, channelName, otherName string) (string, string) {
	var channelID, other string
	for _, opt := range sub.Options {
		switch opt.Name {
		case channelName:
			channelID, _ = opt.Value.(string)
		case otherName:
			if opt.Type == discordgo.ApplicationCommandOptionString {
				other = opt.StringValue()
			} else {
				other, _ = opt.Value.(string)
			}
		}
	}
	return channelID, other
}

func init() {
	command.Register(
		command.ApplyMiddlewares(
			&JoinCommand{},
			command.WithCommandLogger(),
			command.WithGuildOnly(),
		),
	)
}
