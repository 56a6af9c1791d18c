package command

import (
	"errors"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/lifecycle"
)

const EmbedColor = 0xF8F8FF

// RespondEphemeral answers an interaction with an embed only its invoker
// sees. Every lifecycle command responds this way.
func RespondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, description string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{{
				Description: description,
				Color:       EmbedColor,
			}},
			Flags: discordgo.MessageFlagsEphemeral,
		},
	})
}

// RespondError renders lifecycle validation failures as user-facing text.
// Anything unrecognized is reported generically and returned to the caller
// for logging.
func RespondError(s *discordgo.Session, i *discordgo.InteractionCreate, err error) error {
	var description string
	switch {
	case errors.Is(err, lifecycle.ErrUnknownGuild):
		description = "I have no record of this server yet. Try again shortly."
	case errors.Is(err, lifecycle.ErrUnknownJoinChannel):
		description = "I could not find that join channel."
	case errors.Is(err, lifecycle.ErrUnknownVoiceChannel):
		description = "I could not find your voice channel."
	case errors.Is(err, lifecycle.ErrJoinChannelLimit):
		description = "This server has a limit of **three** join channels and is already at the limit."
	case errors.Is(err, lifecycle.ErrReservedRole):
		description = "This role may not be used as an access role."
	case errors.Is(err, lifecycle.ErrAlreadyOwner):
		description = "You already own a voice channel in this server."
	case errors.Is(err, lifecycle.ErrAlreadyOwned):
		description = "This voice channel already has an owner."
	case errors.Is(err, lifecycle.ErrNotConnected):
		description = "You are not connected to a voice channel I manage."
	case errors.Is(err, lifecycle.ErrNotOwner):
		description = "You do not own a voice channel."
	case errors.Is(err, lifecycle.ErrBadTarget):
		description = "That member is not a valid target for this command."
	case errors.Is(err, lifecycle.ErrNoChange):
		description = "No change has been made."
	default:
		_ = RespondEphemeral(s, i, "Something went wrong on my end. Try again in a few minutes.")
		return err
	}
	return RespondEphemeral(s, i, description)
}

func subcommandName(i *discordgo.InteractionCreate) string {
	if i.Type != discordgo.InteractionApplicationCommand {
		return ""
	}
	options := i.ApplicationCommandData().Options
	if len(options) == 0 || options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return ""
	}
	return options[0].Name
}
