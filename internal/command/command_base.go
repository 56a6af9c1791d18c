package command

import (
	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/journal"
	"voice-warden/internal/lifecycle"
)

type Command interface {
	Name() string
	Description() string
	RequireAdmin() bool
	Run(ctx interface{}) error
}

// SlashProvider - how this command should be registered with Discord
type SlashProvider interface {
	SlashDefinition() *discordgo.ApplicationCommand
}

// SlashInteractionContext - what runtime hands you when executing a command
type SlashInteractionContext struct {
	Session    *discordgo.Session
	Event      *discordgo.InteractionCreate
	Controller *lifecycle.Controller
	Journal    *journal.Journal
}
