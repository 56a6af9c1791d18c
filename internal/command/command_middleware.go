package command

import (
	"log"
	"time"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/journal"
)

type Middleware func(Command) Command

func ApplyMiddlewares(cmd Command, middlewares ...Middleware) Command {
	for _, m := range middlewares {
		cmd = m(cmd)
	}
	return cmd
}

// WithGuildOnly drops invocations that arrive outside a guild.
func WithGuildOnly() Middleware {
	return func(cmd Command) Command {
		return &wrappedCommand{
			Command: cmd,
			wrap: func(ctx interface{}) error {
				if v, ok := ctx.(*SlashInteractionContext); ok {
					if v.Event.GuildID == "" || v.Event.Member == nil {
						return RespondEphemeral(v.Session, v.Event, "This command only works inside a server.")
					}
				}
				return cmd.Run(ctx)
			},
		}
	}
}

// WithCommandLogger wraps a command to journal its execution
func WithCommandLogger() Middleware {
	return func(cmd Command) Command {
		return &wrappedCommand{
			Command: cmd,
			wrap: func(ctx interface{}) error {
				err := cmd.Run(ctx)

				if v, ok := ctx.(*SlashInteractionContext); ok && v.Journal != nil && v.Event.Member != nil {
					user := v.Event.Member.User
					entry := journal.Entry{
						ChannelID: v.Event.ChannelID,
						UserID:    user.ID,
						Username:  user.Username,
						Command:   cmd.Name(),
						Datetime:  time.Now().UTC(),
					}
					if sub := subcommandName(v.Event); sub != "" {
						entry.Detail = sub
					}
					if e := v.Journal.Append(v.Event.GuildID, entry); e != nil {
						log.Printf("[WARN] Failed to journal command /%s: %v", cmd.Name(), e)
					}
				}

				return err
			},
		}
	}
}

type wrappedCommand struct {
	Command
	wrap func(ctx interface{}) error
}

func (w *wrappedCommand) Run(ctx interface{}) error {
	return w.wrap(ctx)
}

func (w *wrappedCommand) SlashDefinition() *discordgo.ApplicationCommand {
	if sp, ok := w.Command.(SlashProvider); ok {
		return sp.SlashDefinition()
	}
	return nil
}
