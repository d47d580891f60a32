package daemon

import (
	"fmt"

	"github.com/harun/convoy/internal/telegram"
	"github.com/harun/convoy/pkg/channels"
	"github.com/harun/convoy/pkg/gateway"
)

// initializeChannels builds the registry and every enabled channel, and
// routes confirmations of a session back to the channel that owns it.
func (d *Daemon) initializeChannels() error {
	cfg := d.config.Channels
	zl := d.logger.GetZerolog()

	d.channelRegistry = channels.NewRegistry(d.router.RouteMessage, &channels.Commands{
		Confirmations: d.confirmations,
		Reset:         d.resetSession,
	})

	if cfg.CLI.Enabled {
		d.cliChannel = channels.NewCLIChannel(d.in, d.out, cfg.CLI.SessionID)
		if err := d.registerChannel(d.cliChannel); err != nil {
			return err
		}
		d.confirmRouter.Route(channels.CLIName, d.cliChannel)
	}

	if cfg.Telegram.Enabled {
		bot, err := newTelegramBot(cfg.Telegram.BotToken, telegram.Options{
			AllowFrom:           cfg.Telegram.AllowFrom,
			GroupRequireMention: cfg.Telegram.GroupRequireMention,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot
		if err := d.registerChannel(bot); err != nil {
			return err
		}
		d.confirmRouter.Route(telegram.Name, bot)
	}

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Addr:          cfg.Gateway.Addr(),
			SharedSecret:  cfg.Gateway.SharedSecret,
			Sessions:      d.sessionMgr,
			Confirmations: d.confirmations,
			Runtime:       d.loop,
			Logger:        &zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
		if err := d.registerChannel(server); err != nil {
			return err
		}
		d.confirmRouter.Route(gateway.Name, server)
		// Operators watching the gateway can decide for any channel.
		d.confirmRouter.Fallback(server)
	}

	return nil
}

func (d *Daemon) registerChannel(ch channels.Channel) error {
	if err := d.channelRegistry.Register(ch); err != nil {
		return fmt.Errorf("failed to register channel %s: %w", ch.Name(), err)
	}
	d.logger.Info().Str("channel", ch.Name()).Msg("Channel registered")
	return nil
}
