package main

import (
	"fmt"
	"os"
	"strings"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "embedchat"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	v        *viper.Viper
	settings Settings
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "embed-chat",
		Short:         "Terminal client for an embeddable streaming chat agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.initConfig(cmd); err != nil {
				return err
			}
			// the TUI owns the terminal, keep logs off stdout/stderr
			tui := cmd.Name() == "chat" && !a.v.GetBool("lines") && stdoutIsTerminal()
			return initLogger(a.v, tui)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (default: embedchat.yaml in ., $HOME/.embedchat, /etc/embedchat)")
	addSettingsFlags(flags)
	cobra.CheckErr(clay.InitGlazed(appName, root))

	root.AddCommand(
		a.newChatCommand(),
		a.newServeMockCommand(),
		a.newEventsCommand(),
		a.newConversationCommand(),
	)
	return root
}

func (a *app) initConfig(cmd *cobra.Command) error {
	v := a.v
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfg := v.GetString("config"); cfg != "" {
		v.SetConfigFile(cfg)
	} else {
		v.SetConfigName(appName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/." + appName)
		v.AddConfigPath("/etc/" + appName)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || v.GetString("config") != "" {
			return errors.Wrap(err, "read config")
		}
	}

	s, err := loadSettings(v)
	if err != nil {
		return err
	}
	a.settings = s
	return nil
}
