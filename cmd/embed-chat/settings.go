package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/embedchat/pkg/embedapi"
	"github.com/go-go-golems/embedchat/pkg/persistence/identitystore"
	"github.com/go-go-golems/embedchat/pkg/redisstream"
	"github.com/go-go-golems/embedchat/pkg/session"
	"github.com/go-go-golems/embedchat/pkg/transport"
)

// Settings is the resolved configuration shared by every command.
type Settings struct {
	APIURL         string        `mapstructure:"api-url"`
	SocketURL      string        `mapstructure:"socket-url"`
	UserID         string        `mapstructure:"user-id"`
	ClientKey      string        `mapstructure:"client-key"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	HTTPTimeout    time.Duration `mapstructure:"http-timeout"`
	EventsTopic    string        `mapstructure:"events-topic"`

	Identity identitystore.Settings `mapstructure:",squash"`
	Redis    redisstream.Settings   `mapstructure:",squash"`
}

func addSettingsFlags(flags *pflag.FlagSet) {
	flags.String("api-url", "http://localhost:3000", "Base URL of the embed REST API")
	flags.String("socket-url", "ws://localhost:4000/ws", "Websocket endpoint of the streaming server")
	flags.String("user-id", "123456789", "Static per-client identity sent as x-user-id")
	flags.String("client-key", "", "Key under which the active conversation is persisted (default: user-id)")
	flags.Duration("connect-timeout", 10*time.Second, "Websocket dial timeout")
	flags.Duration("http-timeout", 15*time.Second, "REST request timeout")
	flags.String("events-topic", session.DefaultEventsTopic, "Topic session events are published on")

	flags.String("identity-backend", identitystore.BackendFile, "Conversation identity store: file, sqlite, redis or memory")
	flags.String("identity-path", "", "Identity store file (default: $HOME/.embedchat/identity.yaml or identity.db)")
	flags.String("identity-redis-addr", redisstream.DefaultSettings().Addr, "Redis address for the redis identity backend")
}

// addRedisSection attaches the redis flags to commands that touch the event bus.
func addRedisSection(cmd *cobra.Command) {
	section, err := redisstream.NewParameterLayer()
	cobra.CheckErr(err)
	cs, ok := section.(schema.CobraSection)
	if !ok {
		cobra.CheckErr(errors.Errorf("section %s cannot register cobra flags", section.GetSlug()))
	}
	cobra.CheckErr(cs.AddSectionToCobraCommand(cmd))
}

func loadSettings(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	s.UserID = strings.TrimSpace(s.UserID)
	if s.UserID == "" {
		return Settings{}, errors.New("user-id must not be empty")
	}
	if strings.TrimSpace(s.ClientKey) == "" {
		s.ClientKey = s.UserID
	}
	if s.EventsTopic == "" {
		s.EventsTopic = session.DefaultEventsTopic
	}
	if s.Identity.Path == "" {
		s.Identity.Path = defaultIdentityPath(s.Identity.Backend)
	}
	path, err := homedir.Expand(s.Identity.Path)
	if err != nil {
		return Settings{}, errors.Wrap(err, "expand identity-path")
	}
	s.Identity.Path = path
	return s, nil
}

func defaultIdentityPath(backend string) string {
	name := "identity.yaml"
	if strings.EqualFold(backend, identitystore.BackendSQLite) {
		name = "identity.db"
	}
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join("."+appName, name)
	}
	return filepath.Join(home, "."+appName, name)
}

// openIdentity opens the configured identity store. A redis store on the same
// address as the event bus reuses shared instead of dialing again.
func (s Settings) openIdentity(shared redis.UniversalClient) (identitystore.Binding, error) {
	if shared != nil && strings.EqualFold(s.Identity.Backend, identitystore.BackendRedis) && s.Identity.RedisAddr == s.Redis.Addr {
		log.Debug().Str("component", "identitystore").Str("addr", s.Redis.Addr).Msg("sharing event bus redis client")
		return identitystore.Binding{Store: identitystore.NewRedisStoreWithClient(shared, ""), ClientKey: s.ClientKey}, nil
	}
	if strings.EqualFold(s.Identity.Backend, identitystore.BackendSQLite) {
		if err := os.MkdirAll(filepath.Dir(s.Identity.Path), 0o755); err != nil {
			return identitystore.Binding{}, errors.Wrap(err, "create identity directory")
		}
	}
	store, err := identitystore.Open(s.Identity)
	if err != nil {
		return identitystore.Binding{}, err
	}
	return identitystore.Binding{Store: store, ClientKey: s.ClientKey}, nil
}

func (s Settings) apiClient() (*embedapi.Client, error) {
	return embedapi.NewClient(s.APIURL, s.UserID, embedapi.WithTimeout(s.HTTPTimeout))
}

func (s Settings) newTransport() (*transport.Transport, error) {
	return transport.New(transport.Config{
		URL:            s.SocketURL,
		UserID:         s.UserID,
		ConnectTimeout: s.ConnectTimeout,
	})
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
