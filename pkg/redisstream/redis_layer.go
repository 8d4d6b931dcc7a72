package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// Settings configures the optional Redis Streams event bus. When disabled,
// session events stay on an in-process GoChannel.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" mapstructure:"redis-enabled"`
	Addr     string `glazed:"redis-addr" mapstructure:"redis-addr"`
	Group    string `glazed:"redis-group" mapstructure:"redis-group"`
	Consumer string `glazed:"redis-consumer" mapstructure:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "embedchat",
		Consumer: "embed-chat-1",
	}
}

// NewParameterLayer describes the redis flags for commands that publish or
// tail session events.
func NewParameterLayer() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection("redis", "Redis Streams transport for session events",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(d.Enabled),
				fields.WithHelp("Publish session events to Redis Streams instead of in memory")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault(d.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault(d.Group),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault(d.Consumer),
				fields.WithHelp("Redis consumer name")),
		),
	)
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Addr == "" {
		s.Addr = d.Addr
	}
	if s.Group == "" {
		s.Group = d.Group
	}
	if s.Consumer == "" {
		s.Consumer = d.Consumer
	}
	return s
}
