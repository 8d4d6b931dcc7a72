package main

import (
	"io"

	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// loggingSettings reads the flags registered by clay.InitGlazed through viper,
// so config file and environment values apply as well.
func loggingSettings(v *viper.Viper) (*logging.LoggingSettings, error) {
	section, err := logging.NewLoggingSection()
	if err != nil {
		return nil, err
	}
	defs := section.GetDefinitions()
	for _, name := range []string{"log-level", "log-format"} {
		def, ok := defs.Get(name)
		if !ok {
			continue
		}
		if _, err := def.CheckValueValidity(v.GetString(name)); err != nil {
			return nil, errors.Wrapf(err, "invalid --%s", name)
		}
	}

	path, err := homedir.Expand(v.GetString("log-file"))
	if err != nil {
		return nil, errors.Wrap(err, "expand log file path")
	}
	return &logging.LoggingSettings{
		WithCaller:          v.GetBool("with-caller"),
		LogLevel:            v.GetString("log-level"),
		LogFormat:           v.GetString("log-format"),
		LogFile:             path,
		LogToStdout:         v.GetBool("log-to-stdout"),
		LogstashEnabled:     v.GetBool("logstash-enabled"),
		LogstashHost:        v.GetString("logstash-host"),
		LogstashPort:        v.GetInt("logstash-port"),
		LogstashProtocol:    v.GetString("logstash-protocol"),
		LogstashAppName:     v.GetString("logstash-app-name"),
		LogstashEnvironment: v.GetString("logstash-environment"),
	}, nil
}

// initLogger configures the global zerolog logger. When quiet is set and no
// log file is configured, logs are discarded so they do not corrupt a
// full-screen UI.
func initLogger(v *viper.Viper, quiet bool) error {
	settings, err := loggingSettings(v)
	if err != nil {
		return err
	}
	if err := logging.InitLoggerFromSettings(settings); err != nil {
		return errors.Wrap(err, "init logger")
	}
	if quiet && settings.LogFile == "" {
		log.Logger = log.Output(io.Discard)
	}
	return nil
}
