package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/logging"
)

// LoadDotEnv loads environment variables from the given .env files before the config is read so
// that ${VAR} references resolve. Missing files are ignored.
func LoadDotEnv(logger logging.Logger, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load %q", path)
		}
		logger.Debugw("loaded environment file", "path", path)
	}
	return nil
}

// Read reads a config from the given file, substituting environment variables first.
func Read(
	ctx context.Context,
	filePath string,
	logger logging.Logger,
) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(
	ctx context.Context,
	originalPath string,
	r io.Reader,
	logger logging.Logger,
) (*Config, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, NewConfigError("", errors.Wrap(err, "failed to decode Config from json"))
	}

	cfg := Default()
	cfg.ConfigFilePath = originalPath
	md := &mapstructure.Metadata{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   cfg,
		Metadata: md,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, NewConfigError("", err)
	}
	for _, key := range md.Unused {
		logger.CWarnw(ctx, "ignoring unknown config key", "key", key)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.CDebugw(ctx, "config read", "path", originalPath, "source", cfg.Source.Type)
	return cfg, nil
}
