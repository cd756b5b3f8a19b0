package cache

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	rerrors "github.com/mirkobrombin/go-rcache/v1/errors"
)

// Config holds the store settings.
type Config struct {
	// RevalidateOnRead makes Get on a cached entry trigger a background
	// Update.
	RevalidateOnRead bool `mapstructure:"revalidateOnRead"`
}

// DefaultConfig returns the settings a new store starts with.
func DefaultConfig() Config {
	return Config{RevalidateOnRead: true}
}

// legacyKeys maps setting names of the original plugin to current ones.
var legacyKeys = map[string]string{
	"update-on-read": "revalidateOnRead",
}

// decodeSettings applies settings on top of cfg. Unknown keys are ignored
// and values are weakly typed, so "false" and 0 both disable a flag.
func decodeSettings(cfg Config, settings map[string]any) (Config, error) {
	normalized := make(map[string]any, len(settings))
	for k, v := range settings {
		if current, ok := legacyKeys[k]; ok {
			if _, set := settings[current]; set {
				continue
			}
			k = current
		}
		normalized[k] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(normalized); err != nil {
		return cfg, fmt.Errorf("%w: %v", rerrors.ErrInvalidSetting, err)
	}
	return cfg, nil
}
