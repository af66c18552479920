package app

import (
	"context"

	"pulsecrypt/internal/config"
)

// Open loads the config file at path, applies environment overrides and
// builds the Wire. An empty path uses the defaults.
func Open(ctx context.Context, path string, opts Options) (*Wire, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewWire(ctx, cfg, opts)
}
