package main

import (
	"github.com/matst80/shpthis/internal/directory"
	"github.com/matst80/shpthis/internal/obs"
)

// newDirectory returns the redis-backed directory when an address is configured.
func newDirectory(cfg Config) (directory.Directory, func(), error) {
	if cfg.RedisAddr == "" {
		obs.Info("directory.backend", obs.Fields{"type": "local"})
		return directory.Local{}, func() {}, nil
	}
	d, err := directory.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ClaimTTL)
	if err != nil {
		return nil, nil, err
	}
	obs.Info("directory.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr, "instance": d.InstanceID()})
	return d, func() { _ = d.Close() }, nil
}
