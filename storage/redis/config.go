package redis

import (
	redisv9 "github.com/redis/go-redis/v9"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

// Config configures a Redis-backed Store. It supports single-node, sentinel,
// and cluster topologies through the same UniversalClient dex's own Redis
// backend uses.
type Config struct {
	Addrs            []string `json:"addrs" yaml:"addrs"`
	Password         string   `json:"password" yaml:"password"`
	SentinelPassword string   `json:"sentinel_password" yaml:"sentinel_password"`
	MasterName       string   `json:"master_name" yaml:"master_name"`
}

func (c *Config) Open(logger log.Logger, encryptor storage.Encryptor) (storage.Store, error) {
	return c.open(logger, encryptor), nil
}

func (c *Config) open(logger log.Logger, encryptor storage.Encryptor) *client {
	opts := &redisv9.UniversalOptions{
		Addrs:            c.Addrs,
		Password:         c.Password,
		SentinelPassword: c.SentinelPassword,
		MasterName:       c.MasterName,
	}
	return &client{
		db:        redisv9.NewUniversalClient(opts),
		logger:    logger,
		encryptor: encryptor,
	}
}
