package config

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisConfig holds connection tuning. Where to connect comes from a redis://[:password@]host[,host]/<db> URL.
type RedisConfig struct {
	// Set for a sentinel-managed deployment; the URL hosts are then the sentinels
	MasterName   string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// UniversalOptions combines the tuning in rc with the address, database and password carried by redisURL.
func (rc RedisConfig) UniversalOptions(redisURL string) (*redis.UniversalOptions, error) {
	u, err := url.Parse(redisURL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if u.Scheme != "redis" || u.Host == "" {
		return nil, errors.Errorf("%s is not a redis://host:port URL", redisURL)
	}
	options := &redis.UniversalOptions{
		Addrs:        strings.Split(u.Host, ","),
		MasterName:   rc.MasterName,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		IdleTimeout:  rc.IdleTimeout,
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 || n > 15 {
			return nil, errors.Errorf("invalid redis database %q in %s", db, redisURL)
		}
		options.DB = n
	}
	if password, ok := u.User.Password(); ok {
		options.Password = password
	}
	return options, nil
}
