package coremain

import (
	"errors"
	"time"

	"github.com/pmkol/https-dns/mlog"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	API      APIConfig      `yaml:"api"`
}

type ListenConfig struct {
	// Addr is the local udp address, e.g. "127.0.0.1:53".
	Addr string `yaml:"addr"`

	// MaxConcurrent limits in-flight queries. 0 means no limit.
	MaxConcurrent int `yaml:"max_concurrent"`
}

type UpstreamConfig struct {
	// URL of the DoH server. Must be https.
	URL string `yaml:"url"`

	// Bootstrap overrides the DoH endpoint used to resolve the host of URL.
	Bootstrap string `yaml:"bootstrap"`

	HTTP3   bool          `yaml:"http3"`
	Timeout time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Size            int           `yaml:"size"`
	NegativeTTL     time.Duration `yaml:"negative_ttl"`
	CleanerInterval time.Duration `yaml:"cleaner_interval"`
}

type APIConfig struct {
	// HTTP is the listen address of the admin api. Empty disables it.
	HTTP string `yaml:"http"`
}

const defaultListenAddr = "127.0.0.1:53"

var errMissingUpstream = errors.New("upstream url is required")

func defaultConfig() *Config {
	return &Config{
		Log: mlog.LogConfig{Level: "info"},
		Listen: ListenConfig{
			Addr: defaultListenAddr,
		},
		Upstream: UpstreamConfig{
			Timeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Size:            4096,
			NegativeTTL:     30 * time.Second,
			CleanerInterval: time.Minute,
		},
	}
}

func (c *Config) validate() error {
	if len(c.Upstream.URL) == 0 {
		return errMissingUpstream
	}
	return nil
}
