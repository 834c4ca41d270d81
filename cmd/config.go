package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/concrnt/socialnode/types"
)

type Config struct {
	Node     types.NodeConfig `mapstructure:"node"`
	Server   Server           `mapstructure:"server"`
	NodeInfo types.NodeInfo   `mapstructure:"nodeInfo"`
}

type Server struct {
	Dsn           string `mapstructure:"dsn"`
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisDB       int    `mapstructure:"redisDB"`
	MemcachedAddr string `mapstructure:"memcachedAddr"`
	EnableTrace   bool   `mapstructure:"enableTrace"`
	TraceEndpoint string `mapstructure:"traceEndpoint"`
	Port          string `mapstructure:"port"`
}

const defaultConfigPath = "/etc/socialnode/config.yaml"

// configPaths lists the files to merge, later files overriding earlier ones.
func configPaths(flagPath string) []string {
	paths := []string{}
	if flagPath != "" {
		paths = append(paths, flagPath)
	} else if env := os.Getenv("SOCIALNODE_CONFIG"); env != "" {
		paths = append(paths, env)
	}

	if additional := os.Getenv("SOCIALNODE_CONFIGS"); additional != "" {
		for _, p := range strings.Split(additional, ":") {
			if p != "" {
				paths = append(paths, p)
			}
		}
	}

	if len(paths) == 0 {
		paths = append(paths, defaultConfigPath)
	}
	return paths
}

// loadConfig merges the yaml files in order and applies SOCIALNODE_* overrides,
// e.g. SOCIALNODE_SERVER_DSN.
func loadConfig(paths []string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.redisAddr", "localhost:6379")
	v.SetDefault("node.deliveryTimeout", types.DefaultDeliveryTimeout)
	v.SetDefault("node.followSyncSchedule", "@every 5m")
	v.SetDefault("node.userAgent", "socialnode/"+version)

	for i, path := range paths {
		v.SetConfigFile(path)
		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return Config{}, errors.Wrap(err, "read config "+path)
		}
	}

	v.SetEnvPrefix("SOCIALNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}

	if config.Node.BaseURL == "" {
		return Config{}, errors.New("node.baseURL is required")
	}
	config.Node.BaseURL = strings.TrimRight(config.Node.BaseURL, "/")
	return config, nil
}
