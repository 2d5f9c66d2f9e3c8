package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-board/globals"
)

const (
	defaultAddr              = ":3001"
	defaultLogLevel          = "INFO"
	defaultPersistenceType   = "buntdb"
	defaultPersistenceDSN    = "data.db"
	defaultQueueSize         = 1024
	defaultSweepSpec         = "@every 10m"
	defaultRoomTTL           = 24 * time.Hour
	defaultCodeTTL           = 24 * time.Hour
	defaultMissCacheSize     = 1024
	defaultMissCacheTTL      = 5 * time.Second
	defaultIdleGrace         = 10 * time.Minute
	defaultMessagesPerSecond = 200
	defaultMessageBurst      = 400
	defaultSendBufferSize    = 256
	defaultMaxMessageSize    = 1 << 20
)

// Config is the global configuration object which is filled via the configuration file, the environment and the
// command line flags.
type Config struct {
	Addr             string            `mapstructure:"addr"`
	LogLevel         string            `mapstructure:"log_level"`
	AllowedOrigins   []string          `mapstructure:"allowed_origins"`
	SSLCert          string            `mapstructure:"ssl_cert"`
	SSLKey           string            `mapstructure:"ssl_key"`
	StrokeFilter     string            `mapstructure:"stroke_filter"`
	Persistence      PersistenceConfig `mapstructure:"persistence"`
	RoomConfig       RoomConfig        `mapstructure:"room"`
	ConnectionConfig ConnectionConfig  `mapstructure:"connection"`
}

// PersistenceConfig configures the backing cache. Type is one of buntdb, gorm-sqlite, gorm-postgres, sqlite or
// postgres. For buntdb the DSN is the file name (or ":memory:").
type PersistenceConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	FlockPath string `mapstructure:"flock_path"` // buntdb only, defaults to <dsn>.lock
	QueueSize int    `mapstructure:"queue_size"`
	SweepSpec string `mapstructure:"sweep_spec"` // cron spec, empty disables the sweeper
}

// RoomConfig holds the retention settings of rooms and code buffers, and the negative cache used for joins to
// unknown rooms.
type RoomConfig struct {
	RoomTTL       time.Duration `mapstructure:"room_ttl"`
	CodeTTL       time.Duration `mapstructure:"code_ttl"`
	MissCacheSize int           `mapstructure:"miss_cache_size"`
	MissCacheTTL  time.Duration `mapstructure:"miss_cache_ttl"`
	IdleGrace     time.Duration `mapstructure:"idle_grace"` // rooms without users older than this are dropped from memory by the sweeper
}

type ConnectionConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
	SendBufferSize    int     `mapstructure:"send_buffer_size"`
	MaxMessageSize    int64   `mapstructure:"max_message_size"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("addr", "a", "", "listen address")
	flagSet.StringP("log-level", "l", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.StringSlice("allowed-origins", nil, "allowed CORS origins, empty allows all")
	flagSet.String("ssl-cert", "", "TLS certificate file")
	flagSet.String("ssl-key", "", "TLS key file")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("persistence.type", defaultPersistenceType)
	v.SetDefault("persistence.dsn", defaultPersistenceDSN)
	v.SetDefault("persistence.queue_size", defaultQueueSize)
	v.SetDefault("persistence.sweep_spec", defaultSweepSpec)
	v.SetDefault("room.room_ttl", defaultRoomTTL)
	v.SetDefault("room.code_ttl", defaultCodeTTL)
	v.SetDefault("room.miss_cache_size", defaultMissCacheSize)
	v.SetDefault("room.miss_cache_ttl", defaultMissCacheTTL)
	v.SetDefault("room.idle_grace", defaultIdleGrace)
	v.SetDefault("connection.messages_per_second", defaultMessagesPerSecond)
	v.SetDefault("connection.message_burst", defaultMessageBurst)
	v.SetDefault("connection.send_buffer_size", defaultSendBufferSize)
	v.SetDefault("connection.max_message_size", defaultMaxMessageSize)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. An empty configPath
// yields the defaults (plus environment and flags). It returns a Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		err := v.BindPFlags(flagSet)
		if err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix("LSBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, err
		}
	}
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, err
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}
