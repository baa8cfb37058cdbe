// Package config loads noisemap settings from .env, an optional YAML file,
// NOISEMAP_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"noisemap/api"
	"noisemap/capture"
	"noisemap/codec"
	"noisemap/geo"
	"noisemap/internal/validate"
	"noisemap/loudness"
)

const EnvPrefix = "NOISEMAP"

type Config struct {
	APIBaseURL     string        `mapstructure:"api_base_url" validate:"required,url"`
	MaxDuration    time.Duration `mapstructure:"max_duration" validate:"min=1s,max=2m"`
	NoiseThreshold float64       `mapstructure:"noise_threshold" validate:"gt=0,lte=1"`
	StressMin      float64       `mapstructure:"stress_min" validate:"gte=0,lt=1"`
	StressMax      float64       `mapstructure:"stress_max" validate:"gtfield=StressMin,lte=1"`
	Format         string        `mapstructure:"format" validate:"oneof=wav flac"`
	Device         string        `mapstructure:"device"`
	Geo            GeoConfig     `mapstructure:"geo"`
	Latitude       float64       `mapstructure:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64       `mapstructure:"longitude" validate:"gte=-180,lte=180"`
	LogPath        string        `mapstructure:"log_path"`
	MetricsListen  string        `mapstructure:"metrics_listen" validate:"omitempty,hostname_port"`
	MQTT           MQTTConfig    `mapstructure:"mqtt"`
	Beep           bool          `mapstructure:"beep"`
}

type GeoConfig struct {
	Source       string        `mapstructure:"source" validate:"oneof=geoclue static"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"min=100ms,max=2m"`
	HighAccuracy bool          `mapstructure:"high_accuracy"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker" validate:"omitempty,url"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Options locate the configuration sources. Zero values use the defaults.
type Options struct {
	// ConfigFile is an explicit YAML path; it must exist when set.
	ConfigFile string
	// EnvFile is the dotenv file, ".env" by default. A missing file is ignored.
	EnvFile string
	// Flags are bound by name; see flagKeys.
	Flags *pflag.FlagSet
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"api-url":        "api_base_url",
	"max-duration":   "max_duration",
	"threshold":      "noise_threshold",
	"stress-min":     "stress_min",
	"stress-max":     "stress_max",
	"format":         "format",
	"device":         "device",
	"geo-source":     "geo.source",
	"geo-timeout":    "geo.timeout",
	"lat":            "latitude",
	"lng":            "longitude",
	"log-path":       "log_path",
	"metrics-listen": "metrics_listen",
	"mqtt-broker":    "mqtt.broker",
	"mqtt-topic":     "mqtt.topic",
	"beep":           "beep",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_base_url", api.DefaultBaseURL)
	v.SetDefault("max_duration", capture.DefaultMaxDuration)
	v.SetDefault("noise_threshold", loudness.DefaultThreshold)
	v.SetDefault("stress_min", loudness.DefaultStressMin)
	v.SetDefault("stress_max", loudness.DefaultStressMax)
	v.SetDefault("format", string(codec.FormatWAV))
	v.SetDefault("device", "")
	v.SetDefault("geo.source", "geoclue")
	v.SetDefault("geo.timeout", geo.DefaultTimeout)
	v.SetDefault("geo.high_accuracy", true)
	v.SetDefault("latitude", 0.0)
	v.SetDefault("longitude", 0.0)
	v.SetDefault("log_path", "")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "noisemap/checkins")
	v.SetDefault("mqtt.client_id", "noisemap")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("beep", true)
}

func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the web frontend's variable is accepted as a fallback
	if err := v.BindEnv("api_base_url", EnvPrefix+"_API_BASE_URL", "VITE_API_BASE_URL"); err != nil {
		return nil, err
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("noisemap")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "noisemap"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Geo.Source == "static" && c.Latitude == 0 && c.Longitude == 0 {
		return errors.New("invalid configuration: geo.source static needs latitude and longitude")
	}
	return nil
}

func (c *Config) Policy() loudness.Policy {
	return loudness.Policy{Threshold: c.NoiseThreshold}
}

func (c *Config) Mapper() loudness.ScoreMapper {
	return loudness.ScoreMapper{Min: c.StressMin, Max: c.StressMax}
}

func (c *Config) CodecFormat() codec.Format {
	return codec.Format(c.Format)
}

func (c *Config) GeoOptions() geo.Options {
	return geo.Options{HighAccuracy: c.Geo.HighAccuracy, Timeout: c.Geo.Timeout}
}
