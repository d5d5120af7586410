// Package config loads dashboard settings from defaults, an optional YAML
// file, PICPIC_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"picpic-dash/internal/events"
)

const (
	TransportMQTT   = "mqtt"
	TransportLibp2p = "libp2p"
	TransportMemory = "memory"

	envPrefix = "PICPIC"
)

type MQTT struct {
	URL             string        `mapstructure:"url"`
	ClientID        string        `mapstructure:"client_id"`
	KeepAlive       time.Duration `mapstructure:"keep_alive"`
	ReconnectPeriod time.Duration `mapstructure:"reconnect_period"`
}

type Libp2p struct {
	ListenAddrs     []string `mapstructure:"listen_addrs"`
	Bootstrap       []string `mapstructure:"bootstrap"`
	Rendezvous      string   `mapstructure:"rendezvous"`
	MDNS            bool     `mapstructure:"mdns"`
	IdentityKeyFile string   `mapstructure:"identity_key_file"`
	MeshTopic       string   `mapstructure:"mesh_topic"`
}

type Log struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

// Config is the complete dashboard configuration.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	StaticDir       string        `mapstructure:"static_dir"`
	APIBaseURL      string        `mapstructure:"api_base_url"`
	Transport       string        `mapstructure:"transport"`
	MQTT            MQTT          `mapstructure:"mqtt"`
	Libp2p          Libp2p        `mapstructure:"libp2p"`
	Topics          events.Topics `mapstructure:"topics"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	JobsLimit       int           `mapstructure:"jobs_limit"`
	DetailCacheSize int           `mapstructure:"detail_cache_size"`
	Log             Log           `mapstructure:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8090",
		StaticDir:  "",
		APIBaseURL: "http://localhost:8080",
		Transport:  TransportMQTT,
		MQTT: MQTT{
			URL:             "ws://broker.mqtt-dashboard.com:8000/mqtt",
			KeepAlive:       60 * time.Second,
			ReconnectPeriod: 5 * time.Second,
		},
		Libp2p: Libp2p{
			Rendezvous: "picpic-dash",
			MDNS:       true,
		},
		Topics:          events.DefaultTopics(),
		PollInterval:    5 * time.Second,
		JobsLimit:       20,
		DetailCacheSize: 64,
		Log:             Log{Level: "info", Color: true},
	}
}

// SetDefaults registers every key with v so environment variables are seen
// by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("static_dir", d.StaticDir)
	v.SetDefault("api_base_url", d.APIBaseURL)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("mqtt.url", d.MQTT.URL)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.keep_alive", d.MQTT.KeepAlive)
	v.SetDefault("mqtt.reconnect_period", d.MQTT.ReconnectPeriod)
	v.SetDefault("libp2p.listen_addrs", d.Libp2p.ListenAddrs)
	v.SetDefault("libp2p.bootstrap", d.Libp2p.Bootstrap)
	v.SetDefault("libp2p.rendezvous", d.Libp2p.Rendezvous)
	v.SetDefault("libp2p.mdns", d.Libp2p.MDNS)
	v.SetDefault("libp2p.identity_key_file", d.Libp2p.IdentityKeyFile)
	v.SetDefault("libp2p.mesh_topic", d.Libp2p.MeshTopic)
	v.SetDefault("topics.global", d.Topics.Global)
	v.SetDefault("topics.jobs", d.Topics.Jobs)
	v.SetDefault("topics.logs", d.Topics.Logs)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("jobs_limit", d.JobsLimit)
	v.SetDefault("detail_cache_size", d.DetailCacheSize)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.color", d.Log.Color)
}

// BindEnv wires PICPIC_* variables, plus the VITE_* names the browser build
// of the dashboard used for the broker and API locations.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("mqtt.url", envPrefix+"_MQTT_URL", "VITE_MQTT_URL"); err != nil {
		return errors.Wrap(err, "bind mqtt.url")
	}
	if err := v.BindEnv("api_base_url", envPrefix+"_API_BASE_URL", "VITE_API_BASE_URL"); err != nil {
		return errors.Wrap(err, "bind api_base_url")
	}
	return nil
}

// Load reads the optional config file and decodes v into a validated Config.
// An empty path searches ./picpic-dash.yaml and /etc/picpic-dash/.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("picpic-dash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/picpic-dash")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config file")
		}
		logrus.Debug("no config file found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the dashboard cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if _, err := url.ParseRequestURI(c.APIBaseURL); err != nil {
		return errors.Wrapf(err, "invalid api_base_url %q", c.APIBaseURL)
	}
	switch c.Transport {
	case TransportMQTT:
		if c.MQTT.URL == "" {
			return errors.New("mqtt.url is required for the mqtt transport")
		}
		if c.MQTT.KeepAlive <= 0 || c.MQTT.ReconnectPeriod <= 0 {
			return errors.New("mqtt.keep_alive and mqtt.reconnect_period must be positive")
		}
	case TransportLibp2p, TransportMemory:
	default:
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.Topics.Global == "" || c.Topics.Jobs == "" || c.Topics.Logs == "" {
		return errors.New("topics.global, topics.jobs and topics.logs are required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.JobsLimit <= 0 {
		return errors.New("jobs_limit must be positive")
	}
	if c.DetailCacheSize <= 0 {
		return errors.New("detail_cache_size must be positive")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// SetLogrus applies the log settings globally.
func (l Log) SetLogrus() {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   l.Color,
		DisableColors: !l.Color,
	})
}
