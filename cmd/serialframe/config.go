package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kabili207/serialframe-go/device/link"
	"github.com/kabili207/serialframe-go/device/messager"
	"github.com/kabili207/serialframe-go/transport/mqtt"
	"github.com/kabili207/serialframe-go/transport/serial"
)

const (
	transportSerial = "serial"
	transportMQTT   = "mqtt"
)

type appConfig struct {
	Transport    string
	Serial       serial.Config
	MQTT         mqtt.Config
	RxBufferSize int
	TxBufferSize int
	PollInterval time.Duration
	LogLevel     slog.Level
}

func defaultAppConfig() appConfig {
	return appConfig{
		Transport: transportSerial,
		Serial: serial.Config{
			Options:     serial.PortOptions{BaudRate: serial.DefaultBaudRate},
			IdleTimeout: serial.DefaultIdleTimeout,
		},
		MQTT: mqtt.Config{
			TopicPrefix: mqtt.DefaultTopicPrefix,
		},
		RxBufferSize: link.DefaultBufferSize,
		TxBufferSize: link.DefaultBufferSize,
		PollInterval: messager.DefaultPollInterval,
		LogLevel:     slog.LevelInfo,
	}
}

type fileConfig struct {
	Transport    string           `toml:"transport"`
	LogLevel     string           `toml:"log_level"`
	RxBufferSize int              `toml:"rx_buffer_size"`
	TxBufferSize int              `toml:"tx_buffer_size"`
	PollInterval string           `toml:"poll_interval"`
	Serial       fileSerialConfig `toml:"serial"`
	MQTT         fileMQTTConfig   `toml:"mqtt"`
}

type fileSerialConfig struct {
	Port        string `toml:"port"`
	BaudRate    int    `toml:"baud_rate"`
	DataBits    int    `toml:"data_bits"`
	StopBits    int    `toml:"stop_bits"`
	Parity      string `toml:"parity"`
	IdleTimeout string `toml:"idle_timeout"`
}

type fileMQTTConfig struct {
	Broker      string `toml:"broker"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	UseTLS      bool   `toml:"use_tls"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	LinkID      string `toml:"link_id"`
}

func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("transport") {
		v := strings.ToLower(strings.TrimSpace(raw.Transport))
		switch v {
		case transportSerial, transportMQTT:
			cfg.Transport = v
		default:
			return appConfig{}, fmt.Errorf("unsupported transport %q: expected serial or mqtt", raw.Transport)
		}
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return appConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
	}

	if meta.IsDefined("rx_buffer_size") {
		cfg.RxBufferSize = raw.RxBufferSize
	}
	if meta.IsDefined("tx_buffer_size") {
		cfg.TxBufferSize = raw.TxBufferSize
	}

	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollInterval))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}

	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud_rate") {
		cfg.Serial.Options.BaudRate = raw.Serial.BaudRate
	}
	if meta.IsDefined("serial", "data_bits") {
		cfg.Serial.Options.DataBits = raw.Serial.DataBits
	}
	if meta.IsDefined("serial", "stop_bits") {
		cfg.Serial.Options.StopBits = raw.Serial.StopBits
	}
	if meta.IsDefined("serial", "parity") {
		cfg.Serial.Options.Parity = raw.Serial.Parity
	}
	if meta.IsDefined("serial", "idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Serial.IdleTimeout))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse serial.idle_timeout: %w", err)
		}
		cfg.Serial.IdleTimeout = d
	}
	opts, err := cfg.Serial.Options.Normalize()
	if err != nil {
		return appConfig{}, fmt.Errorf("serial options: %w", err)
	}
	cfg.Serial.Options = opts

	if meta.IsDefined("mqtt", "broker") {
		cfg.MQTT.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "username") {
		cfg.MQTT.Username = raw.MQTT.Username
	}
	if meta.IsDefined("mqtt", "password") {
		cfg.MQTT.Password = raw.MQTT.Password
	}
	if meta.IsDefined("mqtt", "use_tls") {
		cfg.MQTT.UseTLS = raw.MQTT.UseTLS
	}
	if meta.IsDefined("mqtt", "client_id") {
		cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	}
	if meta.IsDefined("mqtt", "topic_prefix") {
		if v := strings.Trim(strings.TrimSpace(raw.MQTT.TopicPrefix), "/"); v != "" {
			cfg.MQTT.TopicPrefix = v
		}
	}
	if meta.IsDefined("mqtt", "link_id") {
		cfg.MQTT.LinkID = strings.TrimSpace(raw.MQTT.LinkID)
	}

	return cfg, nil
}
