package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Backend struct {
	URL         string `mapstructure:"url"`
	RealtimeURL string `mapstructure:"realtime_url"`
	AnonKey     string `mapstructure:"anon_key"`
	AuthToken   string `mapstructure:"auth_token"`
}

type Media struct {
	Width     int `mapstructure:"width"`
	Height    int `mapstructure:"height"`
	FrameRate int `mapstructure:"frame_rate"`
	BitRate   int `mapstructure:"bit_rate"`
}

type CallOptions struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type Config struct {
	Mode     string      `mapstructure:"mode"`
	Port     int         `mapstructure:"port"`
	Secret   string      `mapstructure:"secret"`
	Identity string      `mapstructure:"identity"`
	Stun     []string    `mapstructure:"stun"`
	Backend  Backend     `mapstructure:"backend"`
	Media    Media       `mapstructure:"media"`
	Call     CallOptions `mapstructure:"call"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("stun", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.width", 1280)
	v.SetDefault("media.height", 720)
	v.SetDefault("media.frame_rate", 30)
	v.SetDefault("media.bit_rate", 1_500_000)
	v.SetDefault("call.ring_timeout", "60s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Backend: %s\n", cfg.Mode, cfg.Port, cfg.Backend.URL)
	return &cfg, nil
}
