// Package config holds the client configuration types and their loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Role decides which side opens the negotiation.
type Role string

const (
	// RoleOfferer creates an offer as soon as the control channel connects.
	RoleOfferer Role = "offerer"
	// RoleAnswerer waits for the remote offer and answers it.
	RoleAnswerer Role = "answerer"
)

// Config stores every parameter of a client run. Values come from an
// optional YAML file, then MORPH_* environment variables, then CLI flags.
type Config struct {
	Role Role `yaml:"role" env:"MORPH_ROLE" env-default:"offerer"`

	// SignalingURL is the WebSocket endpoint of the control channel.
	SignalingURL string `yaml:"signaling_url" env:"MORPH_SIGNALING_URL" env-default:"ws://127.0.0.1:8080/ws"`

	// ICEDirectoryURL serves the relay server list. When empty, STUNURLs are
	// used as a static list.
	ICEDirectoryURL string   `yaml:"ice_directory_url" env:"MORPH_ICE_DIRECTORY_URL"`
	STUNURLs        []string `yaml:"stun_urls" env:"MORPH_STUN_URLS" env-separator:"," env-default:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"MORPH_RECONNECT_DELAY" env-default:"3s"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"MORPH_PING_INTERVAL" env-default:"20s"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"MORPH_FETCH_TIMEOUT" env-default:"10s"`

	Media Media `yaml:"media"`

	Debug         bool          `yaml:"debug" env:"MORPH_DEBUG"`
	StatsInterval time.Duration `yaml:"stats_interval" env:"MORPH_STATS_INTERVAL" env-default:"10s"`
}

// Media replaces the engine's field-trial strings with explicit settings.
type Media struct {
	VideoCodec            string `yaml:"video_codec" env:"MORPH_VIDEO_CODEC" env-default:"VP8"`
	AudioCodec            string `yaml:"audio_codec" env:"MORPH_AUDIO_CODEC" env-default:"opus"`
	VideoStartBitrateKbps int    `yaml:"video_start_bitrate_kbps" env:"MORPH_VIDEO_START_BITRATE_KBPS"`
	AudioStartBitrateKbps int    `yaml:"audio_start_bitrate_kbps" env:"MORPH_AUDIO_START_BITRATE_KBPS" env-default:"32"`
	ReceiveAudio          bool   `yaml:"receive_audio" env:"MORPH_RECEIVE_AUDIO" env-default:"true"`
	ReceiveVideo          bool   `yaml:"receive_video" env:"MORPH_RECEIVE_VIDEO" env-default:"true"`
}

// Load reads path (if non-empty) and the environment into a Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleOfferer, RoleAnswerer:
	default:
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleOfferer, RoleAnswerer)
	}

	u, err := url.Parse(strings.TrimSpace(c.SignalingURL))
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("invalid signaling URL: %q", c.SignalingURL)
	}

	if c.ICEDirectoryURL != "" {
		u, err := url.Parse(c.ICEDirectoryURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid ICE directory URL: %q", c.ICEDirectoryURL)
		}
	} else if len(c.STUNURLs) == 0 {
		return errors.New("either an ICE directory URL or at least one STUN URL is required")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.Media.VideoCodec == "" || c.Media.AudioCodec == "" {
		return errors.New("video and audio codec names are required")
	}
	if c.Media.VideoStartBitrateKbps < 0 || c.Media.AudioStartBitrateKbps < 0 {
		return errors.New("start bitrates must not be negative")
	}

	return nil
}
