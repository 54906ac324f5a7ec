// Package call drives a simulated incoming phone call against a live
// voice agent: ringing, answering, duplex audio, and teardown.
package call

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the call lifecycle state.
type State int

const (
	// StateIdle is the initial state before the call starts ringing.
	StateIdle State = iota
	// StateRinging is the incoming-call indication.
	StateRinging
	// StateConnecting covers microphone acquisition and session setup.
	StateConnecting
	// StateActive is the live duplex conversation.
	StateActive
	// StateEnded is terminal; a new call needs a fresh Call value.
	StateEnded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRinging:
		return "RINGING"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Config holds all call configuration.
type Config struct {
	// Model is the remote voice agent model identifier.
	Model string `yaml:"model"`

	// SystemInstruction primes the agent for the conversation.
	SystemInstruction string `yaml:"system_instruction"`

	// Endpoint is the live websocket endpoint.
	Endpoint string `yaml:"endpoint"`

	// RingTimeoutMs is how long the call rings before auto-answer.
	// Default: 6000 (three rings).
	RingTimeoutMs int `yaml:"ring_timeout_ms"`

	// CaptureSampleRate is the outbound PCM rate in Hz. Default 16000.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// PlaybackSampleRate is the inbound PCM rate in Hz. Default 24000.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// FrameSize is the capture block size in samples. Default 4096.
	FrameSize int `yaml:"frame_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Model:              "gemini-2.5-flash-preview-native-audio-dialog",
		SystemInstruction:  "You are a helpful assistant in a phone call simulation. Respond naturally and conversationally.",
		Endpoint:           "wss://generativelanguage.googleapis.com/v1beta/live:streamGenerateContent",
		RingTimeoutMs:      6000,
		CaptureSampleRate:  16000,
		PlaybackSampleRate: 24000,
		FrameSize:          4096,
	}
}

// RingTimeout returns the ring timeout as a duration.
func (c Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutMs) * time.Millisecond
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if c.RingTimeoutMs <= 0 {
		return fmt.Errorf("ring_timeout_ms must be positive")
	}
	if c.CaptureSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be positive")
	}
	return nil
}
