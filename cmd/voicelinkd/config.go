package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	engine "github.com/koscakluka/voicelink/core"
	"gopkg.in/yaml.v3"
)

// daemonConfig is read from the YAML file, then overridden by VOICELINK_*
// environment variables and finally by explicitly set flags.
type daemonConfig struct {
	Speech struct {
		// Provider is "websocket" for the voicelink frame protocol or
		// "deepgram" for Deepgram recognition and synthesis.
		Provider  string `yaml:"provider"`
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Transport string `yaml:"transport"`
		Path      string `yaml:"path"`
		Token     string `yaml:"token"`
	} `yaml:"speech"`

	Deepgram struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
		Voice  string `yaml:"voice"`
	} `yaml:"deepgram"`

	Groq struct {
		APIKey       string `yaml:"api_key"`
		Model        string `yaml:"model"`
		Instructions string `yaml:"instructions"`
	} `yaml:"groq"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		QoS      int    `yaml:"qos"`
	} `yaml:"mqtt"`

	DeviceID string `yaml:"device_id"`
	Methods  string `yaml:"methods"`
	LogLevel int    `yaml:"log_level"`

	ResponseDeadline time.Duration `yaml:"response_deadline"`
	PlaybackGrace    time.Duration `yaml:"playback_grace"`
	QueueCapacity    int           `yaml:"queue_capacity"`

	Audio struct {
		Enabled    bool `yaml:"enabled"`
		Microphone bool `yaml:"microphone"`
	} `yaml:"audio"`

	MetricsAddr string `yaml:"metrics_addr"`
}

const (
	providerWebsocket = "websocket"
	providerDeepgram  = "deepgram"
)

func defaultDaemonConfig() daemonConfig {
	cfg := daemonConfig{
		DeviceID:         "voicelink",
		Methods:          "asr|tts|nlp",
		LogLevel:         int(engine.LogInfo),
		ResponseDeadline: engine.DefaultResponseDeadline,
		PlaybackGrace:    engine.DefaultPlaybackGrace,
		QueueCapacity:    engine.DefaultQueueCapacity,
		MetricsAddr:      ":9464",
	}
	cfg.Speech.Provider = providerWebsocket
	cfg.Speech.Transport = "tls"
	cfg.Audio.Enabled = true
	cfg.Audio.Microphone = true
	return cfg
}

// loadConfig reads path over the defaults. A missing file is not an error
// when path was not set explicitly.
func loadConfig(path string, required bool) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing config %q: %v", engine.ErrConfig, path, err)
	}
	return cfg, nil
}

func (c *daemonConfig) applyEnv() {
	c.Speech.Provider = envOr("VOICELINK_SPEECH_PROVIDER", c.Speech.Provider)
	c.Speech.Host = envOr("VOICELINK_HOST", c.Speech.Host)
	c.Speech.Port = envIntOr("VOICELINK_PORT", c.Speech.Port)
	c.Speech.Transport = envOr("VOICELINK_TRANSPORT", c.Speech.Transport)
	c.Speech.Path = envOr("VOICELINK_PATH", c.Speech.Path)
	c.Speech.Token = envOr("VOICELINK_TOKEN", c.Speech.Token)

	c.Deepgram.APIKey = envOr("DEEPGRAM_API_KEY", c.Deepgram.APIKey)
	c.Groq.APIKey = envOr("GROQ_API_KEY", c.Groq.APIKey)

	c.MQTT.Broker = envOr("VOICELINK_BROKER", c.MQTT.Broker)
	c.MQTT.Username = envOr("VOICELINK_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = envOr("VOICELINK_MQTT_PASSWORD", c.MQTT.Password)

	c.DeviceID = envOr("VOICELINK_DEVICE_ID", c.DeviceID)
	c.Methods = envOr("VOICELINK_METHODS", c.Methods)
	c.LogLevel = envIntOr("VOICELINK_LOG_LEVEL", c.LogLevel)
	c.ResponseDeadline = envDurationOr("VOICELINK_RESPONSE_DEADLINE", c.ResponseDeadline)
	c.PlaybackGrace = envDurationOr("VOICELINK_PLAYBACK_GRACE", c.PlaybackGrace)
	c.QueueCapacity = envIntOr("VOICELINK_QUEUE_CAPACITY", c.QueueCapacity)
	c.Audio.Enabled = envBoolOr("VOICELINK_AUDIO", c.Audio.Enabled)
	c.MetricsAddr = envOr("VOICELINK_METRICS_ADDR", c.MetricsAddr)
}

func (c daemonConfig) engineConfig() (engine.Config, error) {
	switch c.Speech.Provider {
	case providerWebsocket:
	case providerDeepgram:
		if !c.Audio.Enabled || !c.Audio.Microphone {
			return engine.Config{}, fmt.Errorf("%w: the deepgram provider needs the microphone", engine.ErrConfig)
		}
		if c.Speech.Host == "" {
			c.Speech.Host = "api.deepgram.com"
		}
	default:
		return engine.Config{}, fmt.Errorf("%w: unknown speech provider %q", engine.ErrConfig, c.Speech.Provider)
	}

	transport, err := engine.ParseTransport(c.Speech.Transport)
	if err != nil {
		return engine.Config{}, err
	}
	methods, err := parseMethods(c.Methods)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		LogLevel:      engine.LogLevel(c.LogLevel),
		Host:          c.Speech.Host,
		Port:          c.Speech.Port,
		Transport:     transport,
		Methods:       methods,
		DeviceID:      c.DeviceID,
		QueueCapacity: c.QueueCapacity,
	}, nil
}

// parseMethods accepts names joined by "|" or ",", as printed by
// [engine.Method.String].
func parseMethods(raw string) (engine.Method, error) {
	var methods engine.Method
	for _, name := range strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "asr":
			methods |= engine.MethodASR
		case "tts":
			methods |= engine.MethodTTS
		case "nlp":
			methods |= engine.MethodNLP
		case "":
		default:
			return 0, fmt.Errorf("%w: unknown method %q", engine.ErrConfig, name)
		}
	}
	return methods, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
