package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koscakluka/voicelink/core/events"
)

const (
	DefaultQueueCapacity    = 16
	DefaultIntentCapacity   = 8
	DefaultEnqueueWait      = 20 * time.Millisecond
	DefaultResponseDeadline = 8 * time.Second
	DefaultPlaybackGrace    = 3 * time.Second
	DefaultMediaChunkSize   = 4096
)

// Transport selects how the session client reaches the speech service.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportTCP
	TransportTLS
	TransportWSS
)

func (t Transport) String() string {
	switch t {
	case TransportUnknown:
		return "unknown"
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	case TransportWSS:
		return "wss"
	}
	return fmt.Sprintf("transport(%d)", int(t))
}

// ParseTransport accepts the names returned by [Transport.String].
func ParseTransport(name string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "unknown":
		return TransportUnknown, nil
	case "tcp":
		return TransportTCP, nil
	case "tls", "ssl":
		return TransportTLS, nil
	case "wss", "websocket-tls":
		return TransportWSS, nil
	}
	return TransportUnknown, fmt.Errorf("%w: unknown transport %q", ErrConfig, name)
}

// DefaultPort is the port used when none is configured.
func (t Transport) DefaultPort() int {
	if t == TransportTCP {
		return 80
	}
	return 443
}

// Method is a bitmask of the services requested for every turn.
type Method int

const (
	MethodASR Method = 1 << iota
	MethodTTS
	MethodNLP

	MethodsDefault = MethodASR | MethodTTS | MethodNLP
)

func (m Method) Has(method Method) bool { return m&method == method }

func (m Method) String() string {
	names := []string{}
	if m.Has(MethodASR) {
		names = append(names, "asr")
	}
	if m.Has(MethodTTS) {
		names = append(names, "tts")
	}
	if m.Has(MethodNLP) {
		names = append(names, "nlp")
	}
	return strings.Join(names, "|")
}

// LogLevel follows the device convention 0:E 1:W 2:I 3:D 4:V.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogVerbose
)

func (l LogLevel) slogLevel() slog.Level {
	switch {
	case l <= LogError:
		return slog.LevelError
	case l == LogWarn:
		return slog.LevelWarn
	case l == LogInfo:
		return slog.LevelInfo
	case l == LogDebug:
		return slog.LevelDebug
	}
	return slog.LevelDebug - 4
}

// EventHandler receives public events on the dispatcher goroutine. A
// returned error is logged and otherwise ignored.
type EventHandler func(events.Event) error

type Config struct {
	LogLevel LogLevel

	Host     string
	Port     int
	AuthHost string
	AuthPort int

	EventHandler EventHandler
	Transport    Transport
	Methods      Method

	// DeviceID derives the channel topics when they are not set explicitly.
	DeviceID       string
	PublishTopic   string
	SubscribeTopic string

	QueueCapacity int

	UserData any
}

func (c *Config) normalize() error {
	c.Host = strings.TrimSpace(c.Host)
	c.AuthHost = strings.TrimSpace(c.AuthHost)
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrConfig)
	}
	if c.Transport < TransportUnknown || c.Transport > TransportWSS {
		return fmt.Errorf("%w: unsupported transport %s", ErrConfig, c.Transport)
	}

	if c.Port == 0 {
		c.Port = c.Transport.DefaultPort()
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfig, c.Port)
	}
	if c.AuthHost == "" {
		c.AuthHost = c.Host
	}
	if c.AuthPort == 0 {
		c.AuthPort = c.Transport.DefaultPort()
	}
	if c.AuthPort < 0 || c.AuthPort > 65535 {
		return fmt.Errorf("%w: auth port %d out of range", ErrConfig, c.AuthPort)
	}

	if c.Methods == 0 {
		c.Methods = MethodsDefault
	}
	if c.Methods&^MethodsDefault != 0 {
		return fmt.Errorf("%w: unknown method bits %#x", ErrConfig, int(c.Methods&^MethodsDefault))
	}

	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue capacity must be > 0", ErrConfig)
	}

	if c.LogLevel < LogError || c.LogLevel > LogVerbose {
		return fmt.Errorf("%w: log level %d out of range", ErrConfig, c.LogLevel)
	}

	deviceID := strings.TrimSpace(c.DeviceID)
	if c.PublishTopic == "" && deviceID != "" {
		c.PublishTopic = "voicelink/" + deviceID + "/up"
	}
	if c.SubscribeTopic == "" && deviceID != "" {
		c.SubscribeTopic = "voicelink/" + deviceID + "/down"
	}

	return nil
}
