package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	engine "github.com/koscakluka/voicelink/core"
	"github.com/koscakluka/voicelink/core/audio"
	"github.com/koscakluka/voicelink/core/audio/localplay"
	"github.com/koscakluka/voicelink/core/audio/miniaudio"
	"github.com/koscakluka/voicelink/core/events"
	"github.com/koscakluka/voicelink/core/media/httpfetch"
	"github.com/koscakluka/voicelink/core/nlp/groq"
	"github.com/koscakluka/voicelink/core/speechclient/deepgram"
	"github.com/koscakluka/voicelink/core/speechclient/wsclient"
	"github.com/koscakluka/voicelink/core/transport/mqtt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	*rootOptions

	Host        string
	Port        int
	Broker      string
	DeviceID    string
	MetricsAddr string
	LogLevel    int
	NoAudio     bool
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and read commands from stdin",
		Long: `Start a voicelink engine wired to the configured speech provider, the MQTT
channel broker and the default audio devices, then read console commands
from stdin until quit, EOF, SIGINT or SIGTERM.

Example:
  voicelinkd run --host speech.example.com --broker tcp://localhost:1883
  voicelinkd run --config ./voicelink.yaml --no-audio`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "speech service host")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "speech service port")
	cmd.Flags().StringVar(&opts.Broker, "broker", "", "MQTT broker for channel data, e.g. tcp://localhost:1883")
	cmd.Flags().StringVar(&opts.DeviceID, "device-id", "", "device id used for channel topics")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address serving /metrics, empty to disable")
	cmd.Flags().IntVar(&opts.LogLevel, "log-level", int(engine.LogInfo), "log level 0:error 1:warn 2:info 3:debug 4:verbose")
	cmd.Flags().BoolVar(&opts.NoAudio, "no-audio", false, "run without audio devices")

	return cmd
}

// resolveConfig layers the config file, the environment and the flags that
// were set explicitly.
func resolveConfig(cmd *cobra.Command, opts *runOptions) (daemonConfig, error) {
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return daemonConfig{}, fmt.Errorf("loading %s: %w", opts.EnvFile, err)
	}

	cfg, err := loadConfig(opts.ConfigPath, cmd.Flags().Changed("config"))
	if err != nil {
		return cfg, err
	}
	cfg.applyEnv()

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Speech.Host = opts.Host
	}
	if flags.Changed("port") {
		cfg.Speech.Port = opts.Port
	}
	if flags.Changed("broker") {
		cfg.MQTT.Broker = opts.Broker
	}
	if flags.Changed("device-id") {
		cfg.DeviceID = opts.DeviceID
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.NoAudio {
		cfg.Audio.Enabled = false
	}
	return cfg, nil
}

func runDaemon(ctx context.Context, cfg daemonConfig, in io.Reader, out io.Writer) (err error) {
	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return err
	}
	engineCfg.EventHandler = printEvents(out)

	var cleanups []func() error
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			err = errors.Join(err, cleanups[i]())
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fetcher := httpfetch.New(httpfetch.WithHeader("X-Device-Id", cfg.DeviceID))
	engineOpts := []engine.Option{
		engine.WithMediaFetcher(fetcher),
		engine.WithMediaResolver(fetcher),
		engine.WithMetricsRegisterer(registry),
		engine.WithResponseDeadline(cfg.ResponseDeadline),
		engine.WithPlaybackGrace(cfg.PlaybackGrace),
	}

	var mic *miniaudio.Microphone
	if cfg.Audio.Enabled {
		audioClient, err := miniaudio.NewClient()
		if err != nil {
			return fmt.Errorf("initializing audio: %w", err)
		}
		cleanups = append(cleanups, audioClient.Close)

		sink, err := audioClient.NewSink(audio.DefaultFormat())
		if err != nil {
			return fmt.Errorf("opening audio output: %w", err)
		}
		cleanups = append(cleanups, sink.Close)

		player, err := localplay.New(sink)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithSink(sink), engine.WithLocalPlayer(player))

		if cfg.Audio.Microphone {
			mic, err = audioClient.NewMicrophone(audio.DefaultFormat())
			if err != nil {
				return fmt.Errorf("opening microphone: %w", err)
			}
			cleanups = append(cleanups, mic.Close)
		}
	}

	speech, err := newSpeechClient(cfg, engineCfg, mic)
	if err != nil {
		return err
	}
	engineOpts = append(engineOpts, engine.WithSessionClient(speech.client))

	var channel *mqtt.Channel
	if cfg.MQTT.Broker != "" {
		channel, err = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: "voicelink-" + cfg.DeviceID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return err
		}
		cleanups = append(cleanups, channel.Close)
		engineOpts = append(engineOpts, engine.WithPublisher(channel), engine.WithSubscriber(channel))
	}

	e, err := engine.New(engineCfg, engineOpts...)
	if err != nil {
		return err
	}
	speech.attach(e)
	cleanups = append(cleanups, speech.close, func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Close(closeCtx)
	})

	if channel != nil {
		channel.Observe(e)
		if err := channel.Connect(ctx); err != nil {
			slog.Warn("mqtt unavailable, channel data disabled until reconnect", "error", err)
		}
	} else if err := e.NetConnected(); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		cleanups = append(cleanups, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	slog.Info("voicelink ready", "device", cfg.DeviceID, "speech", speech.describe)
	fmt.Fprintln(out, consoleHelp)
	return runConsole(ctx, in, out, e)
}

// speechClient is the configured session client with its provider specific
// wiring.
type speechClient struct {
	client   engine.SessionClient
	attach   func(e *engine.Engine)
	close    func() error
	describe string
}

func newSpeechClient(cfg daemonConfig, engineCfg engine.Config, mic *miniaudio.Microphone) (speechClient, error) {
	if cfg.Speech.Provider == providerDeepgram {
		if mic == nil {
			return speechClient{}, fmt.Errorf("%w: the deepgram provider needs the microphone", engine.ErrConfig)
		}

		var opts []deepgram.Option
		if cfg.Groq.APIKey != "" {
			responder, err := groq.New(cfg.Groq.APIKey,
				groq.WithModel(cfg.Groq.Model),
				groq.WithInstructions(cmp.Or(cfg.Groq.Instructions, groq.DefaultInstructions)),
			)
			if err != nil {
				return speechClient{}, err
			}
			opts = append(opts, deepgram.WithResponder(responder))
		}

		client, err := deepgram.New(deepgram.Config{
			APIKey: cfg.Deepgram.APIKey,
			Model:  cfg.Deepgram.Model,
			Voice:  cfg.Deepgram.Voice,
			Format: audio.DefaultFormat(),
		}, mic, opts...)
		if err != nil {
			return speechClient{}, err
		}
		return speechClient{
			client:   client,
			attach:   func(e *engine.Engine) { client.Attach(e) },
			close:    client.Close,
			describe: "deepgram",
		}, nil
	}

	var opts []wsclient.Option
	if cfg.Speech.Token != "" {
		token := cfg.Speech.Token
		opts = append(opts, wsclient.WithTokenSource(func(context.Context) (string, error) { return token, nil }))
	}
	if mic != nil {
		opts = append(opts, wsclient.WithAudioSource(mic))
	}

	client, err := wsclient.New(wsclient.Config{
		Transport: engineCfg.Transport,
		Host:      cfg.Speech.Host,
		Port:      cfg.Speech.Port,
		Path:      cfg.Speech.Path,
		DeviceID:  cfg.DeviceID,
	}, opts...)
	if err != nil {
		return speechClient{}, err
	}
	return speechClient{
		client:   client,
		attach:   func(e *engine.Engine) { client.Attach(e) },
		close:    client.Close,
		describe: client.SessionURL(engine.SessionRequest{Methods: engineCfg.Methods}),
	}, nil
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// printEvents writes every public engine event as one line.
func printEvents(out io.Writer) engine.EventHandler {
	return func(event events.Event) error {
		switch event.ID {
		case events.Error:
			_, err := fmt.Fprintf(out, "[%s] %v\n", event.ID, event.Err)
			return err
		case events.AsrResult, events.NlpResult, events.ChannelData:
			_, err := fmt.Fprintf(out, "[%s] %s\n", event.ID, event.Payload)
			return err
		}
		_, err := fmt.Fprintf(out, "[%s]\n", event.ID)
		return err
	}
}
