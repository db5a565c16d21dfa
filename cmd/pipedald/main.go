// Command pipedald is the PiPedal host daemon: it wires catalog, storage,
// the audio host, the Model façade, and the control-protocol websocket
// server into one running process (spec.md §1 "Process entrypoint").
//
// Grounded on the streamspace api/cmd/main.go shape: environment-variable
// configuration, an http.Server started in its own goroutine, and a
// signal.Notify(SIGINT, SIGTERM)-driven graceful shutdown that tears down
// dependencies in reverse construction order.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/internal/audiodriver"
	"github.com/pipedal/pipedal-host/model"
	"github.com/pipedal/pipedal-host/wsapi"
)

// Exit codes (spec.md §6 "Exit codes").
const (
	exitClean            = 0
	exitInitError        = 1
	exitAudioInitFailure = 2
)

type daemonConfig struct {
	DataRoot   string `yaml:"dataRoot"`
	DeviceName string `yaml:"audioDevice"`
	SampleRate int    `yaml:"sampleRate"`
	BufferSize int    `yaml:"bufferSize"`
	Channels   int    `yaml:"channels"`
	MidiPort   string `yaml:"midiPort"`
	ListenAddr string `yaml:"listenAddr"`
}

// defaultConfigPath is where an operator-managed config.yaml is looked for
// when PIPEDAL_CONFIG does not name one. A missing file is not an error;
// the built-in defaults below stand in.
const defaultConfigPath = "/etc/pipedal/config.yaml"

// loadConfig layers configuration the usual way: built-in defaults, then
// the YAML config file, then environment variables on top.
func loadConfig(log zerolog.Logger) daemonConfig {
	cfg := daemonConfig{
		DataRoot:   "/var/pipedal",
		DeviceName: audiodriver.DummyDevicePrefix + "default",
		SampleRate: 48000,
		BufferSize: 128,
		Channels:   2,
		ListenAddr: ":8080",
	}

	path := envOr("PIPEDAL_CONFIG", defaultConfigPath)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("pipedald: malformed config file, using defaults")
		}
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("pipedald: reading config file")
	}

	cfg.DataRoot = envOr("PIPEDAL_DATA_ROOT", cfg.DataRoot)
	cfg.DeviceName = envOr("PIPEDAL_AUDIO_DEVICE", cfg.DeviceName)
	cfg.SampleRate = envIntOr("PIPEDAL_SAMPLE_RATE", cfg.SampleRate)
	cfg.BufferSize = envIntOr("PIPEDAL_BUFFER_SIZE", cfg.BufferSize)
	cfg.Channels = envIntOr("PIPEDAL_CHANNELS", cfg.Channels)
	cfg.MidiPort = envOr("PIPEDAL_MIDI_PORT", cfg.MidiPort)
	cfg.ListenAddr = envOr("PIPEDAL_LISTEN_ADDR", cfg.ListenAddr)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	os.Exit(run(log))
}

func run(log zerolog.Logger) int {
	cfg := loadConfig(log)

	// The real LV2 discovery/metadata loader is out of scope (spec.md §1);
	// pipedald starts from an empty catalog, which is the documented plug
	// point for wiring one in (DESIGN.md).
	cat := catalog.NewFixtureCatalog()

	m, err := model.Open(model.Config{
		DataRoot:   cfg.DataRoot,
		DeviceName: cfg.DeviceName,
		SampleRate: cfg.SampleRate,
		BufferSize: cfg.BufferSize,
		Channels:   cfg.Channels,
		Catalog:    cat,
		MidiPort:   cfg.MidiPort,
		Logger:     log,
	})
	if err != nil {
		log.Error().Err(err).Msg("pipedald: opening model failed")
		if isAudioInitFailure(err) {
			return exitAudioInitFailure
		}
		return exitInitError
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("pipedald: closing model")
		}
	}()

	// A real restart hands off to the privileged supervisor process
	// (spec.md §1 "the privileged admin helper"); pipedald itself only
	// exits cleanly and relies on that supervisor to relaunch it, the same
	// way it relies on one to perform shutdown/hotspot/Wi-Fi actions it has
	// no permission to do itself.
	wsServer := wsapi.NewServer(m, log)
	wsServer.OnShutdown = func() {
		log.Info().Msg("pipedald: shutdown requested over the control protocol")
		shutdownProcess()
	}
	wsServer.OnRestart = func() {
		log.Info().Msg("pipedald: restart requested over the control protocol")
		shutdownProcess()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/ws", wsServer)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("pipedald: listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("pipedald: shutdown signal received")
	case <-shutdownRequested:
		log.Info().Msg("pipedald: shutting down")
	case err := <-serveErr:
		log.Error().Err(err).Msg("pipedald: HTTP server failed")
		return exitInitError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("pipedald: forced HTTP server shutdown")
	}

	return exitClean
}

// shutdownRequested is closed by shutdownProcess so run's select wakes up
// without needing the OS to actually signal the process (spec.md §9
// "treat the outbound side effects... as opaque calls into external
// collaborators" — here, the collaborator is the process's own exit path;
// relaunching after a restart is left to the external supervisor).
var shutdownRequested = make(chan struct{})

func shutdownProcess() {
	select {
	case <-shutdownRequested:
	default:
		close(shutdownRequested)
	}
}

// isAudioInitFailure reports whether err came from the audio device open
// path rather than storage/catalog setup, so main can pick exit code 2 vs 1
// (spec.md §6). host.Open does not export a typed sentinel for this, so the
// check matches the wrapping message it always uses ("opening device %q");
// a more precise signal would need host to export one.
func isAudioInitFailure(err error) bool {
	return strings.Contains(err.Error(), "opening device")
}
