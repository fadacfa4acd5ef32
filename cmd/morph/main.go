// Morph: signaling client entry point.
//
// The client keeps a WebSocket control channel to the signaling server
// alive, fetches relay servers when the channel connects, and negotiates a
// WebRTC session with the remote peer over it.
//
// Settings come from an optional YAML file (--config), MORPH_* environment
// variables and CLI flags, in increasing priority. --interactive prompts for
// the role and signaling URL instead.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/morph/internal/agent"
	"github.com/1ureka/morph/internal/config"
	"github.com/1ureka/morph/internal/engine"
	"github.com/1ureka/morph/internal/icedir"
	"github.com/1ureka/morph/internal/rtc"
	"github.com/1ureka/morph/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.StringP("config", "c", "", "Path to a YAML config file")
	role := flag.String("role", "", "Role: offerer or answerer")
	signalingURL := flag.String("signaling-url", "", "WebSocket URL of the signaling server")
	directoryURL := flag.String("ice-directory", "", "HTTP URL of the ICE server directory")
	stunURLs := flag.StringSlice("stun", nil, "Static STUN URLs, used when no directory is set")
	reconnectDelay := flag.Duration("reconnect-delay", 0, "Delay before reconnecting after a failure")
	pingInterval := flag.Duration("ping-interval", 0, "Keepalive ping interval (0 disables)")
	statsInterval := flag.Duration("stats-interval", 0, "Statistics report interval")
	interactive := flag.BoolP("interactive", "i", false, "Prompt for role and signaling URL")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override file and environment values only when given.
	if flag.CommandLine.Changed("role") {
		cfg.Role = config.Role(*role)
	}
	if flag.CommandLine.Changed("signaling-url") {
		cfg.SignalingURL = *signalingURL
	}
	if flag.CommandLine.Changed("ice-directory") {
		cfg.ICEDirectoryURL = *directoryURL
	}
	if flag.CommandLine.Changed("stun") {
		cfg.STUNURLs = *stunURLs
	}
	if flag.CommandLine.Changed("reconnect-delay") {
		cfg.ReconnectDelay = *reconnectDelay
	}
	if flag.CommandLine.Changed("ping-interval") {
		cfg.PingInterval = *pingInterval
	}
	if flag.CommandLine.Changed("stats-interval") {
		cfg.StatsInterval = *statsInterval
	}
	if *debugMode {
		cfg.Debug = true
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Morph — v%s", version))
	pterm.Println()

	if *interactive {
		cfg.Role = askRole()
		cfg.SignalingURL = askURL()
	} else if u, err := normalizeWSURL(cfg.SignalingURL); err == nil {
		cfg.SignalingURL = u
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	util.LogDebug("config: role=%s signaling=%s directory=%q stun=%v reconnect=%s ping=%s",
		cfg.Role, cfg.SignalingURL, cfg.ICEDirectoryURL, cfg.STUNURLs, cfg.ReconnectDelay, cfg.PingInterval)

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("signaling client stopped")
}

// run wires the control channel, the directory, the media engine and the
// manager, then blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	eng, err := engine.NewPion(engine.PionOptions{})
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}

	var dir rtc.Directory
	if cfg.ICEDirectoryURL != "" {
		dir = icedir.New(icedir.Options{URL: cfg.ICEDirectoryURL})
	} else {
		dir = icedir.FromURLs(cfg.STUNURLs)
	}

	ch := agent.New(ctx, agent.Options{
		URL:          cfg.SignalingURL,
		Backoff:      backoff.NewConstantBackOff(cfg.ReconnectDelay),
		PingInterval: cfg.PingInterval,
	})

	q := rtc.NewQueue()
	defer q.Close()

	m := rtc.NewManager(rtc.ManagerOptions{
		Channel:      ch,
		Engine:       eng,
		Directory:    dir,
		Queue:        q,
		Role:         cfg.Role,
		Media:        mediaConfig(cfg.Media),
		FetchTimeout: cfg.FetchTimeout,
	})

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}

	m.Start(ctx)
	util.LogSuccess("signaling client started as %s — %s", cfg.Role, cfg.SignalingURL)

	<-ctx.Done()
	m.Stop()
	<-ch.Done()
	return nil
}

func mediaConfig(m config.Media) engine.MediaConfig {
	return engine.MediaConfig{
		VideoCodec:            m.VideoCodec,
		AudioCodec:            m.AudioCodec,
		VideoStartBitrateKbps: m.VideoStartBitrateKbps,
		AudioStartBitrateKbps: m.AudioStartBitrateKbps,
		ReceiveAudio:          m.ReceiveAudio,
		ReceiveVideo:          m.ReceiveVideo,
		DataChannelLabel:      engine.DefaultDataChannelLabel,
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a raw signaling URL. A bare host defaults to wss
// and the /ws path.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// askRole prompts for the negotiation role.
func askRole() config.Role {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Offerer  — Start the negotiation", "Answerer — Wait for the remote offer"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Answerer") {
		return config.RoleAnswerer
	}
	return config.RoleOfferer
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling URL (e.g. wss://signal.example.com/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
