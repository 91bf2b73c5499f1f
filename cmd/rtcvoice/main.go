// Command rtcvoice is the CLI entry point.
//
// This tool places and answers WebRTC audio calls negotiated with the
// perfect-negotiation pattern. Signaling runs over a WebSocket (trickle ICE)
// or a single HTTP POST per offer (vanilla ICE); once connected, further
// renegotiation can travel over an in-band data channel.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the call and serve subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/rtcvoice/internal/app"
	"github.com/1ureka/rtcvoice/internal/config"
	"github.com/1ureka/rtcvoice/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(config.New()).ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "rtcvoice",
		Short:         "WebRTC audio calls with perfect negotiation",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), v, configFile)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (YAML, TOML or JSON)")
	pf.String(flagName(config.KeyLogLevel), v.GetString(config.KeyLogLevel), "log level: debug, info, warn, error or none")
	pf.Duration(flagName(config.KeyStatsInterval), v.GetDuration(config.KeyStatsInterval), "interval between stats reports, 0 to disable")
	pf.StringSlice(flagName(config.KeyICEServers), v.GetStringSlice(config.KeyICEServers), "STUN/TURN server URLs")
	pf.String(flagName(config.KeyAudioFile), "", "Ogg/Opus file to stream into the call")
	pf.Bool(flagName(config.KeyOfferInBand), v.GetBool(config.KeyOfferInBand), "send renegotiation offers over the data channel")
	bindFlags(v, pf, config.KeyLogLevel, config.KeyStatsInterval, config.KeyICEServers, config.KeyAudioFile, config.KeyOfferInBand)

	root.AddCommand(newCallCmd(v, &configFile), newServeCmd(v, &configFile))
	return root
}

func newCallCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call [url]",
		Short: "Call a signaling server",
		Long: `Call a signaling server and keep the call up until Ctrl+C.

Examples:
  rtcvoice call ws://localhost:9000/
  rtcvoice call --mode http --record-file remote.ogg https://example.com
  rtcvoice call --role polite --audio-file music.ogg ws://10.0.0.2:9000/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set(config.KeyURL, args[0])
			}
			cfg, err := setup(cmd.Context(), v, *configFile)
			if err != nil {
				return err
			}
			if cfg.URL == "" {
				return errors.New("missing signaling URL: pass it as an argument or with --url")
			}
			return runCall(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String(flagName(config.KeyMode), v.GetString(config.KeyMode), "signaling mode: ws (trickle ICE) or http (vanilla ICE)")
	f.String(flagName(config.KeyURL), "", "signaling endpoint")
	f.String(flagName(config.KeyRole), v.GetString(config.KeyRole), "glare role: polite or impolite")
	f.String(flagName(config.KeyRecordFile), "", "write the received audio to this Ogg file")
	f.Duration(flagName(config.KeyExchangeTimeout), v.GetDuration(config.KeyExchangeTimeout), "HTTP offer/answer timeout")
	f.Int(flagName(config.KeyDialAttempts), v.GetInt(config.KeyDialAttempts), "WebSocket dial attempts")
	f.Duration(flagName(config.KeyDialBackoff), v.GetDuration(config.KeyDialBackoff), "wait before the first dial retry, doubled on each retry")
	bindFlags(v, f, config.KeyMode, config.KeyURL, config.KeyRole, config.KeyRecordFile,
		config.KeyExchangeTimeout, config.KeyDialAttempts, config.KeyDialBackoff)
	return cmd
}

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer calls on WebSocket / and POST /session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd.Context(), v, *configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String(flagName(config.KeyListen), v.GetString(config.KeyListen), "listen address")
	f.Duration(flagName(config.KeyAnswerTimeout), v.GetDuration(config.KeyAnswerTimeout), "how long POST /session waits for an answer")
	f.Bool(flagName(config.KeyEcho), v.GetBool(config.KeyEcho), "send each caller's audio back instead of the audio file")
	bindFlags(v, f, config.KeyListen, config.KeyAnswerTimeout, config.KeyEcho)
	return cmd
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for what the subcommands take as flags.
func runInteractive(ctx context.Context, v *viper.Viper, configFile string) error {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Call  - connect to a signaling server", "Serve - answer incoming calls"}).
		WithDefaultText("Select what to do").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Serve") {
		cfg, err := setup(ctx, v, configFile)
		if err != nil {
			return err
		}
		return runServe(ctx, cfg)
	}

	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{string(config.ModeWS), string(config.ModeHTTP)}).
		WithDefaultText("Signaling mode").
		Show()
	pterm.Println()

	v.Set(config.KeyMode, mode)
	v.Set(config.KeyURL, askURL(config.Mode(mode)))

	cfg, err := setup(ctx, v, configFile)
	if err != nil {
		return err
	}
	return runCall(ctx, cfg)
}

func runCall(ctx context.Context, cfg *config.Config) error {
	if err := app.RunCall(ctx, cfg); err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	util.LogInfo("call ended")
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := app.NewServer(cfg).ListenAndServe(ctx); err != nil {
		return err
	}
	util.LogInfo("server stopped")
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// setup loads the config file and builds the validated Config, then applies
// the log level and starts the stats reporter.
func setup(ctx context.Context, v *viper.Viper, configFile string) (*config.Config, error) {
	if err := config.ReadFile(v, configFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	if err := util.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	util.StartStatsReporter(ctx, cfg.StatsInterval)

	pterm.Info.Println(fmt.Sprintf("rtcvoice v%s", version))
	pterm.Println()
	return cfg, nil
}

// flagName maps a config key to its flag name.
func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// bindFlags binds each key to its flag so that an explicitly set flag
// overrides the config file and environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys ...string) {
	for _, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flagName(key))); err != nil {
			panic(err)
		}
	}
}

// askURL prompts for a signaling URL until a valid one for mode is entered.
func askURL(mode config.Mode) string {
	example := "wss://example.com/"
	if mode == config.ModeHTTP {
		example = "https://example.com"
	}

	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Signaling URL (e.g. %s)", example)).
			Show()

		u, err := config.NormalizeURL(mode, raw)
		if err == nil {
			pterm.Println()
			return u
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
