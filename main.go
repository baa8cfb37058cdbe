package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"noisemap/api"
	"noisemap/audio"
	"noisemap/capture"
	"noisemap/codec"
	"noisemap/config"
	"noisemap/doctor"
	"noisemap/geo"
	"noisemap/log"
	"noisemap/loudness"
	"noisemap/publish"
	"noisemap/shutdown"
)

var version = "dev"

type rootOptions struct {
	configFile   string
	envFile      string
	selectDevice bool
}

func main() {
	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "noisemap",
		Short:        "Record ambient noise and put it on the stress heatmap",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer log.Close()
			return runTUI(cmd.Context(), cfg, opts.selectDevice)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "YAML config file (default: ./noisemap.yaml or $XDG_CONFIG_HOME/noisemap/noisemap.yaml)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	addConfigFlags(pf)
	cmd.Flags().BoolVar(&opts.selectDevice, "select-device", false, "Pick the microphone interactively before starting")

	cmd.AddCommand(
		newHeadlessCmd(opts),
		newHeatmapCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// addConfigFlags registers the flags config.Load binds into viper. Their
// defaults only document the built-in values; viper's own defaults apply.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("api-url", api.DefaultBaseURL, "Backend base URL")
	fs.Duration("max-duration", capture.DefaultMaxDuration, "Longest recording before it is processed automatically")
	fs.Float64("threshold", loudness.DefaultThreshold, "RMS at or above which a recording counts as noise")
	fs.Float64("stress-min", loudness.DefaultStressMin, "RMS that maps to stress 0")
	fs.Float64("stress-max", loudness.DefaultStressMax, "RMS that maps to stress 1")
	fs.String("format", string(codec.FormatWAV), "Recording container: wav or flac")
	fs.String("device", "", "Microphone name or ID (default: system default)")
	fs.String("geo-source", "geoclue", "Location source: geoclue or static")
	fs.Duration("geo-timeout", geo.DefaultTimeout, "How long to wait for a location fix")
	fs.Float64("lat", 0, "Latitude for --geo-source=static")
	fs.Float64("lng", 0, "Longitude for --geo-source=static")
	fs.String("log-path", "", "Log directory (default: OS-specific location, use ./ for current dir)")
	fs.String("metrics-listen", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	fs.String("mqtt-broker", "", "Publish check-ins to this MQTT broker (e.g. tcp://localhost:1883)")
	fs.String("mqtt-topic", publish.DefaultTopic, "MQTT topic for check-ins")
	fs.Bool("beep", true, "Play audible cues")
}

// setup loads the configuration and opens the diagnostics log.
func setup(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		ConfigFile: opts.configFile,
		EnvFile:    opts.envFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return nil, err
	}

	dir, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log directory: %w", err)
	}
	log.SetDir(dir)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
		return cfg, nil
	}
	initCrashLog()
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	return cfg, nil
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func runTUI(ctx context.Context, cfg *config.Config, pick bool) error {
	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		return fmt.Errorf("initializing audio: %w", err)
	}
	defer actx.Close()

	device, err := audio.FindDevice(actx, cfg.Device)
	if err != nil {
		return err
	}
	if pick && device == nil {
		device, err = audio.SelectDevice(actx)
		switch {
		case errors.Is(err, audio.ErrSelectionCancelled):
			return nil
		case err != nil:
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			device = nil
		}
	}

	events := newTUIEvents()
	defer events.stop()

	a, err := newApp(cfg, actx, device, events, events)
	if err != nil {
		return err
	}
	a.start(ctx)
	defer func() {
		a.close()
		log.SessionEnd(len(a.orch.Points()))
	}()

	model := newTUIModel(ctx, a.ctrl, a.orch, actx.Devices, cfg.NoiseThreshold, device)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	go events.pump(p)

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		log.Errorf("TUI error: %v", err)
		return err
	}
	return nil
}

func newHeadlessCmd(opts *rootOptions) *cobra.Command {
	var realtime bool
	cmd := &cobra.Command{
		Use:   "headless <wav|flac>",
		Short: "Replay a recording as the microphone, driven by commands on stdin",
		Long: `Replays an audio file through the capture pipeline instead of the microphone.
Commands are read one per line from stdin: START, STOP, WAIT, SLEEP <ms>,
HEATMAP, QUIT. Events are printed one per line on stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer log.Close()

			fake, err := audio.LoadFakeContext(args[0], realtime)
			if err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}
			fake.SilenceTail = realtime
			cfg.Beep = false
			return runHeadless(cmd.Context(), cfg, fake, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&realtime, "realtime", true, "Deliver audio at its natural pace instead of all at once on START")
	return cmd
}

func newHeatmapCmd(opts *rootOptions) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Print the aggregated stress grid from the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer log.Close()

			client := newAPIClient(cfg, nil)
			if raw {
				readings, err := client.GetReadings(cmd.Context())
				if err != nil {
					return err
				}
				printReadings(cmd.OutOrStdout(), readings)
				return nil
			}
			cells, err := client.GetHeatmapData(cmd.Context())
			if err != nil {
				return err
			}
			printHeatmap(cmd.OutOrStdout(), cells)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "List individual readings instead of grid cells")
	return cmd
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check microphone, location and backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer log.Close()

			d := &doctor.Doctor{
				Locator: geo.NewBinder(newLocator(cfg), cfg.GeoOptions()),
				API:     newAPIClient(cfg, nil),
				Policy:  cfg.Policy(),
				In:      cmd.InOrStdin(),
				Out:     cmd.OutOrStdout(),
			}
			if actx, err := audio.NewContext(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "audio: %v\n", err)
			} else {
				defer actx.Close()
				d.Audio = actx
				if d.Device, err = audio.FindDevice(actx, cfg.Device); err != nil {
					return err
				}
			}
			if code := d.Run(cmd.Context()); code != 0 {
				return errors.New("some checks failed")
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "noisemap %s\n", version)
		},
	}
}
