package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/logging"
	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/opa"
	"github.com/agile-defense/firegrid/pkg/pipeline"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/store"
	"github.com/agile-defense/firegrid/pkg/store/sqlite"
)

// app holds what every pipeline command needs
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	seed       int64

	cfg      *config.Config
	logger   zerolog.Logger
	db       *sqlite.Store
	pipeline *pipeline.Pipeline
}

// open loads configuration and assembles the pipeline. With a database the
// store supplies historic baselines and records every assessment.
func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.seed != 0 {
		cfg.Pipeline.SimulationSeed = a.seed
	}
	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}

	a.cfg = cfg
	a.logger = logging.New(cmd.ErrOrStderr(), level, cfg.Logging.JSON).With().Str("service", "firegrid-cli").Logger()

	dbPath := a.dbPath
	if dbPath == "" {
		dbPath = cfg.SQLite.Path
	}

	var baselines satellite.BaselineLookup
	var opts []pipeline.Option
	if dbPath != "" {
		db, err := sqlite.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open edge store: %w", err)
		}
		a.db = db
		baselines = db

		policy, err := opa.NewPolicy(cmd.Context(), cfg.OPA)
		if err != nil {
			return fmt.Errorf("failed to load dispatch policy: %w", err)
		}
		opts = append(opts, pipeline.WithSinks(store.NewSink("sqlite", db, policy, cfg.Service.AgentID, a.logger)))
	}

	p, err := pipeline.Build(cfg.Pipeline, baselines, pipeline.SimulatedSources(cfg.Pipeline.SimulationSeed), a.logger, opts...)
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// NewRoot builds the command tree
func NewRoot() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "firegrid",
		Short:         "Multi-level wildfire verification pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", getEnv("FIREGRID_CONFIG", "firegrid.yaml"), "Path to the YAML configuration")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite edge store for baselines and traces (default sqlite.path from the config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")
	root.PersistentFlags().Int64Var(&a.seed, "seed", 0, "Seed for the simulated sensors")

	root.AddCommand(
		assessCmd(a),
		firmsCmd(a),
		visionCmd(a),
		initConfigCmd(),
	)
	return root
}

// withApp opens the app around a command body
func withApp(a *app, run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.open(cmd); err != nil {
			return err
		}
		defer a.close()
		return run(cmd, args)
	}
}

// windFlags registers the shared wind and sniffer flags
type windFlags struct {
	speed   float64
	bearing float64
	steps   int
}

func (w *windFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&w.speed, "wind-speed", 0, "Surface wind speed in km/h")
	cmd.Flags().Float64Var(&w.bearing, "wind-bearing", 0, "Direction the wind pushes the fire, degrees from north")
	cmd.Flags().IntVar(&w.steps, "steps", 0, "Maximum sniffer steps (0 uses the configured default)")
}

// wind returns nil unless a wind flag was given
func (w *windFlags) wind(cmd *cobra.Command) (*messages.Wind, error) {
	if !cmd.Flags().Changed("wind-speed") && !cmd.Flags().Changed("wind-bearing") {
		return nil, nil
	}
	wind := messages.Wind{SpeedKmh: w.speed, BearingDeg: w.bearing}
	if err := messages.ValidateWind(wind); err != nil {
		return nil, err
	}
	return &wind, nil
}

func (w *windFlags) validSteps(limit int) error {
	if w.steps < 0 {
		return &messages.ValidationError{Field: "steps", Reason: "must not be negative"}
	}
	if limit > 0 && w.steps > limit {
		return &messages.ValidationError{Field: "steps", Reason: fmt.Sprintf("must not exceed %d", limit)}
	}
	return nil
}

func assessCmd(a *app) *cobra.Command {
	var lat, lon, brightness float64
	var wf windFlags

	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess one hotspot through every level",
		Long: "Assess one hotspot through every level. Omitted coordinates or brightness are\n" +
			"treated as missing satellite data and the hotspot is screened as unverified.",
		Args: cobra.NoArgs,
	}
	cmd.RunE = withApp(a, func(cmd *cobra.Command, _ []string) error {
		var h messages.Hotspot
		if cmd.Flags().Changed("lat") {
			h.Latitude = &lat
		}
		if cmd.Flags().Changed("lon") {
			h.Longitude = &lon
		}
		if cmd.Flags().Changed("brightness") {
			h.BrightnessK = &brightness
		}
		if err := messages.ValidateHotspot(h); err != nil {
			return err
		}
		wind, err := wf.wind(cmd)
		if err != nil {
			return err
		}
		if err := wf.validSteps(a.cfg.Pipeline.Sniffer.MaxSteps); err != nil {
			return err
		}

		assessment := a.pipeline.Assess(cmd.Context(), pipeline.Request{Hotspot: h, Wind: wind, SnifferSteps: wf.steps})
		return writeJSON(cmd.OutOrStdout(), assessment)
	})

	cmd.Flags().Float64Var(&lat, "lat", 0, "Hotspot latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Hotspot longitude")
	cmd.Flags().Float64Var(&brightness, "brightness", 0, "Brightness temperature in Kelvin")
	wf.register(cmd)
	return cmd
}

func firmsCmd(a *app) *cobra.Command {
	var fetch bool
	var area string
	var days int
	var wf windFlags

	cmd := &cobra.Command{
		Use:   "firms [file.csv|-]",
		Short: "Assess every hotspot in a FIRMS CSV export",
		Long: "Assess every hotspot in a FIRMS CSV export read from a file or stdin, or\n" +
			"downloaded from the FIRMS area API with --fetch.",
		Args: cobra.MaximumNArgs(1),
	}
	cmd.RunE = withApp(a, func(cmd *cobra.Command, args []string) error {
		wind, err := wf.wind(cmd)
		if err != nil {
			return err
		}
		if err := wf.validSteps(a.cfg.Pipeline.Sniffer.MaxSteps); err != nil {
			return err
		}

		var hotspots []messages.Hotspot
		switch {
		case fetch:
			client := satellite.NewFIRMSClient(a.cfg.FIRMS.BaseURL, a.cfg.FIRMS.MapKey)
			hotspots, err = client.Fetch(cmd.Context(), a.cfg.FIRMS.Source, area, days)
		case len(args) == 1:
			hotspots, err = readFIRMS(cmd, args[0], a.cfg.FIRMS.Source)
		default:
			return fmt.Errorf("a CSV file or --fetch is required")
		}
		if err != nil {
			return err
		}

		a.logger.Info().Int("hotspots", len(hotspots)).Msg("Assessing FIRMS hotspots")

		for i, h := range hotspots {
			if err := messages.ValidateHotspot(h); err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
		}

		assessments := make([]*pipeline.Assessment, 0, len(hotspots))
		for _, h := range hotspots {
			assessments = append(assessments, a.pipeline.Assess(cmd.Context(), pipeline.Request{Hotspot: h, Wind: wind, SnifferSteps: wf.steps}))
			if a.db != nil {
				if err := a.db.RecordObservation(cmd.Context(), h); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to record observation")
				}
			}
		}
		return writeJSON(cmd.OutOrStdout(), assessments)
	})

	cmd.Flags().BoolVar(&fetch, "fetch", false, "Download from the FIRMS area API instead of reading a file")
	cmd.Flags().StringVar(&area, "area", "world", "Bounding box west,south,east,north or \"world\"")
	cmd.Flags().IntVar(&days, "days", 1, "Days of data to fetch (1-10)")
	wf.register(cmd)
	return cmd
}

func readFIRMS(cmd *cobra.Command, path, source string) ([]messages.Hotspot, error) {
	if path == "-" {
		return satellite.ParseFIRMS(cmd.InOrStdin(), source)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FIRMS export: %w", err)
	}
	defer f.Close()
	return satellite.ParseFIRMS(f, source)
}

func visionCmd(a *app) *cobra.Command {
	var confidence, lat, lon float64
	var persons, animals int
	var camera, image string
	var wf windFlags

	cmd := &cobra.Command{
		Use:   "vision",
		Short: "Push a camera detection and run an immediate fire check",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withApp(a, func(cmd *cobra.Command, _ []string) error {
		env := messages.NewEnvelope("firegrid-cli", "gateway")
		env.CorrelationID = env.MessageID

		ev := &messages.VisionEvent{
			Envelope:       env,
			Confidence:     confidence,
			ImageReference: image,
			PersonCount:    persons,
			AnimalCount:    animals,
			ObservedAt:     env.Timestamp,
			Camera:         camera,
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			ev.Location = &messages.Position{Lat: lat, Lon: lon}
		}
		if err := messages.ValidateVisionEvent(ev); err != nil {
			return err
		}
		wind, err := wf.wind(cmd)
		if err != nil {
			return err
		}
		if err := wf.validSteps(a.cfg.Pipeline.Sniffer.MaxSteps); err != nil {
			return err
		}

		return writeJSON(cmd.OutOrStdout(), a.pipeline.Trigger(cmd.Context(), ev, wind, wf.steps))
	})

	cmd.Flags().Float64Var(&confidence, "confidence", 0, "Detection confidence in [0, 1]")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Detection latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Detection longitude")
	cmd.Flags().IntVar(&persons, "persons", 0, "People in frame")
	cmd.Flags().IntVar(&animals, "animals", 0, "Animals in frame")
	cmd.Flags().StringVar(&camera, "camera", "cli", "Camera identifier")
	cmd.Flags().StringVar(&image, "image", "", "Image reference")
	_ = cmd.MarkFlagRequired("confidence")
	wf.register(cmd)
	return cmd
}

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "firegrid.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

