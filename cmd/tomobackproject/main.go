package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/sirupsen/logrus"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/config"
	"tomobackproject/pkg/metadata"
	"tomobackproject/pkg/mrc"
	"tomobackproject/pkg/reconstruction"
)

func main() {
	configPath := flag.String("config", "tomobackproject.yaml", "YAML configuration file (defaults apply when missing)")
	tablePath := flag.String("table", "", "YAML tilt table to import into the metadata store")
	dbPath := flag.String("db", "", "SQLite metadata store (default: next to the output map)")
	imagesDir := flag.String("images", "", "Directory image references are resolved against (default: the tilt table's directory)")
	outPath := flag.String("out", "reconstruction.mrc", "Output map; the other products are named after it")
	workers := flag.Int("workers", 0, "Workers per half set (overrides the configuration)")
	preview := flag.Int("preview", 0, "Fourier-crop images to this box for a fast preview (overrides the configuration)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	if *workers > 0 {
		cfg.Reconstruction.Workers = *workers
	}
	if *preview > 0 {
		cfg.Reconstruction.PreviewBox = *preview
	}

	logger := initLogger(*debugMode || cfg.Output.Verbose)

	if *dbPath == "" {
		*dbPath = filepath.Join(filepath.Dir(*outPath), "tilts.db")
	}
	if *imagesDir == "" && *tablePath != "" {
		*imagesDir = filepath.Dir(*tablePath)
	}

	if err := run(cfg, logger, *tablePath, *dbPath, *imagesDir, *outPath); err != nil {
		logger.WithError(err).Error("Reconstruction failed")
		os.Exit(exitCode(err))
	}
}

func run(cfg *config.Config, logger *logrus.Logger, tablePath, dbPath, imagesDir, outPath string) error {
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	store, err := metadata.OpenStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Records(ctx)
	if err != nil {
		return err
	}
	if tablePath != "" {
		if len(records) > 0 {
			return fmt.Errorf("%w: store %s already holds %d records", models.ErrConfiguration, dbPath, len(records))
		}
		ds, recs, err := metadata.LoadTable(tablePath)
		if err != nil {
			return err
		}
		if err := store.SaveDataset(ctx, ds); err != nil {
			return err
		}
		if err := store.InsertRecords(ctx, recs); err != nil {
			return err
		}
		records = recs
		logger.WithFields(logrus.Fields{"table": tablePath, "records": len(recs)}).Info("Imported tilt table")
	}
	ds, err := store.Dataset(ctx)
	if err != nil {
		return err
	}

	records, err = selectRecords(ctx, store, records, cfg.Filter(), cfg.Data.SplitSeed, logger)
	if err != nil {
		return err
	}

	reader := mrc.NewStackReader(imagesDir)
	defer reader.Close()
	source, err := metadata.NewAdapter(ds, records, reader, cfg.AdapterOptions(), logger)
	if err != nil {
		return err
	}

	params, err := cfg.Params()
	if err != nil {
		return err
	}
	r, err := reconstruction.NewReconstructor(params, source, logger)
	if err != nil {
		return err
	}

	var bar *pb.ProgressBar
	r.SetProgressCallback(func(completed, total int, message string) {
		if message != "" {
			logger.Info(message)
			return
		}
		if bar == nil {
			bar = pb.New(total)
			bar.Output = os.Stderr
			bar.Start()
		}
		bar.Increment()
	})

	startTime := time.Now()
	res, err := r.Process()
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	summary, err := reconstruction.WriteProducts(res, params, outPath, cfg.Products(), logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"run":        summary.RunID,
		"resolution": fmt.Sprintf("%.2f A", res.ResolutionAngstrom),
		"images":     res.Images[0] + res.Images[1],
		"elapsed":    time.Since(startTime).Round(time.Millisecond).String(),
		"output":     outPath,
	}).Info("Reconstruction completed")
	return nil
}

// selectRecords filters the table and splits the selection into half sets.
// A split of the whole table is saved to the store; a split of a filtered
// selection only serves this run.
func selectRecords(ctx context.Context, store *metadata.Store, records []models.TiltRecord, filter metadata.Filter, seed int64, logger *logrus.Logger) ([]models.TiltRecord, error) {
	selected, split, err := metadata.PrepareHalfSets(records, filter, seed)
	if err != nil {
		return nil, err
	}
	if !split {
		return selected, nil
	}

	fields := logrus.Fields{
		"seed":      seed,
		"particles": len(metadata.Particles(selected)),
		"records":   len(selected),
	}
	if filter.Active() {
		logger.WithFields(fields).Info("Assigned half sets for the filtered selection")
		return selected, nil
	}
	if err := store.UpdateHalfSets(ctx, selected); err != nil {
		return nil, err
	}
	logger.WithFields(fields).Info("Assigned and saved half sets")
	return selected, nil
}

// exitCode maps the error kinds to distinct exit statuses
func exitCode(err error) int {
	switch {
	case errors.Is(err, models.ErrConfiguration):
		return 2
	case errors.Is(err, models.ErrDataConsistency):
		return 3
	case errors.Is(err, models.ErrNumericDegeneracy):
		return 4
	default:
		return 1
	}
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}
