package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"volumeqa/internal/models"
	"volumeqa/pkg/config"
	"volumeqa/pkg/logging"
	"volumeqa/pkg/projection"
	"volumeqa/pkg/server"
	"volumeqa/pkg/service"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "volumeqa.yaml", "Configuration file (.yaml or .toml)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	addr := flag.String("addr", "", "Listen address, overrides server.addr")
	inputPath := flag.String("input", "", "DICOM file, or directory of DICOM files or image slices, to load once")
	extractSlices := flag.Bool("extract-slices", false, "Extract and save slices of -input along all axes")
	slicesDir := flag.String("slices-dir", "extracted_slices", "Directory to save extracted slices")
	serve := flag.Bool("serve", false, "Serve the HTTP API (default when no -input is given)")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, closer, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		MaxSize: cfg.Logging.MaxSize,
		MaxAge:  cfg.Logging.MaxAge,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closer.Close()

	svc, err := service.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *inputPath != "" {
		if err := loadOnce(ctx, svc, logger, *inputPath, *extractSlices, *slicesDir); err != nil {
			logger.Error().Err(err).Str("stage", string(models.StageOf(err))).Msg("load failed")
			stop()
			closer.Close()
			os.Exit(1)
		}
		if !*serve {
			return
		}
	}

	srv, err := server.New(svc, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// loadOnce loads a volume, prints its summary and optionally writes every
// slice along each axis as PNG files.
func loadOnce(ctx context.Context, svc *service.Service, logger zerolog.Logger, input string, extract bool, slicesDir string) error {
	startTime := time.Now()
	res, err := svc.LoadPath(ctx, input)
	if err != nil {
		return err
	}
	loadTime := time.Since(startTime)

	fmt.Printf("\nVolume loaded in %.2f seconds\n", loadTime.Seconds())
	fmt.Printf("Key:      %s\n", res.ID)
	fmt.Printf("Shape:    %s (depth x height x width)\n", res.Shape)
	fmt.Printf("Files:    %d decoded of %d\n", res.Report.Decoded, res.Report.Units)
	if res.Report.Unordered > 0 {
		fmt.Printf("Warning:  %d file(s) had no ordering key and kept their input order\n", res.Report.Unordered)
	}
	for _, skip := range res.Report.Skipped {
		fmt.Printf("Skipped:  %s (%s)\n", skip.Name, skip.Reason)
	}

	if !extract {
		return nil
	}

	vol, err := svc.Store().Get(res.ID)
	if err != nil {
		return models.WithStage(models.StageLookup, err)
	}

	fmt.Println("\nExtracting slices along all axes...")
	for _, axis := range models.Axes {
		axisDir := filepath.Join(slicesDir, axis.String())
		fmt.Printf("Saving %s slices to: %s\n", axis, axisDir)

		n, err := projection.SaveSliceSequence(vol, axis, axisDir, nil)
		if err != nil {
			logger.Warn().Err(err).Stringer("axis", axis).Msg("failed to save slices")
			continue
		}
		fmt.Printf("  %d slices written\n", n)
	}
	fmt.Println("Slice extraction completed!")
	return nil
}
