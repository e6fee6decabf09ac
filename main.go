package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/embtrace/rtos-recorder/archive"
	"github.com/embtrace/rtos-recorder/database"
	"github.com/embtrace/rtos-recorder/sigma"
	"github.com/embtrace/rtos-recorder/transport"
	"github.com/embtrace/rtos-recorder/web"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	importPath := flag.String("import", "", "import a snapshot capture file and exit")
	demo := flag.Bool("demo", false, "stream a simulated target into the collector")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	captures, err := archive.NewStore(cfg.ArchiveCacheSize, cfg.ArchiveDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open capture archive")
	}

	collector := NewCollector(cfg, db, captures, logger)

	if *importPath != "" {
		sessionID, err := collector.ImportSnapshot(*importPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *importPath).Msg("snapshot import failed")
		}
		fmt.Printf("Imported %s as session %d\n", *importPath, sessionID)
		return
	}

	detector, err := sigma.NewDetector(cfg.RulesDir, db.Db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start rule engine")
	}
	defer detector.StopPolling()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := transport.Listen(cfg.TraceListenAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.TraceListenAddr).Msg("failed to open trace port")
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("listening for targets")

	go func() {
		if err := detector.StartPolling(ctx, time.Duration(cfg.PollInterval)); err != nil {
			logger.Error().Err(err).Msg("rule polling error")
		}
	}()

	server := web.NewServer(db.Db, detector, captures, cfg.HTTPListenAddr, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("web server error")
		}
	}()
	logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("web interface available")

	if *demo {
		go func() {
			if err := runDemo(ctx, demoTargetAddr(cfg.TraceListenAddr), logger); err != nil {
				logger.Error().Err(err).Msg("demo target error")
			}
		}()
	}

	if err := collector.Serve(ctx, ln); err != nil {
		logger.Error().Err(err).Msg("collector error")
	}
	logger.Info().Msg("shutting down")
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", level)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
