package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"faceserve/internal/config"
	"faceserve/internal/hub"
	"faceserve/internal/pipeline"
	"faceserve/internal/server"
	"faceserve/internal/store"
	"faceserve/internal/vision"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		port       = flag.Int("port", 0, "HTTP port (overrides config)")
		outputDir  = flag.String("output-dir", "", "Directory for annotated images (overrides config)")
		modelPath  = flag.String("model", "", "Path to the YuNet .onnx model file (overrides config)")
		workers    = flag.Int("workers", 0, "Number of processing workers (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *workers != 0 {
		cfg.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.Model.Path == "" {
		log.Fatal("a YuNet model path is required (-model or FACESERVE_MODEL_PATH)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.OutputDir)
	if err != nil {
		log.Fatalf("failed to init artifact store: %v", err)
	}

	engine, err := vision.NewYuNetEngine(vision.YuNetParams{
		ModelPath:      cfg.Model.Path,
		InputWidth:     cfg.Model.InputWidth,
		InputHeight:    cfg.Model.InputHeight,
		ScoreThreshold: cfg.Model.ScoreThreshold,
		NMSThreshold:   cfg.Model.NMSThreshold,
		TopK:           cfg.Model.TopK,
	})
	if err != nil {
		log.Fatalf("failed to init face detector: %v", err)
	}
	defer engine.Close()

	notifications := hub.New()
	pipe := pipeline.New(engine, st, notifications, cfg.Workers)
	pipe.Start(ctx)

	log.Printf("Starting face detection service at http://localhost:%d\n", cfg.Port)
	if err := server.Run(ctx, cfg.Port, pipe, notifications); err != nil {
		log.Printf("server stopped: %v", err)
	}
}
