package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ModelConfig holds the YuNet detector settings.
type ModelConfig struct {
	// Path to the .onnx model file.
	Path string `yaml:"path"`
	// Shape the model was exported with.
	InputWidth  int `yaml:"inputWidth"`
	InputHeight int `yaml:"inputHeight"`
	// Detections below this confidence are discarded.
	ScoreThreshold float32 `yaml:"scoreThreshold"`
	// Non-max suppression threshold.
	NMSThreshold float32 `yaml:"nmsThreshold"`
	// Cap on results kept before suppression.
	TopK int `yaml:"topK"`
}

// Config is the full application configuration.
type Config struct {
	Port      int         `yaml:"port"`
	Workers   int         `yaml:"workers"`
	OutputDir string      `yaml:"outputDir"`
	Model     ModelConfig `yaml:"model"`
}

// Default returns the built-in configuration values.
func Default() Config {
	return Config{
		Port:      8000,
		Workers:   4,
		OutputDir: "detected",
		Model: ModelConfig{
			InputWidth:     320,
			InputHeight:    320,
			ScoreThreshold: 0.6,
			NMSThreshold:   0.3,
			TopK:           5000,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in ascending order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FACESERVE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("FACESERVE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("FACESERVE_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("FACESERVE_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("FACESERVE_SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Model.ScoreThreshold = float32(f)
		}
	}
	if v := os.Getenv("FACESERVE_NMS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Model.NMSThreshold = float32(f)
		}
	}
	if v := os.Getenv("FACESERVE_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.TopK = n
		}
	}
}

// Validate checks value ranges. The model path is checked at startup, not
// here, so tests can build configs without a model on disk.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory must not be empty")
	}
	if c.Model.InputWidth < 1 || c.Model.InputHeight < 1 {
		return fmt.Errorf("model input size %dx%d is invalid", c.Model.InputWidth, c.Model.InputHeight)
	}
	if c.Model.ScoreThreshold <= 0 || c.Model.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold %v must be in (0, 1]", c.Model.ScoreThreshold)
	}
	if c.Model.NMSThreshold <= 0 || c.Model.NMSThreshold > 1 {
		return fmt.Errorf("nms threshold %v must be in (0, 1]", c.Model.NMSThreshold)
	}
	if c.Model.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1, got %d", c.Model.TopK)
	}
	return nil
}
