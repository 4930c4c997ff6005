package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/Tutortoise/object-detection-service/detections"
)

// Config is the service configuration, read from the environment and an
// optional .env file in the working directory.
type Config struct {
	ListenAddr     string
	ModelPath      string
	ConfigPath     string
	LabelsPath     string
	OnnxRuntimeLib string
	PoolSize       int
	AcquireTimeout time.Duration
	UseGPU         bool
	Debug          bool

	Detector detections.DetectorConfig
}

func LoadConfig(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	family, err := detections.ParseModelFamily(getEnv("MODEL_FAMILY", string(detections.FamilyYoloV8)))
	if err != nil {
		return nil, err
	}
	det := detections.DefaultConfig(family)

	var errs []error
	det.NetworkWidth = getEnvAsInt("NETWORK_WIDTH", det.NetworkWidth, &errs)
	det.NetworkHeight = getEnvAsInt("NETWORK_HEIGHT", det.NetworkHeight, &errs)
	det.ChannelCount = getEnvAsInt("CHANNELS", det.ChannelCount, &errs)
	det.ConfidenceThreshold = getEnvAsFloat("CONF_THRESHOLD", det.ConfidenceThreshold, &errs)
	det.NMSThreshold = getEnvAsFloat("NMS_THRESHOLD", det.NMSThreshold, &errs)
	det.ClassAwareNMS = getEnvAsBool("CLASS_AWARE_NMS", false, &errs)
	det.NormalizedBoxes = getEnvAsBool("NORMALIZED_BOXES", false, &errs)

	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", "127.0.0.1:8080"),
		ModelPath:      getEnv("MODEL_PATH", "models/yolov8n.onnx"),
		ConfigPath:     getEnv("MODEL_CONFIG_PATH", ""),
		LabelsPath:     getEnv("LABELS_PATH", ""),
		OnnxRuntimeLib: getEnv("ONNXRUNTIME_LIB", ""),
		PoolSize:       getEnvAsInt("POOL_SIZE", DefaultPoolSize, &errs),
		AcquireTimeout: getEnvAsDuration("ACQUIRE_TIMEOUT", DefaultAcquireTimeout, &errs),
		UseGPU:         getEnvAsBool("USE_GPU", false, &errs),
		Debug:          getEnvAsBool("DEBUG", false, &errs),
		Detector:       det,
	}
	if cfg.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("POOL_SIZE: %d must be positive", cfg.PoolSize))
	}
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}

	if cfg.LabelsPath != "" {
		names, err := detections.LoadClassNames(cfg.LabelsPath)
		if err != nil {
			return nil, err
		}
		cfg.Detector.ClassNames = names
	}

	if err := cfg.Detector.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvAsFloat(key string, defaultValue float32, errs *[]error) float32 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 32)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return float32(f)
}

func getEnvAsBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func getEnvAsDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
