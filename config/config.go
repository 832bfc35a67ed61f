package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr         string        `validate:"required"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	MaxUploadMB  int64         `validate:"min=1,max=100"`

	ORTLibraryPath string
	PoolSize       int `validate:"min=1,max=32"`
	Threads        int `validate:"min=0"`

	DetectorModelLocations []string `validate:"min=1,dive,required"`
	DetectorInputName      string   `validate:"required"`
	DetectorOutputName     string   `validate:"required"`
	DetectorInputSize      int      `validate:"min=32,max=2048"`
	DetectorNormalized     bool
	ConfThreshold          float64 `validate:"gt=0,lte=1"`

	PredictorModelLocations []string `validate:"min=1,dive,required"`
	PredictorInputName      string   `validate:"required"`
	PredictorOutputName     string   `validate:"required"`
	PredictorInputWidth     int      `validate:"min=1"`
	PredictorInputHeight    int      `validate:"min=1"`
	PredictorOutputSize     int      `validate:"min=1"`
	OutputMode              string   `validate:"oneof=regression argmax expectation"`
	Precision               int      `validate:"min=0,max=6"`

	FetchAttempts int           `validate:"min=1,max=10"`
	FetchBackoff  time.Duration `validate:"gte=0"`

	QuantizationStep int           `validate:"min=1"`
	RefreshInterval  time.Duration `validate:"gt=0"`
	InferenceTimeout time.Duration `validate:"gt=0"`
	TargetFPS        float64       `validate:"gt=0,lte=120"`
	Mirrored         bool

	LogLevel string `validate:"oneof=trace debug info warn error"`
	LogFile  string
	Debug    bool
}

// Load reads the configuration from the environment, after loading a .env
// file when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:         getEnv("ADDR", "127.0.0.1:8080"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 60*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 60*time.Second),
		MaxUploadMB:  int64(getInt("MAX_UPLOAD_MB", 10)),

		ORTLibraryPath: getEnv("ORT_LIBRARY_PATH", ""),
		PoolSize:       getInt("POOL_SIZE", 2),
		Threads:        getInt("ORT_THREADS", 0),

		DetectorModelLocations: getList("DETECTOR_MODEL_LOCATIONS", []string{"./models/face_detector.onnx"}),
		DetectorInputName:      getEnv("DETECTOR_INPUT_NAME", "images"),
		DetectorOutputName:     getEnv("DETECTOR_OUTPUT_NAME", "output0"),
		DetectorInputSize:      getInt("DETECTOR_INPUT_SIZE", 640),
		DetectorNormalized:     getBool("DETECTOR_NORMALIZED", false),
		ConfThreshold:          getFloat("CONF_THRESHOLD", 0.5),

		PredictorModelLocations: getList("PREDICTOR_MODEL_LOCATIONS", []string{"./models/predictor.onnx"}),
		PredictorInputName:      getEnv("PREDICTOR_INPUT_NAME", "input"),
		PredictorOutputName:     getEnv("PREDICTOR_OUTPUT_NAME", "output"),
		PredictorInputWidth:     getInt("PREDICTOR_INPUT_WIDTH", 224),
		PredictorInputHeight:    getInt("PREDICTOR_INPUT_HEIGHT", 224),
		PredictorOutputSize:     getInt("PREDICTOR_OUTPUT_SIZE", 1),
		OutputMode:              getEnv("PREDICTOR_OUTPUT_MODE", "regression"),
		Precision:               getInt("PREDICTION_PRECISION", 0),

		FetchAttempts: getInt("FETCH_ATTEMPTS", 3),
		FetchBackoff:  getDuration("FETCH_BACKOFF", 250*time.Millisecond),

		QuantizationStep: getInt("QUANTIZATION_STEP", 10),
		RefreshInterval:  getDuration("REFRESH_INTERVAL", time.Second),
		InferenceTimeout: getDuration("INFERENCE_TIMEOUT", 10*time.Second),
		TargetFPS:        getFloat("TARGET_FPS", 15),
		Mirrored:         getBool("MIRRORED", true),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
		Debug:    getBool("DEBUG", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

// getList splits a comma separated value, dropping blanks.
func getList(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
