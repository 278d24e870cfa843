// Package config handles capture service configuration
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

// Video source kinds.
const (
	VideoCamera = "camera"
	VideoScreen = "screen"
)

type Config struct {
	HTTPAddr             string   `yaml:"http_addr"`
	AnalysisAddr         string   `yaml:"analysis_addr"`
	OutputDir            string   `yaml:"output_dir"`
	SegmentSeconds       float64  `yaml:"segment_seconds"`
	SampleRate           int      `yaml:"sample_rate"`
	FramesPerBuffer      int      `yaml:"frames_per_buffer"`
	ExcludedAudioDevices []string `yaml:"excluded_audio_devices"`
	VideoSource          string   `yaml:"video_source"` // camera | screen
	CameraDevice         int      `yaml:"camera_device"`
	VideoFPS             float64  `yaml:"video_fps"`           // fallback when the device reports none
	ScreenCaptureRate    float64  `yaml:"screen_capture_rate"` // Hz
	DequeueWaitMS        int      `yaml:"dequeue_wait_ms"`
	MaxRecordSeconds     float64  `yaml:"max_record_seconds"`
	AnalysisTimeoutSecs  float64  `yaml:"analysis_timeout_seconds"`
	StaticFrameDistance  int      `yaml:"static_frame_distance"` // 0 disables reuse
	CatalogPath          string   `yaml:"catalog_path"`          // empty disables the catalog
	LockFile             string   `yaml:"lock_file"`             // empty disables the device lock
	LogLevel             string   `yaml:"log_level"`
	LogFormat            string   `yaml:"log_format"` // auto | text | json
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTPAddr:             ":8000",
		AnalysisAddr:         "localhost:50052",
		OutputDir:            "output",
		SegmentSeconds:       5,
		SampleRate:           16000,
		FramesPerBuffer:      1024,
		ExcludedAudioDevices: []string{"iphone", "teams"},
		VideoSource:          VideoCamera,
		CameraDevice:         0,
		VideoFPS:             20,
		ScreenCaptureRate:    2,
		DequeueWaitMS:        1000,
		MaxRecordSeconds:     300,
		AnalysisTimeoutSecs:  60,
		LogLevel:             "info",
		LogFormat:            "auto",
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE YAML
// overlay and environment variables, in that order, then validates it.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.AnalysisAddr = getEnv("ANALYSIS_ADDR", c.AnalysisAddr)
	c.OutputDir = getEnv("OUTPUT_DIR", c.OutputDir)
	c.SegmentSeconds = getEnvFloat("SEGMENT_SECONDS", c.SegmentSeconds)
	c.SampleRate = getEnvInt("SAMPLE_RATE", c.SampleRate)
	c.FramesPerBuffer = getEnvInt("FRAMES_PER_BUFFER", c.FramesPerBuffer)
	c.ExcludedAudioDevices = getEnvList("EXCLUDED_AUDIO_DEVICES", c.ExcludedAudioDevices)
	c.VideoSource = strings.ToLower(getEnv("VIDEO_SOURCE", c.VideoSource))
	c.CameraDevice = getEnvInt("CAMERA_DEVICE", c.CameraDevice)
	c.VideoFPS = getEnvFloat("VIDEO_FPS", c.VideoFPS)
	c.ScreenCaptureRate = getEnvFloat("SCREEN_CAPTURE_RATE", c.ScreenCaptureRate)
	c.DequeueWaitMS = getEnvInt("DEQUEUE_WAIT_MS", c.DequeueWaitMS)
	c.MaxRecordSeconds = getEnvFloat("MAX_RECORD_SECONDS", c.MaxRecordSeconds)
	c.AnalysisTimeoutSecs = getEnvFloat("ANALYSIS_TIMEOUT_SECONDS", c.AnalysisTimeoutSecs)
	c.StaticFrameDistance = getEnvInt("STATIC_FRAME_DISTANCE", c.StaticFrameDistance)
	c.CatalogPath = getEnv("CATALOG_PATH", c.CatalogPath)
	c.LockFile = getEnv("LOCK_FILE", c.LockFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate reports the first invalid setting as a CONFIG_INVALID error.
func (c *Config) Validate() error {
	switch {
	case c.OutputDir == "":
		return invalid("output_dir", "must not be empty")
	case c.SegmentSeconds <= 0:
		return invalid("segment_seconds", fmt.Sprintf("must be positive, got %v", c.SegmentSeconds))
	case c.SampleRate <= 0:
		return invalid("sample_rate", fmt.Sprintf("must be positive, got %d", c.SampleRate))
	case c.FramesPerBuffer <= 0:
		return invalid("frames_per_buffer", fmt.Sprintf("must be positive, got %d", c.FramesPerBuffer))
	case c.VideoSource != VideoCamera && c.VideoSource != VideoScreen:
		return invalid("video_source", fmt.Sprintf("must be %q or %q, got %q", VideoCamera, VideoScreen, c.VideoSource))
	case c.VideoFPS <= 0:
		return invalid("video_fps", fmt.Sprintf("must be positive, got %v", c.VideoFPS))
	case c.ScreenCaptureRate <= 0:
		return invalid("screen_capture_rate", fmt.Sprintf("must be positive, got %v", c.ScreenCaptureRate))
	case c.DequeueWaitMS <= 0:
		return invalid("dequeue_wait_ms", fmt.Sprintf("must be positive, got %d", c.DequeueWaitMS))
	case c.MaxRecordSeconds < 0:
		return invalid("max_record_seconds", "must not be negative")
	case c.AnalysisTimeoutSecs <= 0:
		return invalid("analysis_timeout_seconds", fmt.Sprintf("must be positive, got %v", c.AnalysisTimeoutSecs))
	case c.StaticFrameDistance < 0:
		return invalid("static_frame_distance", "must not be negative")
	}
	return nil
}

func invalid(field, msg string) error {
	return apperrors.Newf(apperrors.ConfigInvalid, "%s %s", field, msg).WithMetadata("field", field)
}

// SegmentDuration is the target length of one segment.
func (c *Config) SegmentDuration() time.Duration {
	return seconds(c.SegmentSeconds)
}

// DequeueWait is the bounded wait of one analysis dequeue.
func (c *Config) DequeueWait() time.Duration {
	return time.Duration(c.DequeueWaitMS) * time.Millisecond
}

// MaxRecordDuration bounds one recording; zero disables the watchdog.
func (c *Config) MaxRecordDuration() time.Duration {
	return seconds(c.MaxRecordSeconds)
}

// AnalysisTimeout bounds one analysis call.
func (c *Config) AnalysisTimeout() time.Duration {
	return seconds(c.AnalysisTimeoutSecs)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
