package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	LogLevel     string
	HTTP         HTTPConfig
	Auth         AuthConfig
	Database     DatabaseConfig
	Session      SessionConfig
	Embedding    EmbeddingConfig
	Blob         BlobConfig
	Registration RegistrationConfig
}

type HTTPConfig struct {
	Addr               string
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
}

type AuthConfig struct {
	JWTSecret   string // empty disables operator auth on /api
	JWTAudience string
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type SessionConfig struct {
	Backend   string // redis or memory
	RedisAddr string
	TTL       time.Duration
}

type EmbeddingConfig struct {
	Backend   string // grpc, insightface or dlib
	Addr      string // gRPC sidecar address
	URL       string // InsightFace HTTP sidecar
	ModelsDir string // dlib models
}

type BlobConfig struct {
	Backend        string // cloudinary or webdav
	CloudinaryURL  string
	WebDAVURL      string
	WebDAVUser     string
	WebDAVPassword string
}

// RegistrationConfig holds the wizard settings that ship in defaults.yaml
// and may be overridden by the file named in FACEREG_CONFIG.
type RegistrationConfig struct {
	Departments []string         `yaml:"departments"`
	Poses       []string         `yaml:"poses"`
	Quality     QualityConfig    `yaml:"quality"`
	Duplicates  DuplicatesConfig `yaml:"duplicates"`
}

type QualityConfig struct {
	MinBrightness float64 `yaml:"min_brightness"`
	MinSharpness  float64 `yaml:"min_sharpness"`
	// MaxPixels caps width*height of an uploaded frame before it is decoded.
	MaxPixels int `yaml:"max_pixels"`
}

type DuplicatesConfig struct {
	Reject      bool `yaml:"reject"`
	MaxDistance int  `yaml:"max_distance"`
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envInt returns the default when the variable is unset or not a positive integer.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the embedded defaults, the optional override file and the
// environment, in that order.
func Load() (*Config, error) {
	var reg RegistrationConfig
	if err := yaml.Unmarshal(defaultsYAML, &reg); err != nil {
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path := os.Getenv("FACEREG_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &reg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	reg.Quality.MinBrightness = envFloat("QUALITY_MIN_BRIGHTNESS", reg.Quality.MinBrightness)
	reg.Quality.MinSharpness = envFloat("QUALITY_MIN_SHARPNESS", reg.Quality.MinSharpness)
	reg.Quality.MaxPixels = envInt("QUALITY_MAX_PIXELS", reg.Quality.MaxPixels)
	reg.Duplicates.Reject = envBool("REJECT_DUPLICATE_POSES", reg.Duplicates.Reject)

	if err := reg.Validate(); err != nil {
		return nil, err
	}

	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:               getEnv("HTTP_ADDR", ":8080"),
			CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout:    envDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:   os.Getenv("JWT_SECRET"),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
		},
		Database: DatabaseConfig{
			DSN:          getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=facereg port=5432 sslmode=disable"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Session: SessionConfig{
			Backend:   getEnv("SESSION_STORE", "redis"),
			RedisAddr: getEnv("REDIS_ADDR", "redis:6379"),
			TTL:       envDuration("SESSION_TTL", 30*time.Minute),
		},
		Embedding: EmbeddingConfig{
			Backend:   getEnv("EMBEDDING_BACKEND", "grpc"),
			Addr:      getEnv("EMBEDDING_ADDR", "embedder:50051"),
			URL:       getEnv("EMBEDDING_URL", "http://embedder:8008"),
			ModelsDir: getEnv("DLIB_MODELS_DIR", "models"),
		},
		Blob: BlobConfig{
			Backend:        getEnv("BLOB_BACKEND", "cloudinary"),
			CloudinaryURL:  os.Getenv("CLOUDINARY_URL"),
			WebDAVURL:      os.Getenv("WEBDAV_URL"),
			WebDAVUser:     os.Getenv("WEBDAV_USER"),
			WebDAVPassword: os.Getenv("WEBDAV_PASSWORD"),
		},
		Registration: reg,
	}, nil
}

// Validate checks that the pose sequence is usable.
func (r RegistrationConfig) Validate() error {
	if len(r.Poses) == 0 {
		return errors.New("at least one pose is required")
	}
	seen := make(map[string]bool, len(r.Poses))
	for _, pose := range r.Poses {
		name := strings.TrimSpace(pose)
		if name == "" {
			return errors.New("pose names must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate pose %q", name)
		}
		seen[name] = true
	}
	return nil
}
