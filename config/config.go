package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/loiht2/ml-platform-finetune-orchestrator/storage"
)

// Provider types understood by the connector factory
const (
	ProviderKubernetes = "kubernetes"
	ProviderRunPod     = "runpod"
	ProviderMLflow     = "mlflow"
)

// Config holds all configuration for the orchestrator
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Batcher      BatcherConfig      `yaml:"batcher"`
	Providers    []ProviderConfig   `yaml:"providers"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	// RequireUser rejects API calls without an X-User-ID header
	RequireUser bool `yaml:"requireUser"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// DatabaseConfig selects the run store. An empty URL keeps history in memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

type OrchestratorConfig struct {
	PollInterval       time.Duration `yaml:"pollInterval"`
	ReconcileInterval  time.Duration `yaml:"reconcileInterval"`
	SyncEvery          int           `yaml:"syncEvery"`
	PollConcurrency    int           `yaml:"pollConcurrency"`
	PollTimeout        time.Duration `yaml:"pollTimeout"`
	MaxPollFailures    int           `yaml:"maxPollFailures"`
	ResumeTimeout      time.Duration `yaml:"resumeTimeout"`
	ResumePollInterval time.Duration `yaml:"resumePollInterval"`
}

type BatcherConfig struct {
	MaxBatch      int           `yaml:"maxBatch"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	SendTimeout   time.Duration `yaml:"sendTimeout"`
}

// ProviderConfig declares one connector. Credentials are passed to Connect; values
// may reference environment variables as ${NAME}.
type ProviderConfig struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Credentials map[string]string `yaml:"credentials"`

	Kubernetes *KubernetesConfig `yaml:"kubernetes,omitempty"`
	RunPod     *RunPodConfig     `yaml:"runpod,omitempty"`
	MLflow     *MLflowConfig     `yaml:"mlflow,omitempty"`
}

type KubernetesConfig struct {
	Kubeconfig     string `yaml:"kubeconfig"`
	Namespace      string `yaml:"namespace"`
	Image          string `yaml:"image"`
	ServiceAccount string `yaml:"serviceAccount"`
	// MinIOSecret names a secret in Namespace holding endpoint/accesskey/secretkey
	MinIOSecret    string `yaml:"minioSecret"`
	ArtifactBucket string `yaml:"artifactBucket"`
	ArtifactPrefix string `yaml:"artifactPrefix"`
	TTLAfterFinish int32  `yaml:"ttlSecondsAfterFinished"`
}

type RunPodConfig struct {
	BaseURL           string               `yaml:"baseURL"`
	Image             string               `yaml:"image"`
	CloudType         string               `yaml:"cloudType"`
	RequestsPerSecond float64              `yaml:"requestsPerSecond"`
	Artifacts         *storage.MinIOConfig `yaml:"artifacts,omitempty"`
	ArtifactPrefix    string               `yaml:"artifactPrefix"`
}

type MLflowConfig struct {
	TrackingURI       string  `yaml:"trackingURI"`
	Experiment        string  `yaml:"experiment"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:       10 * time.Second,
			ReconcileInterval:  30 * time.Second,
			SyncEvery:          5,
			PollConcurrency:    8,
			PollTimeout:        15 * time.Second,
			MaxPollFailures:    3,
			ResumeTimeout:      2 * time.Minute,
			ResumePollInterval: 2 * time.Second,
		},
		Batcher: BatcherConfig{
			MaxBatch:      100,
			FlushInterval: 5 * time.Second,
			SendTimeout:   10 * time.Second,
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults, then applies the
// DATABASE_URL, PORT and LOG_LEVEL environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)
	cfg.Server.Port = getEnvOrDefault("PORT", cfg.Server.Port)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	if v := os.Getenv("SYNC_EVERY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_EVERY %q: %w", v, err)
		}
		cfg.Orchestrator.SyncEvery = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects provider declarations the connector factory can't build
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case ProviderKubernetes:
			if p.Kubernetes == nil {
				return fmt.Errorf("provider %s: kubernetes section is required", p.Name)
			}
		case ProviderRunPod:
			if p.RunPod == nil {
				return fmt.Errorf("provider %s: runpod section is required", p.Name)
			}
		case ProviderMLflow:
			if p.MLflow == nil || p.MLflow.TrackingURI == "" {
				return fmt.Errorf("provider %s: mlflow.trackingURI is required", p.Name)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SetupLogging configures the global logrus logger
func SetupLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// OpenDatabase initializes the database connection with optimized settings
func OpenDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&TrainingRun{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	logrus.Info("Database initialized successfully")
	return db, nil
}

// KubeConfig builds a client config from a kubeconfig path, falling back to the
// in-cluster service account when path is empty
func KubeConfig(path string) (*rest.Config, error) {
	if path == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("failed to build config from %s: %w", path, err)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
