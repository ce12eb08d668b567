package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Config holds the dispatcher process configuration, loaded from the
// environment.
type Config struct {
	CourseName string // sdmm, classytest, ...
	ListenAddr string

	// Webhook callback address handed to the source-hosting platform.
	BackendURL  string
	BackendPort int

	// Source hosting.
	GithubHost  string
	Org         string
	GithubToken string

	// Container runtime. Empty DockerHost means the local socket; an
	// http/https/tcp scheme selects TCP, with TLS when certs are set.
	DockerHost  string
	SSLCertPath string
	SSLKeyPath  string
	SSLCAPath   string

	// Queue slot budget.
	NumSlotsExpress    int
	NumSlotsStandard   int
	NumSlotsRegression int

	// Course parameters.
	PassThreshold    float64
	ProjectPrefix    string
	BootstrapRepoURL string
	DefaultDeliv     string

	// Grading containers.
	GraderImage    string
	GraderTimeout  time.Duration
	WorkRoot       string

	// Backends.
	DatabaseURL string
	RedisAddr   string

	// Postback endpoints; empty means the log sink.
	ResultSinkURL string
	GradeSinkURL  string

	// Shared course secret for the HTTP surface.
	Secret string
}

// LoadConfig reads the process configuration from the environment and
// fills in course defaults.
func LoadConfig() *Config {
	cfg := &Config{
		CourseName:         getenv("COURSE_NAME", "sdmm"),
		ListenAddr:         getenv("LISTEN_ADDR", ":11333"),
		BackendURL:         getenv("BACKEND_URL", "http://localhost"),
		BackendPort:        getenvInt("BACKEND_PORT", 11333),
		GithubHost:         getenv("GITHUB_HOST", "github.com"),
		Org:                os.Getenv("ORG"),
		GithubToken:        os.Getenv("GITHUB_TOKEN"),
		DockerHost:         os.Getenv("DOCKER_HOST_URL"),
		SSLCertPath:        os.Getenv("SSL_CERT_PATH"),
		SSLKeyPath:         os.Getenv("SSL_KEY_PATH"),
		SSLCAPath:          os.Getenv("SSL_CA_PATH"),
		NumSlotsExpress:    getenvInt("NUM_SLOTS_EXPRESS", 1),
		NumSlotsStandard:   getenvInt("NUM_SLOTS_STANDARD", 2),
		NumSlotsRegression: getenvInt("NUM_SLOTS_REGRESSION", 1),
		PassThreshold:      getenvFloat("PASS_THRESHOLD", 60),
		ProjectPrefix:      getenv("PROJECT_PREFIX", "secap_"),
		BootstrapRepoURL:   os.Getenv("BOOTSTRAP_REPO_URL"),
		DefaultDeliv:       getenv("DEFAULT_DELIV", "d0"),
		GraderImage:        getenv("GRADER_IMAGE", "autotest/grader:latest"),
		GraderTimeout:      time.Duration(getenvInt("GRADER_TIMEOUT_SECONDS", 300)) * time.Second,
		WorkRoot:           getenv("WORK_ROOT", "/tmp/autotest"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		ResultSinkURL:      os.Getenv("RESULT_SINK_URL"),
		GradeSinkURL:       os.Getenv("GRADE_SINK_URL"),
		Secret:             os.Getenv("AUTOTEST_SECRET"),
	}

	if cfg.Org == "" {
		log.Printf("[CONFIG] ORG is unset; provisioning will be unavailable")
	}
	return cfg
}

// WebhookURL is the push event callback installed on provisioned
// repositories.
func (c *Config) WebhookURL() string {
	base := strings.TrimSuffix(c.BackendURL, "/")
	return fmt.Sprintf("%s:%d/githubWebhook", base, c.BackendPort)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}
