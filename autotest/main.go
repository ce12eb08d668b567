package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andrewstec/classy/autotest/grader"
	"github.com/andrewstec/classy/autotest/hosting"
	"github.com/andrewstec/classy/autotest/middleware"
	"github.com/andrewstec/classy/autotest/queue"
	"github.com/andrewstec/classy/autotest/sdmm"
	"github.com/andrewstec/classy/autotest/sink"
	"github.com/andrewstec/classy/autotest/store"
)

func main() {
	cfg := LoadConfig()
	ctx := context.Background()

	// Persistence: Postgres when configured, in-memory for dev.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("Connected to Postgres for course records")
	} else {
		st = store.NewMemoryStore()
		log.Printf("Using in-memory store (ephemeral; dev mode only)")
	}

	// Sinks. Result postbacks are at-least-once; Redis markers suppress
	// re-delivery when available.
	var resultSink queue.ResultSink = sink.LogSink{}
	var gradeSink queue.GradeSink = sink.LogSink{}
	if cfg.ResultSinkURL != "" {
		resultSink = sink.NewHTTPResultSink(cfg.ResultSinkURL, cfg.Secret)
	}
	if cfg.GradeSinkURL != "" {
		gradeSink = sink.NewHTTPGradeSink(cfg.GradeSinkURL, cfg.Secret)
	}
	if cfg.RedisAddr != "" {
		deduper, err := store.NewResultDeduper(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		defer deduper.Close()
		resultSink = sink.NewDedupResultSink(resultSink, deduper)
		log.Printf("Connected to Redis at %s for result de-duplication", cfg.RedisAddr)
	}

	// Container runtime.
	runtime, err := grader.NewDockerRuntime(cfg.DockerHost, cfg.SSLCertPath, cfg.SSLKeyPath, cfg.SSLCAPath)
	if err != nil {
		log.Fatalf("Failed to connect to Docker: %v", err)
	}
	runner := grader.NewRunner(runtime, grader.GitFetcher{}, gradeSink, grader.RunnerConfig{
		WorkRoot:       cfg.WorkRoot,
		URLName:        cfg.CourseName,
		DefaultImage:   cfg.GraderImage,
		DefaultTimeout: cfg.GraderTimeout,
	})

	// Dashboard event stream.
	hub := NewEventsHub()
	go hub.Run(ctx)

	dispatcher := queue.NewDispatcher(queue.DispatcherConfig{
		NumSlotsExpress:    cfg.NumSlotsExpress,
		NumSlotsStandard:   cfg.NumSlotsStandard,
		NumSlotsRegression: cfg.NumSlotsRegression,
	}, runner, resultSink, hub)
	dispatcher.ProcessExecution = feedbackPoster(cfg)

	// Source hosting.
	var prov hosting.Provisioner
	if cfg.GithubToken != "" && cfg.Org != "" {
		gh, err := hosting.NewGitHubProvisioner(ctx, cfg.GithubHost, cfg.Org, cfg.GithubToken)
		if err != nil {
			log.Fatalf("Failed to build GitHub client: %v", err)
		}
		prov = gh
	} else {
		log.Printf("GITHUB_TOKEN/ORG unset; provisioning endpoints disabled")
		prov = unavailableProvisioner{}
	}

	course := sdmm.NewService(st, prov, sdmm.Config{
		PassThreshold:    cfg.PassThreshold,
		ProjectPrefix:    cfg.ProjectPrefix,
		BootstrapRepoURL: cfg.BootstrapRepoURL,
		WebhookURL:       cfg.WebhookURL(),
	})

	api := NewAPI(cfg, dispatcher, course, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/githubWebhook", api.handleWebhook)
	mux.Handle("/requestFeedback", middleware.TokenAuth(cfg.Secret, http.HandlerFunc(api.handleRequestFeedback)))
	mux.Handle("/sdmm/provision", middleware.TokenAuth(cfg.Secret, http.HandlerFunc(api.handleProvision)))
	mux.Handle("/sdmm/status", middleware.TokenAuth(cfg.Secret, http.HandlerFunc(api.handleStatus)))
	mux.HandleFunc("/queue/debug/snapshot", api.handleSnapshot)
	mux.HandleFunc("/dashboard/stream", hub.ServeStream)
	mux.Handle("/metrics", promhttp.Handler())

	log.Printf("AutoTest dispatcher for course %s listening on %s (express=%d standard=%d regression=%d)",
		cfg.CourseName, cfg.ListenAddr, cfg.NumSlotsExpress, cfg.NumSlotsStandard, cfg.NumSlotsRegression)

	handler := middleware.CORS(mux)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}

// feedbackPoster builds the dispatcher's processExecution extension:
// post the report feedback back onto the commit. Sentinel postback
// values mean test mode and are skipped.
func feedbackPoster(cfg *Config) func(*queue.AutoTestResult) error {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(res *queue.AutoTestResult) error {
		target := res.Input.Target.PostbackURL
		if target == queue.PostbackEmpty || target == queue.PostbackCapture || target == "" {
			return nil
		}
		if res.Output.Report == nil || res.Output.Report.Feedback == "" {
			return nil
		}
		body, err := json.Marshal(map[string]string{"body": res.Output.Report.Feedback})
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.GithubToken != "" {
			req.Header.Set("Authorization", "token "+cfg.GithubToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("feedback postback to %s returned %d", target, resp.StatusCode)
		}
		return nil
	}
}

// unavailableProvisioner rejects provisioning when no hosting
// credentials are configured.
type unavailableProvisioner struct{}

func (unavailableProvisioner) ProvisionRepository(ctx context.Context, name string, teams []string, importURL, webhookURL string) (bool, error) {
	return false, fmt.Errorf("hosting: not configured")
}
func (unavailableProvisioner) RepositoryURL(name string) string { return "" }
func (unavailableProvisioner) TeamURL(teamID string) string     { return "" }
