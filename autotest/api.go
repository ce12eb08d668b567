package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/andrewstec/classy/autotest/observability"
	"github.com/andrewstec/classy/autotest/queue"
	"github.com/andrewstec/classy/autotest/sdmm"
)

// API owns the HTTP surface of the dispatcher process.
type API struct {
	cfg        *Config
	dispatcher *queue.Dispatcher
	course     *sdmm.Service
	hub        *EventsHub

	// Per-repo admission limiter: a student pushing in a tight loop
	// must not flood the standard tier.
	pushLimiter *queue.RepoLimiter
}

func NewAPI(cfg *Config, dispatcher *queue.Dispatcher, course *sdmm.Service, hub *EventsHub) *API {
	return &API{
		cfg:        cfg,
		dispatcher: dispatcher,
		course:     course,
		hub:        hub,
		// 1 push per 10 seconds per repo, burst 3.
		pushLimiter: queue.NewRepoLimiter(0.1, 3),
	}
}

// pushEvent is the subset of the GitHub push payload AutoTest needs.
type pushEvent struct {
	After      string `json:"after"`
	Repository struct {
		Name     string `json:"name"`
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	HeadCommit *struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		Timestamp string `json:"timestamp"`
	} `json:"head_commit"`
}

// handleWebhook admits a push event into the standard tier.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event pushEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	sha := event.After
	commitURL := ""
	timestamp := time.Now()
	if event.HeadCommit != nil {
		if event.HeadCommit.ID != "" {
			sha = event.HeadCommit.ID
		}
		commitURL = event.HeadCommit.URL
		if ts, err := time.Parse(time.RFC3339, event.HeadCommit.Timestamp); err == nil {
			timestamp = ts
		}
	}
	if sha == "" || event.Repository.Name == "" {
		http.Error(w, "push event missing commit or repository", http.StatusBadRequest)
		return
	}
	if commitURL == "" {
		commitURL = fmt.Sprintf("%s/commit/%s", event.Repository.HTMLURL, sha)
	}

	if !a.pushLimiter.Allow(event.Repository.Name) {
		observability.WebhookThrottled.Inc()
		log.Printf("api: throttled push for %s", event.Repository.Name)
		http.Error(w, "too many pushes, try again later", http.StatusTooManyRequests)
		return
	}

	// First sighting of a pusher registers them at D0PRE.
	if event.Pusher.Name != "" {
		if _, err := a.course.HandleUnknownUser(r.Context(), event.Pusher.Name); err != nil {
			log.Printf("api: handleUnknownUser %s: %v", event.Pusher.Name, err)
		}
	}

	delivID := r.URL.Query().Get("delivId")
	if delivID == "" {
		delivID = a.cfg.DefaultDeliv
	}
	postbackURL := r.Header.Get("X-Autotest-Postback")
	if postbackURL == "" {
		postbackURL = fmt.Sprintf("https://%s/api/v3/repos/%s/%s/commits/%s/comments",
			a.cfg.GithubHost, a.cfg.Org, event.Repository.Name, sha)
	}

	input := &queue.ContainerInput{
		Target: queue.CommitTarget{
			CommitSHA:   sha,
			CommitURL:   commitURL,
			RepoID:      event.Repository.Name,
			RepoURL:     event.Repository.CloneURL,
			DelivID:     delivID,
			PostbackURL: postbackURL,
			Timestamp:   timestamp,
		},
		Custom: map[string]string{"req_id": uuid.NewString()},
	}

	if err := a.dispatcher.AddToStandardQueue(input); err != nil {
		log.Printf("api: enqueue %s/%s: %v", commitURL, delivID, err)
		http.Error(w, "could not enqueue", http.StatusInternalServerError)
		return
	}
	a.dispatcher.Tick()
	w.WriteHeader(http.StatusAccepted)
}

// handleRequestFeedback promotes a commit the student is actively
// waiting on.
func (a *API) handleRequestFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		CommitURL string `json:"commitUrl"`
		DelivID   string `json:"delivId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommitURL == "" || req.DelivID == "" {
		http.Error(w, "commitUrl and delivId are required", http.StatusBadRequest)
		return
	}
	a.dispatcher.PromoteIfNeeded(req.CommitURL, req.DelivID)
	w.WriteHeader(http.StatusAccepted)
}

// handleProvision runs the sdmm provisioning flow.
func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DelivID string   `json:"delivId"`
		People  []string `json:"people"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DelivID == "" || len(req.People) == 0 {
		http.Error(w, "delivId and people are required", http.StatusBadRequest)
		return
	}
	payload := a.course.Provision(r.Context(), req.DelivID, req.People)
	writeJSON(w, payload)
}

// handleStatus returns the computed progression stage.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	personID := r.URL.Query().Get("person")
	if personID == "" {
		http.Error(w, "person is required", http.StatusBadRequest)
		return
	}
	status, err := a.course.ComputeStatus(r.Context(), personID)
	if err != nil {
		log.Printf("api: status for %s: %v", personID, err)
		http.Error(w, "could not compute status", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": status.String()})
}

// handleSnapshot exposes queue and timeline state for debugging.
func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.dispatcher.Snapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
