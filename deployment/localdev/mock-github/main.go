// mock-github accepts pull request comments the way the GitHub REST API does, so the
// quarantine digest can be exercised locally:
//
//	go run ./deployment/localdev/mock-github
//	FLAKEGUARD_PR_NUMBER=1 GITHUB_REPOSITORY=acme/engine GH_TOKEN=dev \
//	GITHUB_API_URL=http://localhost:8080 flakeguard run --comment-persist-failures
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type issueComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

type commentStore struct {
	mu       sync.Mutex
	nextID   int64
	comments map[string][]issueComment
}

func main() {
	store := &commentStore{nextID: 1, comments: make(map[string][]issueComment)}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/v3/repos/{owner}/{repo}/issues/{number}/comments", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Requires authentication"})
			return
		}
		if _, err := strconv.Atoi(r.PathValue("number")); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}

		var payload struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Body == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Validation Failed"})
			return
		}

		key := threadKey(r)
		store.mu.Lock()
		comment := issueComment{
			ID:        store.nextID,
			Body:      payload.Body,
			HTMLURL:   "http://localhost:8080/" + key + "#issuecomment-" + strconv.FormatInt(store.nextID, 10),
			CreatedAt: time.Now().UTC(),
		}
		store.nextID++
		store.comments[key] = append(store.comments[key], comment)
		store.mu.Unlock()

		log.Printf("comment on %s:\n%s", key, payload.Body)
		writeJSON(w, http.StatusCreated, comment)
	})

	mux.HandleFunc("GET /api/v3/repos/{owner}/{repo}/issues/{number}/comments", func(w http.ResponseWriter, r *http.Request) {
		store.mu.Lock()
		comments := append([]issueComment{}, store.comments[threadKey(r)]...)
		store.mu.Unlock()
		writeJSON(w, http.StatusOK, comments)
	})

	logger := log.New(log.Writer(), "github-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func threadKey(r *http.Request) string {
	return r.PathValue("owner") + "/" + r.PathValue("repo") + "/pull/" + r.PathValue("number")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
