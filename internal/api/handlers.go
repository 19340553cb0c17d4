package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"parley/internal/models"
	"parley/internal/router"
)

const DefaultPageSize = router.MaxPageSize

// chatReader is the read side of the router the REST surface needs.
type chatReader interface {
	Users() []models.User
	Rooms() []string
	History(room string, before time.Time, limit int) ([]models.Message, bool)
	Search(room, query string) []models.Message
}

type API struct {
	chat chatReader
}

func New(chat chatReader) *API {
	return &API{chat: chat}
}

// Page is one page of room history, oldest message first.
type Page struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// Routes registers the public endpoints on r.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/users", a.UsersHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.RoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{room}", a.MessagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{room}/search", a.SearchHandler).Methods(http.MethodGet)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.chat.Users())
}

func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.chat.Rooms())
}

// MessagesHandler pages backwards through a room. The client passes the
// timestamp of the oldest message it holds as before.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	q := r.URL.Query()

	var before time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "Invalid before timestamp", http.StatusBadRequest)
			return
		}
		before = t
	}

	messages, hasMore := a.chat.History(room, before, parseLimit(q.Get("limit")))
	writeJSON(w, Page{Messages: messages, HasMore: hasMore})
}

func (a *API) SearchHandler(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, []models.Message{})
		return
	}
	writeJSON(w, a.chat.Search(room, query))
}

// parseLimit clamps limit to 1..DefaultPageSize. Missing or garbage means the
// full page.
func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n > DefaultPageSize {
		return DefaultPageSize
	}
	if n < 1 {
		return 1
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
