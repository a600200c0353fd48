package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/acordia/sessioncore/internal/room"
	"github.com/acordia/sessioncore/internal/store"
)

// API exposes read-only introspection over live sessions plus explicit
// room cancellation. Document edits never flow through HTTP.
type API struct {
	registry *room.Registry
	store    *store.Store
}

func New(registry *room.Registry, st *store.Store) *API {
	return &API{registry: registry, store: st}
}

// Routes registers all handlers on the given router.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.CloseRoomHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/records/{id}", a.GetRecordHandler).Methods(http.MethodGet)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, conns := a.registry.Counts()
	stats := map[string]interface{}{
		"active_rooms":       rooms,
		"active_connections": conns,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		if dbStats, err := a.store.Stats(); err == nil {
			stats["stored_rooms"] = dbStats["rooms"]
			stats["stored_records"] = dbStats["records"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": a.registry.Rooms(),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rm, ok := a.registry.Get(id)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	info, ok := rm.Info()
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	jsonResponse(w, http.StatusOK, info)
}

func (a *API) CloseRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a.registry.Close(id)
	jsonResponse(w, http.StatusOK, map[string]string{"status": "closed", "id": id})
}

func (a *API) GetRecordHandler(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		errorResponse(w, http.StatusNotFound, "No store configured")
		return
	}
	id := mux.Vars(r)["id"]

	saved, err := a.store.GetCanonicalRecord(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to load record")
		return
	}
	if saved == nil {
		errorResponse(w, http.StatusNotFound, "No record for room")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id":   saved.RoomID,
		"record":    saved.Record,
		"conflicts": saved.Conflicts,
		"saved_at":  saved.SavedAt,
	})
}

// CORSMiddleware mirrors what the front end needs during development.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
