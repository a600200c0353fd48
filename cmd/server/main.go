package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/acordia/sessioncore/internal/api"
	"github.com/acordia/sessioncore/internal/notify"
	"github.com/acordia/sessioncore/internal/room"
	"github.com/acordia/sessioncore/internal/store"
	"github.com/acordia/sessioncore/internal/ws"
)

func main() {
	dbPath := os.Getenv("SESSION_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/sessions.db"
	}

	st, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	var notifier room.Notifier = notify.LogNotifier{}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rn, err := notify.NewRedisNotifier(addr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", addr, err)
		}
		defer rn.Close()
		notifier = rn
		log.Printf("Publishing room events to Redis at %s", addr)
	}

	registry := room.NewRegistry(room.Config{
		Store:                 st,
		Notifier:              notifier,
		CaseInsensitiveFields: []string{"email", "currency", "wallet"},
	})
	registry.Start()

	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(registry, w, r)
	})
	api.New(registry, st).Routes(router)

	handler := api.CORSMiddleware(router)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		registry.Shutdown()
		st.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("🤝 Session relay starting on :%s", port)
	log.Printf("📁 Store: %s", dbPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?room={roomId}&kind={agreement|transaction}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Rooms:     GET /api/rooms")
	log.Println("  - Room:      GET/DELETE /api/rooms/{id}")
	log.Println("  - Record:    GET /api/records/{id}")

	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}
