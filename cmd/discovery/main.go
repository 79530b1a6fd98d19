// Command discovery boots one discovery node: it aggregates the fleet's
// rooms and members from bus traffic (internal/discovery) and exposes an
// HTTP surface for minting join tokens and inspecting the mirror.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"realtime-rooms/internal/bus"
	"realtime-rooms/internal/discovery"
	"realtime-rooms/internal/token"
)

const defaultSecret = "defaultSecret"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	setupLogger()

	secret, err := resolveSecret()
	if err != nil {
		slog.Error("refusing to start", "error", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	b, err := bus.Connect(bus.DefaultConfig("discovery"), slog.Default())
	if err != nil {
		slog.Error("bus connect failed", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	codec := token.NewCodec(secret)
	d := discovery.New(codec, b, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		slog.Error("discovery bus integration failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/servers", serversHandler(d))
	mux.HandleFunc("/rooms", roomsHandler(d))
	mux.HandleFunc("/token", tokenHandler(d, alwaysAllow))

	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		slog.Info("discovery starting", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("discovery shutting down")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	d.Stop()
}

func resolveSecret() (string, error) {
	secret := os.Getenv("DISCOVERY_SECRET")
	if secret == "" {
		secret = defaultSecret
	}
	if secret == defaultSecret && os.Getenv("APP_ENV") == "production" {
		return "", fmt.Errorf("DISCOVERY_SECRET must be set to a non-default value when APP_ENV=production")
	}
	return secret, nil
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func serversHandler(d *discovery.Discovery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.Servers())
	}
}

func roomsHandler(d *discovery.Discovery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		rooms := make(map[string]any)
		for _, server := range d.Servers() {
			rooms[server.PublicURL] = server.Rooms
		}
		json.NewEncoder(w).Encode(rooms)
	}
}

// tokenPolicy decides whether r may mint a join token at all. The spec
// defines only the interface consumed here ("any embedding application's
// policy for deciding who gets a token" — spec.md §1); this binary wires
// a trivial always-allow policy so the endpoint is exercisable standalone.
type tokenPolicy func(r *http.Request) bool

func alwaysAllow(*http.Request) bool { return true }

type tokenRequest struct {
	PublicURL        string         `json:"publicUrl"`
	RoomID           string         `json:"roomId"`
	RoomProperties   map[string]any `json:"roomProperties,omitempty"`
	ClientID         string         `json:"clientId"`
	ClientProperties map[string]any `json:"clientProperties,omitempty"`
	JoinOnly         bool           `json:"joinOnly,omitempty"`
}

func tokenHandler(d *discovery.Discovery, allowed tokenPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !allowed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.PublicURL == "" || req.RoomID == "" {
			http.Error(w, "publicUrl and roomId are required", http.StatusBadRequest)
			return
		}
		if req.ClientID == "" {
			req.ClientID = uuid.New().String()
		}

		tok, err := d.GenerateToken(token.Options{
			PublicURL:        req.PublicURL,
			RoomID:           req.RoomID,
			RoomProperties:   req.RoomProperties,
			ClientID:         req.ClientID,
			ClientProperties: req.ClientProperties,
			JoinOnly:         req.JoinOnly,
		})
		if err != nil {
			slog.Error("token generation failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": tok})
	}
}
