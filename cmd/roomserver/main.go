// Command roomserver boots one room server process: it accepts WebSocket
// clients on /ws, admits them through internal/realtime.RoomServer, and
// speaks the bus protocol described in spec.md §6 to the fleet's
// discovery nodes.
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

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"realtime-rooms/internal/bus"
	"realtime-rooms/internal/realtime"
	"realtime-rooms/internal/token"
)

const defaultSecret = "defaultSecret"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

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

	publicURL := os.Getenv("PUBLIC_URL")
	if publicURL == "" {
		slog.Error("refusing to start", "error", "PUBLIC_URL must be set")
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	b, err := bus.Connect(bus.DefaultConfig("roomserver-"+publicURL), slog.Default())
	if err != nil {
		slog.Error("bus connect failed", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	codec := token.NewCodec(secret)
	rs := realtime.NewRoomServer(publicURL, codec, b, realtime.DefaultRoomServerOptions(), slog.Default())

	ctx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	if err := rs.Start(ctx); err != nil {
		slog.Error("room server bus integration failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(rs))
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/debug/rooms", debugRoomsHandler(rs))

	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		slog.Info("room server starting", "publicUrl", publicURL, "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("room server shutting down")
	cancelBus()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	stopped := make(chan struct{})
	rs.Stop(func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		slog.Warn("room server stop callback timed out")
	}
}

// resolveSecret implements spec.md §9's foot-gun fix: the default token
// secret is accepted in development but refused when APP_ENV=production.
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

func wsHandler(rs *realtime.RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}
		go realtime.Serve(conn, rs, slog.Default())
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func debugRoomsHandler(rs *realtime.RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"publicUrl":   rs.PublicURL(),
			"clientCount": rs.ClientCount(),
			"rooms":       rs.Rooms(),
		})
	}
}
