// Command keyserver runs a development key directory for olm devices.
//
// It keeps uploaded device keys and one-time keys in memory, so a restart
// wipes the directory. Configure with KEYSERVER_HOST, KEYSERVER_PORT,
// KEYSERVER_TOKEN and KEYSERVER_MODE (gin mode), via the environment or a
// .env file.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	env "github.com/allisson/go-env"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	loadDotEnv()

	host := env.GetString("KEYSERVER_HOST", "127.0.0.1")
	port := env.GetInt("KEYSERVER_PORT", 8008)
	token := env.GetString("KEYSERVER_TOKEN", "")
	mode := env.GetString("KEYSERVER_MODE", gin.ReleaseMode)

	gin.SetMode(mode)
	logger := log.New(os.Stderr, "keyserver ", log.LstdFlags)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      newRouter(newDirectory(), token, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
			os.Exit(1)
		}
	case err := <-serverErr:
		logger.Printf("server error: %v", err)
		os.Exit(1)
	}
}

// loadDotEnv walks from the working directory up to the filesystem root and
// loads the first .env file it finds.
func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
