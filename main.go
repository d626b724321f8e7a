package main

import (
	"context"
	"embed"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/api"
	"github.com/rivalscope/rivalscope/internal/auth"
	"github.com/rivalscope/rivalscope/internal/core"
	"github.com/rivalscope/rivalscope/internal/jobs"
	"github.com/rivalscope/rivalscope/internal/report"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var version = "dev"

func main() {
	// The simulated executor stands in for the analysis pipeline.
	executor := report.NewSimulatedExecutor(500*time.Millisecond, 4)

	app, err := core.New(version, migrationsFS, executor)
	if err != nil {
		log.Fatalf("Fatal error during application setup: %v", err)
	}
	defer app.Close()
	logger := app.Logger()

	// --- First User Provisioning ---
	userCount, err := app.Store().CountUsers()
	if err != nil {
		logger.Fatal("could not check user count", zap.Error(err))
	}
	if userCount == 0 {
		password := generateRandomPassword(12)
		passwordHash, _ := auth.HashPassword(password)
		if _, err := app.Store().CreateUser("admin", passwordHash, "admin"); err != nil {
			logger.Fatal("could not create default admin user", zap.Error(err))
		}
		fmt.Println("==================================================")
		fmt.Println("Default admin user created.")
		fmt.Println("Username: admin")
		fmt.Printf("Password: %s\n", password)
		fmt.Println("Please change this password immediately.")
		fmt.Println("==================================================")
	}

	// Background retention sweeps.
	scheduler := jobs.StartJobs(app)
	defer scheduler.Stop()

	server := api.NewServer(app)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.Config().Port),
		Handler: server.Router(),
	}

	go func() {
		logger.Info("starting web server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
}

func generateRandomPassword(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	seededRand := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[seededRand.Intn(len(charset))]
	}
	return string(b)
}
