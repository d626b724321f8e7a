// rivalscope-watch is a terminal client for following a report job's
// progress. It logs in, optionally starts a new report, and tails the
// progress channel until the job reaches a terminal state.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rivalscope/rivalscope/internal/models"
	"github.com/rivalscope/rivalscope/internal/progress"
	"github.com/rivalscope/rivalscope/internal/tracker"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "Base URL of the rivalscope server")
		username = flag.String("username", "admin", "Username to log in with")
		password = flag.String("password", "", "Password to log in with")
		jobID    = flag.String("job", "", "Existing job id to watch; empty starts a new report")
		title    = flag.String("title", "Ad-hoc landscape report", "Title for a newly started report")
		domains  = flag.String("domains", "", "Comma-separated competitor domains for a new report")
	)
	flag.Parse()

	if *password == "" {
		log.Fatal("a password is required (-password)")
	}

	cookie, err := login(*server, *username, *password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}

	if *jobID == "" {
		if *domains == "" {
			log.Fatal("starting a new report requires -domains")
		}
		id, err := startReport(*server, cookie, *title, strings.Split(*domains, ","))
		if err != nil {
			log.Fatalf("could not start report: %v", err)
		}
		fmt.Printf("started report job %s\n", id)
		*jobID = id
	}

	header := http.Header{}
	header.Add("Cookie", cookie.String())
	dial, err := tracker.WebsocketDial(*server, *jobID, "rivalscope-watch", header)
	if err != nil {
		log.Fatalf("bad server URL: %v", err)
	}

	done := make(chan struct{})
	t, err := tracker.New(tracker.Config{
		JobID:          *jobID,
		SubscriberID:   "rivalscope-watch",
		Dial:           dial,
		ReconnectDelay: 3 * time.Second,
		OnUpdate: func(snap progress.Snapshot) {
			printSnapshot(snap)
			if snap.Status == progress.StatusCancelled {
				close(done)
			}
		},
		OnComplete: func(snap progress.Snapshot) {
			fmt.Println("report completed")
			close(done)
		},
		OnError: func(err error) {
			var jobErr *tracker.JobError
			if errors.As(err, &jobErr) {
				fmt.Printf("report failed: %s\n", jobErr.Message)
				close(done)
				return
			}
			fmt.Fprintf(os.Stderr, "connection trouble: %v\n", err)
		},
	})
	if err != nil {
		log.Fatalf("could not build tracker: %v", err)
	}

	if err := t.Connect(context.Background()); err != nil {
		log.Fatalf("could not connect: %v", err)
	}
	defer t.Disconnect()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-quit:
		fmt.Println("\ndetaching from job (the report keeps running)")
	}
}

func login(server, username, password string) (*http.Cookie, error) {
	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(server+"/api/users/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "session_token" {
			return cookie, nil
		}
	}
	return nil, fmt.Errorf("no session cookie in login response")
}

func startReport(server string, cookie *http.Cookie, title string, domains []string) (string, error) {
	body, _ := json.Marshal(models.ReportRequest{Title: title, CompetitorDomains: domains})
	req, err := http.NewRequest("POST", server+"/api/reports", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("server returned %s", resp.Status)
	}
	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result["jobId"], nil
}

func printSnapshot(snap progress.Snapshot) {
	line := fmt.Sprintf("[%s] %s %5.1f%%", snap.Status, snap.CurrentStage, snap.OverallProgress)
	if snap.EstimatedTimeRemaining != nil {
		line += fmt.Sprintf(" (~%ds remaining)", *snap.EstimatedTimeRemaining)
	}
	fmt.Println(line)
}
