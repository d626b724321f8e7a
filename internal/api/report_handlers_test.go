package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rivalscope/rivalscope/internal/models"
	"github.com/rivalscope/rivalscope/internal/progress"
	"github.com/rivalscope/rivalscope/internal/report"
	"github.com/rivalscope/rivalscope/internal/testutil"
)

func startReport(t *testing.T, router http.Handler, cookie *http.Cookie, title string) string {
	t.Helper()
	payload := fmt.Sprintf(`{"title":%q, "competitor_domains":["acme.example"], "keywords":["pricing"]}`, title)
	req, _ := http.NewRequest("POST", "/api/reports", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from report creation, got %v: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("could not unmarshal creation response: %v", err)
	}
	if resp["jobId"] == "" {
		t.Fatal("creation response is missing jobId")
	}
	return resp["jobId"]
}

func TestReportLifecycleHandlers(t *testing.T) {
	server, app := testutil.SetupTestServer(t, testutil.InstantExecutor())
	router := server.Router()
	cookie := testutil.GetAuthCookie(t, server, "analyst", "password", "user")

	t.Run("Create Requires Auth", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/api/reports", strings.NewReader(`{}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %v", rr.Code)
		}
	})

	t.Run("Create Rejects Missing Title", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/api/reports", strings.NewReader(`{"competitor_domains":["acme.example"]}`))
		req.AddCookie(cookie)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %v", rr.Code)
		}
	})

	t.Run("Create Rejects Missing Domains", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/api/reports", strings.NewReader(`{"title":"Landscape"}`))
		req.AddCookie(cookie)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %v", rr.Code)
		}
	})

	t.Run("Create Then Get And List", func(t *testing.T) {
		jobID := startReport(t, router, cookie, "Q3 landscape")
		app.Manager().Wait()

		req, _ := http.NewRequest("GET", "/api/reports/"+jobID, nil)
		req.AddCookie(cookie)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %v: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Run      *models.ReportRun  `json:"run"`
			Progress *progress.Snapshot `json:"progress"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("could not unmarshal response: %v", err)
		}
		if resp.Run == nil || resp.Run.ID != jobID {
			t.Fatalf("unexpected run in response: %+v", resp.Run)
		}
		if resp.Run.Status != string(progress.StatusCompleted) {
			t.Errorf("expected COMPLETED run, got %s", resp.Run.Status)
		}
		if resp.Progress == nil || resp.Progress.Status != progress.StatusCompleted {
			t.Errorf("expected COMPLETED progress snapshot, got %+v", resp.Progress)
		}

		req, _ = http.NewRequest("GET", "/api/reports", nil)
		req.AddCookie(cookie)
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 from list, got %v", rr.Code)
		}
		var runs []*models.ReportRun
		if err := json.Unmarshal(rr.Body.Bytes(), &runs); err != nil {
			t.Fatalf("could not unmarshal run list: %v", err)
		}
		if len(runs) == 0 {
			t.Fatal("expected at least one run in the list")
		}
	})

	t.Run("Get Unknown Report", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/api/reports/no-such-job", nil)
		req.AddCookie(cookie)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %v", rr.Code)
		}
	})

	t.Run("Cancel Unknown Report", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/api/reports/no-such-job/cancel", nil)
		req.AddCookie(cookie)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %v", rr.Code)
		}
	})
}

func TestCancelRunningReport(t *testing.T) {
	started := make(chan struct{})
	exec := report.StageExecutorFunc(func(ctx context.Context, stage progress.Stage, req models.ReportRequest, reportFn func(float64)) error {
		if stage == progress.StageDataCollection {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	server, app := testutil.SetupTestServer(t, exec)
	router := server.Router()
	cookie := testutil.GetAuthCookie(t, server, "analyst", "password", "user")

	jobID := startReport(t, router, cookie, "Long running landscape")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	req, _ := http.NewRequest("POST", "/api/reports/"+jobID+"/cancel", nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from cancel, got %v: %s", rr.Code, rr.Body.String())
	}

	app.Manager().Wait()
	run, err := app.Store().GetReportRun(jobID)
	if err != nil {
		t.Fatalf("could not fetch run: %v", err)
	}
	if run.Status != string(progress.StatusCancelled) {
		t.Errorf("expected CANCELLED run, got %s", run.Status)
	}
}

func TestProgressChannelEndpoint(t *testing.T) {
	release := make(chan struct{})
	exec := report.StageExecutorFunc(func(ctx context.Context, stage progress.Stage, req models.ReportRequest, reportFn func(float64)) error {
		if stage == progress.StageDataCollection {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		reportFn(1)
		return nil
	})
	server, app := testutil.SetupTestServer(t, exec)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()
	cookie := testutil.GetAuthCookie(t, server, "analyst", "password", "user")

	t.Run("Rejects Unauthenticated Upgrade", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/reports/some-job/progress"
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			conn.Close()
			t.Fatal("expected unauthenticated dial to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 handshake response, got %+v", resp)
		}
	})

	jobID := startReport(t, server.Router(), cookie, "Streaming landscape")

	header := http.Header{}
	header.Add("Cookie", cookie.String())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/reports/" + jobID + "/progress?subscriber_id=dash-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("could not dial progress channel: %v", err)
	}
	defer conn.Close()

	close(release)

	// Read until the terminal snapshot arrives.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var snap progress.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read failed before terminal snapshot: %v", err)
		}
		if snap.JobID != jobID {
			t.Fatalf("snapshot for wrong job: %s", snap.JobID)
		}
		if snap.Status.Terminal() {
			if snap.Status != progress.StatusCompleted {
				t.Fatalf("expected COMPLETED terminal, got %s", snap.Status)
			}
			break
		}
	}

	app.Manager().Wait()
}
