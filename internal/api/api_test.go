package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/starbooked/merlin/internal/alerts"
	"github.com/starbooked/merlin/internal/blacklist"
	"github.com/starbooked/merlin/internal/domain"
	"github.com/starbooked/merlin/internal/evaluator"
	"github.com/starbooked/merlin/internal/repository"
	"github.com/starbooked/merlin/internal/rules"
	"github.com/starbooked/merlin/internal/stats"
	"github.com/starbooked/merlin/internal/velocity"
)

// createTestServer wires a full server against a temp sqlite database.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "merlin-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	catalog, err := rules.NewCatalog()
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}

	// One rule that only fires on very high amounts so ordinary test
	// bookings stay LOW.
	minAmount := 100000.0
	conditions, _ := json.Marshal(domain.PatternConditions{MinAmount: &minAmount})
	rule := &domain.Rule{
		ID:                "test-rule-001",
		Name:              "very high amount",
		Type:              domain.RuleTypePattern,
		Conditions:        conditions,
		ScoreContribution: 80,
		Active:            true,
	}
	if err := repo.SaveRule(context.Background(), rule); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}
	if err := catalog.Load(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	bl := blacklist.NewStore(repo, nil)
	dispatcher := alerts.NewDispatcher(repo, nil, 0)
	eval := evaluator.New(
		catalog,
		velocity.NewMemoryCounter(24*time.Hour),
		bl,
		repo,
		nil,
		dispatcher,
		domain.RiskThresholds{Medium: 30, High: 70},
	)
	aggregator := stats.NewAggregator(repo)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, repo, nil, nil, catalog, eval, bl, dispatcher, aggregator, "test-v1")
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func evaluateRequest() domain.EvaluateRequest {
	return domain.EvaluateRequest{
		BookingRef: "bk-api-1",
		Amount:     1500,
		Currency:   "USD",
		EventDate:  time.Now().AddDate(0, 0, 30),
		Email:      "buyer@example.com",
		IP:         "203.0.113.10",
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/evaluate", evaluateRequest())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.AssessmentID == "" {
			t.Error("expected an assessment ID")
		}
		if resp.RiskLevel != domain.RiskLow {
			t.Errorf("expected LOW risk, got %s", resp.RiskLevel)
		}
		if resp.RequiresReview {
			t.Error("expected low-risk booking to not require review")
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
	})

	t.Run("HighAmountFlagged", func(t *testing.T) {
		req := evaluateRequest()
		req.BookingRef = "bk-api-2"
		req.Amount = 250000

		rr := doJSON(t, server, http.MethodPost, "/evaluate", req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.RiskScore != 80 || resp.RiskLevel != domain.RiskHigh {
			t.Errorf("expected score 80 HIGH, got %d %s", resp.RiskScore, resp.RiskLevel)
		}
		if !resp.RequiresReview {
			t.Error("expected high-risk booking to require review")
		}
		if len(resp.MatchedRules) != 1 {
			t.Errorf("expected 1 matched rule, got %d", len(resp.MatchedRules))
		}
	})

	t.Run("MissingBookingRef", func(t *testing.T) {
		req := evaluateRequest()
		req.BookingRef = ""

		rr := doJSON(t, server, http.MethodPost, "/evaluate", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		req := evaluateRequest()
		req.Amount = 0

		rr := doJSON(t, server, http.MethodPost, "/evaluate", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingIdentity", func(t *testing.T) {
		req := evaluateRequest()
		req.Email = ""
		req.IP = ""

		rr := doJSON(t, server, http.MethodPost, "/evaluate", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("{broken"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAssessmentEndpoints(t *testing.T) {
	server := createTestServer(t)

	// Create a high-risk assessment to review.
	req := evaluateRequest()
	req.Amount = 250000
	rr := doJSON(t, server, http.MethodPost, "/evaluate", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("seed evaluation failed: %d %s", rr.Code, rr.Body.String())
	}
	var created EvaluateResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	t.Run("GetAssessment", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments/"+created.AssessmentID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var a domain.Assessment
		_ = json.Unmarshal(rr.Body.Bytes(), &a)
		if a.ID != created.AssessmentID || a.ReviewStatus != domain.ReviewPending {
			t.Errorf("unexpected assessment %+v", a)
		}
	})

	t.Run("GetMissingAssessment", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments/no-such-id", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListByStatus", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments?status=pending", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 pending assessment, got %d", resp.Count)
		}
	})

	t.Run("ListUnknownStatus", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/assessments?status=archived", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ReviewTransitions", func(t *testing.T) {
		path := fmt.Sprintf("/assessments/%s/review", created.AssessmentID)

		rr := doJSON(t, server, http.MethodPost, path, domain.ReviewTransition{
			Status:      domain.ReviewApproved,
			ReviewerRef: "analyst-1",
			Notes:       "verified with the buyer",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var a domain.Assessment
		_ = json.Unmarshal(rr.Body.Bytes(), &a)
		if a.ReviewStatus != domain.ReviewApproved || a.ReviewerRef != "analyst-1" {
			t.Errorf("unexpected reviewed assessment %+v", a)
		}

		// Approved is terminal.
		rr = doJSON(t, server, http.MethodPost, path, domain.ReviewTransition{
			Status:      domain.ReviewRejected,
			ReviewerRef: "analyst-2",
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for terminal assessment, got %d", rr.Code)
		}
	})

	t.Run("ReviewMissingAssessment", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/assessments/no-such-id/review", domain.ReviewTransition{
			Status:      domain.ReviewApproved,
			ReviewerRef: "analyst-1",
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("ListRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 loaded rule, got %d", resp.Count)
		}
	})

	t.Run("CreateRule", func(t *testing.T) {
		body := map[string]interface{}{
			"name": "disposable email",
			"type": "email",
			"conditions": map[string]interface{}{
				"suspiciousDomains": []string{"tempmail.com"},
			},
			"scoreContribution": 40,
			"active":            true,
		}

		rr := doJSON(t, server, http.MethodPost, "/rules", body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var rule domain.Rule
		_ = json.Unmarshal(rr.Body.Bytes(), &rule)
		if rule.ID == "" {
			t.Error("expected a generated rule ID")
		}

		// The new rule takes effect immediately.
		req := evaluateRequest()
		req.BookingRef = "bk-rule-1"
		req.Email = "x@tempmail.com"
		rr = doJSON(t, server, http.MethodPost, "/evaluate", req)

		var resp EvaluateResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.RiskScore != 40 {
			t.Errorf("expected new rule to score 40, got %d", resp.RiskScore)
		}
	})

	t.Run("CreateInvalidRule", func(t *testing.T) {
		body := map[string]interface{}{
			"name":       "bad",
			"type":       "pattern",
			"conditions": map[string]interface{}{"minAmount": "a lot"},
			"active":     true,
		}

		rr := doJSON(t, server, http.MethodPost, "/rules", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UpdateRule", func(t *testing.T) {
		minAmount := 500.0
		body := domain.Rule{
			Name:              "very high amount",
			Type:              domain.RuleTypePattern,
			Conditions:        mustRaw(t, domain.PatternConditions{MinAmount: &minAmount}),
			ScoreContribution: 80,
			Active:            true,
		}

		rr := doJSON(t, server, http.MethodPut, "/rules/test-rule-001", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		// Lowered threshold now catches an ordinary booking.
		req := evaluateRequest()
		req.BookingRef = "bk-rule-2"
		rr = doJSON(t, server, http.MethodPost, "/evaluate", req)

		var resp EvaluateResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.RiskScore < 80 {
			t.Errorf("expected updated rule to fire, got score %d", resp.RiskScore)
		}
	})

	t.Run("DeleteRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/rules/test-rule-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodDelete, "/rules/test-rule-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestBlacklistEndpoints(t *testing.T) {
	server := createTestServer(t)

	entry := domain.BlacklistEntry{
		Kind:   domain.BlacklistEmail,
		Value:  "fraud@tempmail.com",
		Reason: "confirmed chargeback",
	}

	t.Run("AddEntry", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/blacklist", entry)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("DuplicateEntry", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/blacklist", entry)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("BlacklistedSubmitterBlocked", func(t *testing.T) {
		req := evaluateRequest()
		req.BookingRef = "bk-bl-1"
		req.Email = "fraud@tempmail.com"

		rr := doJSON(t, server, http.MethodPost, "/evaluate", req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp EvaluateResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.AutoBlock || resp.RiskLevel != domain.RiskHigh {
			t.Errorf("expected auto-blocked HIGH, got block=%v level=%s", resp.AutoBlock, resp.RiskLevel)
		}
	})

	t.Run("ListEntries", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/blacklist?kind=email", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 entry, got %d", resp.Count)
		}
	})

	t.Run("RemoveEntry", func(t *testing.T) {
		path := "/blacklist?kind=email&value=" + url.QueryEscape("fraud@tempmail.com")
		rr := doJSON(t, server, http.MethodDelete, path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RemoveRequiresParams", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/blacklist", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAlertAndStatsEndpoints(t *testing.T) {
	server := createTestServer(t)

	// A very high amount produces a HIGH assessment and an alert.
	req := evaluateRequest()
	req.Amount = 250000
	rr := doJSON(t, server, http.MethodPost, "/evaluate", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("seed evaluation failed: %d", rr.Code)
	}

	var alertID string

	t.Run("ListAlerts", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/alerts?unread=true", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Alerts []*domain.Alert `json:"alerts"`
			Count  int             `json:"count"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Fatalf("expected 1 alert, got %d", resp.Count)
		}
		if resp.Alerts[0].Severity != domain.SeverityHigh {
			t.Errorf("expected HIGH severity, got %s", resp.Alerts[0].Severity)
		}
		alertID = resp.Alerts[0].ID
	})

	t.Run("MarkAlertRead", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/alerts/"+alertID+"/read", map[string]string{
			"readBy": "analyst-1",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/alerts?unread=true", nil)
		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 0 {
			t.Errorf("expected no unread alerts, got %d", resp.Count)
		}
	})

	t.Run("MarkReadRequiresReader", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/alerts/"+alertID+"/read", map[string]string{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/stats?since_days=7", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var s domain.Stats
		_ = json.Unmarshal(rr.Body.Bytes(), &s)
		if s.Total != 1 || s.HighCount != 1 {
			t.Errorf("expected 1 high assessment in stats, got %+v", s)
		}
	})

	t.Run("Health", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" || resp["version"] != "test-v1" {
			t.Errorf("unexpected health response %v", resp)
		}
	})
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return raw
}
