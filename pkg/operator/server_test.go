package operator_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nust-lifeline/ledger/pkg/allocation"
	"github.com/nust-lifeline/ledger/pkg/audit"
	"github.com/nust-lifeline/ledger/pkg/auth"
	"github.com/nust-lifeline/ledger/pkg/beneficiary"
	"github.com/nust-lifeline/ledger/pkg/config"
	"github.com/nust-lifeline/ledger/pkg/ledger"
	"github.com/nust-lifeline/ledger/pkg/lock"
	"github.com/nust-lifeline/ledger/pkg/mail"
	"github.com/nust-lifeline/ledger/pkg/operator"

	_ "modernc.org/sqlite"
)

var testSecret = []byte("operator-test-secret")

func signToken(t *testing.T, sub string) string {
	t.Helper()
	claims := auth.LedgerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: []string{"admin"},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct{ nextID int }

func (g *fakeGateway) Search(ctx context.Context, query string, limit int) ([]mail.Message, error) {
	return nil, nil
}
func (g *fakeGateway) FetchMessages(ctx context.Context, ids []string) ([]mail.Message, error) {
	return nil, nil
}
func (g *fakeGateway) EnsureLabel(ctx context.Context, label string) error               { return nil }
func (g *fakeGateway) ApplyLabel(ctx context.Context, messageID, label string) error     { return nil }
func (g *fakeGateway) RemoveLabel(ctx context.Context, messageID, label string) error    { return nil }
func (g *fakeGateway) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return nil, nil
}
func (g *fakeGateway) Send(ctx context.Context, draft mail.Draft) (string, error) {
	g.nextID++
	return "msg-op-test", nil
}

type stubConfidentialSource struct{}

func (stubConfidentialSource) LookupConfidential(ctx context.Context, beneficiaryID string) (beneficiary.Confidential, error) {
	return beneficiary.Confidential{BeneficiaryID: beneficiaryID, Name: "Boitekanelo Hostel", ContactEmail: "hostel@example.org"}, nil
}

func testProfile() *config.CampaignProfile {
	return &config.CampaignProfile{
		Templates: map[config.TemplateID]config.TemplateDef{
			config.TemplateHostelVerification: {
				Subject:              "Allocation for {{pledge_id}}",
				Body:                 "{{beneficiary_school}} will receive {{amount}} for {{pledge_id}}. {{reply_mailto_link}}",
				RequiredPlaceholders: []string{"pledge_id", "beneficiary_school", "amount"},
			},
			config.TemplateDonorAllocationIntermediate: {
				Subject:              "Your pledge {{pledge_id}} is being disbursed",
				Body:                 "Dear {{donor_name}}, {{amount}} of your pledge is going to {{beneficiary_school}}.",
				RequiredPlaceholders: []string{"donor_name", "pledge_id", "beneficiary_school", "amount"},
			},
			config.TemplateHostelMailto: {
				Subject:              "",
				Body:                 "mailto:{{to}}?subject={{subject}}&bcc={{bcc}}",
				RequiredPlaceholders: []string{"to", "subject"},
			},
		},
	}
}

func newTestServer(t *testing.T) (*operator.Server, *ledger.PledgeRepo) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := ledger.NewSQLiteStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	pledges := ledger.NewPledgeRepo(store)
	allocations := ledger.NewAllocationRepo(store)
	benOps := ledger.NewBeneficiaryOpsRepo(store)
	lookupCache := ledger.NewLookupCacheRepo(store)
	auditRepo := ledger.NewAuditRepo(store)
	auditLog := audit.NewLogger(auditRepo, "")
	proxy := beneficiary.NewProxy(benOps, stubConfidentialSource{})
	locker := lock.NewInProcessLocker()

	if err := benOps.Upsert(context.Background(), ledger.BeneficiaryOps{
		BeneficiaryID: "BEN-1", School: "Boitekanelo Hostel", TotalDue: 200000, Pending: 200000,
	}); err != nil {
		t.Fatalf("seed beneficiary: %v", err)
	}
	if err := pledges.Create(context.Background(), ledger.Pledge{
		PledgeID: "PLEDGE-2026-001", DonorEmail: "donor@example.org", DonorName: "A Donor",
		PromisedAmount: 50000, CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("seed pledge: %v", err)
	}
	_, pos, err := pledges.Get(context.Background(), "PLEDGE-2026-001")
	if err != nil {
		t.Fatalf("reload pledge: %v", err)
	}
	if err := pledges.UpdateBalances(context.Background(), pos, 50000, 50000, 0); err != nil {
		t.Fatalf("seed balances: %v", err)
	}
	_, pos, err = pledges.Get(context.Background(), "PLEDGE-2026-001")
	if err != nil {
		t.Fatalf("reload pledge: %v", err)
	}
	if err := pledges.WriteStatus(context.Background(), pos, ledger.PledgeStatusPledged, ledger.PledgeStatusProofSubmitted); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	allocator := allocation.New(&fakeGateway{}, locker, pledges, allocations, benOps, lookupCache, auditLog, proxy, testProfile(), lock.DefaultTimeout, discardLogger())
	return operator.New(pledges, proxy, allocator, discardLogger()), pledges
}

func TestHandler_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler(auth.NewJWTValidator(testSecret))

	req := httptest.NewRequest(http.MethodGet, "/api/sidebar_data", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a bearer token", w.Code)
	}
}

func TestHandler_SidebarData(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler(auth.NewJWTValidator(testSecret))

	req := httptest.NewRequest(http.MethodGet, "/api/sidebar_data", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "operator-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		OpenPledgeCount   int `json:"open_pledge_count"`
		OpenPledgeBalance int64 `json:"open_pledge_balance"`
		Beneficiaries     []ledger.BeneficiaryOps `json:"beneficiaries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.OpenPledgeCount != 1 || body.OpenPledgeBalance != 50000 {
		t.Errorf("got count=%d balance=%d, want count=1 balance=50000", body.OpenPledgeCount, body.OpenPledgeBalance)
	}
	if len(body.Beneficiaries) != 1 {
		t.Errorf("expected 1 sanitised beneficiary, got %d", len(body.Beneficiaries))
	}
}

func TestHandler_AvailablePledges(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler(auth.NewJWTValidator(testSecret))

	req := httptest.NewRequest(http.MethodGet, "/api/available_pledges", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "operator-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var pledges []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &pledges); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(pledges) != 1 {
		t.Fatalf("expected 1 available pledge, got %d", len(pledges))
	}
}

func TestHandler_SubmitAllocation_Success(t *testing.T) {
	srv, pledges := newTestServer(t)
	handler := srv.Handler(auth.NewJWTValidator(testSecret))

	body, _ := json.Marshal(map[string]interface{}{
		"pledge_id":      "PLEDGE-2026-001",
		"beneficiary_id": "BEN-1",
		"amount":         20000,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/submit_allocation", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "operator-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	p, _, err := pledges.Get(context.Background(), "PLEDGE-2026-001")
	if err != nil {
		t.Fatalf("reload pledge: %v", err)
	}
	if p.Balance != 30000 {
		t.Errorf("pledge balance = %d, want 30000", p.Balance)
	}
}

func TestHandler_SubmitAllocation_InsufficientFunds_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler(auth.NewJWTValidator(testSecret))

	body, _ := json.Marshal(map[string]interface{}{
		"pledge_id":      "PLEDGE-2026-001",
		"beneficiary_id": "BEN-1",
		"amount":         999999,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/submit_allocation", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "operator-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}
