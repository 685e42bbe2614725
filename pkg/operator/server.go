// Package operator is the operator console's API surface (spec §6.2):
// sidebar_data, available_pledges, and submit_allocation, JWT-guarded and
// backed exclusively by the sanitised beneficiary proxy — no handler in
// this package ever sees a Confidential value.
package operator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/nust-lifeline/ledger/pkg/allocation"
	"github.com/nust-lifeline/ledger/pkg/api"
	"github.com/nust-lifeline/ledger/pkg/auth"
	"github.com/nust-lifeline/ledger/pkg/beneficiary"
	"github.com/nust-lifeline/ledger/pkg/ledger"
	"github.com/nust-lifeline/ledger/pkg/lock"
)

// openPledgeStatuses are the statuses available_pledges and sidebar_data
// consider "still needing allocation work" — the same three §4.6 step 3
// validates an allocation attempt against.
var openPledgeStatuses = []ledger.PledgeStatus{
	ledger.PledgeStatusProofSubmitted,
	ledger.PledgeStatusVerified,
	ledger.PledgeStatusPartiallyAllocated,
}

// Server holds everything the operator desk's three endpoints need.
type Server struct {
	pledges     *ledger.PledgeRepo
	beneficiary *beneficiary.Proxy
	allocator   *allocation.Service
	logger      *slog.Logger
}

// New constructs a Server.
func New(pledges *ledger.PledgeRepo, proxy *beneficiary.Proxy, allocator *allocation.Service, logger *slog.Logger) *Server {
	return &Server{pledges: pledges, beneficiary: proxy, allocator: allocator, logger: logger}
}

// Handler wires the three endpoints behind the JWT middleware.
func (s *Server) Handler(validator *auth.JWTValidator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sidebar_data", s.handleSidebarData)
	mux.HandleFunc("/api/available_pledges", s.handleAvailablePledges)
	mux.HandleFunc("/api/submit_allocation", s.handleSubmitAllocation)
	return auth.NewMiddleware(validator)(mux)
}

// pledgeSummary is the operator-facing projection of a pledge — balance
// and status only, no donor contact details beyond what the desk already
// needs to pick a pledge to allocate from.
type pledgeSummary struct {
	PledgeID  string              `json:"pledge_id"`
	DonorName string              `json:"donor_name"`
	Status    ledger.PledgeStatus `json:"status"`
	Balance   int64               `json:"balance"`
}

func (s *Server) openPledges(r *http.Request) ([]pledgeSummary, error) {
	pledges, err := s.pledges.ScanByStatus(r.Context(), openPledgeStatuses...)
	if err != nil {
		return nil, err
	}
	out := make([]pledgeSummary, 0, len(pledges))
	for _, p := range pledges {
		if p.Balance <= 0 {
			continue
		}
		out = append(out, pledgeSummary{PledgeID: p.PledgeID, DonorName: p.DonorName, Status: p.Status, Balance: p.Balance})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PledgeID < out[j].PledgeID })
	return out, nil
}

// sidebarResponse is the dashboard summary spec §6.2's sidebar_data
// operation returns: counts plus the sanitised beneficiary roster, never
// a donor or beneficiary confidential detail.
type sidebarResponse struct {
	OpenPledgeCount    int                     `json:"open_pledge_count"`
	OpenPledgeBalance  int64                   `json:"open_pledge_balance"`
	Beneficiaries      []ledger.BeneficiaryOps `json:"beneficiaries"`
}

func (s *Server) handleSidebarData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	pledges, err := s.openPledges(r)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	var totalBalance int64
	for _, p := range pledges {
		totalBalance += p.Balance
	}

	beneficiaries, err := s.beneficiary.SanitisedAll(r.Context())
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sidebarResponse{
		OpenPledgeCount:   len(pledges),
		OpenPledgeBalance: totalBalance,
		Beneficiaries:     beneficiaries,
	})
}

func (s *Server) handleAvailablePledges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	pledges, err := s.openPledges(r)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pledges)
}

// allocationRequest is submit_allocation's request body. Exactly one of
// the single-allocation fields or Entries must be populated — populating
// both, or neither, is a 400.
type allocationRequest struct {
	PledgeID      string              `json:"pledge_id,omitempty"`
	BeneficiaryID string              `json:"beneficiary_id"`
	Amount        int64               `json:"amount,omitempty"`
	Entries       []allocationEntryDTO `json:"entries,omitempty"`
}

type allocationEntryDTO struct {
	PledgeID string `json:"pledge_id"`
	Amount   int64  `json:"amount"`
}

func (s *Server) handleSubmitAllocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	var req allocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.BeneficiaryID == "" {
		api.WriteBadRequest(w, "beneficiary_id is required")
		return
	}

	if len(req.Entries) > 0 {
		if req.PledgeID != "" || req.Amount != 0 {
			api.WriteBadRequest(w, "submit either a single pledge_id/amount or a batch entries list, not both")
			return
		}
		entries := make([]allocation.BatchEntry, len(req.Entries))
		for i, e := range req.Entries {
			entries[i] = allocation.BatchEntry{PledgeID: e.PledgeID, Amount: e.Amount}
		}
		result, err := s.allocator.AllocateBatch(r.Context(), entries, req.BeneficiaryID)
		if err != nil {
			s.writeAllocationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	if req.PledgeID == "" || req.Amount <= 0 {
		api.WriteBadRequest(w, "pledge_id and a positive amount are required")
		return
	}
	alloc, err := s.allocator.Allocate(r.Context(), req.PledgeID, req.BeneficiaryID, req.Amount)
	if err != nil {
		s.writeAllocationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alloc)
}

// writeAllocationError maps the closed set of errors Allocate/AllocateBatch
// can return to the RFC 7807 status spec §7 assigns each error class:
// validation errors are 400s surfaced with no ledger write already having
// happened, SYSTEM_BUSY is a 409 the operator is expected to retry.
func (s *Server) writeAllocationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lock.ErrSystemBusy):
		api.WriteConflict(w, "the ledger is busy with another allocation, retry shortly")
	case errors.Is(err, allocation.ErrInsufficientFunds),
		errors.Is(err, allocation.ErrExceedsBeneficiaryNeed),
		errors.Is(err, allocation.ErrPledgeNotOpen),
		errors.Is(err, allocation.ErrEmptyBatch),
		errors.Is(err, allocation.ErrBatchExhausted):
		api.WriteBadRequest(w, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrConcurrentModification):
		api.WriteConflict(w, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		api.WriteNotFound(w, err.Error())
	default:
		s.logger.Error("operator: allocation submission failed", "error", err)
		api.WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
