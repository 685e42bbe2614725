package beneficiary

import (
	"context"
	"fmt"

	"github.com/nust-lifeline/ledger/pkg/ledger"
)

// Confidential carries the sensitive beneficiary attributes (name, other
// sensitive identifiers) that must never cross the operator UI boundary
// (spec §9). Only C6/C7 internals that need it for templating donor and
// hostel emails may read it.
type Confidential struct {
	BeneficiaryID string
	Name          string
	ContactEmail  string
}

// ConfidentialSource is the external collaborator: whatever system holds
// the confidential store, keyed by its "confidential store id" (config's
// ConfidentialStoreID). The core never implements this store itself —
// only the thin read contract it needs for templating.
type ConfidentialSource interface {
	LookupConfidential(ctx context.Context, beneficiaryID string) (Confidential, error)
}

// Proxy is the sanitised-proxy boundary spec §9 makes non-negotiable: the
// operator UI path (pkg/api) is only ever handed a *ledger.BeneficiaryOps
// through this type, never a Confidential. C6/C7 template-rendering code
// is the only caller permitted to ask for Full.
type Proxy struct {
	ops          *ledger.BeneficiaryOpsRepo
	confidential ConfidentialSource
}

func NewProxy(ops *ledger.BeneficiaryOpsRepo, confidential ConfidentialSource) *Proxy {
	return &Proxy{ops: ops, confidential: confidential}
}

// Sanitised returns only the operations projection — the single form
// permitted to reach the operator UI.
func (p *Proxy) Sanitised(ctx context.Context, beneficiaryID string) (ledger.BeneficiaryOps, error) {
	ops, _, err := p.ops.Get(ctx, beneficiaryID)
	if err != nil {
		return ledger.BeneficiaryOps{}, err
	}
	return ops, nil
}

// SanitisedAll returns every beneficiary's operations projection, for the
// `available_pledges` batch picker (spec §6.2).
func (p *Proxy) SanitisedAll(ctx context.Context) ([]ledger.BeneficiaryOps, error) {
	return p.ops.ScanAll(ctx)
}

// Full joins the operations projection with the confidential record, for
// C6/C7 template rendering only (hostel/donor emails need the name and
// contact address). Never call this from an operator-UI-facing handler.
type Full struct {
	Ops          ledger.BeneficiaryOps
	Confidential Confidential
}

func (p *Proxy) Full(ctx context.Context, beneficiaryID string) (Full, error) {
	ops, err := p.Sanitised(ctx, beneficiaryID)
	if err != nil {
		return Full{}, err
	}
	conf, err := p.confidential.LookupConfidential(ctx, beneficiaryID)
	if err != nil {
		return Full{}, fmt.Errorf("beneficiary: lookup confidential record: %w", err)
	}
	return Full{Ops: ops, Confidential: conf}, nil
}
