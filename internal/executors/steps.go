// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"strings"

	"github.com/applyflow/applyflow/internal/domain"
	"github.com/applyflow/applyflow/internal/engine"
)

// DefaultSteps is the fixed application workflow. Indexes are contiguous and
// only the final submit step is terminal.
func DefaultSteps() []domain.StepDefinition {
	return []domain.StepDefinition{
		{Index: 0, Name: "credentials", Required: []string{"access_token"}},
		{Index: 1, Name: "profile", Required: []string{"full_name"}},
		{Index: 2, Name: "address", Required: []string{"address", "city", "postal_code"}},
		{Index: 3, Name: "security"},
		{Index: 4, Name: "eligibility"},
		{Index: 5, Name: "submit", Terminal: true},
	}
}

// Registry wires one executor per step index, sharing a single verification
// client.
func Registry(client *VerifyClient) map[int]engine.StepExecutor {
	return map[int]engine.StepExecutor{
		0: &CredentialsExecutor{Client: client},
		1: &ProfileExecutor{},
		2: &AddressExecutor{},
		3: &SecurityExecutor{Client: client},
		4: &EligibilityExecutor{Client: client},
		5: &SubmitExecutor{Client: client},
	}
}

func (r callResult) outcome() domain.Outcome {
	switch {
	case r.Transient:
		return domain.Retryable(r.Reason)
	case r.Rejected:
		return domain.Fatal(r.Reason)
	default:
		return domain.Success(r.Fields)
	}
}

// CredentialsExecutor validates the submitted access credential with the
// verification service, which resolves it to an account login.
type CredentialsExecutor struct {
	Client *VerifyClient
}

func (e *CredentialsExecutor) Execute(ctx context.Context, req domain.StepRequest) (domain.Outcome, error) {
	res := e.Client.post(ctx, "/v1/credentials/verify", map[string]string{
		"access_token": req.Fields["access_token"],
	}, "")
	return res.outcome(), nil
}

// ProfileExecutor normalizes the submitted display name. Purely local.
type ProfileExecutor struct{}

func (e *ProfileExecutor) Execute(_ context.Context, req domain.StepRequest) (domain.Outcome, error) {
	normalized := strings.Join(strings.Fields(req.Fields["full_name"]), " ")
	if normalized == "" {
		return domain.Fatal("full name is empty after normalization"), nil
	}
	return domain.Success(map[string]string{"profile_name": normalized}), nil
}

// AddressExecutor composes the collected address parts into a single
// shipping line. A postal code with no digits is rejected outright since
// re-running cannot fix it.
type AddressExecutor struct{}

func (e *AddressExecutor) Execute(_ context.Context, req domain.StepRequest) (domain.Outcome, error) {
	postal := strings.TrimSpace(req.Fields["postal_code"])
	if !strings.ContainsAny(postal, "0123456789") {
		return domain.Fatal("postal code looks invalid"), nil
	}

	line := strings.TrimSpace(req.Fields["address"]) + ", " +
		strings.TrimSpace(req.Fields["city"]) + " " + postal
	return domain.Success(map[string]string{"address_line": line}), nil
}

// SecurityExecutor runs the external account-security check. Verify-only:
// success merges nothing.
type SecurityExecutor struct {
	Client *VerifyClient
}

func (e *SecurityExecutor) Execute(ctx context.Context, req domain.StepRequest) (domain.Outcome, error) {
	res := e.Client.post(ctx, "/v1/accounts/security-check", map[string]string{
		"account_login": req.Fields["account_login"],
	}, "")
	return res.outcome(), nil
}

// EligibilityExecutor checks that no prior application exists for the
// account. A definitive prior enrollment is permanent.
type EligibilityExecutor struct {
	Client *VerifyClient
}

func (e *EligibilityExecutor) Execute(ctx context.Context, req domain.StepRequest) (domain.Outcome, error) {
	res := e.Client.post(ctx, "/v1/applications/lookup", map[string]string{
		"account_login": req.Fields["account_login"],
	}, "")
	return res.outcome(), nil
}

// SubmitExecutor creates the external application record. The effect key
// travels as an Idempotency-Key header so a re-invocation after a lost
// response never creates a duplicate application.
type SubmitExecutor struct {
	Client *VerifyClient
}

func (e *SubmitExecutor) Execute(ctx context.Context, req domain.StepRequest) (domain.Outcome, error) {
	res := e.Client.post(ctx, "/v1/applications", map[string]string{
		"account_login": req.Fields["account_login"],
		"profile_name":  req.Fields["profile_name"],
		"address_line":  req.Fields["address_line"],
	}, req.EffectKey)
	return res.outcome(), nil
}
