package credits

import (
	"context"
	"fmt"
	"strings"

	"github.com/bryanwahyu/osintscan/internal/application"
	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	"github.com/bryanwahyu/osintscan/internal/domain/ledger"
	"github.com/bryanwahyu/osintscan/internal/domain/scans"
)

const (
	maxHistory = 200
	// MaxGrant bounds a single operator grant.
	MaxGrant = 1_000_000
)

// Service exposes the credit ledger.
type Service struct {
	Ledger ledger.Repository
	Clock  application.Clock
}

// Balance is a workspace's spendable credits.
type Balance struct {
	WorkspaceID string `json:"workspace_id"`
	Balance     int64  `json:"balance"`
}

func (s *Service) Balance(ctx context.Context, p identity.Principal) (Balance, error) {
	if p.TenantID == "" {
		return Balance{}, scans.ErrForbidden
	}
	bal, err := s.Ledger.Balance(ctx, p.TenantID)
	if err != nil {
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	return Balance{WorkspaceID: p.TenantID, Balance: bal}, nil
}

// History lists the workspace's ledger, newest first.
func (s *Service) History(ctx context.Context, p identity.Principal, limit int) ([]*ledger.Entry, error) {
	if p.TenantID == "" {
		return nil, scans.ErrForbidden
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	return s.Ledger.List(ctx, p.TenantID, limit)
}

// GrantCommand tops up a workspace. Operator-only.
type GrantCommand struct {
	WorkspaceID string
	Amount      int64
	Note        string
	GrantedBy   string
}

func (s *Service) Grant(ctx context.Context, cmd GrantCommand) (*ledger.Entry, error) {
	ws := scans.SanitizeID(cmd.WorkspaceID)
	if ws == "" {
		return nil, scans.Invalid("workspace_id", "must be a uuid")
	}
	if cmd.Amount <= 0 || cmd.Amount > MaxGrant {
		return nil, scans.Invalid("amount", fmt.Sprintf("must be between 1 and %d", MaxGrant))
	}
	e := &ledger.Entry{
		TenantID:  ws,
		Delta:     cmd.Amount,
		Reason:    ledger.ReasonGrant,
		Meta:      map[string]any{"note": strings.TrimSpace(cmd.Note), "granted_by": cmd.GrantedBy},
		CreatedAt: s.Clock.Now().UTC(),
	}
	if _, err := s.Ledger.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	return e, nil
}
