// ABOUTME: Session Claim Service exchanging a bearer ticket for a marketplace plugin session.
// ABOUTME: Treats an already-replayed ticket as a prior claim and records every attempt in the claim ledger.

package session

import (
	"context"
	"errors"
	"log"
	"time"

	apierrors "github.com/2389/plughost/internal/errors"
	"github.com/2389/plughost/internal/marketplace"
	"github.com/2389/plughost/internal/store"
)

// Outcome is the terminal state of one claim.
type Outcome string

const (
	Claimed     Outcome = "claimed"
	Replayed    Outcome = "replayed"
	Rejected    Outcome = "rejected"
	Unavailable Outcome = "unavailable"
)

// Allowed reports whether the caller may proceed to the protected resource.
func (o Outcome) Allowed() bool {
	return o == Claimed || o == Replayed
}

// Messages returned for failed claims.
const (
	MsgRejected           = "Marketplace API status: Unauthorized access"
	MsgUnavailable        = "Acuitas API is unavailable"
	MsgUnavailableDetails = "Unable to connect to Acuitas Marketplace API"
)

// Claimer is the upstream claim endpoint. *marketplace.Client implements it.
type Claimer interface {
	ClaimSession(ctx context.Context, ticket string) error
	PluginID() string
}

// Ledger stores claim attempts. *store.Store implements it.
type Ledger interface {
	RecordClaim(c *store.SessionClaim) error
}

// Service runs claims. Each claim is independent; the service holds no per-ticket state.
type Service struct {
	claimer Claimer
	ledger  Ledger
}

// New creates a service. ledger may be nil.
func New(claimer Claimer, ledger Ledger) *Service {
	return &Service{claimer: claimer, ledger: ledger}
}

// Claim presents ticket upstream. The returned error is nil exactly when the outcome is
// allowed; otherwise it is a KindSessionRejected or KindSessionUnavailable error.
func (s *Service) Claim(ctx context.Context, ticket string) (Outcome, error) {
	start := time.Now()
	err := s.claimer.ClaimSession(ctx, ticket)
	outcome, status, code := classify(err)

	s.record(ticket, outcome, status, code, time.Since(start))

	switch outcome {
	case Claimed:
		return outcome, nil
	case Replayed:
		log.Printf("session: ticket %s replayed, accepting prior claim", store.Fingerprint(ticket))
		return outcome, nil
	case Unavailable:
		return outcome, apierrors.Wrap(apierrors.KindSessionUnavailable, MsgUnavailable, err).WithDetails(MsgUnavailableDetails)
	default:
		return outcome, apierrors.Wrap(apierrors.KindSessionRejected, MsgRejected, err)
	}
}

func classify(err error) (outcome Outcome, status int, code string) {
	if err == nil {
		return Claimed, 200, ""
	}

	var apiErr *marketplace.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Replayed() {
			return Replayed, apiErr.StatusCode, apiErr.Code
		}
		return Rejected, apiErr.StatusCode, apiErr.Code
	}
	if errors.Is(err, marketplace.ErrUnavailable) {
		return Unavailable, 0, ""
	}
	return Rejected, 0, ""
}

func (s *Service) record(ticket string, outcome Outcome, status int, code string, d time.Duration) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.RecordClaim(&store.SessionClaim{
		TicketFingerprint: store.Fingerprint(ticket),
		PluginID:          s.claimer.PluginID(),
		Outcome:           string(outcome),
		UpstreamStatus:    status,
		UpstreamCode:      code,
		DurationMs:        int(d.Milliseconds()),
	})
	if err != nil {
		log.Printf("session: record claim: %v", err)
	}
}
