// ABOUTME: HTTP handlers for the protected medical image route.
// ABOUTME: Claims the plugin session with the caller's ticket before fetching image metadata upstream.

package images

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/plughost/internal/auth"
	apierrors "github.com/2389/plughost/internal/errors"
	"github.com/2389/plughost/internal/marketplace"
	"github.com/2389/plughost/internal/session"
)

// Messages returned by the image route.
const (
	MsgIdentifierRequired   = "Image identifier is required"
	MsgFetchFailed          = "Error fetching image from Acuitas API"
	MsgFetchFailedDetails   = "Failed to fetch image from Acuitas Marketplace API"
	MsgUnavailable          = "Acuitas API is unavailable"
	MsgUnavailableDetails   = "Unable to connect to Acuitas Marketplace API"
	MsgInternalError        = "Internal server error"
	MsgInternalErrorDetails = "Error processing request"
)

// Claimer validates a ticket. *session.Service implements it.
type Claimer interface {
	Claim(ctx context.Context, ticket string) (session.Outcome, error)
}

// Fetcher loads image metadata. *marketplace.Client implements it.
type Fetcher interface {
	GetMedicalImage(ctx context.Context, ticket, id string) (*marketplace.ImageData, error)
}

// Response is the success body.
type Response struct {
	Success   bool                   `json:"success"`
	Data      *marketplace.ImageData `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

type Handlers struct {
	sessions Claimer
	images   Fetcher
}

func NewHandlers(sessions Claimer, images Fetcher) *Handlers {
	return &Handlers{sessions: sessions, images: images}
}

// RegisterRoutes mounts /api/images behind the bearer-ticket requirement.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/images", func(r chi.Router) {
		r.Use(auth.Require)
		r.Get("/", h.missingIdentifier)
		r.Get("/{identifier}", h.getImage)
	})
}

func (h *Handlers) missingIdentifier(w http.ResponseWriter, r *http.Request) {
	apierrors.Write(w, apierrors.New(apierrors.KindBadRequest, MsgIdentifierRequired))
}

func (h *Handlers) getImage(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if identifier == "" {
		h.missingIdentifier(w, r)
		return
	}

	ticket := auth.TicketFromContext(r.Context())

	// No protected call is made unless the claim allows it.
	if _, err := h.sessions.Claim(r.Context(), ticket); err != nil {
		apierrors.Write(w, err)
		return
	}

	img, err := h.images.GetMedicalImage(r.Context(), ticket, identifier)
	if err != nil {
		apierrors.Write(w, fetchError(err))
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      img,
		Timestamp: apierrors.Now(),
	})
}

func fetchError(err error) error {
	var apiErr *marketplace.APIError
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = MsgFetchFailed
		}
		return apierrors.Upstream(apiErr.StatusCode, message, err).WithDetails(MsgFetchFailedDetails)
	}
	if errors.Is(err, marketplace.ErrUnavailable) {
		return apierrors.Wrap(apierrors.KindUpstreamUnavailable, MsgUnavailable, err).WithDetails(MsgUnavailableDetails)
	}
	return apierrors.Wrap(apierrors.KindInternal, MsgInternalError, err).WithDetails(MsgInternalErrorDetails)
}
