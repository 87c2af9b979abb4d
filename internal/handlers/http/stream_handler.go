package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"livesignal/internal/core/domain"
	"livesignal/internal/infrastructure/middleware"
	apperrors "livesignal/pkg/errors"
	"livesignal/pkg/validation"

	webrtc "github.com/pion/webrtc/v3"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DescriptorStore is the slice of the descriptor service the HTTP API uses.
type DescriptorStore interface {
	GetStreamDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error)
	SaveDescriptor(ctx context.Context, d *domain.StreamDescriptor) error
	ListLive(ctx context.Context) ([]*domain.StreamDescriptor, error)
}

// SessionLister exposes the sessions held by this broker instance.
type SessionLister interface {
	List() []domain.SessionSnapshot
	Snapshot(id domain.StreamID) (domain.SessionSnapshot, bool)
}

type StreamHandler struct {
	descriptors DescriptorStore
	sessions    SessionLister
	logger      *zap.SugaredLogger
}

func NewStreamHandler(descriptors DescriptorStore, sessions SessionLister, logger *zap.SugaredLogger) *StreamHandler {
	return &StreamHandler{
		descriptors: descriptors,
		sessions:    sessions,
		logger:      logger,
	}
}

// SetupRoutes registers the stream API. auth guards the write routes.
func (h *StreamHandler) SetupRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id/stats", h.GetStreamStats)
		api.PUT("/streams/:id/descriptor", auth, h.PutDescriptor)
	}
}

// StreamSummary is one entry of GET /api/v1/streams.
type StreamSummary struct {
	StreamID    domain.StreamID     `json:"stream_id"`
	Status      domain.StreamStatus `json:"status"`
	Title       string              `json:"title,omitempty"`
	Broadcaster domain.Identity     `json:"broadcaster,omitempty"`
	ViewerCount *int                `json:"viewer_count,omitempty"`
	PeakViewers int                 `json:"peak_viewers"`
	// Local is set for sessions held by this instance; others come from the
	// shared stream store.
	Local bool `json:"local"`
}

// ListStreams merges this instance's active sessions with the live streams
// recorded in the stream store.
func (h *StreamHandler) ListStreams(c *gin.Context) {
	byID := make(map[domain.StreamID]*StreamSummary)

	for _, snap := range h.sessions.List() {
		if snap.Status == domain.StatusEnded {
			continue
		}
		count := snap.ViewerCount
		byID[snap.StreamID] = &StreamSummary{
			StreamID:    snap.StreamID,
			Status:      snap.Status,
			Broadcaster: snap.Broadcaster,
			ViewerCount: &count,
			PeakViewers: snap.PeakViewers,
			Local:       true,
		}
	}

	partial := false
	live, err := h.descriptors.ListLive(c.Request.Context())
	if err != nil {
		partial = true
		h.logger.Warnw("failed to list live streams from store", "error", err)
	}
	for _, d := range live {
		if s, ok := byID[d.StreamID]; ok {
			s.Title = d.Title
			if d.PeakViewers > s.PeakViewers {
				s.PeakViewers = d.PeakViewers
			}
			continue
		}
		byID[d.StreamID] = &StreamSummary{
			StreamID:    d.StreamID,
			Status:      d.Status,
			Title:       d.Title,
			Broadcaster: d.Owner,
			PeakViewers: d.PeakViewers,
		}
	}

	streams := make([]*StreamSummary, 0, len(byID))
	for _, s := range byID {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
		"partial": partial,
	})
}

// GetStreamStats reports the live counters of a local session, falling back to
// the stored descriptor for streams this instance does not hold.
func (h *StreamHandler) GetStreamStats(c *gin.Context) {
	id, ok := streamIDParam(c)
	if !ok {
		return
	}

	if snap, ok := h.sessions.Snapshot(id); ok {
		c.JSON(http.StatusOK, gin.H{"stats": snap, "local": true})
		return
	}

	d, err := h.descriptors.GetStreamDescriptor(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(descriptorError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": domain.SessionSnapshot{
			StreamID:    d.StreamID,
			Status:      d.Status,
			PeakViewers: d.PeakViewers,
		},
		"local": false,
	})
}

type iceServerRequest struct {
	URLs       []string `json:"urls" binding:"required,min=1,max=8"`
	Username   string   `json:"username,omitempty" binding:"max=256"`
	Credential string   `json:"credential,omitempty" binding:"max=256"`
}

type PutDescriptorRequest struct {
	Title      string             `json:"title"`
	ICEServers []iceServerRequest `json:"ice_servers" binding:"max=16,dive"`
}

// PutDescriptor registers or updates the descriptor of a stream. Only the
// stream owner may update an existing descriptor; a new one is owned by the
// caller. Status and peak are broker-managed and left untouched.
func (h *StreamHandler) PutDescriptor(c *gin.Context) {
	id, ok := streamIDParam(c)
	if !ok {
		return
	}
	identity, ok := middleware.Identity(c)
	if !ok {
		_ = c.Error(apperrors.NewUnauthorizedError("authentication required"))
		return
	}

	var req PutDescriptorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := validation.ValidateTitle(req.Title); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	servers, err := toICEServers(req.ICEServers)
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	ctx := c.Request.Context()
	existing, err := h.descriptors.GetStreamDescriptor(ctx, id)
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		existing = nil
	case err != nil:
		_ = c.Error(descriptorError(err))
		return
	case existing.Owner != identity:
		_ = c.Error(apperrors.NewForbiddenError("only the stream owner may update its descriptor").
			WithContext("stream_id", string(id)))
		return
	}

	d := &domain.StreamDescriptor{
		StreamID:   id,
		Owner:      identity,
		Title:      req.Title,
		Status:     domain.StatusPending,
		ICEServers: servers,
	}
	status := http.StatusCreated
	if existing != nil {
		d.Status = existing.Status
		d.PeakViewers = existing.PeakViewers
		status = http.StatusOK
	}

	if err := h.descriptors.SaveDescriptor(ctx, d); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "failed to save descriptor", http.StatusServiceUnavailable))
		return
	}

	h.logger.Infow("stream descriptor saved",
		"stream_id", id,
		"wallet", identity,
		"created", existing == nil,
	)
	c.JSON(status, gin.H{"descriptor": d})
}

func streamIDParam(c *gin.Context) (domain.StreamID, bool) {
	raw := c.Param("id")
	if err := validation.ValidateStreamID(raw); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.StreamID(raw), true
}

func toICEServers(in []iceServerRequest) ([]webrtc.ICEServer, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		for _, u := range s.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return nil, err
			}
		}
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out, nil
}

func descriptorError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		return apperrors.NewNotFoundError("stream")
	case errors.Is(err, domain.ErrDescriptorTimeout):
		return apperrors.WrapError(err, apperrors.ErrCodeGatewayTimeout, "stream store timed out", http.StatusGatewayTimeout)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "stream store unavailable", http.StatusServiceUnavailable)
	}
}
