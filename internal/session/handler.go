package session

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karaoke-room-system/internal/catalog"
	"github.com/karaoke-room-system/internal/queue"
	"github.com/karaoke-room-system/pkg/apperrors"
	"github.com/karaoke-room-system/pkg/events"
)

const defaultHistoryLimit = 50

// Searcher is the catalog lookup surface the HTTP layer exposes.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]catalog.Candidate, error)
}

type Handler struct {
	service  *Service
	searcher Searcher
	log      zerolog.Logger
}

func NewHandler(service *Service, searcher Searcher, log zerolog.Logger) *Handler {
	return &Handler{
		service:  service,
		searcher: searcher,
		log:      log.With().Str("component", "http").Logger(),
	}
}

// RegisterRoutes mounts every room and catalog endpoint under the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rooms := rg.Group("/rooms")
	{
		rooms.POST("", h.createRoom)
		rooms.GET("/:code", h.getRoom)
		rooms.DELETE("/:code", h.closeRoom)
		rooms.GET("/:code/queue", h.getQueue)
		rooms.POST("/:code/queue", h.addSong)
		rooms.DELETE("/:code/queue/:entryID", h.removeSong)
		rooms.POST("/:code/queue/reorder", h.reorder)
		rooms.POST("/:code/queue/bulk-reorder", h.bulkReorder)
		rooms.POST("/:code/playback", h.playback)
		rooms.GET("/:code/history", h.history)
	}
	rg.GET("/songs/search", h.search)
}

func (h *Handler) createRoom(c *gin.Context) {
	room, err := h.service.CreateRoom(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": room})
}

func (h *Handler) getRoom(c *gin.Context) {
	state, err := h.service.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) closeRoom(c *gin.Context) {
	if err := h.service.CloseRoom(c.Request.Context(), c.Param("code")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room closed"})
}

func (h *Handler) getQueue(c *gin.Context) {
	state, err := h.service.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": state.Queue, "current_song": state.CurrentSong})
}

func (h *Handler) addSong(c *gin.Context) {
	var req AddSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ErrInvalidArgument.WithError(err))
		return
	}
	state, err := h.service.AddSong(c.Request.Context(), c.Param("code"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (h *Handler) removeSong(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("entryID"))
	if err != nil {
		h.respondError(c, apperrors.ErrInvalidArgument.WithMessage("Invalid queue entry id"))
		return
	}
	state, err := h.service.RemoveSong(c.Request.Context(), c.Param("code"), entryID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type reorderRequest struct {
	EntryID   string `json:"entry_id" binding:"required"`
	Direction string `json:"direction" binding:"required"`
}

func (h *Handler) reorder(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ErrInvalidArgument.WithError(err))
		return
	}
	entryID, err := uuid.Parse(req.EntryID)
	if err != nil {
		h.respondError(c, apperrors.ErrInvalidArgument.WithMessage("Invalid queue entry id"))
		return
	}
	dir := queue.Direction(req.Direction)
	if dir != queue.MoveUp && dir != queue.MoveDown {
		h.respondError(c, apperrors.ErrInvalidArgument.WithMessage("direction must be \"up\" or \"down\""))
		return
	}
	state, err := h.service.ReorderStep(c.Request.Context(), c.Param("code"), entryID, dir)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type bulkReorderRequest struct {
	Assignments []struct {
		EntryID  string `json:"entry_id" binding:"required"`
		Position int    `json:"position"`
	} `json:"assignments" binding:"required"`
}

func (h *Handler) bulkReorder(c *gin.Context) {
	var req bulkReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ErrInvalidArgument.WithError(err))
		return
	}
	assignments := make([]queue.Assignment, 0, len(req.Assignments))
	for _, a := range req.Assignments {
		entryID, err := uuid.Parse(a.EntryID)
		if err != nil {
			h.respondError(c, apperrors.ErrInvalidArgument.WithMessagef("invalid queue entry id %q", a.EntryID))
			return
		}
		assignments = append(assignments, queue.Assignment{EntryID: entryID, Position: a.Position})
	}
	state, err := h.service.BulkReorder(c.Request.Context(), c.Param("code"), assignments)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type playbackRequest struct {
	Action string `json:"action" binding:"required"`
	Volume *int   `json:"volume"`
}

func (h *Handler) playback(c *gin.Context) {
	var req playbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ErrInvalidArgument.WithError(err))
		return
	}
	state, err := h.service.Playback(c.Request.Context(), c.Param("code"), events.Action(req.Action), req.Volume)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) history(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.respondError(c, apperrors.ErrInvalidArgument.WithMessage("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	entries, err := h.service.GetHistory(c.Request.Context(), c.Param("code"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (h *Handler) search(c *gin.Context) {
	query := c.Query("q")
	maxResults := 0
	if raw := c.Query("max_results"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.respondError(c, apperrors.ErrInvalidArgument.WithMessage("max_results must be a positive integer"))
			return
		}
		maxResults = parsed
	}
	results, err := h.searcher.Search(c.Request.Context(), query, maxResults)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": apperrors.Message(err), "code": apperrors.Code(err)})
}
