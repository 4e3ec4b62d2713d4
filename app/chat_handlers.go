package marketchat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/predix/marketchat/core"
	"github.com/predix/marketchat/pkg/router"
)

type ChatHandler struct {
	gateway  *core.IngestionGateway
	history  *core.HistoryService
	registry *core.RoomRegistry
}

func NewChatHandler(gateway *core.IngestionGateway, history *core.HistoryService, registry *core.RoomRegistry) *ChatHandler {
	return &ChatHandler{gateway: gateway, history: history, registry: registry}
}

type SendMessagePayload struct {
	Body string `json:"body"`
}

type PresenceResponse struct {
	RoomID      string `json:"room_id"`
	Subscribers int    `json:"subscribers"`
}

func (h *ChatHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	wallet := WalletFromRequest(r)
	roomID := r.PathValue("roomID")

	var payload SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid payload")
	}
	r.Body.Close()

	msg, err := h.gateway.Send(r.Context(), roomID, wallet, payload.Body)
	if err != nil {
		var rateErr *core.RateLimitedError
		switch {
		case errors.Is(err, core.ErrInvalidMessage):
			return router.NewJsonError(http.StatusBadRequest, err.Error())
		case errors.As(err, &rateErr):
			w.Header().Set("Retry-After", strconv.FormatInt(int64(rateErr.RetryAfter.Seconds())+1, 10))
			return router.NewJsonError(http.StatusTooManyRequests, core.ErrRateLimited.Error())
		case errors.Is(err, core.ErrStorageUnavailable):
			return router.NewJsonError(http.StatusServiceUnavailable, core.ErrStorageUnavailable.Error())
		}
		return err
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
	return nil
}

func (h *ChatHandler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := r.PathValue("roomID")
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	cursor := query.Get("cursor")
	direction := core.ParseDirection(query.Get("direction"))

	page, err := h.history.Fetch(r.Context(), roomID, cursor, limit, direction)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidCursor):
			return router.NewJsonError(http.StatusBadRequest, err.Error())
		case errors.Is(err, core.ErrStorageUnavailable):
			return router.NewJsonError(http.StatusServiceUnavailable, core.ErrStorageUnavailable.Error())
		}
		return err
	}

	json.NewEncoder(w).Encode(page)
	return nil
}

func (h *ChatHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := r.PathValue("roomID")
	json.NewEncoder(w).Encode(PresenceResponse{
		RoomID:      roomID,
		Subscribers: h.registry.SubscriberCount(roomID),
	})
	return nil
}
