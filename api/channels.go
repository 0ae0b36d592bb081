package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"proximity-server/media"
	"proximity-server/proximity"
	"proximity-server/server"
)

// ChannelHandler exposes read-only snapshots of the running channels.
type ChannelHandler struct {
	channels *server.ChannelManager
}

func NewChannelHandler(channels *server.ChannelManager) *ChannelHandler {
	return &ChannelHandler{channels: channels}
}

type channelSummary struct {
	ID         string      `json:"id"`
	Players    int         `json:"players"`
	ChatGroups int         `json:"chat_groups"`
	Media      media.Stats `json:"media"`
}

type channelGroups struct {
	ID    string            `json:"id"`
	Chat  []proximity.Group `json:"chat"`
	Media []media.GroupInfo `json:"media"`
}

// Routes registers channel routes.
func (h *ChannelHandler) Routes(r chi.Router) {
	r.Get("/channels", h.List)
	r.Get("/channels/{id}/groups", h.Groups)
	r.Get("/channels/{id}/players", h.Players)
}

// List GET /channels
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	items := []channelSummary{}
	for _, ch := range h.channels.Channels() {
		items = append(items, channelSummary{
			ID:         ch.ID,
			Players:    ch.PlayerCount(),
			ChatGroups: len(ch.ChatGroups()),
			Media:      ch.MediaStats(),
		})
	}
	writeJSON(w, http.StatusOK, apiListResponse[channelSummary]{Items: items, TotalItems: len(items)})
}

// Groups GET /channels/{id}/groups
func (h *ChannelHandler) Groups(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, channelGroups{
		ID:    ch.ID,
		Chat:  ch.ChatGroups(),
		Media: ch.MediaGroups(),
	})
}

// Players GET /channels/{id}/players
func (h *ChannelHandler) Players(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ch.Players())
}

func (h *ChannelHandler) channel(w http.ResponseWriter, r *http.Request) (*server.Channel, bool) {
	id := chi.URLParam(r, "id")
	ch, ok := h.channels.GetChannel(id)
	if !ok {
		errorJSON(w, http.StatusNotFound, "channel not found")
		return nil, false
	}
	return ch, true
}
