package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sakay/internal/modules/favorite"
	"sakay/internal/types"
)

type FavoriteHandler struct {
	favorite *favorite.Service
}

func NewFavoriteHandler(svc *favorite.Service) *FavoriteHandler {
	return &FavoriteHandler{favorite: svc}
}

type addFavoriteReq struct {
	Label   string   `json:"label"`
	Address string   `json:"address"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Icon    string   `json:"icon"`
}

func (h *FavoriteHandler) Add(c *gin.Context) {
	var req addFavoriteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := favorite.AddCommand{
		OwnerID: caller(c),
		Label:   req.Label,
		Address: req.Address,
		Icon:    favorite.Icon(req.Icon),
	}
	if req.Lat != nil && req.Lng != nil {
		cmd.Point = &types.Point{Lat: *req.Lat, Lng: *req.Lng}
	}
	f, err := h.favorite.Add(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, f)
}

func (h *FavoriteHandler) List(c *gin.Context) {
	list, err := h.favorite.List(c.Request.Context(), caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"favorites": list})
}

func (h *FavoriteHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.favorite.Delete(c.Request.Context(), caller(c), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
