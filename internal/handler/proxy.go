package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kage-kao/VK-Music-Saver/internal/dto"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

func (h *Handler) ListProxies(c *gin.Context) {
	utils.Success(c, dto.ProxyListResponse{Proxies: h.proxies.List(c.Request.Context())})
}

// AddProxy registers a proxy. It starts disabled and unchecked.
func (h *Handler) AddProxy(c *gin.Context) {
	var req dto.ProxyAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	p, err := h.proxies.AddProxy(c.Request.Context(), model.ProxyType(req.ProxyType), req.Address, req.Name)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, p)
}

func (h *Handler) ToggleProxy(c *gin.Context) {
	p, err := h.proxies.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, p)
}

// CheckProxy starts a probe; poll ListProxies for the result.
func (h *Handler) CheckProxy(c *gin.Context) {
	p, err := h.proxies.Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, p)
}

func (h *Handler) DeleteProxy(c *gin.Context) {
	if err := h.proxies.Delete(c.Request.Context(), c.Param("id")); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}
