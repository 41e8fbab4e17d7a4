package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kage-kao/VK-Music-Saver/internal/dto"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// TokenLogin opens a session for a VK access token.
func (h *Handler) TokenLogin(c *gin.Context) {
	var req dto.TokenLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	login, err := h.sessions.Login(c.Request.Context(), req.Token)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, login)
}

// Logout ends the caller's session.
func (h *Handler) Logout(c *gin.Context) {
	if err := h.sessions.Invalidate(c.Request.Context(), sessionID(c)); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}
