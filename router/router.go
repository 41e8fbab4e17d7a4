package router

import (
	"github.com/gin-gonic/gin"
	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/internal/handler"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// InitRouter builds API routes.
func InitRouter(h *handler.Handler, validate utils.SessionValidator) *gin.Engine {
	r := gin.Default()
	r.Use(utils.CORSMiddleware(config.AppConfig.CORSOrigins))

	api := r.Group("/api")
	{
		api.POST("/vk/token-login", h.TokenLogin)

		auth := api.Group("")
		auth.Use(utils.AuthMiddleware(validate))
		auth.POST("/vk/logout", h.Logout)

		download := auth.Group("/download")
		{
			download.POST("/start", h.StartPlaylist)
			download.POST("/track", h.StartTrack)
			download.POST("/my-music", h.StartMyMusic)
			download.POST("/multi", h.StartMulti)
			download.POST("/cancel/:id", h.CancelTask)
			download.GET("/status/:id", h.TaskStatus)
			download.GET("/active", h.ActiveTasks)
			download.GET("/history", h.TaskHistory)
			download.DELETE("/:id", h.DeleteTask)
		}

		proxies := api.Group("/proxies")
		proxies.Use(utils.AdminMiddleware(config.AppConfig.AdminPasswordHash))
		{
			proxies.GET("", h.ListProxies)
			proxies.POST("", h.AddProxy)
			proxies.POST("/:id/toggle", h.ToggleProxy)
			proxies.POST("/:id/check", h.CheckProxy)
			proxies.DELETE("/:id", h.DeleteProxy)
		}
	}
	return r
}
