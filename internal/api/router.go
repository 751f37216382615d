package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/playdeck/fetchd/internal/api/controllers"
	"github.com/playdeck/fetchd/internal/app"
	"github.com/playdeck/fetchd/internal/engine"
)

func RegisterRoutes(e *echo.Echo, appCtx *app.Context, mgr *engine.QueueManager) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			appCtx.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	dlCtrl := &controllers.DownloadsController{App: appCtx, Engine: mgr}

	g := e.Group("/api/downloads")
	g.POST("", dlCtrl.Submit)
	g.GET("", dlCtrl.List)
	g.GET("/events", dlCtrl.Events)
	g.POST("/pause-all", dlCtrl.PauseAll)
	g.POST("/resume-all", dlCtrl.ResumeAll)
	g.GET("/:id", dlCtrl.Get)
	g.POST("/:id/pause", dlCtrl.Pause)
	g.POST("/:id/resume", dlCtrl.Resume)
	g.POST("/:id/cancel", dlCtrl.Cancel)
	g.POST("/:id/retry", dlCtrl.Retry)
}
