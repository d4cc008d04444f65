package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/staydesk/backend/internal/config"
	"github.com/staydesk/backend/internal/http/handlers"
	"github.com/staydesk/backend/internal/http/middleware"
	"github.com/staydesk/backend/internal/service"

	_ "github.com/staydesk/backend/docs"
)

// Services are the components the API drives.
type Services struct {
	Store      handlers.Store
	Triage     *service.Triage
	Lifecycle  *service.Lifecycle
	Dispatcher *service.Dispatcher
	Directory  service.StaffDirectory
}

func Router(cfg config.Config, svc Services, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:      svc.Store,
		Triage:     svc.Triage,
		Lifecycle:  svc.Lifecycle,
		Dispatcher: svc.Dispatcher,
		Directory:  svc.Directory,
		Validator:  validator.New(),
		Logger:     logger,
	}
	Register(r, h, cfg.AdminKey)

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

// Register mounts the API routes on r.
func Register(r gin.IRouter, h *handlers.Handler, adminKey string) {
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.GET("/messages", h.MessagesList)
		api.GET("/messages/:id", h.MessageDetails)
		api.GET("/bookings", h.BookingsList)
		api.GET("/maintenance/tasks", h.TasksList)
		api.GET("/staff", h.StaffList)
		api.GET("/logs", h.LogsList)
		api.GET("/notifications", h.NotificationsList)
		api.GET("/alerts", h.AlertsList)
		api.GET("/runs/latest", h.RunsLatest)
		api.GET("/stats", h.StatsSummary)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(adminKey))
	{
		admin.POST("/messages", h.CreateMessage)
		admin.POST("/messages/:id/retry", h.RetryMessage)
		admin.POST("/import", h.Import)
		admin.POST("/process", h.Process)
		admin.POST("/lifecycle/run", h.RunLifecycle)
		admin.PATCH("/maintenance/tasks/:id", h.UpdateTask)
		admin.GET("/debug/dispatch", h.DebugDispatch)
	}
}
