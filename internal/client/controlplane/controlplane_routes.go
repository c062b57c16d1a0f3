package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/xynoxa/xynoxa-desktop/internal/client/middleware"
	"github.com/xynoxa/xynoxa-desktop/internal/version"
)

func SetupRoutes(cmds Commands, config *Config) http.Handler {
	r := gin.New()

	rate := config.RateLimit
	if rate <= 0 {
		rate = DefaultRateLimit
	}
	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: 1 * time.Second,
		Limit:  rate,
	})

	h := &Handler{cmds: cmds}

	r.Use(middleware.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	v1 := r.Group("/v1")
	v1.Use(mgin.NewMiddleware(rateLimiter))
	v1.Use(middleware.TokenAuth(middleware.TokenAuthConfig{Token: config.AuthToken}))
	{
		v1.GET("/config", h.GetConfig)
		v1.PUT("/config", h.SaveConfig)

		v1Auth := v1.Group("/auth")
		{
			v1Auth.POST("/login", h.Login)
			v1Auth.GET("/check", h.CheckAuth)
			v1Auth.POST("/logout", h.Logout)
		}

		v1Sync := v1.Group("/sync")
		{
			v1Sync.POST("/start", h.StartSync)
			v1Sync.POST("/now", h.SyncNow)
			v1Sync.GET("/status", h.Status)
		}

		v1.GET("/files", h.ListFiles)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Error: "not found"})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Code: ErrCodeBadRequest, Error: "method not allowed"})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Detailed())
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
