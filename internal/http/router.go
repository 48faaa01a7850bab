package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/config"
	"github.com/rayonlabs/squad-api/internal/http/handler"
	httpmiddleware "github.com/rayonlabs/squad-api/internal/http/middleware"
	"github.com/rayonlabs/squad-api/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, logger *zap.Logger, xHandler *handler.XHandler, agentAuth *httpmiddleware.AgentAuth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 32 << 20
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", xHandler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	x := r.Group("/x")
	{
		x.GET("/auth", xHandler.Authorize)
		x.GET("/callback", xHandler.Callback)

		// Actions are throttled per agent on top of the per-IP limit.
		perAgent := middleware.NewRateLimiter(cfg.ActionRateLimitRPM, agentKey)
		actions := x.Group("", agentAuth.RequireScope(httpmiddleware.ScopeX), perAgent.Handler())
		{
			actions.POST("/tweet", xHandler.Tweet)
			actions.POST("/media", xHandler.Media)
			actions.POST("/follow", xHandler.Follow)
			actions.POST("/like", xHandler.Like)
			actions.POST("/retweet", xHandler.Retweet)
			actions.POST("/quote", xHandler.Quote)
		}
	}

	return r
}

func agentKey(c *gin.Context) string {
	if agent, ok := httpmiddleware.GetAgent(c); ok {
		return "agent:" + agent.ID
	}
	return c.ClientIP()
}
