// Package httpapi exposes the orchestrator over REST.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/m4xw311/arbor/credentials"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/logging"
	"github.com/m4xw311/arbor/orchestrator"
	"go.uber.org/zap"
)

// API serves the REST routes. creds may be nil.
type API struct {
	log   *zap.Logger
	orch  *orchestrator.Orchestrator
	creds credentials.Store
}

func New(log *zap.Logger, orch *orchestrator.Orchestrator, creds credentials.Store) *gin.Engine {
	api := &API{log: logging.Component(log, "httpapi"), orch: orch, creds: creds}
	g := gin.New()
	g.Use(api.logRequests(), gin.Recovery())
	api.attachRoutes(g)
	return g
}

func (api *API) attachRoutes(g *gin.Engine) {
	v1 := g.Group("/v1")

	v1.GET("/agents", api.listAgents)
	v1.GET("/templates", api.listTemplates)
	v1.POST("/agents", api.createAgent)
	v1.DELETE("/agents", api.removeAll)
	v1.GET("/agents/:id", api.getAgent)
	v1.DELETE("/agents/:id", api.removeAgent)
	v1.POST("/agents/:id/start", api.startAgent)
	v1.POST("/agents/:id/suspend", api.suspendAgent)
	v1.POST("/agents/:id/steps/:step/approve", api.approve)
	v1.POST("/agents/:id/steps/:step/deny", api.deny)

	v1.GET("/approvals", api.listApprovals)

	v1.GET("/sessions", api.listSessions)
	v1.POST("/sessions/:id/resume", api.resumeSession)

	v1.GET("/servers", api.listServers)
	v1.PATCH("/servers/:name", api.configureServer)

	v1.GET("/credentials/:name", api.hasCredential)
	v1.PUT("/credentials/:name", api.setCredential)
	v1.DELETE("/credentials/:name", api.deleteCredential)
}

func (api *API) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		api.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// status maps an error kind to an HTTP status.
func status(err error) int {
	switch errors.KindOf(err) {
	case errors.Validation:
		return http.StatusBadRequest
	case errors.PolicyViolation:
		return http.StatusForbidden
	case errors.NotPending:
		return http.StatusConflict
	case errors.ToolExecution:
		return http.StatusBadGateway
	case errors.ToolServerUnavailable, errors.Storage:
		return http.StatusServiceUnavailable
	case errors.ToolTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(status(err), gin.H{"err": err.Error(), "kind": errors.KindOf(err)})
}

// agentExists writes 404 and returns false if the :id agent is unknown.
func (api *API) agentExists(c *gin.Context) bool {
	if _, err := api.orch.Get(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "agent not found"})
		return false
	}
	return true
}
