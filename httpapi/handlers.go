package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/orchestrator"
	"github.com/m4xw311/arbor/rpc"
)

// GET /v1/agents
func (api *API) listAgents(c *gin.Context) {
	agents := api.orch.List()
	if c.Query("running") == "true" {
		agents = api.orch.Running()
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "activeAgentId": api.orch.Active()})
}

// GET /v1/templates
func (api *API) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": agent.Templates()})
}

// POST /v1/agents
func (api *API) createAgent(c *gin.Context) {
	var req rpc.CreateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad payload"})
		return
	}
	opts, err := req.Options()
	if err != nil {
		fail(c, err)
		return
	}
	a, err := api.orch.Create(opts)
	if err != nil {
		fail(c, err)
		return
	}
	if req.Start {
		if err := api.orch.Start(a.ID()); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, a.Snapshot())
}

// GET /v1/agents/:id
func (api *API) getAgent(c *gin.Context) {
	snap, err := api.orch.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DELETE /v1/agents/:id
func (api *API) removeAgent(c *gin.Context) {
	if !api.agentExists(c) {
		return
	}
	if err := api.orch.Remove(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /v1/agents
func (api *API) removeAll(c *gin.Context) {
	api.orch.RemoveAll()
	c.Status(http.StatusNoContent)
}

// POST /v1/agents/:id/start
func (api *API) startAgent(c *gin.Context) {
	if !api.agentExists(c) {
		return
	}
	if err := api.orch.Start(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// POST /v1/agents/:id/suspend
func (api *API) suspendAgent(c *gin.Context) {
	if !api.agentExists(c) {
		return
	}
	rec, err := api.orch.Suspend(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// POST /v1/agents/:id/steps/:step/approve
func (api *API) approve(c *gin.Context) {
	if !api.agentExists(c) {
		return
	}
	if err := api.orch.Approve(c.Param("id"), c.Param("step")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /v1/agents/:id/steps/:step/deny
func (api *API) deny(c *gin.Context) {
	if !api.agentExists(c) {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "bad payload"})
			return
		}
	}
	if err := api.orch.Deny(c.Param("id"), c.Param("step"), req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /v1/approvals
func (api *API) listApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": api.orch.PendingApprovals()})
}

// GET /v1/sessions
func (api *API) listSessions(c *gin.Context) {
	sessions, err := api.orch.SavedSessions()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// POST /v1/sessions/:id/resume
func (api *API) resumeSession(c *gin.Context) {
	var req struct {
		Permission string `json:"toolPermission"`
		ModelID    string `json:"modelId"`
		Start      bool   `json:"start"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "bad payload"})
			return
		}
	}
	opts, err := rpc.CreateParams{Permission: req.Permission, ModelID: req.ModelID}.Options()
	if err != nil {
		fail(c, err)
		return
	}
	a, err := api.orch.ResumeSaved(c.Param("id"), opts)
	if err != nil {
		if errors.IsKind(err, errors.Validation) {
			c.JSON(http.StatusNotFound, gin.H{"err": err.Error()})
			return
		}
		fail(c, err)
		return
	}
	if req.Start {
		if err := api.orch.Start(a.ID()); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, a.Snapshot())
}

// GET /v1/servers
func (api *API) listServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": api.orch.Servers()})
}

// PATCH /v1/servers/:name
func (api *API) configureServer(c *gin.Context) {
	var change orchestrator.ServerChange
	if err := c.ShouldBindJSON(&change); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad payload"})
		return
	}
	if err := api.orch.ConfigureServer(c.Request.Context(), c.Param("name"), change); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *API) credentialsAvailable(c *gin.Context) bool {
	if api.creds == nil {
		fail(c, errors.E(errors.Storage, "secure storage is not available"))
		return false
	}
	return true
}

// GET /v1/credentials/:name reports presence only.
func (api *API) hasCredential(c *gin.Context) {
	if !api.credentialsAvailable(c) {
		return
	}
	ok, err := api.creds.Has(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"has": ok})
}

// PUT /v1/credentials/:name
func (api *API) setCredential(c *gin.Context) {
	if !api.credentialsAvailable(c) {
		return
	}
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad payload"})
		return
	}
	if err := api.creds.Set(c.Request.Context(), c.Param("name"), req.Value); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /v1/credentials/:name
func (api *API) deleteCredential(c *gin.Context) {
	if !api.credentialsAvailable(c) {
		return
	}
	if err := api.creds.Delete(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
