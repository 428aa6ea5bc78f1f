package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	xerrors "SleepyTesting/internal/errors"
)

func (s *Server) listAgents(c *gin.Context) {
	if s.agents == nil {
		s.errorResponse(c, xerrors.New(xerrors.CodeInitializationFailure, "代理中枢未初始化"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": s.agents.Snapshot()})
}

// checkAgents 先探测存活代理，再执行一次健康检查；异常代理会被计入错误信号。
func (s *Server) checkAgents(c *gin.Context) {
	if s.agents == nil {
		s.errorResponse(c, xerrors.New(xerrors.CodeInitializationFailure, "代理中枢未初始化"))
		return
	}
	ctx := c.Request.Context()
	s.agents.ProbeAll(ctx)
	body := gin.H{"healthy": true}
	if err := s.agents.HealthCheck(ctx); err != nil {
		body["healthy"] = false
		body["error"] = err.Error()
	}
	body["agents"] = s.agents.Snapshot()
	c.JSON(http.StatusOK, body)
}
