package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/task"
)

type createTaskRequest struct {
	ID          string         `json:"id"`
	Description string         `json:"description" binding:"required"`
	SessionID   string         `json:"session_id"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) createTask(c *gin.Context) {
	if s.tasks == nil {
		s.errorResponse(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errorResponse(c, xerrors.Wrap(task.CodeTaskValidation, err, "请求体解析失败"))
		return
	}
	created, err := s.tasks.Submit(c.Request.Context(), task.Request{
		ID:          req.ID,
		Description: req.Description,
		SessionID:   req.SessionID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusAccepted, created)
}

func (s *Server) getTask(c *gin.Context) {
	if s.tasks == nil {
		s.errorResponse(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	found, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) listTasks(c *gin.Context) {
	if s.tasks == nil {
		s.errorResponse(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFrom(c)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	tasks, err := s.tasks.List(c.Request.Context(), opts...)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	stats, err := s.tasks.Stats(c.Request.Context(), opts...)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "stats": stats})
}

func listOptionsFrom(c *gin.Context) ([]task.ListOption, error) {
	var opts []task.ListOption
	for _, name := range []string{"limit", "offset"} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return nil, xerrors.New(task.CodeTaskValidation, "参数 "+name+" 必须是非负整数")
		}
		if name == "limit" {
			opts = append(opts, task.WithLimit(value))
		} else {
			opts = append(opts, task.WithOffset(value))
		}
	}
	if raw := c.Query("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(task.CodeTaskValidation, "未知的任务状态 "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if session := c.Query("session_id"); session != "" {
		opts = append(opts, task.WithSession(session))
	}
	if query := c.Query("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	if c.Query("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}
