package server

import (
	"errors"
	"net/http"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error string `json:"error"`
}

type feedbackRequest struct {
	FeedbackType tagscepter.FeedbackType `json:"feedbackType" binding:"required"`
	Notes        string                  `json:"notes"`
	CreatedBy    string                  `json:"createdBy"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// statusCode maps an engine error to the HTTP status reported for it
func statusCode(err error) int {
	switch {
	case errors.Is(err, tagscepter.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tagscepter.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, tagscepter.ErrInvalidState),
		errors.Is(err, tagscepter.ErrRangeInvariantViolation),
		errors.Is(err, tagscepter.ErrNoViableCandidate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.log.Errorf("Request %s %s failed - %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}

func (s *Server) abortWithBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) postTask(c *gin.Context) {
	var req tagscepter.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithBadRequest(c, err)
		return
	}
	task, err := s.engine.CreateTask(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTasks(c *gin.Context) {
	status := tagscepter.TaskStatus(c.Query("status"))
	switch status {
	case "", tagscepter.TaskActive, tagscepter.TaskPaused, tagscepter.TaskCompleted, tagscepter.TaskFailed:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "unknown task status " + string(status)})
		return
	}
	tasks, err := s.engine.ListTasks(c.Request.Context(), status)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*tagscepter.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	details, err := s.engine.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *Server) getCandidates(c *gin.Context) {
	candidates, err := s.engine.GetCandidates(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidates)
}

func (s *Server) postPause(c *gin.Context) {
	task, err := s.engine.Pause(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) postResume(c *gin.Context) {
	task, err := s.engine.Resume(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) postFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithBadRequest(c, err)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}
	fb, err := s.engine.SubmitFeedback(c.Request.Context(), c.Param("buildId"), req.FeedbackType, req.Notes, req.CreatedBy)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fb)
}

func (s *Server) postStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithBadRequest(c, err)
		return
	}
	job, err := s.engine.Reconcile(c.Request.Context(), c.Param("buildId"), req.Status)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// postWebhook receives a status pushed by a CI system, identifying the build by the CI system's ID
func (s *Server) postWebhook(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithBadRequest(c, err)
		return
	}
	job, err := s.engine.ReconcileExternal(c.Request.Context(), c.Param("service"), c.Param("externalId"), req.Status)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// postDispatch re-dispatches a candidate of the open iteration, e.g. after its build job was cancelled
func (s *Server) postDispatch(c *gin.Context) {
	job, err := s.engine.Dispatch(c.Request.Context(), c.Param("taskId"), c.Param("iterationId"), c.Param("tagId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) postCancel(c *gin.Context) {
	job, err := s.engine.Cancel(c.Request.Context(), c.Param("buildId"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
