// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/shellhost/internal/command"
	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// ShellService is what the shell routes need from session.Manager.
type ShellService interface {
	command.Service
	Get(id model.SessionID) (model.SessionInfo, error)
	Scrollback(id model.SessionID) ([]byte, error)
	RecordingPath(id model.SessionID) (string, error)
}

// HistoryLister lists recorded shells, newest first.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]*model.SessionInfo, error)
}

// ShellHandler handles HTTP requests for shell management.
type ShellHandler struct {
	shells     ShellService
	dispatcher *command.Dispatcher
	history    HistoryLister
}

// NewShellHandler creates a new ShellHandler. history may be nil when
// the history store is disabled.
func NewShellHandler(shells ShellService, dispatcher *command.Dispatcher, history HistoryLister) *ShellHandler {
	return &ShellHandler{
		shells:     shells,
		dispatcher: dispatcher,
		history:    history,
	}
}

// OpenShellRequest represents the request body for opening a shell.
type OpenShellRequest struct {
	Shell string `json:"shell"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

// InputRequest represents the request body for writing to a shell.
type InputRequest struct {
	Text string `json:"text"`
}

// ResizeRequest represents the request body for resizing a shell.
type ResizeRequest struct {
	Cols uint16 `json:"cols" binding:"required"`
	Rows uint16 `json:"rows" binding:"required"`
}

// ShellResponse represents a shell in API responses.
type ShellResponse struct {
	PID          model.SessionID `json:"pid"`
	ProcessID    int             `json:"processId"`
	Key          string          `json:"key"`
	Shell        string          `json:"shell"`
	Cols         uint16          `json:"cols"`
	Rows         uint16          `json:"rows"`
	Status       string          `json:"status"`
	ExitCode     *int            `json:"exitCode,omitempty"`
	CloseReason  string          `json:"closeReason,omitempty"`
	HasRecording bool            `json:"hasRecording"`
	Duration     string          `json:"duration"`
	StartedAt    string          `json:"startedAt"`
	EndedAt      string          `json:"endedAt,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toShellResponse converts a model.SessionInfo to ShellResponse.
func toShellResponse(s *model.SessionInfo) *ShellResponse {
	resp := &ShellResponse{
		PID:          s.ID,
		ProcessID:    s.PID,
		Key:          s.Key,
		Shell:        s.Shell,
		Cols:         s.Size.Cols,
		Rows:         s.Size.Rows,
		Status:       string(s.Status),
		ExitCode:     s.ExitCode,
		CloseReason:  string(s.CloseReason),
		HasRecording: s.HasRecording(),
		Duration:     formatDuration(s.Duration()),
		StartedAt:    s.StartedAt.Format(time.RFC3339),
	}
	if s.EndedAt != nil {
		resp.EndedAt = s.EndedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// statusFor maps a shell error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	kind := model.KindOf(err)
	switch kind {
	case model.KindSessionNotFound:
		return http.StatusNotFound, string(kind)
	case model.KindInvalidArgument, model.KindUnknownCommand:
		return http.StatusBadRequest, string(kind)
	case model.KindLimitExceeded:
		return http.StatusTooManyRequests, string(kind)
	case model.KindPtyAllocation, model.KindSpawn, model.KindMissingProcessID, model.KindIOHandle:
		return http.StatusInternalServerError, string(kind)
	case model.KindWrite, model.KindResize:
		return http.StatusBadGateway, string(kind)
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func sendShellError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	sendError(c, status, code, command.ErrorString(err))
}

// shellID parses the :id parameter, replying 400 when it is invalid.
func shellID(c *gin.Context) (model.SessionID, bool) {
	id, err := model.ParseSessionID(c.Param("id"))
	if err != nil {
		sendShellError(c, err)
		return 0, false
	}
	return id, true
}

// Open handles POST /api/shells - spawns a new shell.
func (h *ShellHandler) Open(c *gin.Context) {
	var req OpenShellRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(c, http.StatusBadRequest, string(model.KindInvalidArgument), "Invalid request body: "+err.Error())
		return
	}

	id, err := h.shells.Open(c.Request.Context(), req.Shell, model.Size{Cols: req.Cols, Rows: req.Rows})
	if err != nil {
		sendShellError(c, err)
		return
	}

	info, err := h.shells.Get(id)
	if err != nil {
		// The shell already exited; the id is still the answer.
		c.JSON(http.StatusCreated, gin.H{"pid": id})
		return
	}
	c.JSON(http.StatusCreated, toShellResponse(&info))
}

// List handles GET /api/shells - lists registered shells.
func (h *ShellHandler) List(c *gin.Context) {
	shells := h.shells.List()
	response := make([]*ShellResponse, len(shells))
	for i := range shells {
		response[i] = toShellResponse(&shells[i])
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/shells/:id - gets one registered shell.
func (h *ShellHandler) Get(c *gin.Context) {
	id, ok := shellID(c)
	if !ok {
		return
	}
	info, err := h.shells.Get(id)
	if err != nil {
		sendShellError(c, err)
		return
	}
	c.JSON(http.StatusOK, toShellResponse(&info))
}

// Input handles POST /api/shells/:id/input - writes text to a shell.
func (h *ShellHandler) Input(c *gin.Context) {
	id, ok := shellID(c)
	if !ok {
		return
	}
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, string(model.KindInvalidArgument), "Invalid request body: "+err.Error())
		return
	}
	if err := h.shells.Write(id, []byte(req.Text)); err != nil {
		sendShellError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resize handles POST /api/shells/:id/resize - changes a shell's window size.
func (h *ShellHandler) Resize(c *gin.Context) {
	id, ok := shellID(c)
	if !ok {
		return
	}
	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, string(model.KindInvalidArgument), "Invalid request body: "+err.Error())
		return
	}
	if err := h.shells.Resize(id, model.Size{Cols: req.Cols, Rows: req.Rows}); err != nil {
		sendShellError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Close handles DELETE /api/shells/:id - closes a shell.
func (h *ShellHandler) Close(c *gin.Context) {
	id, ok := shellID(c)
	if !ok {
		return
	}
	if err := h.shells.Close(id); err != nil {
		sendShellError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Scrollback handles GET /api/shells/:id/scrollback - returns recent output.
func (h *ShellHandler) Scrollback(c *gin.Context) {
	id, ok := shellID(c)
	if !ok {
		return
	}
	data, err := h.shells.Scrollback(id)
	if err != nil {
		sendShellError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// Recording handles GET /api/shells/:id/recording - downloads the cast file.
func (h *ShellHandler) Recording(c *gin.Context) {
	id, ok := shellID(c)
	if !ok {
		return
	}
	path, err := h.shells.RecordingPath(id)
	if err != nil {
		sendShellError(c, err)
		return
	}
	if path == "" {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Shell "+id.String()+" is not being recorded")
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.FileAttachment(path, id.String()+"-"+filepath.Base(path))
}

// History handles GET /api/shells/history - lists recorded shells.
func (h *ShellHandler) History(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusNotFound, "HISTORY_DISABLED", "Shell history is not enabled")
		return
	}

	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, string(model.KindInvalidArgument), "Invalid limit: "+s)
			return
		}
		limit = n
	}

	rows, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list history: "+err.Error())
		return
	}
	response := make([]*ShellResponse, len(rows))
	for i, row := range rows {
		response[i] = toShellResponse(row)
	}
	c.JSON(http.StatusOK, response)
}

// Invoke handles POST /api/invoke/:command - runs a named command with
// the request body as its arguments.
func (h *ShellHandler) Invoke(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		sendError(c, http.StatusBadRequest, string(model.KindInvalidArgument), "Failed to read request body: "+err.Error())
		return
	}

	result, err := h.dispatcher.Invoke(c.Request.Context(), c.Param("command"), body)
	if err != nil {
		sendShellError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// RegisterRoutes registers the shell handler routes on a Gin router group.
func (h *ShellHandler) RegisterRoutes(rg *gin.RouterGroup) {
	shells := rg.Group("/shells")
	{
		shells.POST("", h.Open)
		shells.GET("", h.List)
		shells.GET("/history", h.History)
		shells.GET("/:id", h.Get)
		shells.DELETE("/:id", h.Close)
		shells.POST("/:id/input", h.Input)
		shells.POST("/:id/resize", h.Resize)
		shells.GET("/:id/scrollback", h.Scrollback)
		shells.GET("/:id/recording", h.Recording)
	}
	rg.POST("/invoke/:command", h.Invoke)
}
