// Package httpapi exposes the Control Interface over HTTP as a thin gin
// router, grounded on the teacher's internal/server/router.go
// gin.New()+gin.Recovery()+per-route-handler+writeJSON idiom, trimmed to
// exactly the routes §6.2 names (no auth/TLS/group routes — those back
// dropped features).
package httpapi

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/procwatch/procwatch/internal/control"
	"github.com/procwatch/procwatch/internal/installer"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/registry"
	"github.com/procwatch/procwatch/internal/supervisor"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// Router wraps a Controller with gin handlers for §6.2's JSON surface.
type Router struct {
	ctrl *control.Controller
}

func NewRouter(ctrl *control.Controller) *Router {
	return &Router{ctrl: ctrl}
}

// Handler returns the gin engine, with /metrics mounted alongside the API.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	api := g.Group("/api")
	api.GET("/status", r.handleStatus)
	api.GET("/logs/:name", r.handleLogs)
	api.POST("/start/:name", r.handleStart)
	api.POST("/stop/:name", r.handleStop)
	api.POST("/restart/:name", r.handleRestart)
	api.POST("/add", r.handleAdd)
	api.POST("/upload", r.handleUpload)
	api.POST("/edit/:name", r.handleEdit)
	api.POST("/update/:name", r.handleUpdate)
	api.POST("/remove/:name", r.handleRemove)

	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer builds an *http.Server bound to addr serving this router, with
// the teacher's timeout configuration.
func NewServer(addr string, ctrl *control.Controller) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ctrl).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func writeJSON(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// statusCodeFor maps the error taxonomy (§7) onto HTTP status codes.
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, supervisor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrBusy), errors.Is(err, supervisor.ErrBadState), errors.Is(err, installer.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, registry.ErrBadDeclaration), errors.Is(err, registry.ErrUnsafeName):
		return http.StatusBadRequest
	case errors.Is(err, installer.ErrUnsafePath):
		return http.StatusBadRequest
	case errors.Is(err, installer.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func writeErr(c *gin.Context, err error) {
	writeJSON(c, statusCodeFor(err), errorResp{Error: err.Error()})
}

type statusDTO struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	PID                 int       `json:"pid"`
	StartedAt           time.Time `json:"started_at"`
	UptimeSeconds       int64     `json:"uptime_s"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CPUSamples          []float64 `json:"cpu_samples"`
	Kind                string    `json:"kind"`
	Enabled             bool      `json:"enabled"`
	Uploaded            bool      `json:"uploaded"`
	Comment             string    `json:"comment"`
}

func toDTO(v control.StatusView) statusDTO {
	var samples []float64
	if v.CPUSamples != nil {
		samples = make([]float64, len(v.CPUSamples))
		for i, s := range v.CPUSamples {
			samples[i] = s.Percent
		}
	}
	return statusDTO{
		Name:                v.Name,
		State:               v.State,
		PID:                 v.PID,
		StartedAt:           v.StartedAt,
		UptimeSeconds:       v.UptimeSeconds,
		ConsecutiveFailures: v.ConsecutiveFailures,
		CPUSamples:          samples,
		Kind:                string(v.Kind),
		Enabled:             v.Enabled,
		Uploaded:            v.Uploaded,
		Comment:             v.Comment,
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	views := r.ctrl.StatusAll()
	out := make([]statusDTO, 0, len(views))
	for _, v := range views {
		out = append(out, toDTO(v))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	offset := queryInt(c, "offset", 0)
	lines := queryInt(c, "lines", 100)
	if lines < 1 {
		lines = 1
	}
	if lines > 10000 {
		lines = 10000
	}
	page, err := r.ctrl.ReadLogs(name, offset, lines)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"lines":       page.Lines,
		"offset":      page.Offset,
		"total_lines": page.TotalLines,
		"total_bytes": page.TotalBytes,
		"rotated":     page.Rotated,
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.ctrl.Start(c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.ctrl.Stop(c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.ctrl.Restart(c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

type addBody struct {
	Name        string   `json:"name" binding:"required"`
	Kind        string   `json:"type"`
	Script      string   `json:"script"`
	Module      string   `json:"module"`
	Enabled     *bool    `json:"enabled"`
	Venv        string   `json:"venv"`
	Cwd         string   `json:"cwd"`
	Args        []string `json:"args"`
	Environment []string `json:"environment"`
	Comment     string   `json:"comment"`
}

func (r *Router) handleAdd(c *gin.Context) {
	var body addBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	req := control.AddRequest{
		Name:        body.Name,
		Kind:        registry.Kind(body.Kind),
		Script:      body.Script,
		Module:      body.Module,
		Enabled:     enabled,
		Venv:        body.Venv,
		Cwd:         body.Cwd,
		Args:        body.Args,
		Environment: body.Environment,
		Comment:     body.Comment,
	}
	if err := r.ctrl.Add(req); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUpload(c *gin.Context) {
	name := c.PostForm("name")
	if strings.TrimSpace(name) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name form field required"})
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "file form field required: " + err.Error()})
		return
	}
	archive, err := readMultipartFile(fileHeader)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "could not read uploaded file: " + err.Error()})
		return
	}

	enabled := c.PostForm("enabled") != "false"
	req := control.UploadRequest{
		Name:        name,
		Kind:        registry.Kind(c.PostForm("type")),
		Enabled:     enabled,
		Venv:        c.PostForm("venv"),
		Cwd:         c.PostForm("cwd"),
		Args:        splitNonEmpty(c.PostForm("args")),
		Environment: splitNonEmpty(c.PostForm("environment")),
		Comment:     c.PostForm("comment"),
		ScriptHint:  c.PostForm("script"),
		Archive:     archive,
	}
	if err := r.ctrl.Upload(req); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

// readMultipartFile reads an uploaded file fully into memory and closes the
// underlying multipart handle before returning, since the install pipeline
// runs asynchronously in a worker goroutine well after this request handler
// returns — the request-scoped multipart.File must not be read that late.
func readMultipartFile(fh *multipart.FileHeader) (*bytes.Reader, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	limited := io.LimitReader(f, installer.DefaultMaxArchiveBytes+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type editBody struct {
	Kind        *string   `json:"type"`
	Script      *string   `json:"script"`
	Module      *string   `json:"module"`
	Enabled     *bool     `json:"enabled"`
	Venv        *string   `json:"venv"`
	Cwd         *string   `json:"cwd"`
	Args        *[]string `json:"args"`
	Environment *[]string `json:"environment"`
	Comment     *string   `json:"comment"`
}

func (r *Router) handleEdit(c *gin.Context) {
	var body editBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	patch := registry.Patch{
		Script:      body.Script,
		Module:      body.Module,
		Enabled:     body.Enabled,
		Venv:        body.Venv,
		Cwd:         body.Cwd,
		Args:        body.Args,
		Environment: body.Environment,
		Comment:     body.Comment,
	}
	if body.Kind != nil {
		k := registry.Kind(*body.Kind)
		patch.Kind = &k
	}
	updated, err := r.ctrl.Edit(c.Param("name"), patch)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (r *Router) handleUpdate(c *gin.Context) {
	name := c.Param("name")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "file form field required: " + err.Error()})
		return
	}
	archive, err := readMultipartFile(fileHeader)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "could not read uploaded file: " + err.Error()})
		return
	}

	if err := r.ctrl.Update(name, archive); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleRemove(c *gin.Context) {
	if err := r.ctrl.Remove(c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
