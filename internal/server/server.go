// Package server is the web front end: a search form that runs one scrape
// per submission and links to the exported file.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jmylchreest/mapscrape/internal/config"
	"github.com/jmylchreest/mapscrape/internal/logger"
	"github.com/jmylchreest/mapscrape/internal/output"
	"github.com/jmylchreest/mapscrape/internal/runner"
	"github.com/jmylchreest/mapscrape/internal/session"
	"github.com/jmylchreest/mapscrape/internal/version"
)

//go:embed templates/*.html
var templateFS embed.FS

// Executor runs a scrape and exports the result. *runner.Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, req session.Request) (runner.Outcome, error)
}

// Server serves the form, result and download pages.
type Server struct {
	cfg       config.ServerConfig
	outputDir string
	exec      Executor
	limiter   *rate.Limiter

	// busy admits one scrape at a time. Each session drives a full browser.
	busy sync.Mutex

	router *gin.Engine
}

// New builds a Server and its routes.
func New(cfg config.ServerConfig, outputDir string, exec Executor) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	s := &Server{
		cfg:       cfg,
		outputDir: outputDir,
		exec:      exec,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.SetHTMLTemplate(tmpl)

	r.GET("/", s.index)
	r.POST("/", s.rateLimit(), s.scrape)
	r.GET("/download/*filename", s.download)
	r.GET("/healthz", s.health)

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type scrapeForm struct {
	Query    string `form:"searchquery" binding:"required"`
	Format   string `form:"outputformat" binding:"required"`
	Headless string `form:"headless"`
}

func (s *Server) index(c *gin.Context) {
	s.renderIndex(c, http.StatusOK, "", "")
}

func (s *Server) renderIndex(c *gin.Context, code int, query, msg string) {
	c.HTML(code, "index.html", gin.H{
		"Title":   "Google Maps Scraper",
		"Error":   msg,
		"Query":   query,
		"Formats": output.Formats,
	})
}

func (s *Server) scrape(c *gin.Context) {
	var form scrapeForm
	if err := c.ShouldBind(&form); err != nil {
		s.renderIndex(c, http.StatusBadRequest, form.Query, "Missing search query or output format.")
		return
	}

	req, err := session.NewRequest(form.Query, form.Format, form.Headless == "on")
	if err != nil {
		s.renderIndex(c, http.StatusBadRequest, form.Query, err.Error())
		return
	}

	if !s.busy.TryLock() {
		s.renderIndex(c, http.StatusConflict, form.Query, "A scrape is already running. Try again when it finishes.")
		return
	}
	defer s.busy.Unlock()

	out, err := s.exec.Execute(c.Request.Context(), req)
	if err != nil {
		logger.Error("scrape export failed", "query", req.Query, "error", err)
		s.renderIndex(c, http.StatusInternalServerError, form.Query, fmt.Sprintf("An error occurred during scraping: %v", err))
		return
	}

	data := gin.H{
		"Title":    "Scraping results",
		"Query":    req.Query,
		"Count":    len(out.Records),
		"Messages": out.Messages,
	}
	if out.Err != nil {
		data["Error"] = out.Err.Error()
	}
	if out.ArtifactPath != "" {
		name := filepath.Base(out.ArtifactPath)
		data["FileName"] = name
		data["FileURL"] = "/download/" + url.PathEscape(name)
	}
	c.HTML(http.StatusOK, "result.html", data)
}

func (s *Server) download(c *gin.Context) {
	name := filepath.Base(strings.TrimPrefix(c.Param("filename"), "/"))
	path, err := output.SafeJoin(s.outputDir, name)
	if err != nil {
		c.String(http.StatusNotFound, "File not found")
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.String(http.StatusNotFound, "File not found")
		return
	}
	if f, ok := output.FormatForFile(name); ok {
		c.Header("Content-Type", f.ContentType())
	}
	c.FileAttachment(path, name)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.String(),
	})
}

// rateLimit rejects scrape submissions above the configured rate.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			s.renderIndex(c, http.StatusTooManyRequests, "", "Too many requests. Please wait before starting another scrape.")
			c.Abort()
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
