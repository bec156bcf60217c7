// Package server exposes explanations over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sw965/vitlrp/explain"
	"github.com/sw965/vitlrp/imageio"
	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

const requestIDHeader = "X-Request-Id"

// maxUpload is the default bound on explain request bodies.
const maxUpload = 32 << 20

type Server struct {
	// MaxBody bounds the size of JSON and multipart explain bodies.
	MaxBody int64

	gen    *explain.Generator
	method explain.Method
	log    *slog.Logger
}

// New serves gen. method is used when a request names none.
func New(gen *explain.Generator, method explain.Method, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{MaxBody: maxUpload, gen: gen, method: method, log: logger}
}

type ExplainRequest struct {
	// Pixels is a normalized (3, S, S) image in CHW order.
	Pixels     []float32 `json:"pixels"`
	Method     string    `json:"method,omitempty"`
	Class      *int      `json:"class,omitempty"`
	StartLayer int       `json:"start_layer,omitempty"`
	Heatmap    bool      `json:"heatmap,omitempty"`
}

type ExplainResponse struct {
	Model  string    `json:"model"`
	Method string    `json:"method"`
	Class  int       `json:"class"`
	Logits []float32 `json:"logits"`
	Map    []float32 `json:"map"`
	Shape  []int     `json:"shape"`
	// Heatmap is a base64 PNG when requested.
	Heatmap string `json:"heatmap,omitempty"`
}

func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/api/health", s.HealthHandler)
	r.GET("/api/variants", s.VariantsHandler)
	r.POST("/api/explain", s.ExplainHandler)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Set("request_id", id)
		start := time.Now()
		c.Next()
		s.log.Info("request", "id", id, "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": s.gen.Model.Config.Name})
}

func (s *Server) VariantsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"model": s.gen.Model.Config.Name, "variants": tinyvit.Names()})
}

func (s *Server) ExplainHandler(c *gin.Context) {
	var req ExplainRequest
	var x tensor.Tensor
	var err error
	size := s.gen.Model.Config.ImgSize

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.MaxBody)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req, x, err = s.multipartRequest(c, size)
	} else {
		req, x, err = s.jsonRequest(c, size)
	}
	if err != nil {
		status := http.StatusBadRequest
		if tooLarge := new(http.MaxBytesError); errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	method := s.method
	if req.Method != "" {
		if method, err = explain.ParseMethod(req.Method); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	res, err := s.gen.Generate(c.Request.Context(), x, explain.Options{Method: method, Class: req.Class, StartLayer: req.StartLayer})
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := ExplainResponse{
		Model:  s.gen.Model.Config.Name,
		Method: string(res.Method),
		Class:  res.Class[0],
		Logits: res.Logits.Data,
		Map:    res.Map.Data,
		Shape:  res.Map.Shape,
	}
	if req.Heatmap {
		if resp.Heatmap, err = heatmapPNG(res.Map, size); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	s.log.Debug("explain", "id", c.GetString("request_id"), "method", res.Method, "class", resp.Class)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) jsonRequest(c *gin.Context, size int) (ExplainRequest, tensor.Tensor, error) {
	var req ExplainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, tensor.Tensor{}, err
	}
	x, err := tensor.FromSlice(req.Pixels, 1, 3, size, size)
	if err != nil {
		return req, tensor.Tensor{}, fmt.Errorf("pixels: want 3x%dx%d values: %w", size, size, err)
	}
	return req, x, nil
}

func (s *Server) multipartRequest(c *gin.Context, size int) (ExplainRequest, tensor.Tensor, error) {
	var req ExplainRequest
	fh, err := c.FormFile("image")
	if err != nil {
		return req, tensor.Tensor{}, fmt.Errorf("image: %w", err)
	}
	f, err := fh.Open()
	if err != nil {
		return req, tensor.Tensor{}, err
	}
	defer f.Close()
	img, err := imageio.Decode(f)
	if err != nil {
		return req, tensor.Tensor{}, err
	}

	req.Method = c.PostForm("method")
	if v := c.PostForm("class"); v != "" {
		class, err := strconv.Atoi(v)
		if err != nil {
			return req, tensor.Tensor{}, fmt.Errorf("class: %w", err)
		}
		req.Class = &class
	}
	if v := c.PostForm("start_layer"); v != "" {
		if req.StartLayer, err = strconv.Atoi(v); err != nil {
			return req, tensor.Tensor{}, fmt.Errorf("start_layer: %w", err)
		}
	}
	if v := c.PostForm("heatmap"); v != "" {
		if req.Heatmap, err = strconv.ParseBool(v); err != nil {
			return req, tensor.Tensor{}, fmt.Errorf("heatmap: %w", err)
		}
	}
	return req, imageio.Preprocess(img, size), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, explain.ErrUnknownMethod), errors.Is(err, explain.ErrStartLayer),
		errors.Is(err, tinyvit.ErrInvalidConfig), errors.Is(err, tensor.ErrShapeMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func heatmapPNG(m tensor.Tensor, size int) (string, error) {
	plane, err := imageio.Grid(m, 0)
	if err != nil {
		return "", err
	}
	heat, err := imageio.Heatmap(plane, size, size)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := imageio.WritePNG(&buf, heat); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Serve runs the server on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.log.Info("listening", "addr", ln.Addr().String(), "model", s.gen.Model.Config.Name, "method", s.method)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
