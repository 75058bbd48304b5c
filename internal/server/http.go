// Package server exposes catalog, freshness and acquisition over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/internal/pipeline"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/metrics"
)

type AcquireBody struct {
	URLs []string `json:"urls" binding:"required"`
}

type Deps struct {
	Pipelines map[core.DNO]*pipeline.Pipeline
	Logger    *logging.Logger
	Metrics   *metrics.AcquisitionMetrics
	Gatherer  prometheus.Gatherer
	// Service names the server spans; empty disables request tracing.
	Service   string
}

func SetupRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), d.Logger.GinMiddleware())
	if d.Service != "" {
		r.Use(otelgin.Middleware(d.Service))
	}
	if d.Metrics != nil {
		r.Use(d.Metrics.PrometheusMiddleware())
		metrics.SetupMetricsEndpoint(r, d.Gatherer)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	dno := r.Group("/dnos/:dno", func(c *gin.Context) {
		p, ok := d.Pipelines[core.DNO(c.Param("dno"))]
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown dno " + c.Param("dno")})
			return
		}
		c.Set("pipeline", p)
		c.Next()
	})

	dno.GET("/files", func(c *gin.Context) {
		p := c.MustGet("pipeline").(*pipeline.Pipeline)
		files, err := p.Files(c.Request.Context())
		if err != nil {
			fail(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dno": p.DNO(), "files": files})
	})

	dno.GET("/freshness/:dataset", func(c *gin.Context) {
		p := c.MustGet("pipeline").(*pipeline.Pipeline)
		since := time.Now().UTC()
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339: " + err.Error()})
				return
			}
			since = t
		}
		f, err := p.CheckFreshness(c.Request.Context(), c.Param("dataset"), since)
		if err != nil {
			fail(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, f)
	})

	dno.POST("/acquire", func(c *gin.Context) {
		p := c.MustGet("pipeline").(*pipeline.Pipeline)
		var body AcquireBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
		evs, err := p.AcquireAll(c.Request.Context(), body.URLs)
		acquired := make([]gin.H, 0, len(evs))
		for _, ev := range evs {
			if ev.ID == "" {
				continue
			}
			acquired = append(acquired, gin.H{"id": ev.ID, "filename": ev.Filename, "path": ev.Path, "bytes": ev.Bytes})
		}
		if err != nil {
			d.Logger.WithDNO(p.DNO().String()).Error("Acquisition incomplete", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"acquired": acquired, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"acquired": acquired})
	})

	return r
}

func fail(c *gin.Context, logger *logging.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrConfiguration):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrTransport), errors.Is(err, core.ErrStructural):
		status = http.StatusBadGateway
	}
	logger.WithError(err).Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Int("status", status))
	c.JSON(status, gin.H{"error": err.Error()})
}
