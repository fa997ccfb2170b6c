package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"

	"github.com/LavishGent/tilepipe/internal/tile"
	"github.com/LavishGent/tilepipe/internal/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	h := s.pipeline.Health(c.Request.Context())
	status := http.StatusOK
	if h.Status == types.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// ViewportRequest moves the visible area. Bounds is
// [minLon, minLat, maxLon, maxLat]; PreviousZoom, when set and different
// from Zoom, rescales the cache into the new zoom level.
type ViewportRequest struct {
	Bounds       [4]float64 `json:"bounds" validate:"dive,gte=-180,lte=180"`
	Zoom         *int       `json:"zoom" validate:"required,min=0,max=29"`
	PreviousZoom *int       `json:"previousZoom" validate:"omitempty,min=0,max=29"`
}

// ViewportResponse reports what the viewport update triggered.
type ViewportResponse struct {
	Area     tile.Area `json:"area"`
	Tiles    int       `json:"tiles"`
	Rescaled int       `json:"rescaled"`
	Precache bool      `json:"precache"`
}

func (s *Server) handleViewport(c *gin.Context) {
	var req ViewportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid viewport", "fields": fieldErrors(verrs)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	zoom := *req.Zoom
	src := s.pipeline.Source()
	if zoom < src.MinZoom || zoom > src.MaxZoom {
		c.JSON(http.StatusBadRequest, gin.H{"error": "zoom outside the tile source range"})
		return
	}
	b := orb.Bound{
		Min: orb.Point{req.Bounds[0], req.Bounds[1]},
		Max: orb.Point{req.Bounds[2], req.Bounds[3]},
	}
	if b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bounds must be [minLon, minLat, maxLon, maxLat]"})
		return
	}

	area := tile.AreaFromBound(b, zoom)
	s.pipeline.SetVisibleArea(area)

	resp := ViewportResponse{Area: area, Tiles: area.Size()}
	if req.PreviousZoom != nil && *req.PreviousZoom != zoom {
		stats := s.pipeline.RescaleCache(c.Request.Context(), zoom, *req.PreviousZoom, area)
		resp.Rescaled = stats.Produced
	}
	// The sweep outlives the request; Shutdown cancels it.
	resp.Precache = s.pipeline.Maintenance(s.baseCtx)
	c.JSON(http.StatusOK, resp)
}

func fieldErrors(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
