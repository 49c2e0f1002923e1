package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/possync/internal/auth"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

const deviceKey = "deviceID"

type enrollRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "online"})
}

func (s *Server) enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "device_id and secret are required"})
		return
	}
	token, err := s.issuer.Enroll(req.DeviceID, req.Secret)
	if err != nil {
		s.logger.Warn("device enrollment refused", "device", req.DeviceID)
		c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "bearer token required"})
			return
		}
		claims, err := s.issuer.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: auth.ErrInvalidToken.Error()})
			return
		}
		c.Set(deviceKey, claims.DeviceID)
		c.Next()
	}
}

// withOrigin moves the origin header into the request context so the store
// tags change events with it.
func withOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader(remote.OriginHeader); origin != "" {
			c.Request = c.Request.WithContext(remote.WithOrigin(c.Request.Context(), origin))
		}
		c.Next()
	}
}

func (s *Server) list(c *gin.Context) {
	opts := remote.ListOptions{SinceField: c.Query("since_field")}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "since must be RFC 3339"})
			return
		}
		opts.Since = t
	}
	docs, err := s.store.List(c.Request.Context(), c.Param("collection"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	if docs == nil {
		docs = []remote.Document{}
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) get(c *gin.Context) {
	vd, err := s.store.GetVersioned(c.Request.Context(), c.Param("collection"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if vd.Version == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Error: model.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, vd)
}

func (s *Server) put(c *gin.Context) {
	var doc remote.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "body must be a JSON object"})
		return
	}
	doc["id"] = c.Param("id")
	if err := s.store.Create(c.Request.Context(), c.Param("collection"), doc); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) patch(c *gin.Context) {
	var partial remote.Document
	if err := c.ShouldBindJSON(&partial); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "body must be a JSON object"})
		return
	}
	if err := s.store.Update(c.Request.Context(), c.Param("collection"), c.Param("id"), partial); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) delete(c *gin.Context) {
	if err := s.store.Delete(c.Request.Context(), c.Param("collection"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) commit(c *gin.Context) {
	var req remote.Commit
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed commit"})
		return
	}
	if err := s.store.Commit(c.Request.Context(), req); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// fail maps a store error onto an HTTP status the client adapter can
// classify again.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("store failure", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error(), Code: code})
}

func statusFor(err error) (int, string) {
	var se *model.SyncError
	switch {
	case errors.Is(err, remote.ErrPreconditionFailed):
		return http.StatusConflict, string(model.ErrCodeConflict)
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.As(err, &se):
		switch se.Code {
		case model.ErrCodeRemoteRejected:
			return http.StatusUnprocessableEntity, string(se.Code)
		case model.ErrCodeTranslation:
			return http.StatusBadRequest, string(se.Code)
		case model.ErrCodeConflict:
			return http.StatusConflict, string(se.Code)
		case model.ErrCodeConnectivity:
			return http.StatusServiceUnavailable, string(se.Code)
		}
	}
	return http.StatusInternalServerError, ""
}
