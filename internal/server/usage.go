package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/unprice/internal/usage/domain"
)

func (s *Server) ListUsageRecords(c *gin.Context) {
	projectID := projectFromRequest(c)
	if projectID == "" {
		AbortWithError(c, newValidationError("project_id", "invalid_project", "project id is required"))
		return
	}

	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_time", "invalid time"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_time", "invalid time"))
		return
	}

	resp, err := s.usageSvc.ListRecords(c.Request.Context(), usagedomain.ListRecordsRequest{
		ProjectID:   projectID,
		CustomerID:  c.Query("customer_id"),
		FeatureSlug: c.Query("feature_slug"),
		From:        from,
		To:          to,
		PageToken:   c.Query("page_token"),
		PageSize:    parsePageSize(c.Query("page_size")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListVerifications(c *gin.Context) {
	projectID := projectFromRequest(c)
	if projectID == "" {
		AbortWithError(c, newValidationError("project_id", "invalid_project", "project id is required"))
		return
	}

	allowed, err := parseOptionalBool(c.Query("allowed"))
	if err != nil {
		AbortWithError(c, newValidationError("allowed", "invalid_bool", "invalid value"))
		return
	}
	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_time", "invalid time"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_time", "invalid time"))
		return
	}

	resp, err := s.usageSvc.ListVerifications(c.Request.Context(), usagedomain.ListVerificationsRequest{
		ProjectID:   projectID,
		CustomerID:  c.Query("customer_id"),
		FeatureSlug: c.Query("feature_slug"),
		Allowed:     allowed,
		From:        from,
		To:          to,
		PageToken:   c.Query("page_token"),
		PageSize:    parsePageSize(c.Query("page_size")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
