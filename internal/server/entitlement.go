package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/smallbiznis/unprice/internal/reqctx"
)

func (s *Server) VerifyEntitlement(c *gin.Context) {
	var req entitlementdomain.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if reqMeta, ok := reqctx.FromContext(c.Request.Context()); ok && req.RequestID == "" {
		req.RequestID = reqMeta.RequestID
	}

	result, err := s.host.Verify(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ReportUsage(c *gin.Context) {
	var req entitlementdomain.ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if reqMeta, ok := reqctx.FromContext(c.Request.Context()); ok && req.RequestID == "" {
		req.RequestID = reqMeta.RequestID
	}

	result, err := s.host.ReportUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetCustomerUsage(c *gin.Context) {
	projectID, customerID, ok := s.customerSubject(c)
	if !ok {
		return
	}

	usage, err := s.host.GetCurrentUsage(c.Request.Context(), projectID, customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

func (s *Server) ListCustomerEntitlements(c *gin.Context) {
	projectID, customerID, ok := s.customerSubject(c)
	if !ok {
		return
	}

	entitlements, err := s.host.GetActiveEntitlements(c.Request.Context(), projectID, customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entitlements == nil {
		entitlements = []entitlementdomain.MinimalEntitlement{}
	}

	c.JSON(http.StatusOK, gin.H{"entitlements": entitlements})
}

func (s *Server) GetCustomerAccessControl(c *gin.Context) {
	projectID, customerID, ok := s.customerSubject(c)
	if !ok {
		return
	}

	acl, err := s.host.GetAccessControlList(c.Request.Context(), projectID, customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, acl)
}

func (s *Server) ResetCustomerEntitlements(c *gin.Context) {
	projectID, customerID, ok := s.customerSubject(c)
	if !ok {
		return
	}

	if err := s.host.ResetEntitlements(c.Request.Context(), projectID, customerID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// customerSubject resolves the (project, customer) pair for the read
// endpoints. The project comes from the query string or X-Project-ID.
func (s *Server) customerSubject(c *gin.Context) (string, string, bool) {
	customerID := strings.TrimSpace(c.Param("id"))
	if customerID == "" {
		AbortWithError(c, invalidRequestError())
		return "", "", false
	}
	projectID := projectFromRequest(c)
	if projectID == "" {
		AbortWithError(c, newValidationError("project_id", "invalid_project", "project id is required"))
		return "", "", false
	}
	return projectID, customerID, true
}

func projectFromRequest(c *gin.Context) string {
	if projectID := strings.TrimSpace(c.Query("project_id")); projectID != "" {
		return projectID
	}
	return strings.TrimSpace(c.GetHeader("X-Project-ID"))
}
