package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/unprice/internal/customer/domain"
)

type createCustomerRequest struct {
	ProjectID  string `json:"project_id"`
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Currency   string `json:"currency"`
}

func (s *Server) CreateCustomer(c *gin.Context) {
	var req createCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	customer, err := s.customerSvc.Create(c.Request.Context(), customerdomain.CreateCustomerRequest{
		ProjectID:  req.ProjectID,
		CustomerID: req.CustomerID,
		Name:       req.Name,
		Email:      req.Email,
		Currency:   req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, customer)
}

func (s *Server) ListCustomers(c *gin.Context) {
	projectID := projectFromRequest(c)
	if projectID == "" {
		AbortWithError(c, newValidationError("project_id", "invalid_project", "project id is required"))
		return
	}

	createdFrom, err := parseOptionalTime(c.Query("created_from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("created_from", "invalid_time", "invalid time"))
		return
	}
	createdTo, err := parseOptionalTime(c.Query("created_to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("created_to", "invalid_time", "invalid time"))
		return
	}

	resp, err := s.customerSvc.List(c.Request.Context(), customerdomain.ListCustomerRequest{
		ProjectID:   projectID,
		PageToken:   c.Query("page_token"),
		PageSize:    parsePageSize(c.Query("page_size")),
		Name:        c.Query("name"),
		Email:       c.Query("email"),
		Currency:    c.Query("currency"),
		CreatedFrom: createdFrom,
		CreatedTo:   createdTo,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetCustomerByID(c *gin.Context) {
	projectID, customerID, ok := s.customerSubject(c)
	if !ok {
		return
	}

	customer, err := s.customerSvc.GetByID(c.Request.Context(), customerdomain.GetCustomerRequest{
		ProjectID:  projectID,
		CustomerID: customerID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, customer)
}

func (s *Server) DisableCustomer(c *gin.Context) {
	s.setCustomerDisabled(c, true)
}

func (s *Server) EnableCustomer(c *gin.Context) {
	s.setCustomerDisabled(c, false)
}

func (s *Server) setCustomerDisabled(c *gin.Context, disabled bool) {
	projectID, customerID, ok := s.customerSubject(c)
	if !ok {
		return
	}

	err := s.customerSvc.SetDisabled(c.Request.Context(), customerdomain.GetCustomerRequest{
		ProjectID:  projectID,
		CustomerID: customerID,
	}, disabled)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func parsePageSize(value string) int32 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	var size int32
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return 0
		}
		size = size*10 + int32(r-'0')
		if size > 250 {
			return 250
		}
	}
	return size
}
