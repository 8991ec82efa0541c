package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/unprice/internal/actor"
)

func (s *Server) StreamCustomerLiveEvents(c *gin.Context) {
	if s.hub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	projectID, customerID, ok := s.customerSubject(c)
	if !ok {
		return
	}

	subscription, backlog, err := s.hub.Subscribe(projectID, customerID)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok2 := writer.(http.Flusher)
	if !ok2 {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writeUsageEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writeUsageEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeUsageEvent(w io.Writer, event actor.UsageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
