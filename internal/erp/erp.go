// Package erp notifies the ERP system about manufacturing order outcomes.
// Every failure is logged and reported as false; nothing is retried.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/log"
)

const updateStatusPath = "/mqtt-integration/update-production-status"

// Order status values accepted by the ERP.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Config controls the ERP client.
type Config struct {
	Enabled bool
	BaseURL string
	Token   string
	Timeout time.Duration
}

type updateStatusRequest struct {
	ProductionID string `json:"productionId"`
	Status       string `json:"status"`
	TaskID       string `json:"taskId,omitempty"`
}

// Client posts order status updates over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New returns a client for cfg. A disabled config yields a client whose
// calls succeed without touching the network.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log.WithComponent("erp"),
	}
}

// UpdateOrderStatus reports status ("done" or "failed") for orderID.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID, status, taskID string) bool {
	logger := c.logger.With("order_id", orderID, "status", status, "task_id", taskID)
	if !c.cfg.Enabled {
		logger.Debug("erp disabled, skipping order status update")
		return true
	}

	body, err := json.Marshal(updateStatusRequest{ProductionID: orderID, Status: status, TaskID: taskID})
	if err != nil {
		logger.Error("encode order status update", "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+updateStatusPath, bytes.NewReader(body))
	if err != nil {
		logger.Error("build order status request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	logger.Info("updating order status")
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Error("order status update failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Error("order status update rejected",
			"http_status", resp.StatusCode,
			"body", strings.TrimSpace(string(excerpt)))
		return false
	}
	logger.Info("order status updated")
	return true
}

// String describes the target for startup logs.
func (c *Client) String() string {
	if !c.cfg.Enabled {
		return "erp(disabled)"
	}
	return fmt.Sprintf("erp(%s)", c.cfg.BaseURL)
}
