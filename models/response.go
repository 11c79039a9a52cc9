package models

import "time"

// RenderResponse is the JSON body returned whenever a render does not
// produce an image.
type RenderResponse struct {
	// Success is false for every error response.
	Success bool `json:"success"`

	// Message is a human readable summary.
	Message string `json:"message"`

	// Error carries the machine readable code.
	Error *ErrorDetail `json:"error,omitempty"`

	// RequestID echoes the X-Request-ID assigned to the request.
	RequestID string `json:"request_id,omitempty"`
}

// RestartResponse is the response for POST /api/v1/admin/restart.
type RestartResponse struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	Backend   PoolStats    `json:"backend"`
	Error     *ErrorDetail `json:"error,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}

// LivenessResponse is the response for GET /health.
type LivenessResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status   string    `json:"status"` // "healthy", "degraded" or "unavailable"
	Uptime   string    `json:"uptime"`
	Strategy string    `json:"strategy"`
	Backend  PoolStats `json:"backend"`
	Version  string    `json:"version"`
}

// PoolStats reports the state of the rendering backend pool.
type PoolStats struct {
	Backend             string    `json:"backend"`
	HandleID            string    `json:"handle_id"`
	Epoch               uint64    `json:"epoch"`
	HandleAge           string    `json:"handle_age"`
	RenderCount         int64     `json:"render_count"`
	WearThreshold       int64     `json:"wear_threshold"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
	ActiveRenders       int       `json:"active_renders"`
	MaxRenders          int       `json:"max_renders"`
	Recycles            int64     `json:"recycles"`
	Available           bool      `json:"available"`
}
