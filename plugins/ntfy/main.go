// Package main provides a push notification plugin backed by ntfy.
// It publishes alerts to an ntfy topic, attaching the detection
// snapshot when one is available.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Request represents the input from the plugin executor.
type Request struct {
	Action string          `json:"action"`
	Config json.RawMessage `json:"config"`
	Params json.RawMessage `json:"params"`
}

// Response represents the output to the plugin executor.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NotifyParams defines parameters for the notify action.
type NotifyParams struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	ImagePath string `json:"image_path"`
}

func main() {
	// Read request from stdin
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeErrorResponse(fmt.Sprintf("failed to decode request: %v", err))
		return
	}

	switch req.Action {
	case "notify":
		if err := handleNotify(req.Params); err != nil {
			writeErrorResponse(fmt.Sprintf("action %s failed: %v", req.Action, err))
			return
		}
	default:
		writeErrorResponse(fmt.Sprintf("unknown action: %s", req.Action))
		return
	}

	writeSuccessResponse()
}

// handleNotify publishes the alert to the configured ntfy topic.
func handleNotify(params json.RawMessage) error {
	var p NotifyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	if p.Title == "" && p.Body == "" {
		return fmt.Errorf("empty notification")
	}

	topic := os.Getenv("NTFY_TOPIC")
	if topic == "" {
		return fmt.Errorf("NTFY_TOPIC is not set")
	}
	base := os.Getenv("NTFY_URL")
	if base == "" {
		base = "https://ntfy.sh"
	}
	endpoint := strings.TrimRight(base, "/") + "/" + topic

	req, err := buildRequest(endpoint, p)
	if err != nil {
		return err
	}
	if token := os.Getenv("NTFY_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

// buildRequest prepares the ntfy publish request. When the snapshot is
// readable it is attached with a PUT and the message text moves to
// headers, otherwise a plain text POST is sent.
func buildRequest(endpoint string, p NotifyParams) (*http.Request, error) {
	if p.ImagePath != "" {
		if f, err := os.Open(p.ImagePath); err == nil {
			req, err := http.NewRequest(http.MethodPut, endpoint, f)
			if err != nil {
				f.Close()
				return nil, err
			}
			req.Header.Set("Title", p.Title)
			req.Header.Set("Message", p.Body)
			req.Header.Set("Filename", filepath.Base(p.ImagePath))
			req.Header.Set("Tags", "cat")
			req.Header.Set("Priority", "high")
			return req, nil
		}
		// Snapshot unreadable, fall back to a plain message.
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(p.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Title", p.Title)
	req.Header.Set("Tags", "cat")
	req.Header.Set("Priority", "high")
	return req, nil
}

// writeErrorResponse writes an error response to stdout.
func writeErrorResponse(errMsg string) {
	resp := Response{
		Success: false,
		Error:   errMsg,
	}
	json.NewEncoder(os.Stdout).Encode(resp)
}

// writeSuccessResponse writes a success response to stdout.
func writeSuccessResponse() {
	resp := Response{
		Success: true,
	}
	json.NewEncoder(os.Stdout).Encode(resp)
}
