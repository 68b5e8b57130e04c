package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ayusman/countercat/internal/plugin"
)

// LogSender writes alerts to the process log. It stands in for a real
// delivery channel on machines without push or email configured, so the
// pipeline keeps working end to end.
type LogSender struct{}

// Name implements Sender.
func (LogSender) Name() string { return "log" }

// Send implements Sender by logging the alert.
func (LogSender) Send(_ context.Context, alert Alert) error {
	if alert.ImagePath != "" {
		log.Printf("[notify] %s alert: %s: %s (image %s)", alert.Channel, alert.Title, alert.Body, alert.ImagePath)
		return nil
	}
	log.Printf("[notify] %s alert: %s: %s", alert.Channel, alert.Title, alert.Body)
	return nil
}

// PluginSender delivers alerts through an external plugin process using
// the stdin/stdout JSON protocol.
type PluginSender struct {
	plug     *plugin.Plugin
	executor *plugin.Executor
}

// NewPluginSender wraps a discovered plugin as a Sender.
func NewPluginSender(plug *plugin.Plugin, executor *plugin.Executor) *PluginSender {
	return &PluginSender{plug: plug, executor: executor}
}

// Name implements Sender.
func (s *PluginSender) Name() string { return s.plug.Manifest.Name }

// Send implements Sender by invoking the plugin with a notify request.
func (s *PluginSender) Send(ctx context.Context, alert Alert) error {
	params, err := json.Marshal(map[string]string{
		"title":      alert.Title,
		"body":       alert.Body,
		"image_path": alert.ImagePath,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert params: %w", err)
	}

	resp, err := s.executor.Execute(ctx, s.plug, &plugin.Request{
		Action: "notify",
		Params: params,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("plugin %s rejected alert: %s", s.plug.Manifest.Name, resp.Error)
	}
	return nil
}
