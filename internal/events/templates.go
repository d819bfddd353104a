package events

import (
	"fmt"
	"strings"
	"sync"

	"authcoord/pkg/logging"
)

// MessageTemplateEngine renders human-readable event messages.
type MessageTemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventReason]string
}

// NewMessageTemplateEngine creates a new message template engine with default templates.
func NewMessageTemplateEngine() *MessageTemplateEngine {
	engine := &MessageTemplateEngine{
		templates: make(map[EventReason]string),
	}
	engine.loadDefaultTemplates()
	return engine
}

func (e *MessageTemplateEngine) loadDefaultTemplates() {
	e.templates[ReasonAuthenticated] = "Session {{.SessionID}} authenticated via {{.Provider}}{{if .Duration}} in {{.Duration}}{{end}}"
	e.templates[ReasonAuthenticationFailed] = "Authentication via {{.Provider}} failed{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonRefreshed] = "Session {{.SessionID}} credentials refreshed (refresh #{{.RefreshCount}})"
	e.templates[ReasonRefreshFailed] = "Session {{.SessionID}} refresh via {{.Provider}} failed{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonValidationFailed] = "Session {{.SessionID}} failed validation{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonSessionExpired] = "Session {{.SessionID}} expired{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonSessionRevoked] = "Session {{.SessionID}} revoked"
	e.templates[ReasonSessionCleaned] = "Session {{.SessionID}} removed by cleanup"

	e.templates[ReasonProviderRegistered] = "Provider {{.Provider}} registered"
	e.templates[ReasonProviderUnregistered] = "Provider {{.Provider}} unregistered"
	e.templates[ReasonProviderEnabled] = "Provider {{.Provider}} enabled"
	e.templates[ReasonProviderDisabled] = "Provider {{.Provider}} disabled"

	e.templates[ReasonCacheEvicted] = "Cache entry {{.Key}} evicted"
	e.templates[ReasonCacheExpired] = "Cache entry {{.Key}} expired"
}

// Render generates a message for the given event reason and data.
func (e *MessageTemplateEngine) Render(reason EventReason, data EventData) string {
	e.mu.RLock()
	template, exists := e.templates[reason]
	e.mu.RUnlock()
	if !exists {
		return fmt.Sprintf("Event: %s", string(reason))
	}

	return e.renderTemplate(template, data)
}

// SetTemplate allows customizing the message template for a specific event reason.
func (e *MessageTemplateEngine) SetTemplate(reason EventReason, template string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[reason] = template
}

// renderTemplate performs simple variable substitution with EventData.
func (e *MessageTemplateEngine) renderTemplate(template string, data EventData) string {
	result := e.renderConditionals(template, data)

	result = strings.ReplaceAll(result, "{{.SessionID}}", logging.TruncateSessionID(data.SessionID))
	result = strings.ReplaceAll(result, "{{.Provider}}", data.Provider)
	result = strings.ReplaceAll(result, "{{.Key}}", logging.TruncateSessionID(data.Key))
	result = strings.ReplaceAll(result, "{{.Error}}", data.Error)
	result = strings.ReplaceAll(result, "{{.RefreshCount}}", fmt.Sprintf("%d", data.RefreshCount))
	result = strings.ReplaceAll(result, "{{.Duration}}", data.Duration.String())

	return result
}

// renderConditionals handles {{if .Field}}content{{end}} blocks.
func (e *MessageTemplateEngine) renderConditionals(template string, data EventData) string {
	result := template
	result = renderConditional(result, "{{if .Error}}", data.Error != "")
	result = renderConditional(result, "{{if .Duration}}", data.Duration > 0)
	return result
}

func renderConditional(template, startMarker string, condition bool) string {
	const endMarker = "{{end}}"

	startIndex := strings.Index(template, startMarker)
	if startIndex == -1 {
		return template
	}

	endIndex := strings.Index(template[startIndex:], endMarker)
	if endIndex == -1 {
		return template
	}
	endIndex += startIndex

	before := template[:startIndex]
	after := template[endIndex+len(endMarker):]
	if condition {
		return before + template[startIndex+len(startMarker):endIndex] + after
	}
	return before + after
}
