package errorpages

import (
	"bytes"
	"html/template"
	"net/http"
	"sync"

	"github.com/burrowhq/burrow/pkg/logger"
)

var (
	// Template cache for performance (compiled once at startup)
	templateCache = make(map[string]*template.Template)
	cacheMu       sync.RWMutex
	initOnce      sync.Once
)

// ErrorPageData holds dynamic data for error templates.
type ErrorPageData struct {
	Subdomain string // For 404 errors
	Reason    string // For 502/504 errors
	MaxBody   string // For 413 errors
}

// initTemplates compiles all templates on first use.
func initTemplates() {
	initOnce.Do(func() {
		templates := []string{"404.html", "413.html", "502.html", "504.html"}

		for _, tmplName := range templates {
			tmpl, err := template.ParseFS(templatesFS, "templates/"+tmplName)
			if err != nil {
				logger.ErrorEvent().
					Err(err).
					Str("template", tmplName).
					Msg("Failed to parse error template")
				continue
			}

			cacheMu.Lock()
			templateCache[tmplName] = tmpl
			cacheMu.Unlock()

			logger.DebugEvent().
				Str("template", tmplName).
				Msg("Error template loaded")
		}
	})
}

// RenderErrorPage renders an error page with optional data.
func RenderErrorPage(w http.ResponseWriter, statusCode int, data *ErrorPageData) {
	initTemplates()

	var templateName string
	switch statusCode {
	case http.StatusNotFound:
		templateName = "404.html"
	case http.StatusRequestEntityTooLarge:
		templateName = "413.html"
	case http.StatusBadGateway:
		templateName = "502.html"
	case http.StatusGatewayTimeout:
		templateName = "504.html"
	default:
		// Fallback to plain text for unmapped errors
		http.Error(w, http.StatusText(statusCode), statusCode)
		return
	}

	cacheMu.RLock()
	tmpl, ok := templateCache[templateName]
	cacheMu.RUnlock()

	if !ok {
		logger.ErrorEvent().
			Str("template", templateName).
			Msg("Error template not found in cache")
		http.Error(w, http.StatusText(statusCode), statusCode)
		return
	}

	if data == nil {
		data = &ErrorPageData{}
	}

	// Render to a buffer first to avoid partial writes on error
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logger.ErrorEvent().
			Err(err).
			Str("template", templateName).
			Msg("Failed to execute error template")
		http.Error(w, http.StatusText(statusCode), statusCode)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := buf.WriteTo(w); err != nil {
		logger.WarnEvent().
			Err(err).
			Msg("Failed to write error page to response")
	}
}

// TunnelNotFound renders the 404 page for an unregistered subdomain.
func TunnelNotFound(w http.ResponseWriter, subdomain string) {
	RenderErrorPage(w, http.StatusNotFound, &ErrorPageData{
		Subdomain: subdomain,
	})
}

// BodyTooLarge renders the 413 page when a request exceeds the body cap.
func BodyTooLarge(w http.ResponseWriter, maxBody string) {
	RenderErrorPage(w, http.StatusRequestEntityTooLarge, &ErrorPageData{
		MaxBody: maxBody,
	})
}

// BadGateway renders the 502 page when the tunnel cannot serve the request.
func BadGateway(w http.ResponseWriter, reason string) {
	RenderErrorPage(w, http.StatusBadGateway, &ErrorPageData{
		Reason: reason,
	})
}

// GatewayTimeout renders the 504 page when the tunnel does not answer in time.
func GatewayTimeout(w http.ResponseWriter, reason string) {
	RenderErrorPage(w, http.StatusGatewayTimeout, &ErrorPageData{
		Reason: reason,
	})
}
