package server

import (
	"embed"
	"html/template"
	"net/http"
)

//go:embed assets
var assetsFS embed.FS

var dashboardTmpl = template.Must(template.ParseFS(assetsFS, "assets/dashboard.html"))

type dashboardMetric struct {
	Name string
	CDF  bool
}

// handleDashboard renders the metrics dashboard over every known metric name.
func (s *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	names := s.opts.Monitor.Names()
	views := make([]dashboardMetric, len(names))
	for i, name := range names {
		views[i] = dashboardMetric{Name: name, CDF: s.opts.Monitor.IsCDF(name)}
	}
	w.Header().Set("Content-Type", "text/html;charset=utf-8")
	if err := dashboardTmpl.Execute(w, map[string]interface{}{
		"Version": s.opts.Version,
		"Metrics": views,
		"Names":   names,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func serveAsset(w http.ResponseWriter, name, contentType string) {
	body, err := assetsFS.ReadFile("assets/" + name)
	if err != nil {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

func (s *HTTPServer) handleJqueryJS(w http.ResponseWriter, r *http.Request) {
	serveAsset(w, "jquery_min.js", "application/javascript")
}

func (s *HTTPServer) handleFlotJS(w http.ResponseWriter, r *http.Request) {
	serveAsset(w, "flot_min.js", "application/javascript")
}
