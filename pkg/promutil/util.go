package promutil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandlerForMetric returns the http.Handler serving the metrics of r.
func HTTPHandlerForMetric(r *Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}
