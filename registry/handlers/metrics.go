package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-metrics"
	"github.com/gorilla/mux"

	prometheus "github.com/quay/distribution/metrics"
)

var (
	// requests counts dispatched requests by route and status code.
	requests = prometheus.HTTPNamespace.NewLabeledCounter("requests", "The number of dispatched requests", "route", "code")

	requestTimer = prometheus.HTTPNamespace.NewLabeledTimer("request", "The number of seconds taken by dispatched requests", "route")
)

func init() {
	metrics.Register(prometheus.HTTPNamespace)
}

func observeRequest(r *http.Request, status int, start time.Time) {
	route := "unknown"
	if current := mux.CurrentRoute(r); current != nil && current.GetName() != "" {
		route = current.GetName()
	}
	if status == 0 {
		status = http.StatusOK
	}
	requests.WithValues(route, strconv.Itoa(status)).Inc(1)
	requestTimer.WithValues(route).UpdateSince(start)
}
