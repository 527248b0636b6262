// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

// Package httputil provides the engine's HTTP surface: the websocket
// endpoint, liveness, stats, metrics and the HTML debug page.
package httputil

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/kasagilabs/kasagiengine/internal"
	"github.com/kasagilabs/kasagiengine/internal/room"
)

var debugPage = template.Must(template.New("debug").Parse(`<!DOCTYPE html>
<html>
<head><title>KasagiEngine</title></head>
<body>
<h1>KasagiEngine {{.Version}}</h1>
<p>Instance <code>{{.InstanceID}}</code> &mdash; {{.Stats.TotalRooms}} rooms, {{.Stats.TotalSessions}} sessions</p>
<table border="1" cellpadding="4">
<tr><th>Room</th><th>Sessions</th><th>Tick</th><th>Seq</th><th>Phase</th></tr>
{{range .Stats.Rooms}}<tr><td>{{.RoomID}}</td><td>{{.Sessions}}</td><td>{{.Tick}}</td><td>{{.Seq}}</td><td>{{.Phase}}</td></tr>
{{end}}</table>
</body>
</html>
`))

// NewRouter builds the engine's HTTP router. The websocket handler is
// passed in so this package stays transport-agnostic.
func NewRouter(instanceID string, registry *room.Registry, wsHandler http.HandlerFunc) *mux.Router {
	router := mux.NewRouter().SkipClean(true)

	router.HandleFunc("/ws", wsHandler)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) // nolint: errcheck
	}).Methods(http.MethodGet)

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(registry.Stats()); err != nil {
			log.WithError(err).Error("Failed to encode stats")
		}
	}).Methods(http.MethodGet)

	router.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := debugPage.Execute(w, struct {
			Version    string
			InstanceID string
			Stats      room.Stats
		}{
			Version:    internal.VersionString(),
			InstanceID: instanceID,
			Stats:      registry.Stats(),
		})
		if err != nil {
			log.WithError(err).Error("Failed to render debug page")
		}
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}
