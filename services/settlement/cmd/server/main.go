package main

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/clawrr/clawrr/pkg/db"
	"github.com/clawrr/clawrr/pkg/ledger"
	"github.com/clawrr/clawrr/services/settlement/internal/webhooks"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	pool := db.MustConnect()
	st := webhooks.NewStore(pool)
	lg := ledger.New(pool)
	ingress := webhooks.NewIngressHandler(st, lg)

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8086"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhooks/settlement/{provider}/{endpoint_token}", ingress.HandleIngress)

	slog.Info("settlement service listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
