package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zedaapi/gateway/internal/balancer"
	"github.com/zedaapi/gateway/internal/circuitbreaker"
	"github.com/zedaapi/gateway/internal/events"
	"github.com/zedaapi/gateway/internal/groups"
	"github.com/zedaapi/gateway/internal/handlers"
	"github.com/zedaapi/gateway/internal/instances"
	"github.com/zedaapi/gateway/internal/messaging"
	"github.com/zedaapi/gateway/internal/middleware"
	"github.com/zedaapi/gateway/internal/webhooks"
)

// Server wires the balancer and webhook subsystems to the HTTP surface.
type Server struct {
	Groups      groups.Repository
	Webhooks    webhooks.Repository
	Registry    instances.StateReader
	Balancer    *balancer.Balancer
	Dispatcher  *webhooks.Dispatcher
	Breakers    *circuitbreaker.Set
	Sender      messaging.TextSender
	Bus         events.Emitter
	Stream      *events.Stream
	APIKey      string
	Development bool

	logger *log.Logger
	httpd  *http.Server
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS)

	// Unauthenticated operational endpoints.
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	sec := r.NewRoute().Subrouter()
	sec.Use(middleware.APIKey(s.APIKey))

	// Instance groups
	sec.HandleFunc("/instance-group", handlers.HandleCreateGroup(s.Groups, s.Registry)).Methods("POST")
	sec.HandleFunc("/instance-group", handlers.HandleListGroups(s.Groups)).Methods("GET")
	sec.HandleFunc("/instance-group/name/{name}", handlers.HandleGetGroup(s.Groups)).Methods("GET")
	sec.HandleFunc("/instance-group/alias/{alias}", handlers.HandleGetGroup(s.Groups)).Methods("GET")
	sec.HandleFunc("/instance-group/{id}", handlers.HandleGetGroup(s.Groups)).Methods("GET")
	sec.HandleFunc("/instance-group/{id}", handlers.HandleUpdateGroup(s.Groups, s.Registry)).Methods("PUT")
	sec.HandleFunc("/instance-group/{id}", handlers.HandleDeleteGroup(s.Groups)).Methods("DELETE")
	sec.HandleFunc("/instance-group/{id}/addInstance", handlers.HandleAddInstance(s.Groups, s.Registry)).Methods("POST")
	sec.HandleFunc("/instance-group/{id}/removeInstance", handlers.HandleRemoveInstance(s.Groups)).Methods("POST")
	sec.HandleFunc("/instance-group/{id}/activeInstances", handlers.HandleActiveInstances(s.Groups, s.Registry)).Methods("GET")
	sec.HandleFunc("/instance-group/{id}/stats", handlers.HandleGroupStats(s.Groups, s.Registry)).Methods("GET")

	// Balanced send
	sec.HandleFunc("/message/sendTextWithGroupBalancing",
		handlers.HandleSendTextWithGroupBalancing(s.Balancer, s.Sender, s.Bus)).Methods("POST")

	// External webhooks
	sec.HandleFunc("/external-webhook", handlers.HandleCreateWebhook(s.Webhooks, s.Development)).Methods("POST")
	sec.HandleFunc("/external-webhook", handlers.HandleListWebhooks(s.Webhooks)).Methods("GET")
	sec.HandleFunc("/external-webhook/{id}", handlers.HandleGetWebhook(s.Webhooks)).Methods("GET")
	sec.HandleFunc("/external-webhook/{id}", handlers.HandleUpdateWebhook(s.Webhooks, s.Development)).Methods("PUT")
	sec.HandleFunc("/external-webhook/{id}", handlers.HandleDeleteWebhook(s.Webhooks, s.Breakers)).Methods("DELETE")
	sec.HandleFunc("/external-webhook/{id}/toggle", handlers.HandleToggleWebhook(s.Webhooks)).Methods("PATCH")
	sec.HandleFunc("/external-webhook/{id}/stats", handlers.HandleWebhookStats(s.Webhooks, s.Breakers)).Methods("GET")
	sec.HandleFunc("/external-webhook/{id}/test", handlers.HandleTestWebhook(s.Webhooks, s.Dispatcher)).Methods("POST")

	// Event ingestion from session workers
	sec.HandleFunc("/instance-event", handlers.HandleInstanceEvent(s.Bus)).Methods("POST")

	// Live event stream
	if s.Stream != nil {
		sec.HandleFunc("/events/stream", s.Stream.ServeHTTP).Methods("GET")
	}

	return r
}

// Start serves the API until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	s.httpd = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("🚀 gateway listening on %s", addr)
	err := s.httpd.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}
