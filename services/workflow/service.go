package workflow

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// CompanyHeader scopes every admin request to one tenant.
const CompanyHeader = "X-Company-ID"

// Service exposes workflow administration and change-event ingress over HTTP.
type Service struct {
	store    Store
	notifier ChangeNotifier
}

// NewService creates a Service reading and writing through store and handing
// change events to notifier.
func NewService(store Store, notifier ChangeNotifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type companyKey struct{}

// tenantMiddleware rejects requests without a valid company id header.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(CompanyHeader))
		if err != nil {
			writeError(w, http.StatusBadRequest, CompanyHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), companyKey{}, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func companyFrom(ctx context.Context) string {
	id, _ := ctx.Value(companyKey{}).(string)
	return id
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	fields := parentRouter.PathPrefix("/workflow-fields").Subrouter()
	fields.StrictSlash(false)
	fields.Use(jsonMiddleware)
	fields.HandleFunc("", s.HandleListFields).Methods("GET")
	fields.HandleFunc("/{resourceType}", s.HandleGetFields).Methods("GET")

	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware, tenantMiddleware)
	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}", s.HandleDeleteWorkflow).Methods("DELETE")
	router.HandleFunc("/{id}/graph", s.HandleUpdateGraph).Methods("PUT")
	router.HandleFunc("/{id}/executions", s.HandleListExecutions).Methods("GET")

	executions := parentRouter.PathPrefix("/executions").Subrouter()
	executions.Use(jsonMiddleware, tenantMiddleware)
	executions.HandleFunc("/{id}", s.HandleGetExecution).Methods("GET")

	events := parentRouter.PathPrefix("/events").Subrouter()
	events.Use(jsonMiddleware, tenantMiddleware)
	events.HandleFunc("", s.HandlePostEvent).Methods("POST")
}
