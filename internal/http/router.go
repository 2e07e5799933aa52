package httpapi

import "net/http"

// NewRouter wires every endpoint. mw authenticates everything but /healthz.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.HandleFunc("/healthz", svc.handleHealth)

	mux.Handle("/api/loans", wrap(svc.handleLoans))
	mux.Handle("/api/loans/", wrap(svc.handleLoanSubpath))
	mux.Handle("/api/reservations", wrap(svc.handleReservations))
	mux.Handle("/api/reservations/", wrap(svc.handleReservationSubpath))
	mux.Handle("/api/notifications", wrap(svc.handleNotifications))
	mux.Handle("/api/notifications/", wrap(svc.handleNotificationSubpath))
	mux.Handle("/api/books", wrap(svc.handleBooks))
	mux.Handle("/api/books/", wrap(svc.handleBookByID))

	if wsHandler != nil {
		if mw != nil {
			wsHandler = mw(wsHandler)
		}
		mux.Handle("/ws/users/", wsHandler)
	}
	return mux
}
