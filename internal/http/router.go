package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"courier/internal/auth"
	"courier/internal/broadcast"
	"courier/internal/config"
	"courier/internal/http/handler"
	mw "courier/internal/http/middleware"
	"courier/internal/jobs"
	"courier/internal/sequence"
	"courier/internal/subscribers"
)

// Deps are the services the admin API drives.
type Deps struct {
	Users       *auth.Users
	JWT         *auth.JWT
	Broadcasts  *broadcast.Service
	Sequences   *sequence.Service
	Subscribers *subscribers.Registry
	Jobs        *jobs.Store
	Log         zerolog.Logger
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(d.Log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("dur", dur).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{Users: d.Users, JWT: d.JWT}
	r.Post("/auth/register", ah.Register)
	r.Post("/auth/login", ah.Login)

	bh := &handler.BroadcastHandler{Svc: d.Broadcasts}
	sh := &handler.SequenceHandler{Svc: d.Sequences}
	subh := &handler.SubscriberHandler{Registry: d.Subscribers}
	jh := &handler.JobsHandler{Store: d.Jobs}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Get("/me", ah.Me)

		r.Route("/broadcasts", func(r chi.Router) {
			r.Post("/", bh.Create)
			r.Post("/subscribers", bh.CreateForSubscribers)
			r.Get("/recipients/{recipientID}", bh.History)
			r.Get("/{id}", bh.Get)
			r.Post("/{id}/cancel", bh.Cancel)
		})

		r.Route("/sequences/{scopeID}", func(r chi.Router) {
			r.Put("/{key}", sh.Upsert)
			r.Get("/{key}", sh.Get)
			r.Post("/{key}/runs", sh.Start)
			r.Post("/triggers/{trigger}", sh.Trigger)
		})
		r.Get("/runs/{id}", sh.GetRun)

		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/stats", subh.Stats)
			r.Get("/{id}", subh.Get)
			r.Post("/{id}/touch", subh.Touch)
			r.Post("/{id}/opt-out", subh.OptOut)
		})

		r.Get("/jobs/stats", jh.Stats)
		r.Get("/jobs/{id}", jh.Get)
	})

	return r
}
