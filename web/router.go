package web

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const activityContentType = activitypub.ContentType + "; charset=utf-8"

type Options struct {
	// MaxBodyBytes caps inbox request bodies.
	MaxBodyBytes int64
	// Rate and Burst limit requests per client IP; InboxRate and InboxBurst
	// apply to the inbox endpoints on top of that.
	Rate       rate.Limit
	Burst      int
	InboxRate  rate.Limit
	InboxBurst int
}

func DefaultOptions() Options {
	return Options{
		MaxBodyBytes: 1 << 20,
		Rate:         rate.Limit(10),
		Burst:        20,
		InboxRate:    rate.Limit(5),
		InboxBurst:   10,
	}
}

// Server is the HTTP surface of the federation engine.
type Server struct {
	store     db.Store
	directory *activitypub.Directory
	inbox     *activitypub.InboxProcessor
	domain    string
	opts      Options
	global    *RateLimiter
	inboxRL   *RateLimiter
	log       *zap.Logger
}

func NewServer(store db.Store, directory *activitypub.Directory, inbox *activitypub.InboxProcessor, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.Rate <= 0 {
		opts.Rate, opts.Burst = def.Rate, def.Burst
	}
	if opts.InboxRate <= 0 {
		opts.InboxRate, opts.InboxBurst = def.InboxRate, def.InboxBurst
	}
	host := ""
	if u, err := url.Parse(directory.BaseURL()); err == nil {
		host = u.Host
	}
	return &Server{
		store:     store,
		directory: directory,
		inbox:     inbox,
		domain:    host,
		opts:      opts,
		global:    NewRateLimiter(opts.Rate, opts.Burst),
		inboxRL:   NewRateLimiter(opts.InboxRate, opts.InboxBurst),
		log:       log,
	}
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.global))

	inboxLimit := RateLimitMiddleware(s.inboxRL)
	maxBody := MaxBytesMiddleware(s.opts.MaxBodyBytes)

	g.POST("/inbox", inboxLimit, maxBody, s.handleInbox(func(*gin.Context) string { return "" }))
	g.POST("/users/:actor/inbox", inboxLimit, maxBody, s.handleInbox(func(c *gin.Context) string {
		return s.directory.ActorIRI(c.Param("actor"))
	}))

	g.GET("/users/:actor", s.handleActor)
	g.GET("/users/:actor/followers", s.handleFollowers)
	g.GET("/users/:actor/outbox", s.handleOutbox)
	g.GET("/objects/:id", s.handleObject)
	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/.well-known/host-meta", s.handleHostMeta)
	g.GET("/.well-known/nodeinfo", s.handleNodeInfoLinks)
	g.GET("/nodeinfo/2.0", s.handleNodeInfo)
	return g
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.global.Run(ctx)
	go s.inboxRL.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", addr), zap.String("baseUrl", s.directory.BaseURL()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleInbox(receiver func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read body"})
			return
		}

		res, err := s.inbox.Process(c.Request.Context(), activitypub.InboxRequest{
			Receiver: receiver(c),
			Request:  c.Request,
			Body:     body,
		})
		if err != nil {
			c.JSON(StatusFor(err), gin.H{"error": publicMessage(err)})
			return
		}
		s.log.Debug("Inbox accepted",
			zap.String("actor", res.Actor),
			zap.Strings("receivers", res.Receivers),
			zap.Bool("duplicate", res.Duplicate))
		c.Status(http.StatusAccepted)
	}
}

// StatusFor maps an engine error to the HTTP status returned to a peer.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrBadActivity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrGone):
		return http.StatusGone
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal detail of store failures from peers.
func publicMessage(err error) string {
	if StatusFor(err) >= 500 {
		return http.StatusText(StatusFor(err))
	}
	return err.Error()
}
