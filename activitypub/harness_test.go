package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// instance is a complete server running on an httptest listener.
type instance struct {
	t         *testing.T
	clock     *clockwork.FakeClock
	store     db.Store
	server    *httptest.Server
	keys      *KeyManager
	directory *Directory
	resolver  *Resolver
	signer    *Signer
	verifier  *Verifier
	engine    *DeliveryEngine
	outbox    *Outbox
	inbox     *InboxProcessor
}

type instanceOptions struct {
	inbox    InboxOptions
	delivery DeliveryConfig
	// noEngine leaves delivery jobs queued.
	noEngine bool
}

func newInstance(t *testing.T, clk *clockwork.FakeClock, opts instanceOptions) *instance {
	t.Helper()
	log := zaptest.NewLogger(t)

	store, err := db.OpenFileStore(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	in := &instance{t: t, clock: clk, store: store}
	in.server = httptest.NewServer(in.routes())
	t.Cleanup(in.server.Close)

	client := in.server.Client()
	in.keys = NewKeyManager(store, clk, KeyOptions{}, log)
	in.directory = NewDirectory(store, in.keys, clk, in.server.URL, log)
	in.resolver = NewResolver(store, client, in.keys, clk, ResolverOptions{}, log)
	in.signer = NewSigner(clk)
	in.verifier = NewVerifier(in.resolver, clk, time.Hour, log)
	in.engine = NewDeliveryEngine(store, in.keys, in.signer, client, clk, opts.delivery, log)
	in.outbox = NewOutbox(store, in.resolver, in.directory, in.engine, clk, log)
	in.inbox = NewInboxProcessor(store, in.verifier, in.resolver, in.directory, in.outbox, clk, opts.inbox, log)

	if !opts.noEngine {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			in.engine.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return in
}

func (in *instance) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{name}", func(w http.ResponseWriter, r *http.Request) {
		doc, err := in.directory.Document(r.Context(), r.PathValue("name"))
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("POST /users/{name}/inbox", func(w http.ResponseWriter, r *http.Request) {
		in.serveInbox(w, r, in.directory.ActorIRI(r.PathValue("name")))
	})
	mux.HandleFunc("POST /inbox", func(w http.ResponseWriter, r *http.Request) {
		in.serveInbox(w, r, "")
	})
	return mux
}

func (in *instance) serveInbox(w http.ResponseWriter, r *http.Request, receiver string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, err = in.inbox.Process(r.Context(), InboxRequest{Receiver: receiver, Request: r, Body: body})
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func statusOf(err error) int {
	switch {
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
	}
	return http.StatusInternalServerError
}

func (in *instance) createActor(name string) *domain.Actor {
	in.t.Helper()
	a, err := in.directory.CreateActor(context.Background(), name, ActorOptions{DisplayName: name})
	require.NoError(in.t, err)
	return a
}

// signedPost builds a request to url carrying body signed by actor's key.
func (in *instance) signedPost(actor, url string, body []byte) *http.Request {
	in.t.Helper()
	key, err := in.keys.ActiveKey(context.Background(), actor)
	require.NoError(in.t, err)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(in.t, err)
	req.Header.Set("Content-Type", ContentType)
	require.NoError(in.t, in.signer.SignRequest(context.Background(), req, body, key))
	return req
}

// deliver posts body to the receiving instance's inbox processor as if
// actor on in had sent it.
func (in *instance) deliver(to *instance, actor, receiver string, body []byte) (*InboxResult, error) {
	in.t.Helper()
	url := to.directory.SharedInbox()
	if receiver != "" {
		url = receiver + "/inbox"
	}
	req := in.signedPost(actor, url, body)
	return to.inbox.Process(context.Background(), InboxRequest{Receiver: receiver, Request: req, Body: body})
}

func (in *instance) followers(followee string) *domain.FollowerSet {
	in.t.Helper()
	set, _, err := db.GetJSON[domain.FollowerSet](context.Background(), in.store, db.FollowersKey(followee))
	require.NoError(in.t, err)
	return set
}

func (in *instance) relationship(follower, followee string) *domain.Relationship {
	set := in.followers(followee)
	if set == nil {
		return nil
	}
	return set.Entries[follower]
}

func (in *instance) object(iri string) *domain.Object {
	in.t.Helper()
	obj, _, err := db.GetJSON[domain.Object](context.Background(), in.store, db.ObjectKey(iri))
	require.NoError(in.t, err)
	return obj
}

func (in *instance) job(id string) *domain.DeliveryJob {
	in.t.Helper()
	job, _, err := db.GetJSON[domain.DeliveryJob](context.Background(), in.store, db.JobKey(id))
	require.NoError(in.t, err)
	return job
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
