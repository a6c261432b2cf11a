package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remote serves canned documents and counts requests per path.
type remote struct {
	*httptest.Server
	mu     sync.Mutex
	docs   map[string]any
	status map[string]int
	hits   map[string]*atomic.Int32
	delay  time.Duration
}

func newRemote(t *testing.T) *remote {
	r := &remote{docs: map[string]any{}, status: map[string]int{}, hits: map[string]*atomic.Int32{}}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		doc, status, delay := r.docs[req.URL.Path], r.status[req.URL.Path], r.delay
		c, ok := r.hits[req.URL.Path]
		if !ok {
			c = &atomic.Int32{}
			r.hits[req.URL.Path] = c
		}
		r.mu.Unlock()
		c.Add(1)
		time.Sleep(delay)

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if doc == nil {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		switch d := doc.(type) {
		case string:
			w.Write([]byte(d))
		default:
			json.NewEncoder(w).Encode(d)
		}
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *remote) set(path string, doc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[path] = doc
	delete(r.status, path)
}

func (r *remote) fail(path string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[path] = status
}

func (r *remote) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.hits[path]; ok {
		return int(c.Load())
	}
	return 0
}

func (r *remote) actorDoc(path string, keys ...KeyDocument) *ActorDocument {
	id := r.URL + path
	return &ActorDocument{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                id,
		Type:              "Person",
		PreferredUsername: strings.TrimPrefix(path, "/users/"),
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
		Followers:         id + "/followers",
		Endpoints:         &Endpoints{SharedInbox: r.URL + "/inbox"},
		PublicKey:         keyList(keys),
	}
}

func newTestResolver(t *testing.T, r *remote, clk clockwork.Clock) (*Resolver, db.Store) {
	t.Helper()
	store, err := db.OpenFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	keys := NewKeyManager(store, clk, KeyOptions{}, nil)
	return NewResolver(store, r.Client(), keys, clk, ResolverOptions{TTL: time.Hour}, nil), store
}

func TestResolveActorCachesUntilTTL(t *testing.T) {
	ctx := context.Background()
	r := newRemote(t)
	r.set("/users/bob", r.actorDoc("/users/bob"))
	clk := clockwork.NewFakeClockAt(epoch)
	res, _ := newTestResolver(t, r, clk)

	a, err := res.ResolveActor(ctx, r.URL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", a.Username)
	assert.Equal(t, r.URL+"/inbox", a.DeliveryInbox())
	assert.False(t, a.Local)

	clk.Advance(30 * time.Minute)
	_, err = res.ResolveActor(ctx, r.URL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("/users/bob"))

	clk.Advance(31 * time.Minute)
	b, err := res.ResolveActor(ctx, r.URL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, 2, r.count("/users/bob"))
	assert.Equal(t, a.CreatedAt, b.CreatedAt, "refetch keeps the first-seen time")
}

func TestResolveActorSingleFlight(t *testing.T) {
	r := newRemote(t)
	r.set("/users/bob", r.actorDoc("/users/bob"))
	r.delay = 50 * time.Millisecond
	res, _ := newTestResolver(t, r, clockwork.NewFakeClockAt(epoch))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := res.ResolveActor(context.Background(), r.URL+"/users/bob")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.count("/users/bob"))
}

func TestResolveActorErrors(t *testing.T) {
	ctx := context.Background()
	r := newRemote(t)
	res, _ := newTestResolver(t, r, clockwork.NewFakeClockAt(epoch))

	t.Run("id mismatch", func(t *testing.T) {
		doc := r.actorDoc("/users/carol")
		doc.ID = "https://elsewhere.example/users/carol"
		r.set("/users/mismatch", doc)
		_, err := res.ResolveActor(ctx, r.URL+"/users/mismatch")
		assert.ErrorIs(t, err, domain.ErrBadActivity)
	})

	t.Run("gone", func(t *testing.T) {
		r.fail("/users/gone", http.StatusGone)
		_, err := res.ResolveActor(ctx, r.URL+"/users/gone")
		assert.ErrorIs(t, err, domain.ErrGone)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := res.ResolveActor(ctx, r.URL+"/users/missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("server error", func(t *testing.T) {
		r.fail("/users/broken", http.StatusBadGateway)
		_, err := res.ResolveActor(ctx, r.URL+"/users/broken")
		assert.ErrorIs(t, err, domain.ErrTransient)
	})

	t.Run("oversized", func(t *testing.T) {
		r.set("/users/huge", `{"id":"`+strings.Repeat("x", maxDocumentSize)+`"}`)
		_, err := res.ResolveActor(ctx, r.URL+"/users/huge")
		assert.ErrorIs(t, err, domain.ErrBadActivity)
	})

	t.Run("no inbox", func(t *testing.T) {
		doc := r.actorDoc("/users/noinbox")
		doc.Inbox = ""
		r.set("/users/noinbox", doc)
		_, err := res.ResolveActor(ctx, r.URL+"/users/noinbox")
		assert.ErrorIs(t, err, domain.ErrBadActivity)
	})
}

func TestResolveActorServesStaleOnTransientFailure(t *testing.T) {
	ctx := context.Background()
	r := newRemote(t)
	r.set("/users/bob", r.actorDoc("/users/bob"))
	clk := clockwork.NewFakeClockAt(epoch)
	res, _ := newTestResolver(t, r, clk)

	_, err := res.ResolveActor(ctx, r.URL+"/users/bob")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	r.fail("/users/bob", http.StatusServiceUnavailable)
	a, err := res.ResolveActor(ctx, r.URL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, r.URL+"/users/bob", a.ID)
	assert.Equal(t, 2, r.count("/users/bob"))
}

func TestResolveKey(t *testing.T) {
	ctx := context.Background()
	kp := testKeyPair(t)
	r := newRemote(t)
	bob := r.URL + "/users/bob"
	r.set("/users/bob", r.actorDoc("/users/bob", KeyDocument{ID: bob + "#main-key", Owner: bob, PublicKeyPem: kp.PublicKeyPem}))
	res, _ := newTestResolver(t, r, clockwork.NewFakeClockAt(epoch))

	key, err := res.ResolveKey(ctx, bob+"#main-key")
	require.NoError(t, err)
	assert.Equal(t, bob, key.Owner)
	assert.Equal(t, kp.PublicKeyPem, key.PublicKeyPem)

	_, err = res.ResolveKey(ctx, bob+"#other-key")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = res.ResolveKey(ctx, "not a url")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestResolveKeyDocument(t *testing.T) {
	ctx := context.Background()
	kp := testKeyPair(t)
	r := newRemote(t)
	bob := r.URL + "/users/bob"
	keyID := r.URL + "/keys/bob"
	r.set("/users/bob", r.actorDoc("/users/bob", KeyDocument{ID: keyID, Owner: bob, PublicKeyPem: kp.PublicKeyPem}))
	r.set("/keys/bob", &ActorDocument{ID: keyID, Owner: bob, PublicKeyPem: kp.PublicKeyPem})
	res, _ := newTestResolver(t, r, clockwork.NewFakeClockAt(epoch))

	key, err := res.ResolveKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, bob, key.Owner)
}

func TestResolveKeyOwnerMismatch(t *testing.T) {
	ctx := context.Background()
	kp := testKeyPair(t)
	r := newRemote(t)
	bob := r.URL + "/users/bob"
	r.set("/users/bob", r.actorDoc("/users/bob", KeyDocument{ID: bob + "#main-key", Owner: r.URL + "/users/mallory", PublicKeyPem: kp.PublicKeyPem}))
	res, _ := newTestResolver(t, r, clockwork.NewFakeClockAt(epoch))

	_, err := res.ResolveKey(ctx, bob+"#main-key")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestResolveKeyRefetchesAfterRotation(t *testing.T) {
	ctx := context.Background()
	kp := testKeyPair(t)
	r := newRemote(t)
	bob := r.URL + "/users/bob"
	r.set("/users/bob", r.actorDoc("/users/bob", KeyDocument{ID: bob + "#main-key", Owner: bob, PublicKeyPem: kp.PublicKeyPem}))
	res, _ := newTestResolver(t, r, clockwork.NewFakeClockAt(epoch))

	_, err := res.ResolveKey(ctx, bob+"#main-key")
	require.NoError(t, err)

	r.set("/users/bob", r.actorDoc("/users/bob", KeyDocument{ID: bob + "#key-2", Owner: bob, PublicKeyPem: kp.PublicKeyPem}))
	key, err := res.ResolveKey(ctx, bob+"#key-2")
	require.NoError(t, err)
	assert.Equal(t, bob+"#key-2", key.ID)
	assert.Equal(t, 2, r.count("/users/bob"))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	r := newRemote(t)
	r.set("/users/bob", r.actorDoc("/users/bob"))
	res, _ := newTestResolver(t, r, clockwork.NewFakeClockAt(epoch))

	_, err := res.ResolveActor(ctx, r.URL+"/users/bob")
	require.NoError(t, err)
	require.NoError(t, res.Invalidate(ctx, r.URL+"/users/bob"))
	_, err = res.ResolveActor(ctx, r.URL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, 2, r.count("/users/bob"))

	require.NoError(t, res.Invalidate(ctx, r.URL+"/users/unknown"))
}

func TestActorDocumentKeyListForms(t *testing.T) {
	var doc ActorDocument
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "https://a.example/users/x",
		"type": "Person",
		"inbox": "https://a.example/users/x/inbox",
		"publicKey": [
			{"id": "https://a.example/users/x#k1", "owner": "https://a.example/users/x", "publicKeyPem": "one"},
			{"id": "https://a.example/users/x#k2", "owner": "https://a.example/users/x", "publicKeyPem": "two"}
		]
	}`), &doc))
	a := doc.toActor(epoch)
	require.Len(t, a.PublicKeys, 2)
	k, ok := a.Key("https://a.example/users/x#k2")
	require.True(t, ok)
	assert.Equal(t, "two", k.PublicKeyPem)
}

func TestLocalActorKeysComeFromKeyManager(t *testing.T) {
	ctx := context.Background()
	in := newInstance(t, clockwork.NewFakeClockAt(epoch), instanceOptions{noEngine: true})
	alice := in.createActor("alice")

	key, err := in.resolver.ResolveKey(ctx, alice.ID+"#main-key")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, key.Owner)

	_, err = in.keys.Rotate(ctx, alice.ID)
	require.NoError(t, err)
	_, err = in.resolver.ResolveKey(ctx, alice.ID+"#main-key")
	require.NoError(t, err, "retired keys verify during the grace period")
	_, err = in.resolver.ResolveKey(ctx, alice.ID+"#key-2")
	require.NoError(t, err)
}
