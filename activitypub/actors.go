package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxDocumentSize = 1 << 20

// KeyDocument is a publicKey entry of an actor document, or a standalone
// key document.
type KeyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// keyList decodes publicKey given either as one object or as an array, and
// encodes a single key as an object.
type keyList []KeyDocument

func (l *keyList) UnmarshalJSON(b []byte) error {
	var one KeyDocument
	if err := json.Unmarshal(b, &one); err == nil {
		*l = keyList{one}
		return nil
	}
	var many []KeyDocument
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("publicKey must be an object or a list: %w", err)
	}
	*l = many
	return nil
}

func (l keyList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]KeyDocument(l))
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument is the JSON form of an actor as served and fetched.
type ActorDocument struct {
	Context                   any           `json:"@context,omitempty"`
	ID                        string        `json:"id"`
	Type                      string        `json:"type"`
	PreferredUsername         string        `json:"preferredUsername,omitempty"`
	Name                      string        `json:"name,omitempty"`
	Summary                   string        `json:"summary,omitempty"`
	Inbox                     string        `json:"inbox,omitempty"`
	Outbox                    string        `json:"outbox,omitempty"`
	Followers                 string        `json:"followers,omitempty"`
	Following                 string        `json:"following,omitempty"`
	URL                       string        `json:"url,omitempty"`
	ManuallyApprovesFollowers bool          `json:"manuallyApprovesFollowers"`
	Endpoints                 *Endpoints    `json:"endpoints,omitempty"`
	PublicKey                 keyList       `json:"publicKey,omitempty"`
	RetiredKeys               []KeyDocument `json:"publicKeys,omitempty"`

	// set when the document is a standalone key
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

// NewActorDocument renders a local actor with its published keys. The first
// key is the active one.
func NewActorDocument(a *domain.Actor, keys []domain.PublicKey) *ActorDocument {
	doc := &ActorDocument{
		Context:                   []string{ActivityStreamsContext, SecurityContext},
		ID:                        a.ID,
		Type:                      a.Type,
		PreferredUsername:         a.Username,
		Name:                      a.DisplayName,
		Summary:                   a.Summary,
		Inbox:                     a.Inbox,
		Outbox:                    a.Outbox,
		Followers:                 a.Followers,
		Following:                 a.Following,
		URL:                       a.ID,
		ManuallyApprovesFollowers: a.ManuallyApprovesFollowers,
	}
	if a.SharedInbox != "" {
		doc.Endpoints = &Endpoints{SharedInbox: a.SharedInbox}
	}
	for i, k := range keys {
		kd := KeyDocument{ID: k.ID, Owner: k.Owner, PublicKeyPem: k.PublicKeyPem}
		if i == 0 {
			doc.PublicKey = keyList{kd}
		} else {
			doc.RetiredKeys = append(doc.RetiredKeys, kd)
		}
	}
	return doc
}

func (d *ActorDocument) isKey() bool {
	return d.Inbox == "" && d.Owner != "" && d.PublicKeyPem != ""
}

func (d *ActorDocument) toActor(now time.Time) *domain.Actor {
	a := &domain.Actor{
		ID:                        d.ID,
		Type:                      d.Type,
		Username:                  d.PreferredUsername,
		DisplayName:               d.Name,
		Summary:                   d.Summary,
		Inbox:                     d.Inbox,
		Outbox:                    d.Outbox,
		Followers:                 d.Followers,
		Following:                 d.Following,
		ManuallyApprovesFollowers: d.ManuallyApprovesFollowers,
		CreatedAt:                 now,
		FetchedAt:                 now,
	}
	if d.Endpoints != nil {
		a.SharedInbox = d.Endpoints.SharedInbox
	}
	for _, k := range append([]KeyDocument(d.PublicKey), d.RetiredKeys...) {
		if k.ID == "" || k.PublicKeyPem == "" {
			continue
		}
		a.PublicKeys = append(a.PublicKeys, domain.PublicKey{ID: k.ID, Owner: k.Owner, PublicKeyPem: k.PublicKeyPem})
	}
	return a
}

// keyDocumentError is returned when an actor IRI dereferences to a key.
type keyDocumentError struct {
	Key KeyDocument
}

func (e *keyDocumentError) Error() string {
	return fmt.Sprintf("%s is a key document owned by %s", e.Key.ID, e.Key.Owner)
}

// LocalKeys lists the published keys of a local actor.
type LocalKeys interface {
	PublicKeys(ctx context.Context, actor string) ([]domain.PublicKey, error)
}

type ResolverOptions struct {
	TTL       time.Duration
	UserAgent string
}

// Resolver resolves actor IRIs and key ids to documents, caching remote
// actors in the store.
type Resolver struct {
	store     db.Store
	client    *http.Client
	keys      LocalKeys
	clock     clockwork.Clock
	ttl       time.Duration
	userAgent string
	group     singleflight.Group
	log       *zap.Logger
}

func NewResolver(store db.Store, client *http.Client, keys LocalKeys, clk clockwork.Clock, opts ResolverOptions, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "stegofed ActivityPub"
	}
	return &Resolver{
		store:     store,
		client:    client,
		keys:      keys,
		clock:     clk,
		ttl:       opts.TTL,
		userAgent: opts.UserAgent,
		log:       log,
	}
}

// ResolveActor returns the actor for iri. Local actors are answered from the
// store; remote ones from the cache while fresh, otherwise fetched.
func (r *Resolver) ResolveActor(ctx context.Context, iri string) (*domain.Actor, error) {
	actor, _, err := r.resolveActor(ctx, iri)
	return actor, err
}

// resolveActor also reports whether the actor was fetched by this call.
func (r *Resolver) resolveActor(ctx context.Context, iri string) (*domain.Actor, bool, error) {
	cached, ok, err := db.GetJSON[domain.Actor](ctx, r.store, db.ActorKey(iri))
	if err != nil {
		return nil, false, err
	}
	if ok && (cached.Local || r.clock.Now().Sub(cached.FetchedAt) < r.ttl) {
		return cached, false, nil
	}

	actor, err := r.refresh(ctx, iri)
	if err != nil {
		if ok && errors.Is(err, domain.ErrTransient) {
			r.log.Warn("Serving stale actor", zap.String("actor", iri), zap.Error(err))
			return cached, false, nil
		}
		return nil, false, err
	}
	return actor, true, nil
}

// ResolveKey returns the public key identified by keyID together with the
// id of the actor that publishes it.
func (r *Resolver) ResolveKey(ctx context.Context, keyID string) (*domain.PublicKey, error) {
	u, err := url.Parse(keyID)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: bad keyId %q", domain.ErrUnauthorized, keyID)
	}
	u.Fragment = ""
	actorIRI := u.String()

	actor, fetched, err := r.resolveActor(ctx, actorIRI)
	var kd *keyDocumentError
	if errors.As(err, &kd) {
		if kd.Key.ID != keyID {
			return nil, fmt.Errorf("%w: key document id %s does not match %s", domain.ErrUnauthorized, kd.Key.ID, keyID)
		}
		actor, fetched, err = r.resolveActor(ctx, kd.Key.Owner)
	}
	if err != nil {
		return nil, err
	}

	if actor.Local {
		keys, err := r.keys.PublicKeys(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k.ID == keyID {
				return &domain.PublicKey{ID: k.ID, Owner: actor.ID, PublicKeyPem: k.PublicKeyPem}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s is not a current key of %s", domain.ErrNotFound, keyID, actor.ID)
	}

	key, found := actor.Key(keyID)
	if !found && !fetched {
		// the actor may have rotated since it was cached
		if actor, err = r.refresh(ctx, actor.ID); err != nil {
			return nil, err
		}
		key, found = actor.Key(keyID)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s does not publish %s", domain.ErrNotFound, actor.ID, keyID)
	}
	if key.Owner != actor.ID {
		return nil, fmt.Errorf("%w: key %s is owned by %q, not %s", domain.ErrUnauthorized, keyID, key.Owner, actor.ID)
	}
	return &domain.PublicKey{ID: key.ID, Owner: actor.ID, PublicKeyPem: key.PublicKeyPem}, nil
}

// Invalidate marks a cached remote actor stale so the next lookup refetches.
func (r *Resolver) Invalidate(ctx context.Context, iri string) error {
	_, err := db.UpdateJSON(ctx, r.store, db.ActorKey(iri), func(a *domain.Actor, exists bool) error {
		if !exists || a.Local || a.FetchedAt.IsZero() {
			return db.ErrUnchanged
		}
		a.FetchedAt = time.Time{}
		return nil
	})
	if err == nil {
		r.log.Debug("Invalidated actor", zap.String("actor", iri))
	}
	return err
}

// refresh fetches iri once for all concurrent callers and stores the result.
func (r *Resolver) refresh(ctx context.Context, iri string) (*domain.Actor, error) {
	ch := r.group.DoChan(iri, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return r.fetchAndStore(fctx, iri)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Actor), nil
	}
}

func (r *Resolver) fetchAndStore(ctx context.Context, iri string) (*domain.Actor, error) {
	doc, err := r.fetch(ctx, iri)
	if err != nil {
		r.log.Debug("Actor fetch failed", zap.String("actor", iri), zap.Error(err))
		return nil, err
	}
	if doc.isKey() {
		return nil, &keyDocumentError{Key: KeyDocument{ID: doc.ID, Owner: doc.Owner, PublicKeyPem: doc.PublicKeyPem}}
	}
	if doc.Inbox == "" {
		return nil, fmt.Errorf("%w: actor %s has no inbox", domain.ErrBadActivity, iri)
	}

	fetched := doc.toActor(r.clock.Now().UTC())
	stored, err := db.UpdateJSON(ctx, r.store, db.ActorKey(iri), func(a *domain.Actor, exists bool) error {
		if exists && a.Local {
			return db.ErrUnchanged
		}
		created := fetched.CreatedAt
		if exists && !a.CreatedAt.IsZero() {
			created = a.CreatedAt
		}
		*a = *fetched
		a.CreatedAt = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("Fetched actor", zap.String("actor", iri), zap.Int("keys", len(stored.PublicKeys)))
	return stored, nil
}

// fetch GETs iri as an ActivityPub document. The returned id always equals iri.
func (r *Resolver) fetch(ctx context.Context, iri string) (*ActorDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadActivity, err)
	}
	req.Header.Set("Accept", ContentType+`, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrTransient, iri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", domain.ErrGone, iri)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: fetch %s: status %d", domain.ErrTransient, iri, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: fetch %s: status %d", domain.ErrNotFound, iri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrTransient, iri, err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrBadActivity, iri, maxDocumentSize)
	}

	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrBadActivity, iri, err)
	}
	if doc.ID != iri {
		return nil, fmt.Errorf("%w: fetched %s but document id is %q", domain.ErrBadActivity, iri, doc.ID)
	}
	return &doc, nil
}
