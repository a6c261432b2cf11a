package activitypub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,30}$`)

// ActorOptions are the optional profile fields of a new local actor.
type ActorOptions struct {
	DisplayName               string
	Summary                   string
	ManuallyApprovesFollowers bool
}

// Directory manages the actors hosted on this instance. Local actor IRIs are
// baseURL/users/<username>.
type Directory struct {
	store   db.Store
	keys    *KeyManager
	clock   clockwork.Clock
	baseURL string
	log     *zap.Logger
}

func NewDirectory(store db.Store, keys *KeyManager, clk clockwork.Clock, baseURL string, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{store: store, keys: keys, clock: clk, baseURL: strings.TrimRight(baseURL, "/"), log: log}
}

func (d *Directory) BaseURL() string { return d.baseURL }

func (d *Directory) ActorIRI(username string) string {
	return d.baseURL + "/users/" + username
}

func (d *Directory) SharedInbox() string {
	return d.baseURL + "/inbox"
}

// IsLocal reports whether iri names something hosted here.
func (d *Directory) IsLocal(iri string) bool {
	return strings.HasPrefix(iri, d.baseURL+"/")
}

// CreateActor creates a local Person with a fresh key pair.
func (d *Directory) CreateActor(ctx context.Context, username string, opts ActorOptions) (*domain.Actor, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: invalid username %q", domain.ErrBadActivity, username)
	}
	iri := d.ActorIRI(username)
	actor := &domain.Actor{
		ID:                        iri,
		Type:                      "Person",
		Username:                  username,
		DisplayName:               opts.DisplayName,
		Summary:                   opts.Summary,
		Inbox:                     iri + "/inbox",
		Outbox:                    iri + "/outbox",
		Followers:                 iri + "/followers",
		Following:                 iri + "/following",
		SharedInbox:               d.SharedInbox(),
		ManuallyApprovesFollowers: opts.ManuallyApprovesFollowers,
		Local:                     true,
		CreatedAt:                 d.clock.Now().UTC(),
	}

	var conflict bool
	stored, err := db.UpdateJSON(ctx, d.store, db.ActorKey(iri), func(a *domain.Actor, exists bool) error {
		if exists {
			conflict = true
			return db.ErrUnchanged
		}
		*a = *actor
		return nil
	})
	if err != nil {
		return nil, err
	}

	if conflict {
		// an earlier attempt may have stopped before generating the key
		if _, err := d.keys.ActiveKey(ctx, iri); !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: actor %s already exists", domain.ErrConflict, username)
		}
	}
	if _, err := d.keys.Generate(ctx, iri); err != nil {
		return nil, err
	}
	d.log.Info("Created actor", zap.String("actor", iri))
	return stored, nil
}

// Lookup returns the local actor with the given username.
func (d *Directory) Lookup(ctx context.Context, username string) (*domain.Actor, error) {
	return d.LocalActor(ctx, d.ActorIRI(username))
}

// LocalActor returns the local actor with the given IRI, ErrNotFound if
// there is none.
func (d *Directory) LocalActor(ctx context.Context, iri string) (*domain.Actor, error) {
	a, ok, err := db.GetJSON[domain.Actor](ctx, d.store, db.ActorKey(iri))
	if err != nil {
		return nil, err
	}
	if !ok || !a.Local {
		return nil, fmt.Errorf("%w: no local actor %s", domain.ErrNotFound, iri)
	}
	return a, nil
}

// Actors lists every local actor.
func (d *Directory) Actors(ctx context.Context) ([]*domain.Actor, error) {
	keys, err := d.store.Keys(ctx, db.ActorKey(d.baseURL+"/users/"))
	if err != nil {
		return nil, err
	}
	var out []*domain.Actor
	for _, k := range keys {
		a, ok, err := db.GetJSON[domain.Actor](ctx, d.store, k)
		if err != nil {
			return nil, err
		}
		if ok && a.Local {
			out = append(out, a)
		}
	}
	return out, nil
}

// Document renders the actor document of a local actor with its current and
// recently retired keys.
func (d *Directory) Document(ctx context.Context, username string) (*ActorDocument, error) {
	a, err := d.Lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	keys, err := d.keys.PublicKeys(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return NewActorDocument(a, keys), nil
}
