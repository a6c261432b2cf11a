package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"
)

// Enqueuer accepts persisted delivery jobs.
type Enqueuer interface {
	Enqueue(job *domain.DeliveryJob)
}

// Publication is the outcome of publishing one activity.
type Publication struct {
	Activity Activity
	Jobs     []*domain.DeliveryJob
	// Duplicate is set when an activity with the same id was already
	// published; no new jobs are created.
	Duplicate bool
}

// Outbox persists activities of local actors and fans them out as delivery
// jobs, one per destination inbox.
type Outbox struct {
	store     db.Store
	resolver  *Resolver
	directory *Directory
	engine    Enqueuer
	clock     clockwork.Clock
	markdown  goldmark.Markdown
	log       *zap.Logger
}

func NewOutbox(store db.Store, resolver *Resolver, directory *Directory, engine Enqueuer, clk clockwork.Clock, log *zap.Logger) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Outbox{
		store:     store,
		resolver:  resolver,
		directory: directory,
		engine:    engine,
		clock:     clk,
		markdown:  goldmark.New(),
		log:       log,
	}
}

// NewID mints a fresh activity IRI.
func (o *Outbox) NewID() string {
	return fmt.Sprintf("%s/activities/%s", o.directory.BaseURL(), uuid.New().String())
}

func (o *Outbox) newObjectID() string {
	return fmt.Sprintf("%s/objects/%s", o.directory.BaseURL(), uuid.New().String())
}

// derivedID is a stable activity IRI for a response to another activity, so
// answering the same activity twice publishes it once.
func (o *Outbox) derivedID(kind Kind, to string) string {
	return fmt.Sprintf("%s/activities/%s", o.directory.BaseURL(), uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(kind)+" "+to)).String())
}

// Publish persists a and creates its delivery jobs.
func (o *Outbox) Publish(ctx context.Context, a Activity) (*Publication, error) {
	h := a.Header()
	sender, err := o.directory.LocalActor(ctx, h.Actor)
	if err != nil {
		return nil, err
	}
	now := o.clock.Now().UTC()
	if h.ID == "" {
		h.ID = o.NewID()
	}
	if h.Published == nil {
		h.Published = &now
	}
	if h.Context == nil {
		h.Context = ActivityStreamsContext
	}

	raw, err := Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}
	doc, err := json.Marshal(&domain.StoredActivity{
		ID:         h.ID,
		Type:       string(h.Type),
		Actor:      h.Actor,
		Object:     objectOf(a),
		Raw:        raw,
		Local:      true,
		ReceivedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}
	written, err := db.PutIfAbsent(ctx, o.store, db.ActivityKey(h.ID), doc)
	if err != nil {
		return nil, err
	}
	if !written {
		o.log.Debug("Outbox skipped published activity", zap.String("id", h.ID))
		return &Publication{Activity: a, Duplicate: true}, nil
	}

	_, err = db.UpdateJSON(ctx, o.store, db.OutboxKey(sender.ID), func(c *domain.Collection, _ bool) error {
		c.Owner = sender.ID
		if !c.Add(h.ID) {
			return db.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	inboxes, err := o.expand(ctx, sender, h)
	if err != nil {
		return nil, err
	}

	pub := &Publication{Activity: a}
	targets := make([]string, 0, len(inboxes))
	for inbox := range inboxes {
		targets = append(targets, inbox)
	}
	sort.Strings(targets)
	for _, inbox := range targets {
		job := &domain.DeliveryJob{
			ID:            uuid.New(),
			ActivityID:    h.ID,
			Actor:         sender.ID,
			Inbox:         inbox,
			Recipients:    inboxes[inbox],
			State:         domain.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := db.PutJSON(ctx, o.store, db.JobKey(job.ID.String()), job); err != nil {
			return nil, err
		}
		pub.Jobs = append(pub.Jobs, job)
	}
	for _, job := range pub.Jobs {
		o.engine.Enqueue(job)
	}

	o.log.Info("Outbox published activity",
		zap.String("type", string(h.Type)),
		zap.String("id", h.ID),
		zap.Int("inboxes", len(pub.Jobs)))
	return pub, nil
}

// expand maps each destination inbox to the recipients it serves. The
// sender's followers collection expands to its accepted followers; the
// public collection and the sender itself are skipped.
func (o *Outbox) expand(ctx context.Context, sender *domain.Actor, h *Envelope) (map[string][]string, error) {
	seen := make(map[string]bool)
	var recipients []string
	add := func(iri string) {
		if iri == "" || iri == sender.ID || seen[iri] {
			return
		}
		seen[iri] = true
		recipients = append(recipients, iri)
	}

	for _, iri := range h.Addressed() {
		switch {
		case iri == PublicCollection || iri == "as:Public" || iri == "Public":
		case iri == sender.Followers:
			followers, _, err := db.GetJSON[domain.FollowerSet](ctx, o.store, db.FollowersKey(sender.ID))
			if err != nil {
				return nil, err
			}
			for _, f := range followers.Accepted() {
				add(f)
			}
		default:
			add(iri)
		}
	}

	inboxes := make(map[string][]string)
	for _, iri := range recipients {
		actor, err := o.resolver.ResolveActor(ctx, iri)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.log.Warn("Outbox skipped unresolvable recipient", zap.String("recipient", iri), zap.Error(err))
			continue
		}
		inbox := actor.DeliveryInbox()
		if inbox == "" {
			continue
		}
		inboxes[inbox] = append(inboxes[inbox], iri)
	}
	return inboxes, nil
}

// Follow asks target to accept actor as a follower. The relationship stays
// pending until the Accept arrives.
func (o *Outbox) Follow(ctx context.Context, actor, target string) (*Publication, error) {
	if _, err := o.resolver.ResolveActor(ctx, target); err != nil {
		return nil, err
	}
	id := o.NewID()
	now := o.clock.Now().UTC()
	_, err := db.UpdateJSON(ctx, o.store, db.FollowersKey(target), func(s *domain.FollowerSet, _ bool) error {
		s.Followee = target
		if s.Entries == nil {
			s.Entries = make(map[string]*domain.Relationship)
		}
		if rel, ok := s.Entries[actor]; ok && rel.State == domain.RelationshipAccepted {
			return fmt.Errorf("%w: %s already follows %s", domain.ErrConflict, actor, target)
		}
		s.Entries[actor] = &domain.Relationship{
			Follower:   actor,
			Followee:   target,
			ActivityID: id,
			State:      domain.RelationshipPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.Publish(ctx, &Follow{
		Envelope: Envelope{ID: id, Type: KindFollow, Actor: actor, To: domain.IRIs{target}},
		Object:   ObjectIRI(target),
	})
}

// Unfollow drops the relationship actor -> target and sends Undo{Follow}.
func (o *Outbox) Unfollow(ctx context.Context, actor, target string) (*Publication, error) {
	var removed *domain.Relationship
	_, err := db.UpdateJSON(ctx, o.store, db.FollowersKey(target), func(s *domain.FollowerSet, _ bool) error {
		rel, ok := s.Entries[actor]
		if !ok {
			return fmt.Errorf("%w: %s does not follow %s", domain.ErrNotFound, actor, target)
		}
		removed = rel
		delete(s.Entries, actor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.Publish(ctx, &Undo{
		Envelope: Envelope{Type: KindUndo, Actor: actor, To: domain.IRIs{target}},
		Object:   Ref{ID: removed.ActivityID, Type: KindFollow, Actor: actor, Object: target, Embedded: true},
	})
}

// SendAccept publishes the Accept for an accepted relationship.
func (o *Outbox) SendAccept(ctx context.Context, rel *domain.Relationship) error {
	_, err := o.respond(ctx, KindAccept, rel)
	return err
}

func (o *Outbox) respond(ctx context.Context, kind Kind, rel *domain.Relationship) (*Publication, error) {
	env := Envelope{ID: o.derivedID(kind, rel.ActivityID), Type: kind, Actor: rel.Followee, To: domain.IRIs{rel.Follower}}
	ref := Ref{ID: rel.ActivityID, Type: KindFollow, Actor: rel.Follower, Object: rel.Followee, Embedded: true}
	if kind == KindReject {
		return o.Publish(ctx, &Reject{Envelope: env, Object: ref})
	}
	return o.Publish(ctx, &Accept{Envelope: env, Object: ref})
}

// AcceptFollow approves a pending follow of followee.
func (o *Outbox) AcceptFollow(ctx context.Context, followee, follower string) (*Publication, error) {
	rel, err := o.answer(ctx, followee, follower, domain.RelationshipAccepted)
	if err != nil {
		return nil, err
	}
	return o.respond(ctx, KindAccept, rel)
}

// RejectFollow refuses a pending follow or removes an accepted follower.
func (o *Outbox) RejectFollow(ctx context.Context, followee, follower string) (*Publication, error) {
	rel, err := o.answer(ctx, followee, follower, domain.RelationshipRejected)
	if err != nil {
		return nil, err
	}
	return o.respond(ctx, KindReject, rel)
}

func (o *Outbox) answer(ctx context.Context, followee, follower string, to domain.RelationshipState) (*domain.Relationship, error) {
	set, err := db.UpdateJSON(ctx, o.store, db.FollowersKey(followee), func(s *domain.FollowerSet, _ bool) error {
		rel, ok := s.Entries[follower]
		if !ok {
			return fmt.Errorf("%w: no follow from %s", domain.ErrNotFound, follower)
		}
		if rel.State != domain.RelationshipPending && !(to == domain.RelationshipRejected && rel.State == domain.RelationshipAccepted) {
			return fmt.Errorf("%w: follow from %s is %s", domain.ErrConflict, follower, rel.State)
		}
		rel.State = to
		rel.UpdatedAt = o.clock.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set.Entries[follower], nil
}

// NoteOptions shape a new note.
type NoteOptions struct {
	Summary   string
	InReplyTo string
	// Mentions are extra actors the note is addressed to.
	Mentions []string
	// Direct limits delivery to Mentions.
	Direct bool
}

// CreateNote renders markdown to HTML, stores the note and publishes
// Create{Note}.
func (o *Outbox) CreateNote(ctx context.Context, actor, markdown string, opts NoteOptions) (*Publication, error) {
	sender, err := o.directory.LocalActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("%w: empty note", domain.ErrBadActivity)
	}
	var buf bytes.Buffer
	if err := o.markdown.Convert([]byte(markdown), &buf); err != nil {
		return nil, fmt.Errorf("failed to render note: %w", err)
	}

	now := o.clock.Now().UTC()
	to, cc := domain.IRIs{PublicCollection}, domain.IRIs{sender.Followers}
	if opts.Direct {
		to, cc = nil, nil
	}
	to = append(to, opts.Mentions...)

	note := &domain.Object{
		ID:           o.newObjectID(),
		Type:         "Note",
		AttributedTo: sender.ID,
		Content:      strings.TrimSpace(buf.String()),
		Summary:      opts.Summary,
		InReplyTo:    opts.InReplyTo,
		To:           to,
		Cc:           cc,
		Published:    &now,
	}
	note.URL = note.ID
	if err := db.PutJSON(ctx, o.store, db.ObjectKey(note.ID), note); err != nil {
		return nil, err
	}
	return o.Publish(ctx, &Create{
		Envelope: Envelope{Type: KindCreate, Actor: sender.ID, Published: &now, To: to, Cc: cc},
		Object:   note,
	})
}

// Like likes a known object on behalf of actor.
func (o *Outbox) Like(ctx context.Context, actor, object string) (*Publication, error) {
	id := o.NewID()
	var owner string
	_, err := db.UpdateJSON(ctx, o.store, db.ObjectKey(object), func(obj *domain.Object, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, object)
		}
		if obj.IsTombstone() {
			return fmt.Errorf("%w: %s was deleted", domain.ErrGone, object)
		}
		owner = obj.AttributedTo
		if _, ok := obj.Likes[actor]; ok {
			return fmt.Errorf("%w: %s already liked %s", domain.ErrConflict, actor, object)
		}
		if obj.Likes == nil {
			obj.Likes = make(map[string]string)
		}
		obj.Likes[actor] = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.Publish(ctx, &Like{
		Envelope: Envelope{ID: id, Type: KindLike, Actor: actor, To: domain.IRIs{owner}},
		Object:   ObjectIRI(object),
	})
}

// Announce boosts a known object to actor's followers.
func (o *Outbox) Announce(ctx context.Context, actor, object string) (*Publication, error) {
	sender, err := o.directory.LocalActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	obj, ok, err := db.GetJSON[domain.Object](ctx, o.store, db.ObjectKey(object))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, object)
	}
	if obj.IsTombstone() {
		return nil, fmt.Errorf("%w: %s was deleted", domain.ErrGone, object)
	}

	id := o.NewID()
	_, err = db.UpdateJSON(ctx, o.store, db.AnnouncesKey(object), func(s *domain.AnnounceSet, _ bool) error {
		s.Object = object
		if s.Boosts == nil {
			s.Boosts = make(map[string]domain.Boost)
		}
		if _, ok := s.Boosts[actor]; ok {
			return fmt.Errorf("%w: %s already announced %s", domain.ErrConflict, actor, object)
		}
		s.Boosts[actor] = domain.Boost{Actor: actor, ActivityID: id, At: o.clock.Now().UTC()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.Publish(ctx, &Announce{
		Envelope: Envelope{ID: id, Type: KindAnnounce, Actor: actor, To: domain.IRIs{PublicCollection}, Cc: domain.IRIs{sender.Followers, obj.AttributedTo}},
		Object:   ObjectIRI(object),
	})
}

// DeleteObject tombstones a note of actor and publishes Delete.
func (o *Outbox) DeleteObject(ctx context.Context, actor, object string) (*Publication, error) {
	sender, err := o.directory.LocalActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	var audience domain.IRIs
	_, err = db.UpdateJSON(ctx, o.store, db.ObjectKey(object), func(obj *domain.Object, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, object)
		}
		if obj.AttributedTo != sender.ID {
			return fmt.Errorf("%w: %s does not own %s", domain.ErrConflict, actor, object)
		}
		if obj.IsTombstone() {
			return fmt.Errorf("%w: %s was deleted", domain.ErrGone, object)
		}
		audience = append(append(audience, obj.To...), obj.Cc...)
		obj.Tombstone(o.clock.Now().UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.Publish(ctx, &Delete{
		Envelope: Envelope{Type: KindDelete, Actor: sender.ID, To: audience},
		Object:   ObjectIRI(object),
	})
}
