package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ProcessState is the stage an inbound activity reached.
type ProcessState string

const (
	StateReceived  ProcessState = "Received"
	StateVerified  ProcessState = "Verified"
	StateValidated ProcessState = "Validated"
	StateApplied   ProcessState = "Applied"
	StateRejected  ProcessState = "Rejected"
)

// FollowPolicy decides the initial state of an inbound follow.
type FollowPolicy interface {
	Decide(ctx context.Context, followee *domain.Actor, follower string) domain.RelationshipState
}

// AutoAccept accepts every follow unless the followee approves followers
// manually.
type AutoAccept struct{}

func (AutoAccept) Decide(_ context.Context, followee *domain.Actor, _ string) domain.RelationshipState {
	if followee.ManuallyApprovesFollowers {
		return domain.RelationshipPending
	}
	return domain.RelationshipAccepted
}

// ManualApproval leaves every follow pending.
type ManualApproval struct{}

func (ManualApproval) Decide(context.Context, *domain.Actor, string) domain.RelationshipState {
	return domain.RelationshipPending
}

// FollowResponder publishes the Accept for a follow accepted on arrival.
type FollowResponder interface {
	SendAccept(ctx context.Context, rel *domain.Relationship) error
}

// InstancePolicy restricts which remote hosts may deliver to the inbox.
type InstancePolicy struct {
	Blocked   []string
	AllowList bool
	Allowed   []string
}

// Permits reports whether activities from host are accepted.
func (p InstancePolicy) Permits(host string) bool {
	host = strings.ToLower(host)
	for _, b := range p.Blocked {
		if matchesHost(host, b) {
			return false
		}
	}
	if !p.AllowList {
		return true
	}
	for _, a := range p.Allowed {
		if matchesHost(host, a) {
			return true
		}
	}
	return false
}

// matchesHost matches host against pattern, which also covers subdomains.
func matchesHost(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

type InboxRequest struct {
	// Receiver is the local actor whose inbox was posted to, empty for the
	// shared inbox.
	Receiver string
	Request  *http.Request
	Body     []byte
}

type InboxResult struct {
	State     ProcessState
	Activity  Activity
	Actor     string
	Receivers []string
	// Duplicate is set when every receiver had already applied the activity.
	Duplicate bool
}

type InboxOptions struct {
	Policy    FollowPolicy
	Instances InstancePolicy
}

// InboxProcessor authenticates, validates and applies inbound activities.
type InboxProcessor struct {
	store     db.Store
	verifier  *Verifier
	resolver  *Resolver
	directory *Directory
	responder FollowResponder
	policy    FollowPolicy
	instances InstancePolicy
	clock     clockwork.Clock
	log       *zap.Logger
}

func NewInboxProcessor(store db.Store, verifier *Verifier, resolver *Resolver, directory *Directory, responder FollowResponder, clk clockwork.Clock, opts InboxOptions, log *zap.Logger) *InboxProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = AutoAccept{}
	}
	return &InboxProcessor{
		store:     store,
		verifier:  verifier,
		resolver:  resolver,
		directory: directory,
		responder: responder,
		policy:    opts.Policy,
		instances: opts.Instances,
		clock:     clk,
		log:       log,
	}
}

// Process runs one delivery through the inbox state machine. A non-nil error
// wraps one of the domain sentinels; the result is always non-nil.
func (p *InboxProcessor) Process(ctx context.Context, in InboxRequest) (*InboxResult, error) {
	res := &InboxResult{State: StateReceived}

	// blocked instances are turned away before their keys are fetched
	if host := hostOf(signatureKeyID(in.Request)); host != "" && !p.instances.Permits(host) {
		return p.reject(res, fmt.Errorf("%w: instance %s is not permitted", domain.ErrUnauthorized, host))
	}

	auth, err := p.verifier.Verify(ctx, in.Request, in.Body)
	if err != nil {
		return p.reject(res, err)
	}
	res.State = StateVerified
	res.Actor = auth.Actor

	if host := hostOf(auth.Actor); !p.instances.Permits(host) {
		return p.reject(res, fmt.Errorf("%w: instance %s is not permitted", domain.ErrUnauthorized, host))
	}

	a, err := ParseActivity(in.Body)
	if err != nil {
		return p.reject(res, err)
	}
	res.Activity = a
	if err := p.validate(a, auth); err != nil {
		return p.reject(res, err)
	}
	res.State = StateValidated

	h := a.Header()
	p.log.Info("Inbox received activity", zap.String("type", string(h.Type)), zap.String("id", h.ID), zap.String("actor", h.Actor))

	receivers, err := p.receivers(ctx, in.Receiver, a)
	if err != nil {
		return p.reject(res, err)
	}
	res.Receivers = receivers

	if err := p.record(ctx, a, in.Body); err != nil {
		return p.reject(res, err)
	}

	applied := 0
	for _, receiver := range receivers {
		rkey := db.ReceiptKey(receiver, h.ID)
		if _, seen, err := p.store.Get(ctx, rkey); err != nil {
			return p.reject(res, err)
		} else if seen {
			continue
		}
		if err := p.apply(ctx, receiver, a); err != nil {
			return p.reject(res, err)
		}
		if err := db.PutJSON(ctx, p.store, rkey, &domain.Receipt{Receiver: receiver, ActivityID: h.ID, AppliedAt: p.clock.Now().UTC()}); err != nil {
			return p.reject(res, err)
		}
		applied++
	}
	res.Duplicate = applied == 0
	if res.Duplicate {
		p.log.Debug("Inbox ignored duplicate", zap.String("id", h.ID))
	}
	res.State = StateApplied
	return res, nil
}

func (p *InboxProcessor) reject(res *InboxResult, err error) (*InboxResult, error) {
	res.State = StateRejected
	if errors.Is(err, domain.ErrFatal) {
		p.log.Error("Inbox failed", zap.String("actor", res.Actor), zap.Error(err))
	} else {
		p.log.Debug("Inbox rejected activity", zap.String("actor", res.Actor), zap.Error(err))
	}
	return res, err
}

func (p *InboxProcessor) validate(a Activity, auth *Authenticated) error {
	h := a.Header()
	if h.ID == "" || h.Type == "" || h.Actor == "" {
		return fmt.Errorf("%w: id, type and actor are required", domain.ErrBadActivity)
	}
	for _, iri := range []string{h.ID, h.Actor} {
		if !isAbsoluteIRI(iri) {
			return fmt.Errorf("%w: %q is not an absolute IRI", domain.ErrBadActivity, iri)
		}
	}
	if h.Actor != auth.Actor {
		return fmt.Errorf("%w: actor %s does not match signer %s", domain.ErrBadActivity, h.Actor, auth.Actor)
	}
	if !sameOrigin(h.ID, h.Actor) {
		return fmt.Errorf("%w: activity %s is not hosted by %s", domain.ErrBadActivity, h.ID, hostOf(h.Actor))
	}

	switch v := a.(type) {
	case *Follow, *Like, *Announce:
		if !isAbsoluteIRI(objectOf(a)) {
			return fmt.Errorf("%w: %s needs an object IRI", domain.ErrBadActivity, h.Type)
		}
	case *Delete:
		if !isAbsoluteIRI(string(v.Object)) {
			return fmt.Errorf("%w: Delete needs an object IRI", domain.ErrBadActivity)
		}
		if !sameOrigin(string(v.Object), h.Actor) {
			return fmt.Errorf("%w: %s cannot delete %s", domain.ErrBadActivity, h.Actor, v.Object)
		}
	case *Accept:
		return validateRef(h, &v.Object)
	case *Reject:
		return validateRef(h, &v.Object)
	case *Undo:
		if err := validateRef(h, &v.Object); err != nil {
			return err
		}
		if v.Object.Embedded && v.Object.Actor != "" && v.Object.Actor != h.Actor {
			return fmt.Errorf("%w: %s cannot undo an activity of %s", domain.ErrBadActivity, h.Actor, v.Object.Actor)
		}
	case *Create:
		return validateObject(h, v.Object)
	case *Update:
		if v.Object != nil && actorTypes[v.Object.Type] {
			if v.Object.ID != h.Actor {
				return fmt.Errorf("%w: %s cannot update actor %s", domain.ErrBadActivity, h.Actor, v.Object.ID)
			}
			return nil
		}
		return validateObject(h, v.Object)
	}
	return nil
}

func validateRef(h *Envelope, ref *Ref) error {
	if ref.ID == "" && !(ref.Embedded && ref.Type != "") {
		return fmt.Errorf("%w: %s needs an object", domain.ErrBadActivity, h.Type)
	}
	return nil
}

func validateObject(h *Envelope, obj *domain.Object) error {
	if obj == nil || !isAbsoluteIRI(obj.ID) {
		return fmt.Errorf("%w: %s needs an embedded object with an id", domain.ErrBadActivity, h.Type)
	}
	if !sameOrigin(obj.ID, h.Actor) {
		return fmt.Errorf("%w: object %s is not hosted by %s", domain.ErrBadActivity, obj.ID, hostOf(h.Actor))
	}
	if obj.AttributedTo != "" && obj.AttributedTo != h.Actor {
		return fmt.Errorf("%w: object %s is attributed to %s", domain.ErrBadActivity, obj.ID, obj.AttributedTo)
	}
	return nil
}

// receivers returns the local actors an activity is applied for. When none
// is addressed the instance itself, named by its shared inbox, receives it.
func (p *InboxProcessor) receivers(ctx context.Context, receiver string, a Activity) ([]string, error) {
	if receiver != "" {
		if _, err := p.directory.LocalActor(ctx, receiver); err != nil {
			return nil, err
		}
		return []string{receiver}, nil
	}

	h := a.Header()
	set := make(map[string]bool)
	addLocal := func(iri string) error {
		if iri == "" || set[iri] || !p.directory.IsLocal(iri) {
			return nil
		}
		_, err := p.directory.LocalActor(ctx, iri)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		set[iri] = true
		return nil
	}

	candidates := h.Addressed()
	switch v := a.(type) {
	case *Follow:
		candidates = append(candidates, string(v.Object))
	case *Accept:
		candidates = append(candidates, v.Object.Actor)
	case *Reject:
		candidates = append(candidates, v.Object.Actor)
	case *Undo:
		if v.Object.Type == KindFollow {
			candidates = append(candidates, v.Object.Object)
		}
	}
	for _, iri := range candidates {
		if err := addLocal(iri); err != nil {
			return nil, err
		}
	}

	if p.addressesFollowers(ctx, h) {
		followers, _, err := db.GetJSON[domain.FollowerSet](ctx, p.store, db.FollowersKey(h.Actor))
		if err != nil {
			return nil, err
		}
		for _, f := range followers.Accepted() {
			if err := addLocal(f); err != nil {
				return nil, err
			}
		}
	}

	if len(set) == 0 {
		if owner := p.localOwner(ctx, objectOf(a)); owner != "" {
			set[owner] = true
		}
	}
	if len(set) == 0 {
		return []string{p.directory.SharedInbox()}, nil
	}
	out := make([]string, 0, len(set))
	for iri := range set {
		out = append(out, iri)
	}
	sort.Strings(out)
	return out, nil
}

// addressesFollowers reports whether the activity is public or addressed to
// the sender's followers collection.
func (p *InboxProcessor) addressesFollowers(ctx context.Context, h *Envelope) bool {
	sender, ok, err := db.GetJSON[domain.Actor](ctx, p.store, db.ActorKey(h.Actor))
	for _, iri := range h.Addressed() {
		if iri == PublicCollection || iri == "as:Public" || iri == "Public" {
			return true
		}
		if err == nil && ok && sender.Followers != "" && iri == sender.Followers {
			return true
		}
	}
	return false
}

// localOwner returns the local actor that owns object iri, if any.
func (p *InboxProcessor) localOwner(ctx context.Context, iri string) string {
	if iri == "" || !p.directory.IsLocal(iri) {
		return ""
	}
	obj, ok, err := db.GetJSON[domain.Object](ctx, p.store, db.ObjectKey(iri))
	if err != nil || !ok {
		return ""
	}
	return obj.AttributedTo
}

// record stores the activity once. Stored activities are never rewritten.
func (p *InboxProcessor) record(ctx context.Context, a Activity, body []byte) error {
	h := a.Header()
	doc, err := json.Marshal(&domain.StoredActivity{
		ID:         h.ID,
		Type:       string(h.Type),
		Actor:      h.Actor,
		Object:     objectOf(a),
		Raw:        body,
		ReceivedAt: p.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadActivity, err)
	}
	_, err = db.PutIfAbsent(ctx, p.store, db.ActivityKey(h.ID), doc)
	return err
}

func (p *InboxProcessor) apply(ctx context.Context, receiver string, a Activity) error {
	switch v := a.(type) {
	case *Follow:
		return p.handleFollow(ctx, v)
	case *Accept:
		return p.handleResponse(ctx, v.Header(), &v.Object, domain.RelationshipAccepted)
	case *Reject:
		return p.handleResponse(ctx, v.Header(), &v.Object, domain.RelationshipRejected)
	case *Create:
		return p.handleCreate(ctx, receiver, v)
	case *Update:
		return p.handleUpdate(ctx, v)
	case *Delete:
		return p.handleDelete(ctx, receiver, v)
	case *Like:
		return p.handleLike(ctx, v)
	case *Announce:
		return p.handleAnnounce(ctx, v)
	case *Undo:
		return p.handleUndo(ctx, v)
	default:
		h := a.Header()
		p.log.Info("Inbox ignored unsupported activity", zap.String("type", string(h.Type)), zap.String("id", h.ID))
		return nil
	}
}

func (p *InboxProcessor) handleFollow(ctx context.Context, f *Follow) error {
	followee, err := p.directory.LocalActor(ctx, string(f.Object))
	if err != nil {
		return err
	}
	decided := p.policy.Decide(ctx, followee, f.Actor)
	now := p.clock.Now().UTC()

	set, err := db.UpdateJSON(ctx, p.store, db.FollowersKey(followee.ID), func(s *domain.FollowerSet, _ bool) error {
		s.Followee = followee.ID
		if s.Entries == nil {
			s.Entries = make(map[string]*domain.Relationship)
		}
		if rel, ok := s.Entries[f.Actor]; ok {
			if rel.ActivityID == f.ID {
				return db.ErrUnchanged
			}
			// a repeated follow keeps an accepted relationship
			rel.ActivityID = f.ID
			if rel.State != domain.RelationshipAccepted {
				rel.State = decided
			}
			rel.UpdatedAt = now
			return nil
		}
		s.Entries[f.Actor] = &domain.Relationship{
			Follower:   f.Actor,
			Followee:   followee.ID,
			ActivityID: f.ID,
			State:      decided,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return err
	}
	rel := set.Entries[f.Actor]
	p.log.Info("Inbox follow", zap.String("follower", f.Actor), zap.String("followee", followee.ID), zap.String("state", string(rel.State)))

	if rel.State == domain.RelationshipAccepted && rel.ActivityID == f.ID && p.responder != nil {
		return p.responder.SendAccept(ctx, rel)
	}
	return nil
}

// findFollow resolves the follow an Accept, Reject or Undo refers to.
func (p *InboxProcessor) findFollow(ctx context.Context, ref *Ref) (follower, followee, id string, ok bool, err error) {
	if ref.Embedded && ref.Type == KindFollow && ref.Actor != "" && ref.Object != "" {
		return ref.Actor, ref.Object, ref.ID, true, nil
	}
	if ref.ID == "" {
		return "", "", "", false, nil
	}
	stored, found, err := db.GetJSON[domain.StoredActivity](ctx, p.store, db.ActivityKey(ref.ID))
	if err != nil || !found || stored.Type != string(KindFollow) {
		return "", "", "", false, err
	}
	return stored.Actor, stored.Object, stored.ID, true, nil
}

func (p *InboxProcessor) handleResponse(ctx context.Context, h *Envelope, ref *Ref, to domain.RelationshipState) error {
	follower, followee, _, ok, err := p.findFollow(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("Inbox response to unknown follow", zap.String("type", string(h.Type)), zap.String("object", ref.ID), zap.String("actor", h.Actor))
		return nil
	}
	if followee != h.Actor {
		return fmt.Errorf("%w: %s cannot answer a follow of %s", domain.ErrBadActivity, h.Actor, followee)
	}

	changed := false
	_, err = db.UpdateJSON(ctx, p.store, db.FollowersKey(followee), func(s *domain.FollowerSet, _ bool) error {
		rel, ok := s.Entries[follower]
		if !ok {
			return db.ErrUnchanged
		}
		switch {
		case rel.State == domain.RelationshipPending:
		case to == domain.RelationshipRejected && rel.State == domain.RelationshipAccepted:
		default:
			return db.ErrUnchanged
		}
		rel.State = to
		rel.UpdatedAt = p.clock.Now().UTC()
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		p.log.Warn("Inbox response without pending follow", zap.String("type", string(h.Type)), zap.String("follower", follower), zap.String("followee", followee))
		return nil
	}
	p.log.Info("Inbox follow answered", zap.String("follower", follower), zap.String("followee", followee), zap.String("state", string(to)))
	return nil
}

func (p *InboxProcessor) handleCreate(ctx context.Context, receiver string, c *Create) error {
	obj := *c.Object
	if obj.AttributedTo == "" {
		obj.AttributedTo = c.Actor
	}
	if obj.Published == nil {
		obj.Published = c.Published
	}
	obj.Likes = nil

	_, err := db.UpdateJSON(ctx, p.store, db.ObjectKey(obj.ID), func(o *domain.Object, exists bool) error {
		if exists {
			if o.IsTombstone() {
				return fmt.Errorf("%w: %s was deleted", domain.ErrGone, obj.ID)
			}
			return db.ErrUnchanged
		}
		*o = obj
		return nil
	})
	if err != nil {
		return err
	}

	if receiver == p.directory.SharedInbox() {
		return nil
	}
	_, err = db.UpdateJSON(ctx, p.store, db.CollectionKey(receiver), func(col *domain.Collection, _ bool) error {
		col.Owner = receiver
		if !col.Add(obj.ID) {
			return db.ErrUnchanged
		}
		return nil
	})
	return err
}

func (p *InboxProcessor) handleUpdate(ctx context.Context, u *Update) error {
	if actorTypes[u.Object.Type] {
		return p.resolver.Invalidate(ctx, u.Actor)
	}
	now := p.clock.Now().UTC()
	_, err := db.UpdateJSON(ctx, p.store, db.ObjectKey(u.Object.ID), func(o *domain.Object, exists bool) error {
		if !exists {
			p.log.Debug("Inbox update of unknown object", zap.String("object", u.Object.ID))
			return db.ErrUnchanged
		}
		if o.IsTombstone() {
			return fmt.Errorf("%w: %s was deleted", domain.ErrGone, o.ID)
		}
		if o.AttributedTo != u.Actor {
			return fmt.Errorf("%w: %s does not own %s", domain.ErrBadActivity, u.Actor, o.ID)
		}
		likes, published := o.Likes, o.Published
		*o = *u.Object
		o.AttributedTo = u.Actor
		o.Likes = likes
		o.Published = published
		if o.Updated == nil {
			o.Updated = &now
		}
		return nil
	})
	return err
}

func (p *InboxProcessor) handleDelete(ctx context.Context, receiver string, d *Delete) error {
	target := string(d.Object)
	if target == d.Actor {
		if err := p.resolver.Invalidate(ctx, d.Actor); err != nil {
			return err
		}
		if receiver == p.directory.SharedInbox() {
			return nil
		}
		_, err := db.UpdateJSON(ctx, p.store, db.FollowersKey(receiver), func(s *domain.FollowerSet, _ bool) error {
			if _, ok := s.Entries[d.Actor]; !ok {
				return db.ErrUnchanged
			}
			delete(s.Entries, d.Actor)
			return nil
		})
		return err
	}

	now := p.clock.Now().UTC()
	_, err := db.UpdateJSON(ctx, p.store, db.ObjectKey(target), func(o *domain.Object, exists bool) error {
		if !exists {
			// remember the deletion so a late Create is refused
			*o = domain.Object{ID: target, AttributedTo: d.Actor}
			o.Tombstone(now)
			return nil
		}
		if o.IsTombstone() {
			return db.ErrUnchanged
		}
		if o.AttributedTo != d.Actor {
			return fmt.Errorf("%w: %s does not own %s", domain.ErrBadActivity, d.Actor, target)
		}
		o.Tombstone(now)
		return nil
	})
	if err == nil {
		p.log.Info("Inbox deleted object", zap.String("object", target))
	}
	return err
}

func (p *InboxProcessor) handleLike(ctx context.Context, l *Like) error {
	target := string(l.Object)
	_, err := db.UpdateJSON(ctx, p.store, db.ObjectKey(target), func(o *domain.Object, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, target)
		}
		if o.IsTombstone() {
			return fmt.Errorf("%w: %s was deleted", domain.ErrGone, target)
		}
		if _, liked := o.Likes[l.Actor]; liked {
			return db.ErrUnchanged
		}
		if o.Likes == nil {
			o.Likes = make(map[string]string)
		}
		o.Likes[l.Actor] = l.ID
		return nil
	})
	return err
}

func (p *InboxProcessor) handleAnnounce(ctx context.Context, a *Announce) error {
	target := string(a.Object)
	_, err := db.UpdateJSON(ctx, p.store, db.AnnouncesKey(target), func(s *domain.AnnounceSet, _ bool) error {
		s.Object = target
		if s.Boosts == nil {
			s.Boosts = make(map[string]domain.Boost)
		}
		if b, ok := s.Boosts[a.Actor]; ok && b.ActivityID == a.ID {
			return db.ErrUnchanged
		}
		s.Boosts[a.Actor] = domain.Boost{Actor: a.Actor, ActivityID: a.ID, At: p.clock.Now().UTC()}
		return nil
	})
	return err
}

func (p *InboxProcessor) handleUndo(ctx context.Context, u *Undo) error {
	kind, actor, object, id := u.Object.Type, u.Object.Actor, u.Object.Object, u.Object.ID
	if u.Object.ID != "" {
		stored, ok, err := db.GetJSON[domain.StoredActivity](ctx, p.store, db.ActivityKey(u.Object.ID))
		if err != nil {
			return err
		}
		if ok {
			kind, actor, object, id = Kind(stored.Type), stored.Actor, stored.Object, stored.ID
		}
	}
	if kind == "" {
		p.log.Debug("Inbox undo of unknown activity", zap.String("object", u.Object.ID))
		return nil
	}
	if actor != "" && actor != u.Actor {
		return fmt.Errorf("%w: %s cannot undo an activity of %s", domain.ErrBadActivity, u.Actor, actor)
	}

	switch kind {
	case KindFollow:
		_, err := db.UpdateJSON(ctx, p.store, db.FollowersKey(object), func(s *domain.FollowerSet, _ bool) error {
			rel, ok := s.Entries[u.Actor]
			if !ok || (id != "" && rel.ActivityID != "" && rel.ActivityID != id) {
				return db.ErrUnchanged
			}
			delete(s.Entries, u.Actor)
			return nil
		})
		if err == nil {
			p.log.Info("Inbox unfollow", zap.String("follower", u.Actor), zap.String("followee", object))
		}
		return err
	case KindLike:
		_, err := db.UpdateJSON(ctx, p.store, db.ObjectKey(object), func(o *domain.Object, exists bool) error {
			if !exists || o.IsTombstone() {
				return db.ErrUnchanged
			}
			likeID, liked := o.Likes[u.Actor]
			if !liked || (id != "" && likeID != "" && likeID != id) {
				return db.ErrUnchanged
			}
			delete(o.Likes, u.Actor)
			return nil
		})
		return err
	case KindAnnounce:
		_, err := db.UpdateJSON(ctx, p.store, db.AnnouncesKey(object), func(s *domain.AnnounceSet, _ bool) error {
			b, ok := s.Boosts[u.Actor]
			if !ok || (id != "" && b.ActivityID != id) {
				return db.ErrUnchanged
			}
			delete(s.Boosts, u.Actor)
			return nil
		})
		return err
	default:
		p.log.Debug("Inbox undo has no effect", zap.String("kind", string(kind)))
		return nil
	}
}

func isAbsoluteIRI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func hostOf(iri string) string {
	u, err := url.Parse(iri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// sameOrigin compares host and port of two IRIs.
func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	return err == nil && strings.EqualFold(ua.Host, ub.Host)
}
