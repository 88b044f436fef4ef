// Package catalyst is the top-level SDK facade: it wires the store,
// cache, IdP, policy, identity-composer, forward-auth, audit, and
// webhook packages into a single handle an embedding program (or
// cmd/catalystd) can construct once and call into for every concern.
package catalyst

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/audit"
	"github.com/ccollier86/catalyst-auth/pkg/cache"
	"github.com/ccollier86/catalyst-auth/pkg/forwardauth"
	"github.com/ccollier86/catalyst-auth/pkg/identity"
	"github.com/ccollier86/catalyst-auth/pkg/idp"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/policy"
	"github.com/ccollier86/catalyst-auth/pkg/store"
	"github.com/ccollier86/catalyst-auth/pkg/webhook"
)

// Dependencies bundles every port/adapter a Catalyst instance needs.
// Cache is optional (a nil Cache disables decision caching but the
// service still evaluates policy on every call).
type Dependencies struct {
	Stores     *store.Stores
	Cache      cache.Cache
	IdP        idp.Port
	Policy     policy.Engine
	Clock      func() time.Time
}

// Catalyst is the SDK entry point. It holds the forward-auth service,
// the identity composer, the webhook dispatcher/worker, and the audit
// recorder, each built from the same Dependencies.
type Catalyst struct {
	Stores     *store.Stores
	Composer   *identity.Composer
	Service    *forwardauth.Service
	Audit      *audit.Recorder
	Dispatcher *webhook.Dispatcher
	Worker     *webhook.Worker
	clock      func() time.Time
}

// New builds a Catalyst from Dependencies, wiring the composer and
// forward-auth service per spec §4.1/§4.3 and the webhook dispatch
// pipeline per spec §4.5.
func New(deps Dependencies) *Catalyst {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	composer := identity.New(deps.Stores)
	recorder := audit.New(deps.Stores.Audit)
	dispatcher := webhook.NewDispatcher(deps.Stores.Subscriptions, deps.Stores.Deliveries)
	dispatcher.Clock = clock
	worker := webhook.NewWorker(deps.Stores.Subscriptions, deps.Stores.Deliveries)
	worker.Clock = clock

	svc := forwardauth.New(forwardauth.Service{
		Cache:    deps.Cache,
		IdP:      deps.IdP,
		Keys:     deps.Stores.Keys,
		Sessions: deps.Stores.Sessions,
		Composer: composer,
		Policy:   deps.Policy,
		Audit:    deps.Stores.Audit,
		Clock:    clock,
	})

	return &Catalyst{
		Stores:     deps.Stores,
		Composer:   composer,
		Service:    svc,
		Audit:      recorder,
		Dispatcher: dispatcher,
		Worker:     worker,
		clock:      clock,
	}
}

func (c *Catalyst) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// HandleForwardAuth runs the forward-auth decision pipeline for a
// single proxied request (spec §4.1). This is the hot path the reverse
// proxy's auth hook calls on every request.
func (c *Catalyst) HandleForwardAuth(ctx context.Context, req forwardauth.Request) forwardauth.Response {
	return c.Service.Handle(ctx, req)
}

// IssueKeyRequest is the input to IssueKey.
type IssueKeyRequest struct {
	Owner       idtypes.KeyOwner
	Secret      string // the raw key material; Catalyst only ever stores its hash
	Name        string
	Description string
	CreatedBy   string
	ExpiresAt   *time.Time
	Scopes      []string
	Labels      idtypes.Labels
}

// IssueKey hashes the caller-supplied secret and persists a new active
// key record (spec §4.4). The raw secret is never stored or logged;
// callers are responsible for returning it to the key holder exactly
// once, at issuance.
func (c *Catalyst) IssueKey(ctx context.Context, req IssueKeyRequest) (*idtypes.Key, error) {
	if req.Secret == "" {
		return nil, catalysterr.InvalidArgument("secret must not be empty")
	}
	now := c.now()
	k := &idtypes.Key{
		ID:          uuid.NewString(),
		Hash:        forwardauth.DefaultConfig().KeyHash(req.Secret),
		Owner:       req.Owner,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
		Scopes:      req.Scopes,
		Labels:      req.Labels,
	}
	created, err := c.Stores.Keys.IssueKey(ctx, k)
	if err != nil {
		return nil, err
	}

	c.Audit.Record(ctx, now, "key", "issued",
		idtypes.Labels{"actor": req.CreatedBy},
		idtypes.Labels{"ownerKind": string(req.Owner.Kind), "ownerId": req.Owner.ID},
		idtypes.Labels{"keyId": created.ID},
		nil, "")
	return created, nil
}

// RevokeKey revokes an API key and records the revocation in the audit
// log (spec §4.4). Revocation is idempotent: revoking an already-revoked
// key succeeds and re-stamps the reason/actor.
func (c *Catalyst) RevokeKey(ctx context.Context, id, revokedBy, reason string) (*idtypes.Key, error) {
	now := c.now()
	k, err := c.Stores.Keys.RevokeKey(ctx, id, revokedBy, reason, now)
	if err != nil {
		return nil, err
	}
	c.Audit.Record(ctx, now, "key", "revoked",
		idtypes.Labels{"actor": revokedBy},
		idtypes.Labels{"ownerKind": string(k.Owner.Kind), "ownerId": k.Owner.ID},
		idtypes.Labels{"keyId": k.ID, "reason": reason},
		nil, "")
	return k, nil
}

// BuildEffectiveIdentity exposes the composer directly for callers
// (e.g. an admin API) that need an EffectiveIdentity outside the
// forward-auth hot path.
func (c *Catalyst) BuildEffectiveIdentity(ctx context.Context, req identity.Request) (*idtypes.EffectiveIdentity, error) {
	return c.Composer.Build(ctx, req)
}

// GrantEntitlement records a new entitlement grant (spec §4.3) and
// audits it.
func (c *Catalyst) GrantEntitlement(ctx context.Context, e *idtypes.Entitlement, actor string) (*idtypes.Entitlement, error) {
	now := c.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	granted, err := c.Stores.Entitlements.GrantEntitlement(ctx, e)
	if err != nil {
		return nil, err
	}
	c.Audit.Record(ctx, now, "entitlement", "granted",
		idtypes.Labels{"actor": actor},
		idtypes.Labels{"subjectKind": string(granted.SubjectKind), "subjectId": granted.SubjectID},
		idtypes.Labels{"entitlement": granted.Entitlement},
		nil, "")
	return granted, nil
}

// DispatchEvent fans a domain event out to every matching active
// webhook subscription (spec §4.5). eventType is also embedded in the
// payload under "type" so the delivery worker can report it without a
// separate lookup.
func (c *Catalyst) DispatchEvent(ctx context.Context, orgID, eventType string, data map[string]any) ([]*idtypes.WebhookDelivery, error) {
	payload := map[string]any{"type": eventType}
	for k, v := range data {
		payload[k] = v
	}
	return c.Dispatcher.Dispatch(ctx, orgID, eventType, payload)
}

// RunWebhookWorkerOnce drains a single batch of due webhook deliveries.
// Embedding programs that don't want the background Run loop (e.g. a
// cron-triggered batch job) call this directly.
func (c *Catalyst) RunWebhookWorkerOnce(ctx context.Context) (webhook.Summary, error) {
	return c.Worker.RunOnce(ctx)
}

// RunWebhookWorker blocks, polling and delivering webhooks until ctx is
// canceled (spec §4.5/§5).
func (c *Catalyst) RunWebhookWorker(ctx context.Context) {
	c.Worker.Run(ctx)
}
