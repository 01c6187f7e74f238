package reconcile

import (
	"context"
	"fmt"
	"strings"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/logger"
	"golang.org/x/sync/errgroup"
)

// FailedChange describes one ledger entry the gateway rejected.
type FailedChange struct {
	ChangeID    string `json:"changeId"`
	Target      string `json:"target"`
	Description string `json:"description"`
	Error       string `json:"error"`
}

// SaveResult is the terminal outcome of a commit.
type SaveResult struct {
	SuccessCount  int            `json:"successCount"`
	TotalCount    int            `json:"totalCount"`
	FailedChanges []FailedChange `json:"failedChanges"`
	// Applied lists the changes the gateway accepted, in ledger order.
	Applied []Change `json:"-"`
}

func (r SaveResult) OK() bool {
	return len(r.FailedChanges) == 0
}

func (r SaveResult) failedIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(r.FailedChanges))
	for _, failed := range r.FailedChanges {
		ids[failed.ChangeID] = struct{}{}
	}
	return ids
}

// Committer submits ledger entries to the gateway one operation per entry.
// Entries are independent: a rejected entry never aborts its siblings.
type Committer struct {
	gateway     Gateway
	concurrency int
}

func NewCommitter(gateway Gateway, concurrency int) *Committer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Committer{gateway: gateway, concurrency: concurrency}
}

type outcome struct {
	change Change
	err    error
}

func (c *Committer) Commit(ctx context.Context, resource Resource, changes []Change) SaveResult {
	result := SaveResult{TotalCount: len(changes), FailedChanges: []FailedChange{}}
	if len(changes) == 0 {
		return result
	}

	outcomes := make([]outcome, len(changes))
	for i, change := range changes {
		outcomes[i].change = change
	}

	// Resolve email adds up front so unknown accounts fail without a write.
	known, checkErr := c.checkIdentities(ctx, changes)
	for i, change := range changes {
		entry, ok := EntryOf(change)
		if !ok || entry.Type != grants.SubjectEmail {
			continue
		}
		if checkErr != nil {
			outcomes[i].err = fmt.Errorf("check identities: %w", checkErr)
			continue
		}
		existence, found := known[entry.Identifier]
		if !found || !existence.Exists {
			outcomes[i].err = ErrUnknownIdentity
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)
	for i := range outcomes {
		if outcomes[i].err != nil {
			continue
		}
		slot := &outcomes[i]
		group.Go(func() error {
			slot.err = c.apply(gctx, resource, slot.change, known)
			return nil
		})
	}
	_ = group.Wait()

	log := logger.With("reconcile")
	for _, o := range outcomes {
		if o.err == nil {
			result.SuccessCount++
			result.Applied = append(result.Applied, o.change)
			continue
		}
		log.Warn().
			Str("resource", resource.String()).
			Str("change_id", o.change.ChangeID()).
			Str("kind", string(o.change.Kind())).
			Err(o.err).
			Msg("change rejected")
		result.FailedChanges = append(result.FailedChanges, FailedChange{
			ChangeID:    o.change.ChangeID(),
			Target:      o.change.Target(),
			Description: Describe(o.change),
			Error:       o.err.Error(),
		})
	}
	return result
}

func (c *Committer) checkIdentities(ctx context.Context, changes []Change) (map[string]Existence, error) {
	var emails []string
	for _, change := range changes {
		if entry, ok := EntryOf(change); ok && entry.Type == grants.SubjectEmail {
			emails = append(emails, entry.Identifier)
		}
	}
	known := make(map[string]Existence, len(emails))
	if len(emails) == 0 {
		return known, nil
	}
	results, err := c.gateway.CheckIdentitiesExist(ctx, emails)
	if err != nil {
		return nil, err
	}
	for _, existence := range results {
		known[strings.ToLower(strings.TrimSpace(existence.Email))] = existence
	}
	return known, nil
}

func (c *Committer) apply(ctx context.Context, resource Resource, change Change, known map[string]Existence) error {
	switch ch := change.(type) {
	case AddMember, AddGrant:
		entry, _ := EntryOf(ch)
		if existence, ok := known[entry.Identifier]; ok {
			if entry.UserID == "" {
				entry.UserID = existence.UserID
			}
			if entry.Name == "" {
				entry.Name = existence.Name
			}
		}
		added, err := c.gateway.AddMembers(ctx, resource, []grants.Entry{entry})
		if err != nil {
			return err
		}
		for _, got := range added {
			if grants.NormalizeIdentifier(got.Type, got.Identifier) == entry.Identifier {
				return nil
			}
		}
		return ErrNotAdded
	case RemoveMember:
		return c.gateway.RemoveMember(ctx, resource, ch.Target())
	case RemoveGrant:
		return c.gateway.RemoveMember(ctx, resource, ch.Target())
	case ChangeRole:
		return c.gateway.SetRole(ctx, resource, ch.Target(), ch.NewRole)
	default:
		return fmt.Errorf("reconcile: unknown change type %T", change)
	}
}
