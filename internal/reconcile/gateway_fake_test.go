package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
)

// fakeGateway keeps members per resource in memory and can fail or block
// individual calls.
type fakeGateway struct {
	mu       sync.Mutex
	members  map[Resource][]grants.Entry
	accounts map[string]Existence
	fail     map[string]error
	calls    []string

	checkErr error
	fetchErr error

	// started receives once per write call; release gates every write.
	// Writes fail with the context error once ctx is done.
	started chan string
	release chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		members:  make(map[Resource][]grants.Entry),
		accounts: make(map[string]Existence),
		fail:     make(map[string]error),
	}
}

func (g *fakeGateway) seed(resource Resource, entries ...grants.Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, entry := range entries {
		entry = grants.Normalize(entry)
		g.members[resource] = append(g.members[resource], entry)
		if entry.Type == grants.SubjectEmail {
			g.accounts[entry.Identifier] = Existence{Email: entry.Identifier, Exists: true, UserID: entry.UserID, Name: entry.Name}
		}
	}
}

func (g *fakeGateway) account(email, userID, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[email] = Existence{Email: email, Exists: true, UserID: userID, Name: name}
}

func (g *fakeGateway) failOn(target string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[target] = err
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) record(ctx context.Context, call string, target string) error {
	if g.started != nil {
		g.started <- target
	}
	if g.release != nil {
		<-g.release
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call+" "+target)
	return g.fail[target]
}

func (g *fakeGateway) FetchMembers(_ context.Context, resource Resource) ([]grants.Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return append([]grants.Entry(nil), g.members[resource]...), nil
}

func (g *fakeGateway) AddMembers(ctx context.Context, resource Resource, entries []grants.Entry) ([]grants.Entry, error) {
	var added []grants.Entry
	for _, entry := range entries {
		if err := g.record(ctx, "add", entry.Identifier); err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.members[resource] = append(g.members[resource], entry)
		g.mu.Unlock()
		added = append(added, entry)
	}
	return added, nil
}

func (g *fakeGateway) RemoveMember(ctx context.Context, resource Resource, identifier string) error {
	if err := g.record(ctx, "remove", identifier); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.members[resource][:0]
	for _, entry := range g.members[resource] {
		if entry.Identifier != identifier {
			kept = append(kept, entry)
		}
	}
	g.members[resource] = kept
	return nil
}

func (g *fakeGateway) SetRole(ctx context.Context, resource Resource, identifier string, role rbac.Role) error {
	if err := g.record(ctx, "set-role", identifier); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, entry := range g.members[resource] {
		if entry.Identifier == identifier {
			g.members[resource][i].Role = role
			return nil
		}
	}
	return fmt.Errorf("no member %s", identifier)
}

func (g *fakeGateway) CheckIdentitiesExist(_ context.Context, emails []string) ([]Existence, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkErr != nil {
		return nil, g.checkErr
	}
	out := make([]Existence, 0, len(emails))
	for _, email := range emails {
		key := strings.ToLower(email)
		if existence, ok := g.accounts[key]; ok {
			out = append(out, existence)
			continue
		}
		out = append(out, Existence{Email: key})
	}
	return out, nil
}

func member(email string, role rbac.Role) grants.Entry {
	return grants.Entry{Identifier: email, Type: grants.SubjectEmail, Role: role, Name: strings.Split(email, "@")[0], UserID: "usr_" + email}
}

func sequentialIDs() LedgerOption {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("chg_%d", n)
	})
}
