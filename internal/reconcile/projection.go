package reconcile

import (
	"fmt"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
)

type EntryStatus string

const (
	StatusUnchanged   EntryStatus = "unchanged"
	StatusAdded       EntryStatus = "added"
	StatusRemoved     EntryStatus = "removed"
	StatusRoleChanged EntryStatus = "role-changed"
)

// ProjectedEntry is one row of the "what would apply if committed" view.
type ProjectedEntry struct {
	grants.Entry
	Status   EntryStatus `json:"status"`
	OldRole  rbac.Role   `json:"oldRole,omitempty"`
	NewRole  rbac.Role   `json:"newRole,omitempty"`
	ChangeID string      `json:"changeId,omitempty"`
}

// Visible reports whether the row should be rendered. Removed rows stay in
// the projection so they count towards PendingCount.
func (p ProjectedEntry) Visible() bool {
	return p.Status != StatusRemoved
}

type Projection struct {
	Entries      []ProjectedEntry `json:"entries"`
	PendingCount int              `json:"pendingCount"`
}

// Visible returns the rows a renderer should show.
func (p Projection) Visible() []ProjectedEntry {
	out := make([]ProjectedEntry, 0, len(p.Entries))
	for _, entry := range p.Entries {
		if entry.Visible() {
			out = append(out, entry)
		}
	}
	return out
}

// Project folds changes onto snapshot. It is pure: neither argument is
// modified. Snapshot rows keep their order; added rows follow in ledger order.
func Project(snapshot []grants.Entry, changes []Change) Projection {
	rows := make([]ProjectedEntry, 0, len(snapshot)+len(changes))
	index := make(map[string]int, len(snapshot))
	original := make(map[string]rbac.Role, len(snapshot))

	for _, entry := range snapshot {
		entry = grants.Normalize(entry)
		if _, dup := index[entry.Identifier]; dup {
			continue
		}
		index[entry.Identifier] = len(rows)
		original[entry.Identifier] = entry.Role
		rows = append(rows, ProjectedEntry{Entry: entry, Status: StatusUnchanged})
	}

	for _, change := range changes {
		target := change.Target()
		pos, exists := index[target]

		switch c := change.(type) {
		case RemoveMember, RemoveGrant:
			if !exists {
				continue
			}
			rows[pos].Status = StatusRemoved
			rows[pos].ChangeID = c.ChangeID()

		case AddMember, AddGrant:
			entry, _ := EntryOf(c)
			if !exists {
				index[target] = len(rows)
				rows = append(rows, ProjectedEntry{Entry: entry, Status: StatusAdded, ChangeID: c.ChangeID()})
				continue
			}
			row := &rows[pos]
			row.ChangeID = c.ChangeID()
			oldRole, inSnapshot := original[target]
			if !inSnapshot {
				row.Entry = entry
				row.Status = StatusAdded
				continue
			}
			applyRole(row, oldRole, entry.Role)

		case ChangeRole:
			if !exists {
				continue
			}
			row := &rows[pos]
			row.ChangeID = c.ChangeID()
			if row.Status == StatusAdded {
				row.Role = c.NewRole
				continue
			}
			applyRole(row, original[target], c.NewRole)

		default:
			panic(fmt.Sprintf("reconcile: unknown change type %T", change))
		}
	}

	pending := 0
	for _, row := range rows {
		if row.Status != StatusUnchanged {
			pending++
		}
	}
	return Projection{Entries: rows, PendingCount: pending}
}

func applyRole(row *ProjectedEntry, oldRole, newRole rbac.Role) {
	row.Role = newRole
	if newRole == oldRole {
		row.Status = StatusUnchanged
		row.OldRole, row.NewRole = 0, 0
		return
	}
	row.Status = StatusRoleChanged
	row.OldRole = oldRole
	row.NewRole = newRole
}
