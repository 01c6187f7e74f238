package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
	"blueshot/api/internal/reconcile"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// subjectMatch matches grant rows that reach the user bound to param,
// either directly or through one of their user groups.
const subjectMatch = `(
	(%[1]s.subject_type = 'email' AND %[1]s.subject_id = %[2]s) OR
	(%[1]s.subject_type = 'userGroup' AND %[1]s.subject_id IN (SELECT group_id FROM user_group_members WHERE user_id = %[2]s))
)`

func matchSubject(alias, param string) string {
	return fmt.Sprintf(subjectMatch, alias, param)
}

// grantTable maps an event group or event to its grant table.
func grantTable(resource reconcile.Resource) (table, column string, err error) {
	switch resource.Kind {
	case reconcile.ResourceEventGroup:
		return "event_groups_grants", "event_group_id", nil
	case reconcile.ResourceEvent:
		return "event_grants", "event_id", nil
	default:
		return "", "", fmt.Errorf("resource %s has no grant table", resource)
	}
}

// Users

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, LOWER($2), $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, display_name = EXCLUDED.display_name
		RETURNING id, email, display_name, created_at
	`
	var out User
	err := s.db.QueryRowContext(ctx, query, user.ID, strings.TrimSpace(user.Email), user.DisplayName).
		Scan(&out.ID, &out.Email, &out.DisplayName, &out.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, display_name, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// ListIdentities returns every user and user group for search reindexing.
func (s *PostgresStore) ListIdentities(ctx context.Context) ([]IdentityMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'user', id, email, display_name FROM users
		UNION ALL
		SELECT 'group', id, '', name FROM user_groups
	`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []IdentityMatch
	for rows.Next() {
		var match IdentityMatch
		var kind string
		if err := rows.Scan(&kind, &match.ID, &match.Email, &match.Name); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		match.Kind = rbac.IdentityKind(kind)
		out = append(out, match)
	}
	return out, rows.Err()
}

// Groups and events

func (s *PostgresStore) CreateUserGroup(ctx context.Context, group UserGroup) (UserGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UserGroup{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_groups (id, name, description, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, group.ID, group.Name, group.Description, group.CreatedBy).Scan(&group.CreatedAt)
	if err != nil {
		return UserGroup{}, fmt.Errorf("insert user group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_group_members (group_id, user_id, role) VALUES ($1, $2, $3)
	`, group.ID, group.CreatedBy, rbac.RoleAdmin.String()); err != nil {
		return UserGroup{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UserGroup{}, fmt.Errorf("commit user group: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) GetUserGroup(ctx context.Context, groupID string) (UserGroup, error) {
	var group UserGroup
	var createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, created_at FROM user_groups WHERE id = $1
	`, groupID).Scan(&group.ID, &group.Name, &group.Description, &createdBy, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserGroup{}, fmt.Errorf("user group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return UserGroup{}, fmt.Errorf("get user group: %w", err)
	}
	group.CreatedBy = createdBy.String
	return group, nil
}

func (s *PostgresStore) CreateEventGroup(ctx context.Context, group EventGroup) (EventGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EventGroup{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO event_groups (id, name, description, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, group.ID, group.Name, group.Description, group.CreatedBy).Scan(&group.CreatedAt)
	if err != nil {
		return EventGroup{}, fmt.Errorf("insert event group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_groups_grants (event_group_id, subject_type, subject_id, role)
		VALUES ($1, 'email', $2, $3)
	`, group.ID, group.CreatedBy, rbac.RoleAdmin.String()); err != nil {
		return EventGroup{}, fmt.Errorf("insert owner grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return EventGroup{}, fmt.Errorf("commit event group: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) GetEventGroup(ctx context.Context, groupID string) (EventGroup, error) {
	var group EventGroup
	var createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, created_at FROM event_groups WHERE id = $1
	`, groupID).Scan(&group.ID, &group.Name, &group.Description, &createdBy, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EventGroup{}, fmt.Errorf("event group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return EventGroup{}, fmt.Errorf("get event group: %w", err)
	}
	group.CreatedBy = createdBy.String
	return group, nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, event Event) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO events (id, event_group_id, title, description, starts_at, ends_at, created_by)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		RETURNING created_at
	`, event.ID, event.EventGroupID, event.Title, event.Description, event.StartsAt, event.EndsAt, event.CreatedBy).
		Scan(&event.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_grants (event_id, subject_type, subject_id, role)
		VALUES ($1, 'email', $2, $3)
	`, event.ID, event.CreatedBy, rbac.RoleAdmin.String()); err != nil {
		return Event{}, fmt.Errorf("insert owner grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit event: %w", err)
	}
	return event, nil
}

const eventColumns = `e.id, COALESCE(e.event_group_id, ''), e.title, e.description, e.starts_at, e.ends_at, COALESCE(e.created_by, ''), e.reminded_at, e.created_at`

func scanEvent(row interface{ Scan(...any) error }, extra ...any) (Event, error) {
	var event Event
	var remindedAt sql.NullTime
	dest := append([]any{
		&event.ID, &event.EventGroupID, &event.Title, &event.Description,
		&event.StartsAt, &event.EndsAt, &event.CreatedBy, &remindedAt, &event.CreatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Event{}, err
	}
	if remindedAt.Valid {
		at := remindedAt.Time
		event.RemindedAt = &at
	}
	return event, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = $1`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

// ListEventsForUser returns every event the user can see with their
// effective role, ordered by start time.
func (s *PostgresStore) ListEventsForUser(ctx context.Context, userID string) ([]EventAccess, error) {
	query := `
		WITH roles AS (
			SELECT g.event_id, g.role FROM event_grants g WHERE ` + matchSubject("g", "$1") + `
			UNION ALL
			SELECT e.id, gg.role FROM event_groups_grants gg
			JOIN events e ON e.event_group_id = gg.event_group_id
			WHERE ` + matchSubject("gg", "$1") + `
		)
		SELECT ` + eventColumns + `, r.role
		FROM roles r JOIN events e ON e.id = r.event_id
		ORDER BY e.starts_at, e.id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventAccess
	index := map[string]int{}
	for rows.Next() {
		var roleText string
		event, err := scanEvent(rows, &roleText)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		role, err := rbac.ParseRole(roleText)
		if err != nil {
			return nil, err
		}
		if i, ok := index[event.ID]; ok {
			out[i].Role = rbac.Highest(out[i].Role, role)
			continue
		}
		index[event.ID] = len(out)
		out = append(out, EventAccess{Event: event, Role: role})
	}
	return out, rows.Err()
}

// DueEvents lists events starting in [from, to] that have not been reminded.
func (s *PostgresStore) DueEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.reminded_at IS NULL AND e.starts_at >= $1 AND e.starts_at <= $2
		ORDER BY e.starts_at
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// ClaimReminder marks the event reminded; false means another sweep won.
func (s *PostgresStore) ClaimReminder(ctx context.Context, eventID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET reminded_at = $2 WHERE id = $1 AND reminded_at IS NULL`, eventID, at)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim reminder rows: %w", err)
	}
	return affected == 1, nil
}

// ResourceName returns the display name of a group or event.
func (s *PostgresStore) ResourceName(ctx context.Context, resource reconcile.Resource) (string, error) {
	switch resource.Kind {
	case reconcile.ResourceUserGroup:
		group, err := s.GetUserGroup(ctx, resource.ID)
		return group.Name, err
	case reconcile.ResourceEventGroup:
		group, err := s.GetEventGroup(ctx, resource.ID)
		return group.Name, err
	case reconcile.ResourceEvent:
		event, err := s.GetEvent(ctx, resource.ID)
		return event.Title, err
	default:
		return "", fmt.Errorf("resource %s: %w", resource, ErrNotFound)
	}
}

func (s *PostgresStore) resourceExists(ctx context.Context, resource reconcile.Resource) error {
	_, err := s.ResourceName(ctx, resource)
	return err
}

// EffectiveRole is the highest role userID holds on resource, or zero.
func (s *PostgresStore) EffectiveRole(ctx context.Context, resource reconcile.Resource, userID string) (rbac.Role, error) {
	var query string
	switch resource.Kind {
	case reconcile.ResourceUserGroup:
		query = `SELECT role FROM user_group_members WHERE group_id = $1 AND user_id = $2`
	case reconcile.ResourceEventGroup:
		query = `SELECT g.role FROM event_groups_grants g WHERE g.event_group_id = $1 AND ` + matchSubject("g", "$2")
	case reconcile.ResourceEvent:
		query = `
			SELECT g.role FROM event_grants g WHERE g.event_id = $1 AND ` + matchSubject("g", "$2") + `
			UNION ALL
			SELECT gg.role FROM event_groups_grants gg
			JOIN events e ON e.event_group_id = gg.event_group_id
			WHERE e.id = $1 AND ` + matchSubject("gg", "$2")
	default:
		return 0, fmt.Errorf("resource %s: %w", resource, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, query, resource.ID, userID)
	if err != nil {
		return 0, fmt.Errorf("effective role: %w", err)
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return 0, fmt.Errorf("scan role: %w", err)
		}
		role, err := rbac.ParseRole(text)
		if err != nil {
			return 0, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return rbac.Highest(roles...), nil
}

// Audience lists every user with any access to resource.
func (s *PostgresStore) Audience(ctx context.Context, resource reconcile.Resource) ([]User, error) {
	const viaGrants = `
		SELECT u.id, u.email, u.display_name, u.created_at FROM users u
		WHERE u.id IN (
			SELECT g.subject_id FROM %[1]s g WHERE g.%[2]s = $1 AND g.subject_type = 'email'
			UNION
			SELECT m.user_id FROM %[1]s g
			JOIN user_group_members m ON g.subject_type = 'userGroup' AND m.group_id = g.subject_id
			WHERE g.%[2]s = $1
			%[3]s
		)
		ORDER BY u.email
	`
	var query string
	switch resource.Kind {
	case reconcile.ResourceUserGroup:
		query = `
			SELECT u.id, u.email, u.display_name, u.created_at FROM users u
			JOIN user_group_members m ON m.user_id = u.id
			WHERE m.group_id = $1
			ORDER BY u.email
		`
	case reconcile.ResourceEventGroup:
		query = fmt.Sprintf(viaGrants, "event_groups_grants", "event_group_id", "")
	case reconcile.ResourceEvent:
		inherited := `
			UNION
			SELECT gg.subject_id FROM event_groups_grants gg JOIN events e ON e.event_group_id = gg.event_group_id
			WHERE e.id = $1 AND gg.subject_type = 'email'
			UNION
			SELECT m.user_id FROM event_groups_grants gg
			JOIN events e ON e.event_group_id = gg.event_group_id
			JOIN user_group_members m ON gg.subject_type = 'userGroup' AND m.group_id = gg.subject_id
			WHERE e.id = $1`
		query = fmt.Sprintf(viaGrants, "event_grants", "event_id", inherited)
	default:
		return nil, fmt.Errorf("resource %s: %w", resource, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, query, resource.ID)
	if err != nil {
		return nil, fmt.Errorf("audience: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

// Gateway

func (s *PostgresStore) FetchMembers(ctx context.Context, resource reconcile.Resource) ([]grants.Entry, error) {
	if err := s.resourceExists(ctx, resource); err != nil {
		return nil, err
	}
	if resource.Kind == reconcile.ResourceUserGroup {
		return s.fetchGroupMembers(ctx, resource.ID)
	}
	table, column, err := grantTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT g.subject_type, g.subject_id, g.role, COALESCE(u.email, ''), COALESCE(u.display_name, ug.name, '')
		FROM %s g
		LEFT JOIN users u ON g.subject_type = 'email' AND u.id = g.subject_id
		LEFT JOIN user_groups ug ON g.subject_type = 'userGroup' AND ug.id = g.subject_id
		WHERE g.%s = $1
		ORDER BY g.granted_at, g.subject_id
	`, table, column)
	rows, err := s.db.QueryContext(ctx, query, resource.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch grants: %w", err)
	}
	defer rows.Close()

	var out []grants.Entry
	for rows.Next() {
		var subject, subjectID, roleText, email, name string
		if err := rows.Scan(&subject, &subjectID, &roleText, &email, &name); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		role, err := rbac.ParseRole(roleText)
		if err != nil {
			return nil, err
		}
		entry := grants.Entry{Type: grants.SubjectType(subject), Role: role, Name: name}
		if entry.Type == grants.SubjectEmail {
			entry.Identifier = email
			entry.UserID = subjectID
		} else {
			entry.Identifier = subjectID
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) fetchGroupMembers(ctx context.Context, groupID string) ([]grants.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.display_name, m.role
		FROM user_group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id = $1
		ORDER BY m.added_at, u.email
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	defer rows.Close()

	var out []grants.Entry
	for rows.Next() {
		var entry grants.Entry
		var roleText string
		if err := rows.Scan(&entry.UserID, &entry.Identifier, &entry.Name, &roleText); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		role, err := rbac.ParseRole(roleText)
		if err != nil {
			return nil, err
		}
		entry.Type = grants.SubjectEmail
		entry.Role = role
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AddMembers inserts entries and returns the ones actually added. Entries
// that already exist or reference unknown identities are skipped.
func (s *PostgresStore) AddMembers(ctx context.Context, resource reconcile.Resource, entries []grants.Entry) ([]grants.Entry, error) {
	if err := s.resourceExists(ctx, resource); err != nil {
		return nil, err
	}

	var added []grants.Entry
	for _, entry := range entries {
		entry = grants.Normalize(entry)
		subjectID, name, err := s.resolveSubject(ctx, entry)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return added, err
		}

		var res sql.Result
		if resource.Kind == reconcile.ResourceUserGroup {
			if entry.Type != grants.SubjectEmail {
				continue
			}
			res, err = s.db.ExecContext(ctx, `
				INSERT INTO user_group_members (group_id, user_id, role) VALUES ($1, $2, $3)
				ON CONFLICT (group_id, user_id) DO NOTHING
			`, resource.ID, subjectID, entry.Role.String())
		} else {
			table, column, tableErr := grantTable(resource)
			if tableErr != nil {
				return added, tableErr
			}
			res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (%s, subject_type, subject_id, role) VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING
			`, table, column), resource.ID, string(entry.Type), subjectID, entry.Role.String())
		}
		if err != nil {
			return added, fmt.Errorf("add %s to %s: %w", entry.Identifier, resource, err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			if entry.Type == grants.SubjectEmail {
				entry.UserID = subjectID
			}
			if entry.Name == "" {
				entry.Name = name
			}
			added = append(added, entry)
		}
	}
	return added, nil
}

func (s *PostgresStore) resolveSubject(ctx context.Context, entry grants.Entry) (id, name string, err error) {
	switch entry.Type {
	case grants.SubjectEmail:
		err = s.db.QueryRowContext(ctx, `SELECT id, display_name FROM users WHERE LOWER(email) = $1`, entry.Identifier).Scan(&id, &name)
	case grants.SubjectUserGroup:
		err = s.db.QueryRowContext(ctx, `SELECT id, name FROM user_groups WHERE id = $1`, entry.Identifier).Scan(&id, &name)
	default:
		return "", "", fmt.Errorf("subject type %q: %w", entry.Type, ErrNotFound)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("subject %s: %w", entry.Identifier, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve subject: %w", err)
	}
	return id, name, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, resource reconcile.Resource, identifier string) error {
	var (
		res sql.Result
		err error
	)
	if resource.Kind == reconcile.ResourceUserGroup {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM user_group_members m USING users u
			WHERE m.user_id = u.id AND m.group_id = $1 AND LOWER(u.email) = LOWER($2)
		`, resource.ID, identifier)
	} else {
		table, column, tableErr := grantTable(resource)
		if tableErr != nil {
			return tableErr
		}
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s g WHERE g.%s = $1 AND (
				(g.subject_type = 'userGroup' AND g.subject_id = $2) OR
				(g.subject_type = 'email' AND g.subject_id IN (SELECT id FROM users WHERE LOWER(email) = LOWER($2)))
			)
		`, table, column), resource.ID, identifier)
	}
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", identifier, resource, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("remove %s from %s: %w", identifier, resource, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetRole(ctx context.Context, resource reconcile.Resource, identifier string, role rbac.Role) error {
	if !role.Valid() {
		return &rbac.InvalidRoleError{Value: role.String()}
	}
	var (
		res sql.Result
		err error
	)
	if resource.Kind == reconcile.ResourceUserGroup {
		res, err = s.db.ExecContext(ctx, `
			UPDATE user_group_members m SET role = $3 FROM users u
			WHERE m.user_id = u.id AND m.group_id = $1 AND LOWER(u.email) = LOWER($2)
		`, resource.ID, identifier, role.String())
	} else {
		table, column, tableErr := grantTable(resource)
		if tableErr != nil {
			return tableErr
		}
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s g SET role = $3 WHERE g.%s = $1 AND (
				(g.subject_type = 'userGroup' AND g.subject_id = $2) OR
				(g.subject_type = 'email' AND g.subject_id IN (SELECT id FROM users WHERE LOWER(email) = LOWER($2)))
			)
		`, table, column), resource.ID, identifier, role.String())
	}
	if err != nil {
		return fmt.Errorf("set role of %s on %s: %w", identifier, resource, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("set role of %s on %s: %w", identifier, resource, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CheckIdentitiesExist(ctx context.Context, emails []string) ([]reconcile.Existence, error) {
	lowered := make([]string, 0, len(emails))
	for _, email := range emails {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(email)))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, LOWER(email), display_name FROM users WHERE LOWER(email) = ANY($1)`, lowered)
	if err != nil {
		return nil, fmt.Errorf("check identities: %w", err)
	}
	defer rows.Close()

	found := make(map[string]reconcile.Existence, len(lowered))
	for rows.Next() {
		var existence reconcile.Existence
		if err := rows.Scan(&existence.UserID, &existence.Email, &existence.Name); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		existence.Exists = true
		found[existence.Email] = existence
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]reconcile.Existence, 0, len(lowered))
	for _, email := range lowered {
		if existence, ok := found[email]; ok {
			out = append(out, existence)
			continue
		}
		out = append(out, reconcile.Existence{Email: email})
	}
	return out, nil
}

// Acknowledgements

func (s *PostgresStore) SetAcknowledgement(ctx context.Context, ack Acknowledgement) (Acknowledgement, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO event_acknowledgements (event_id, user_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, user_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		RETURNING updated_at
	`, ack.EventID, ack.UserID, string(ack.Status)).Scan(&ack.UpdatedAt)
	if err != nil {
		return Acknowledgement{}, fmt.Errorf("set acknowledgement: %w", err)
	}
	return ack, nil
}

func (s *PostgresStore) ListAcknowledgements(ctx context.Context, eventID string) ([]Acknowledgement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, status, updated_at FROM event_acknowledgements
		WHERE event_id = $1 ORDER BY updated_at
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgements: %w", err)
	}
	defer rows.Close()

	var out []Acknowledgement
	for rows.Next() {
		var ack Acknowledgement
		var status string
		if err := rows.Scan(&ack.EventID, &ack.UserID, &status, &ack.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan acknowledgement: %w", err)
		}
		ack.Status = AckStatus(status)
		out = append(out, ack)
	}
	return out, rows.Err()
}

// Notifications

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, resource_kind, resource_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, n.ID, n.UserID, string(n.Kind), n.Title, n.Body, n.ResourceKind, n.ResourceID).Scan(&n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, title, body, resource_kind, resource_id, read_at, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var kind string
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.Title, &n.Body, &n.ResourceKind, &n.ResourceID, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = NotificationKind(kind)
		if readAt.Valid {
			at := readAt.Time
			n.ReadAt = &at
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, NOW()) WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}
	return nil
}
