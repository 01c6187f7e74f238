package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"blueshot/api/internal/auth"
	"blueshot/api/internal/config"
	"blueshot/api/internal/grants"
	"blueshot/api/internal/logger"
	"blueshot/api/internal/meeting"
	"blueshot/api/internal/notify"
	"blueshot/api/internal/rbac"
	"blueshot/api/internal/realtime"
	"blueshot/api/internal/reconcile"
	"blueshot/api/internal/reminder"
	"blueshot/api/internal/search"
	"blueshot/api/internal/store"
	"blueshot/api/internal/util"
)

// Session is the authenticated caller of a request.
type Session struct {
	Token     string
	UserID    string
	Email     string
	UserName  string
	ExpiresAt time.Time
}

func (s Session) Identity() rbac.Identity {
	return rbac.UserIdentity(s.UserID, s.Email, s.UserName)
}

// DataStore is the persistence the service runs on.
type DataStore interface {
	reconcile.Gateway
	Ping(context.Context) error
	UpsertUser(context.Context, store.User) (store.User, error)
	GetUser(context.Context, string) (store.User, error)
	ListIdentities(context.Context) ([]store.IdentityMatch, error)
	CreateUserGroup(context.Context, store.UserGroup) (store.UserGroup, error)
	CreateEventGroup(context.Context, store.EventGroup) (store.EventGroup, error)
	CreateEvent(context.Context, store.Event) (store.Event, error)
	ListEventsForUser(context.Context, string) ([]store.EventAccess, error)
	ResourceName(context.Context, reconcile.Resource) (string, error)
	EffectiveRole(context.Context, reconcile.Resource, string) (rbac.Role, error)
	Audience(context.Context, reconcile.Resource) ([]store.User, error)
	SetAcknowledgement(context.Context, store.Acknowledgement) (store.Acknowledgement, error)
	ListAcknowledgements(context.Context, string) ([]store.Acknowledgement, error)
	InsertNotification(context.Context, store.Notification) (store.Notification, error)
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) error
}

// Deps are the optional collaborators of the service. Nil members disable
// the matching feature.
type Deps struct {
	Notifier   realtime.Notifier
	Lock       *realtime.CommitLock
	Search     *search.Service
	Meetings   *meeting.Minter
	Dispatcher *notify.Dispatcher
}

type editSessionRecord struct {
	ownerID   string
	session   *reconcile.Session
	expiresAt time.Time
}

type Service struct {
	cfg            config.Config
	store          DataStore
	notifier       realtime.Notifier
	lock           *realtime.CommitLock
	search         *search.Service
	meetings       *meeting.Minter
	dispatcher     *notify.Dispatcher
	now            func() time.Time
	editSessionTTL time.Duration
	editMu         sync.Mutex
	editSessions   map[string]editSessionRecord
}

func New(cfg config.Config, dataStore DataStore, deps Deps) *Service {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = realtime.NewLocal()
	}
	ttl := cfg.EditSessionTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		cfg:            cfg,
		store:          dataStore,
		notifier:       notifier,
		lock:           deps.Lock,
		search:         deps.Search,
		meetings:       deps.Meetings,
		dispatcher:     deps.Dispatcher,
		now:            time.Now,
		editSessionTTL: ttl,
		editSessions:   make(map[string]editSessionRecord),
	}
}

// Bootstrap pushes the identity directory into the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	identities, err := s.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	records := make([]search.Result, 0, len(identities))
	for _, identity := range identities {
		records = append(records, searchRecord(identity))
	}
	s.search.ReindexAll(records)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken verifies a bearer token and makes sure the caller exists
// as a local user.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Email
	}
	user, err := s.store.UpsertUser(ctx, store.User{ID: claims.Sub, Email: claims.Email, DisplayName: name})
	if err != nil {
		return Session{}, err
	}
	if s.search != nil {
		s.search.IndexIdentity(search.Result{Type: search.ResultUser, ID: user.ID, Email: user.Email, Name: user.DisplayName})
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// requireRole fails unless userID's effective role on resource allows action.
// Callers without any role get NOT_FOUND so resources do not leak.
func (s *Service) requireRole(ctx context.Context, resource reconcile.Resource, userID string, action rbac.Action) (rbac.Role, error) {
	role, err := s.store.EffectiveRole(ctx, resource, userID)
	if err != nil {
		return 0, err
	}
	if role == 0 {
		return 0, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	if !rbac.Can(role, action) {
		return role, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{
			"action": string(action),
			"role":   role.String(),
		})
	}
	return role, nil
}

// Groups and events

type CreateGroupInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (in CreateGroupInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if hasControl(in.Name) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not contain control characters", nil)
	}
	return nil
}

// hasControl reports whether a single-line value carries control characters.
func hasControl(v string) bool {
	return strings.IndexFunc(v, unicode.IsControl) >= 0
}

func (s *Service) CreateUserGroup(ctx context.Context, session Session, input CreateGroupInput) (store.UserGroup, error) {
	if err := input.validate(); err != nil {
		return store.UserGroup{}, err
	}
	group, err := s.store.CreateUserGroup(ctx, store.UserGroup{
		ID:          util.NewID("grp"),
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   session.UserID,
	})
	if err != nil {
		return store.UserGroup{}, err
	}
	if s.search != nil {
		s.search.IndexIdentity(search.Result{Type: search.ResultGroup, ID: group.ID, Name: group.Name})
	}
	return group, nil
}

func (s *Service) CreateEventGroup(ctx context.Context, session Session, input CreateGroupInput) (store.EventGroup, error) {
	if err := input.validate(); err != nil {
		return store.EventGroup{}, err
	}
	return s.store.CreateEventGroup(ctx, store.EventGroup{
		ID:          util.NewID("egp"),
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   session.UserID,
	})
}

type CreateEventInput struct {
	EventGroupID string    `json:"eventGroupId"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	StartsAt     time.Time `json:"startsAt"`
	EndsAt       time.Time `json:"endsAt"`
}

// CreateEvent needs READ_WRITE on the event group when one is given.
func (s *Service) CreateEvent(ctx context.Context, session Session, input CreateEventInput) (EventView, error) {
	if strings.TrimSpace(input.Title) == "" {
		return EventView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if hasControl(input.Title) {
		return EventView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must not contain control characters", nil)
	}
	if input.StartsAt.IsZero() || input.EndsAt.IsZero() {
		return EventView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "startsAt and endsAt are required", nil)
	}
	if input.EndsAt.Before(input.StartsAt) {
		return EventView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endsAt must not be before startsAt", nil)
	}
	if input.EventGroupID != "" {
		group := reconcile.Resource{Kind: reconcile.ResourceEventGroup, ID: input.EventGroupID}
		if _, err := s.requireRole(ctx, group, session.UserID, rbac.ActionEdit); err != nil {
			return EventView{}, err
		}
	}
	event, err := s.store.CreateEvent(ctx, store.Event{
		ID:           util.NewID("evt"),
		EventGroupID: input.EventGroupID,
		Title:        strings.TrimSpace(input.Title),
		Description:  strings.TrimSpace(input.Description),
		StartsAt:     input.StartsAt.UTC(),
		EndsAt:       input.EndsAt.UTC(),
		CreatedBy:    session.UserID,
	})
	if err != nil {
		return EventView{}, err
	}
	return s.eventView(store.EventAccess{Event: event, Role: rbac.RoleAdmin}), nil
}

type EventView struct {
	ID           string          `json:"id"`
	EventGroupID string          `json:"eventGroupId,omitempty"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	StartsAt     time.Time       `json:"startsAt"`
	EndsAt       time.Time       `json:"endsAt"`
	Role         rbac.Role       `json:"role"`
	Status       reminder.Status `json:"status"`
}

func (s *Service) eventView(access store.EventAccess) EventView {
	return EventView{
		ID:           access.ID,
		EventGroupID: access.EventGroupID,
		Title:        access.Title,
		Description:  access.Description,
		StartsAt:     access.StartsAt,
		EndsAt:       access.EndsAt,
		Role:         access.Role,
		Status:       reminder.Tag(s.now(), access.StartsAt, access.EndsAt, s.cfg.ReminderLead),
	}
}

func (s *Service) ListEvents(ctx context.Context, session Session) ([]EventView, error) {
	events, err := s.store.ListEventsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(events))
	for _, event := range events {
		out = append(out, s.eventView(event))
	}
	return out, nil
}

type AcknowledgementView struct {
	EventID   string          `json:"eventId"`
	UserID    string          `json:"userId"`
	Status    store.AckStatus `json:"status"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func ackView(ack store.Acknowledgement) AcknowledgementView {
	return AcknowledgementView{EventID: ack.EventID, UserID: ack.UserID, Status: ack.Status, UpdatedAt: ack.UpdatedAt}
}

// Acknowledge records the caller's answer and tells the rest of the audience.
func (s *Service) Acknowledge(ctx context.Context, session Session, eventID string, status store.AckStatus) (AcknowledgementView, error) {
	if !status.Valid() {
		return AcknowledgementView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be accepted, declined or tentative", nil)
	}
	resource := reconcile.Resource{Kind: reconcile.ResourceEvent, ID: eventID}
	if _, err := s.requireRole(ctx, resource, session.UserID, rbac.ActionView); err != nil {
		return AcknowledgementView{}, err
	}
	ack, err := s.store.SetAcknowledgement(ctx, store.Acknowledgement{EventID: eventID, UserID: session.UserID, Status: status})
	if err != nil {
		return AcknowledgementView{}, err
	}

	view := ackView(ack)
	audience, err := s.store.Audience(ctx, resource)
	if err != nil {
		lg := logger.With("app")
		lg.Warn().Err(err).Str("event", eventID).Msg("acknowledgement fan-out skipped")
		return view, nil
	}
	for _, user := range audience {
		if user.ID == session.UserID {
			continue
		}
		s.notifier.Publish(ctx, realtime.ChannelForUser(user.ID), realtime.EventAcknowledgementUpdated, view)
	}
	return view, nil
}

func (s *Service) ListAcknowledgements(ctx context.Context, session Session, eventID string) ([]AcknowledgementView, error) {
	resource := reconcile.Resource{Kind: reconcile.ResourceEvent, ID: eventID}
	if _, err := s.requireRole(ctx, resource, session.UserID, rbac.ActionView); err != nil {
		return nil, err
	}
	acks, err := s.store.ListAcknowledgements(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make([]AcknowledgementView, 0, len(acks))
	for _, ack := range acks {
		out = append(out, ackView(ack))
	}
	return out, nil
}

func (s *Service) MeetingToken(ctx context.Context, session Session, eventID string) (meeting.Token, error) {
	resource := reconcile.Resource{Kind: reconcile.ResourceEvent, ID: eventID}
	role, err := s.requireRole(ctx, resource, session.UserID, rbac.ActionView)
	if err != nil {
		return meeting.Token{}, err
	}
	return s.meetings.Mint(eventID, session.Identity(), role)
}

// Notifications

type NotificationView struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	ResourceKind string     `json:"resourceKind"`
	ResourceID   string     `json:"resourceId"`
	ReadAt       *time.Time `json:"readAt"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func (s *Service) ListNotifications(ctx context.Context, session Session, limit int) ([]NotificationView, error) {
	items, err := s.store.ListNotifications(ctx, session.UserID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]NotificationView, 0, len(items))
	for _, n := range items {
		out = append(out, NotificationView{
			ID:           n.ID,
			Kind:         string(n.Kind),
			Title:        n.Title,
			Body:         n.Body,
			ResourceKind: n.ResourceKind,
			ResourceID:   n.ResourceID,
			ReadAt:       n.ReadAt,
			CreatedAt:    n.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	return s.store.MarkNotificationRead(ctx, session.UserID, notificationID)
}

// SubscribeNotifications streams realtime events for the caller until ctx ends.
func (s *Service) SubscribeNotifications(ctx context.Context, session Session) (<-chan realtime.Message, error) {
	return s.notifier.Subscribe(ctx, realtime.ChannelForUser(session.UserID))
}

// Search

func (s *Service) SearchIdentities(ctx context.Context, query string, filter search.ResultType, limit int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}
	}
	return s.search.Candidates(ctx, search.Query{Text: query, FilterType: filter, Limit: limit})
}

// IdentitySearcher adapts a store directory lookup into a search fallback.
func IdentitySearcher(lookup func(ctx context.Context, text string, limit int) ([]store.IdentityMatch, error)) search.Searcher {
	return search.SearcherFunc(func(ctx context.Context, q search.Query) ([]search.Result, error) {
		limit := q.PageSize()
		if q.FilterType != "" {
			limit = 0
		}
		matches, err := lookup(ctx, q.Text, limit)
		if err != nil {
			return nil, err
		}
		var out []search.Result
		for _, match := range matches {
			record := searchRecord(match)
			if q.FilterType != "" && record.Type != q.FilterType {
				continue
			}
			out = append(out, record)
			if len(out) == q.PageSize() {
				break
			}
		}
		return out, nil
	})
}

func searchRecord(match store.IdentityMatch) search.Result {
	typ := search.ResultUser
	if match.Kind == rbac.KindGroup {
		typ = search.ResultGroup
	}
	return search.Result{Type: typ, ID: match.ID, Email: match.Email, Name: match.Name}
}

// Edit sessions

type ChangeView struct {
	ID          string               `json:"id"`
	Kind        reconcile.ChangeKind `json:"kind"`
	Target      string               `json:"target"`
	Description string               `json:"description"`
	Change      reconcile.Change     `json:"change"`
}

type EditSessionView struct {
	ID           string                     `json:"id"`
	Resource     reconcile.Resource         `json:"resource"`
	ResourceName string                     `json:"resourceName"`
	State        reconcile.State            `json:"state"`
	Members      []grants.Entry             `json:"members"`
	Changes      []ChangeView               `json:"changes"`
	Projection   []reconcile.ProjectedEntry `json:"projection"`
	PendingCount int                        `json:"pendingCount"`
	ExpiresAt    time.Time                  `json:"expiresAt"`
}

func (s *Service) editSessionView(ctx context.Context, id string, record editSessionRecord) EditSessionView {
	session := record.session
	resource := session.Resource()
	name, err := s.store.ResourceName(ctx, resource)
	if err != nil {
		name = resource.ID
	}
	changes := session.Changes()
	views := make([]ChangeView, 0, len(changes))
	for _, change := range changes {
		views = append(views, ChangeView{
			ID:          change.ChangeID(),
			Kind:        change.Kind(),
			Target:      change.Target(),
			Description: reconcile.Describe(change),
			Change:      change,
		})
	}
	projection := session.Projection()
	return EditSessionView{
		ID:           id,
		Resource:     resource,
		ResourceName: name,
		State:        session.State(),
		Members:      session.Snapshot(),
		Changes:      views,
		Projection:   projection.Visible(),
		PendingCount: projection.PendingCount,
		ExpiresAt:    record.expiresAt,
	}
}

// OpenEditSession starts editing who has access to resource. The caller
// must be an admin of it.
func (s *Service) OpenEditSession(ctx context.Context, session Session, resource reconcile.Resource) (EditSessionView, error) {
	if !resource.Valid() {
		return EditSessionView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource kind must be user_group, event_group or event", nil)
	}
	if _, err := s.requireRole(ctx, resource, session.UserID, rbac.ActionManage); err != nil {
		return EditSessionView{}, err
	}

	ownerID := session.UserID
	edit, err := reconcile.OpenSession(ctx, s.store, resource,
		reconcile.WithCommitConcurrency(s.cfg.CommitConcurrency),
		reconcile.OnCommitted(func(resource reconcile.Resource, result reconcile.SaveResult) {
			s.afterCommit(resource, ownerID, result)
		}),
	)
	if err != nil {
		return EditSessionView{}, err
	}

	id := util.NewID("eds")
	record := s.storeEditSession(id, ownerID, edit)
	lg := logger.With("app")
	lg.Debug().Str("edit_session", id).Str("resource", resource.String()).Msg("edit session opened")
	return s.editSessionView(ctx, id, record), nil
}

func (s *Service) afterCommit(resource reconcile.Resource, actorID string, result reconcile.SaveResult) {
	if s.dispatcher == nil || len(result.Applied) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.dispatcher.Committed(ctx, resource, actorID, result)
	}()
}

func (s *Service) GetEditSession(ctx context.Context, session Session, id string) (EditSessionView, error) {
	record, err := s.lookupEditSession(session.UserID, id)
	if err != nil {
		return EditSessionView{}, err
	}
	return s.editSessionView(ctx, id, record), nil
}

func (s *Service) CloseEditSession(session Session, id string) error {
	if _, err := s.lookupEditSession(session.UserID, id); err != nil {
		return err
	}
	s.editMu.Lock()
	delete(s.editSessions, id)
	s.editMu.Unlock()
	return nil
}

// StageChangeInput is one edit in the share dialog. Op is add, remove or role.
type StageChangeInput struct {
	Op         string             `json:"op"`
	Identifier string             `json:"identifier"`
	Type       grants.SubjectType `json:"type"`
	Name       string             `json:"name"`
	Role       rbac.Role          `json:"role"`
}

type StageChangeResult struct {
	// Change is nil when staging cancelled an earlier pending change.
	Change  *ChangeView     `json:"change"`
	Session EditSessionView `json:"session"`
}

func (s *Service) StageChange(ctx context.Context, session Session, id string, input StageChangeInput) (StageChangeResult, error) {
	record, err := s.lookupEditSession(session.UserID, id)
	if err != nil {
		return StageChangeResult{}, err
	}
	edit := record.session

	var change reconcile.Change
	switch strings.ToLower(strings.TrimSpace(input.Op)) {
	case "add":
		subject := input.Type
		if subject == "" {
			subject = grants.SubjectEmail
		}
		if subject != grants.SubjectEmail && subject != grants.SubjectUserGroup {
			return StageChangeResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be email or userGroup", nil)
		}
		change, err = edit.StageAdd(grants.Entry{Identifier: input.Identifier, Type: subject, Role: input.Role, Name: input.Name})
	case "remove":
		change, err = edit.StageRemove(input.Identifier)
	case "role":
		change, err = edit.StageRoleChange(input.Identifier, input.Role)
	default:
		return StageChangeResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "op must be add, remove or role", nil)
	}
	if err != nil {
		return StageChangeResult{}, err
	}

	result := StageChangeResult{Session: s.editSessionView(ctx, id, record)}
	if change != nil {
		result.Change = &ChangeView{
			ID:          change.ChangeID(),
			Kind:        change.Kind(),
			Target:      change.Target(),
			Description: reconcile.Describe(change),
			Change:      change,
		}
	}
	return result, nil
}

func (s *Service) RemoveChange(ctx context.Context, session Session, id, changeID string) (EditSessionView, error) {
	record, err := s.lookupEditSession(session.UserID, id)
	if err != nil {
		return EditSessionView{}, err
	}
	if err := record.session.RemoveChange(changeID); err != nil {
		return EditSessionView{}, err
	}
	return s.editSessionView(ctx, id, record), nil
}

type DiscardResult struct {
	Queued  bool            `json:"queued"`
	Session EditSessionView `json:"session"`
}

func (s *Service) DiscardEditSession(ctx context.Context, session Session, id string) (DiscardResult, error) {
	record, err := s.lookupEditSession(session.UserID, id)
	if err != nil {
		return DiscardResult{}, err
	}
	queued := record.session.Discard()
	return DiscardResult{Queued: queued, Session: s.editSessionView(ctx, id, record)}, nil
}

func (s *Service) RefreshEditSession(ctx context.Context, session Session, id string) (EditSessionView, error) {
	record, err := s.lookupEditSession(session.UserID, id)
	if err != nil {
		return EditSessionView{}, err
	}
	if err := record.session.Refresh(ctx); err != nil {
		return EditSessionView{}, err
	}
	return s.editSessionView(ctx, id, record), nil
}

// Alert is what the client shows in a toast after a save.
type Alert struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

type SaveResponse struct {
	reconcile.SaveResult
	Alert   Alert           `json:"alert"`
	Stale   bool            `json:"stale"`
	Session EditSessionView `json:"session"`
}

func alertFor(result reconcile.SaveResult) Alert {
	failed := len(result.FailedChanges)
	switch {
	case result.TotalCount == 0:
		return Alert{Title: "Nothing to save", Description: "There are no pending changes.", Type: "info"}
	case failed == 0:
		return Alert{Title: "Changes saved", Description: fmt.Sprintf("%s saved.", pluralChanges(result.SuccessCount)), Type: "success"}
	case result.SuccessCount == 0:
		return Alert{Title: "Changes not saved", Description: fmt.Sprintf("%s failed. Review them and try again.", pluralChanges(failed)), Type: "error"}
	default:
		return Alert{
			Title:       "Some changes were not saved",
			Description: fmt.Sprintf("%d of %d changes saved. %s failed.", result.SuccessCount, result.TotalCount, pluralChanges(failed)),
			Type:        "warning",
		}
	}
}

func pluralChanges(n int) string {
	if n == 1 {
		return "1 change"
	}
	return fmt.Sprintf("%d changes", n)
}

// SaveEditSession commits the pending changes. Admin rights are checked
// again and the resource is locked across replicas for the duration.
func (s *Service) SaveEditSession(ctx context.Context, session Session, id string) (SaveResponse, error) {
	record, err := s.lookupEditSession(session.UserID, id)
	if err != nil {
		return SaveResponse{}, err
	}
	resource := record.session.Resource()
	if _, err := s.requireRole(ctx, resource, session.UserID, rbac.ActionManage); err != nil {
		return SaveResponse{}, err
	}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, resource.String())
		if err != nil {
			return SaveResponse{}, err
		}
		defer release()
	}

	result, err := record.session.Save(ctx)
	stale := false
	if err != nil {
		if errors.Is(err, reconcile.ErrCommitInProgress) {
			return SaveResponse{}, err
		}
		lg := logger.With("app")
		lg.Warn().Err(err).Str("edit_session", id).Msg("post-save refresh failed")
		stale = true
	}

	lg := logger.With("app")
	lg.Info().
		Str("edit_session", id).
		Str("resource", resource.String()).
		Int("success", result.SuccessCount).
		Int("total", result.TotalCount).
		Msg("edit session saved")

	return SaveResponse{
		SaveResult: result,
		Alert:      alertFor(result),
		Stale:      stale,
		Session:    s.editSessionView(ctx, id, record),
	}, nil
}

func (s *Service) lookupEditSession(userID, id string) (editSessionRecord, error) {
	now := s.now()
	s.editMu.Lock()
	defer s.editMu.Unlock()
	for key, record := range s.editSessions {
		if now.After(record.expiresAt) && record.session.State() != reconcile.StateSaving {
			delete(s.editSessions, key)
		}
	}
	record, ok := s.editSessions[id]
	if !ok || record.ownerID != userID {
		return editSessionRecord{}, domainError(http.StatusNotFound, "NOT_FOUND", "Edit session not found", nil)
	}
	record.expiresAt = now.Add(s.editSessionTTL)
	s.editSessions[id] = record
	return record, nil
}

func (s *Service) storeEditSession(id, ownerID string, session *reconcile.Session) editSessionRecord {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	record := editSessionRecord{
		ownerID:   ownerID,
		session:   session,
		expiresAt: s.now().Add(s.editSessionTTL),
	}
	s.editSessions[id] = record
	return record
}

// EditSessionIDs lists the caller's open edit sessions, sorted.
func (s *Service) EditSessionIDs(userID string) []string {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	var ids []string
	for id, record := range s.editSessions {
		if record.ownerID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
