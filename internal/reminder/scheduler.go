package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"blueshot/api/internal/logger"
	"blueshot/api/internal/notify"
	"blueshot/api/internal/realtime"
	"blueshot/api/internal/reconcile"
	"blueshot/api/internal/store"
	"blueshot/api/internal/util"
)

// DataStore is the persistence the scheduler needs.
type DataStore interface {
	DueEvents(ctx context.Context, from, to time.Time) ([]store.Event, error)
	ClaimReminder(ctx context.Context, eventID string, at time.Time) (bool, error)
	Audience(ctx context.Context, resource reconcile.Resource) ([]store.User, error)
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
}

// Mailer is the slice of email.Service the scheduler needs.
type Mailer interface {
	IsConfigured() bool
	SendEventReminderEmail(to, userName, title string, startsAt time.Time, label string) error
}

type Scheduler struct {
	store    DataStore
	notifier realtime.Notifier
	mailer   Mailer
	lead     time.Duration
	spec     string
	now      func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewScheduler builds a reminder sweep running on spec (a cron expression or
// "@every 1m"). mailer may be nil.
func NewScheduler(st DataStore, notifier realtime.Notifier, mailer Mailer, lead time.Duration, spec string) *Scheduler {
	return &Scheduler{
		store:    st,
		notifier: notifier,
		mailer:   mailer,
		lead:     lead,
		spec:     spec,
		now:      time.Now,
	}
}

func (s *Scheduler) Start() error {
	s.cron = cron.New()
	entryID, err := s.cron.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			lg := logger.With("reminder")
			lg.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reminders %q: %w", s.spec, err)
	}
	s.entryID = entryID
	s.cron.Start()
	lg := logger.With("reminder")
	lg.Info().Str("schedule", s.spec).Dur("lead", s.lead).Msg("scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep reminds the audience of every event starting within the lead window.
// Each event is claimed before anyone is notified, so concurrent sweeps on
// several replicas remind at most once. Returns the number of events reminded.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	log := logger.With("reminder")
	now := s.now().UTC()
	due, err := s.store.DueEvents(ctx, now, now.Add(s.lead))
	if err != nil {
		return 0, fmt.Errorf("due events: %w", err)
	}

	reminded := 0
	for _, event := range due {
		claimed, err := s.store.ClaimReminder(ctx, event.ID, now)
		if err != nil {
			log.Error().Err(err).Str("event", event.ID).Msg("claim reminder")
			continue
		}
		if !claimed {
			continue
		}
		reminded++

		audience, err := s.store.Audience(ctx, reconcile.Resource{Kind: reconcile.ResourceEvent, ID: event.ID})
		if err != nil {
			log.Error().Err(err).Str("event", event.ID).Msg("load audience")
			continue
		}
		status := Tag(now, event.StartsAt, event.EndsAt, s.lead)
		for _, user := range audience {
			s.remind(ctx, event, user, status)
		}
		log.Info().Str("event", event.ID).Int("audience", len(audience)).Msg("reminder sent")
	}
	return reminded, nil
}

func (s *Scheduler) remind(ctx context.Context, event store.Event, user store.User, status Status) {
	n, err := s.store.InsertNotification(ctx, store.Notification{
		ID:           util.NewID("ntf"),
		UserID:       user.ID,
		Kind:         store.NotificationReminder,
		Title:        fmt.Sprintf("%s %s", event.Title, status.Label),
		Body:         event.Description,
		ResourceKind: string(reconcile.ResourceEvent),
		ResourceID:   event.ID,
	})
	if err != nil {
		lg := logger.With("reminder")
		lg.Error().Err(err).Str("user", user.ID).Msg("insert reminder")
		return
	}
	s.notifier.Publish(ctx, realtime.ChannelForUser(user.ID), realtime.EventNotificationCreated, notify.PayloadOf(n))

	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	name := user.DisplayName
	if name == "" {
		name = user.Email
	}
	if err := s.mailer.SendEventReminderEmail(user.Email, name, event.Title, event.StartsAt, status.Label); err != nil {
		lg := logger.With("reminder")
		lg.Warn().Err(err).Str("user", user.ID).Msg("reminder email failed")
	}
}
