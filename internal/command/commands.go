package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"calendo/internal/ics"
	"calendo/internal/model"
	"calendo/internal/store"
)

// Options configures the built-in commands.
type Options struct {
	// DefaultTimezone applies when a request names none.
	DefaultTimezone string
	// MaxOccurrences caps expansions; requests may lower it, not raise it.
	MaxOccurrences int
	// Now stamps time entries started or stopped without an explicit time.
	Now func() time.Time
}

type service struct {
	store    *store.Store
	importer *ics.Importer
	opts     Options
}

// New returns a registry with every command bound to st.
func New(st *store.Store, opts Options) *Registry {
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &service{store: st, importer: ics.NewImporter(st, opts.DefaultTimezone), opts: opts}
	r := NewRegistry()

	registerCRUD(r, "event", crud[model.Event]{
		create: st.CreateEvent, get: st.GetEvent, update: st.UpdateEvent, del: st.DeleteEvent,
	})
	registerCRUD(r, "task", crud[model.Task]{
		create: st.CreateTask, get: st.GetTask, update: st.UpdateTask, del: st.DeleteTask,
	})
	registerCRUD(r, "category", crud[model.Category]{
		create: st.CreateCategory, get: st.GetCategory, update: st.UpdateCategory, del: st.DeleteCategory,
	})
	registerCRUD(r, "participant", crud[model.Participant]{
		create: st.CreateParticipant, get: st.GetParticipant, update: st.UpdateParticipant, del: st.DeleteParticipant,
	})
	registerCRUD(r, "reminder", crud[model.Reminder]{
		create: st.CreateReminder, get: st.GetReminder, update: st.UpdateReminder, del: st.DeleteReminder,
	})
	registerCRUD(r, "time_entry", crud[model.TimeEntry]{
		create: st.CreateTimeEntry, get: st.GetTimeEntry, update: st.UpdateTimeEntry, del: st.DeleteTimeEntry,
	})
	registerCRUD(r, "recurring_rule", crud[model.RecurringRule]{
		create: st.CreateRecurringRule, get: st.GetRecurringRule, update: st.UpdateRecurringRule, del: st.DeleteRecurringRule,
	})

	r.Register("list_events", s.listEvents)
	r.Register("list_tasks", s.listTasks)
	r.Register("list_categories", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return st.ListCategories(ctx)
	})
	r.Register("list_participants", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return st.ListParticipants(ctx)
	})
	r.Register("list_reminders", s.listReminders)
	r.Register("list_time_entries", s.listTimeEntries)
	r.Register("list_recurring_rules", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return st.ListRecurringRules(ctx)
	})

	r.Register("complete_task", s.completeTask)
	r.Register("start_time_entry", s.startTimeEntry)
	r.Register("stop_time_entry", s.stopTimeEntry)

	r.Register("generate_recurrences", s.generateRecurrences)
	r.Register("list_event_occurrences", s.listEventOccurrences)

	r.Register("import_ics", s.importICS)
	r.Register("export_ics", s.exportICS)
	return r
}

type crud[T any] struct {
	create func(context.Context, T) (*T, error)
	get    func(context.Context, string) (*T, error)
	update func(context.Context, T) (*T, error)
	del    func(context.Context, string) error
}

// registerCRUD wires create_/get_/update_/delete_<noun>. Updates are
// patches: the arguments are decoded over the stored record, so omitted
// fields keep their value.
func registerCRUD[T any](r *Registry, noun string, ops crud[T]) {
	r.Register("create_"+noun, func(ctx context.Context, args json.RawMessage) (any, error) {
		var v T
		if err := decode(args, &v); err != nil {
			return nil, err
		}
		return ops.create(ctx, v)
	})
	r.Register("get_"+noun, func(ctx context.Context, args json.RawMessage) (any, error) {
		id, err := decodeID(args)
		if err != nil {
			return nil, err
		}
		return ops.get(ctx, id)
	})
	r.Register("update_"+noun, func(ctx context.Context, args json.RawMessage) (any, error) {
		id, err := decodeID(args)
		if err != nil {
			return nil, err
		}
		cur, err := ops.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := decode(args, cur); err != nil {
			return nil, err
		}
		return ops.update(ctx, *cur)
	})
	r.Register("delete_"+noun, func(ctx context.Context, args json.RawMessage) (any, error) {
		id, err := decodeID(args)
		if err != nil {
			return nil, err
		}
		if err := ops.del(ctx, id); err != nil {
			return nil, err
		}
		return deleted{Success: true, ID: id}, nil
	})
}

type deleted struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

func (s *service) listEvents(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		From       time.Time `json:"from"`
		To         time.Time `json:"to"`
		CategoryID string    `json:"category_id"`
		Source     string    `json:"source"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if !a.From.IsZero() && !a.To.IsZero() && !a.To.After(a.From) {
		return nil, fmt.Errorf("%w: to must be after from", ErrBadArguments)
	}
	return s.store.ListEvents(ctx, store.EventFilter{From: a.From, To: a.To, CategoryID: a.CategoryID, Source: a.Source})
}

func (s *service) listTasks(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Status     string `json:"status"`
		CategoryID string `json:"category_id"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, store.TaskFilter{Status: a.Status, CategoryID: a.CategoryID})
}

func (s *service) listReminders(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		OwnerID string `json:"owner_id"`
		Due     bool   `json:"due"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.Due {
		return s.store.DueReminders(ctx, s.opts.Now())
	}
	return s.store.ListReminders(ctx, a.OwnerID)
}

func (s *service) listTimeEntries(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		TaskID string `json:"task_id"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	return s.store.ListTimeEntries(ctx, a.TaskID)
}

func (s *service) completeTask(ctx context.Context, args json.RawMessage) (any, error) {
	id, err := decodeID(args)
	if err != nil {
		return nil, err
	}
	return s.store.CompleteTask(ctx, id)
}

func (s *service) startTimeEntry(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		TaskID      *string    `json:"task_id"`
		Description string     `json:"description"`
		At          *time.Time `json:"at"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	at := s.opts.Now()
	if a.At != nil {
		at = *a.At
	}
	return s.store.StartTimeEntry(ctx, a.TaskID, a.Description, at)
}

// stopTimeEntry stops the given entry, or the running one when no id is
// passed.
func (s *service) stopTimeEntry(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		ID string     `json:"id"`
		At *time.Time `json:"at"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		running, err := s.store.RunningTimeEntry(ctx)
		if err != nil {
			return nil, err
		}
		a.ID = running.ID
	}
	at := s.opts.Now()
	if a.At != nil {
		at = *a.At
	}
	return s.store.StopTimeEntry(ctx, a.ID, at)
}

func (s *service) importICS(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Source   string `json:"source"`
		Calendar string `json:"calendar"`
		Prune    bool   `json:"prune"`
	}
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if a.Calendar == "" {
		return nil, fmt.Errorf("%w: calendar is required", ErrBadArguments)
	}
	return s.importer.Import(ctx, ics.Source{ID: a.Source}, []byte(a.Calendar), a.Prune)
}

func (s *service) exportICS(ctx context.Context, _ json.RawMessage) (any, error) {
	text, err := ics.Export(ctx, s.store)
	if err != nil {
		return nil, err
	}
	return struct {
		Success  bool   `json:"success"`
		Calendar string `json:"calendar"`
	}{true, text}, nil
}
