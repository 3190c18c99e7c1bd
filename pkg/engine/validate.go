package engine

import "fmt"

// plan is a validated collection: resolved action tables and the complete
// notification list of every resource, subscriptions included.
type plan struct {
	collection    *Collection
	tables        map[string]*ActionTable
	notifications map[ResourceID][]Notification
}

// Validate checks a collection against a registry before any action runs.
// Every problem is collected and returned as ValidationErrors. On success each
// resource's Spec holds its decoded properties.
func Validate(c *Collection, registry *Registry) error {
	_, err := prepare(c, registry)
	return err
}

func prepare(c *Collection, registry *Registry) (*plan, error) {
	if c == nil {
		return nil, NewInternalError("collection is nil", nil)
	}
	if registry == nil {
		return nil, NewInternalError("registry is nil", nil)
	}

	p := &plan{
		collection:    c,
		tables:        make(map[string]*ActionTable),
		notifications: make(map[ResourceID][]Notification),
	}
	var errs ValidationErrors

	for _, r := range c.Resources() {
		table, ok := registry.Lookup(r.ID.Type)
		if !ok {
			errs = append(errs, NewValidationError("unknown resource type", nil).
				WithResource(r.ID).
				WithCode(ErrCodeUnknownType).
				WithDetail("type", r.ID.Type))
			continue
		}
		p.tables[r.ID.Type] = table

		for _, action := range r.Actions {
			if !table.Supports(action) {
				errs = append(errs, NewValidationError(
					fmt.Sprintf("action %s is not supported by %s", action, r.ID.Type), nil).
					WithResource(r.ID).
					WithOperation(action).
					WithCode(ErrCodeUnknownAction))
			}
		}
		if len(r.Actions) == 0 && table.DefaultAction == "" {
			errs = append(errs, NewValidationError("resource declares no action and its type has no default", nil).
				WithResource(r.ID).
				WithCode(ErrCodeUnknownAction))
		}

		if table.Decode != nil {
			spec, err := table.Decode(r.Properties)
			if err != nil {
				errs = append(errs, NewValidationError("invalid properties", err).
					WithResource(r.ID).
					WithCode(ErrCodeInvalidProperties))
			} else {
				r.Spec = spec
			}
		}
	}

	// Declared notifications first, then subscriptions in subscriber order.
	for _, r := range c.Resources() {
		for _, n := range r.Notifications {
			n.Source = r.ID
			p.notifications[r.ID] = append(p.notifications[r.ID], n)
		}
	}
	for _, r := range c.Resources() {
		for _, s := range r.Subscriptions {
			if _, ok := c.Get(s.Source); !ok {
				errs = append(errs, NewValidationError("subscription source does not exist", nil).
					WithResource(r.ID).
					WithCode(ErrCodeNotificationMissing).
					WithDetail("source", s.Source.String()))
				continue
			}
			p.notifications[s.Source] = append(p.notifications[s.Source], Notification{
				Source: s.Source,
				Target: r.ID,
				Action: s.Action,
				Timing: s.Timing,
			})
		}
	}

	for _, r := range c.Resources() {
		for _, n := range p.notifications[r.ID] {
			if err := n.EffectiveTiming().Validate(); err != nil {
				errs = append(errs, NewValidationError("invalid notification", err).
					WithResource(r.ID).
					WithCode(ErrCodeNotificationMissing).
					WithDetail("target", n.Target.String()))
				continue
			}
			target, ok := c.Get(n.Target)
			if !ok {
				errs = append(errs, NewValidationError("notification target does not exist", nil).
					WithResource(r.ID).
					WithCode(ErrCodeNotificationMissing).
					WithDetail("target", n.Target.String()))
				continue
			}
			table, ok := p.tables[target.ID.Type]
			if !ok {
				// Already reported as an unknown type.
				continue
			}
			if n.Action == ActionNothing || !table.Supports(n.Action) {
				errs = append(errs, NewValidationError(
					fmt.Sprintf("notification action %s is not supported by %s", n.Action, target.ID.Type), nil).
					WithResource(r.ID).
					WithOperation(n.Action).
					WithCode(ErrCodeUnknownAction).
					WithDetail("target", n.Target.String()))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return p, nil
}

// actionsFor returns the effective declared action list of a resource.
func (p *plan) actionsFor(r *Resource) []Action {
	if len(r.Actions) > 0 {
		return r.Actions
	}
	return []Action{p.tables[r.ID.Type].DefaultAction}
}
