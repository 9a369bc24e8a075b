package template

import (
	"context"
	"time"

	"maggma.dev/builder"
	"maggma.dev/store"
)

// GroupUnaryFunction is the user-supplied transform a GroupBuilder runs
// for every selected group's full member list.
type GroupUnaryFunction func(ctx context.Context, members []store.Document) (map[string]any, error)

// GroupBuilder is the N:1 execution template: source documents are
// grouped by GroupingProperties, process_item receives one group's full
// member list, and the output document carries a plural form of the
// source key plus the group tuple. Orphan deletion is not offered: the
// reverse relationship from a group back to its members is not
// well-defined.
type GroupBuilder struct {
	builder.Base

	BuilderName string

	// GroupingProperties is the tuple of source fields groups are formed
	// on.
	GroupingProperties []string

	Timeout          time.Duration
	StoreProcessTime bool
	Query            store.Criteria

	Unary GroupUnaryFunction
}

// Each WorkItem GetItems produces carries one group's key tuple and its
// full member list under these fields.
const (
	groupKeyField     = "_group_key"
	groupMembersField = "_group_members"
)

func (g *GroupBuilder) Name() string { return g.BuilderName }

func (g *GroupBuilder) source() store.Store { return g.Sources[0] }
func (g *GroupBuilder) target() store.Store { return g.Targets[0] }

// GetItems groups source documents by GroupingProperties and yields one
// WorkItem per group whose members include at least one document newer in
// source than the corresponding target group, or whose group is absent
// from target entirely.
func (g *GroupBuilder) GetItems(ctx context.Context) (<-chan builder.WorkItem, <-chan error) {
	out := make(chan builder.WorkItem)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		source, target := g.source(), g.target()

		groups, err := source.GroupBy(ctx, g.GroupingProperties, g.Query)
		if err != nil {
			errCh <- err
			return
		}

		for _, grp := range groups {
			maxSourceTime := store.EpochTimestamp
			for _, m := range grp.Members {
				if t, ok := store.AsTime(m[source.LastUpdatedField()]); ok && t.After(maxSourceTime) {
					maxSourceTime = t
				}
			}

			targetCriteria := make(store.Criteria, len(g.GroupingProperties))
			for _, f := range g.GroupingProperties {
				targetCriteria[f] = grp.Key[f]
			}
			targetDoc, found, err := target.QueryOne(ctx, targetCriteria, nil)
			if err != nil {
				errCh <- err
				return
			}

			process := !found
			if found {
				targetTime, ok := store.AsTime(targetDoc[target.LastUpdatedField()])
				if !ok || maxSourceTime.After(targetTime) {
					process = true
				}
			}
			if !process {
				continue
			}
			g.Logger().WithField("group", grp.Key).Debug("group selected for processing")

			item := builder.WorkItem{
				groupKeyField:     grp.Key,
				groupMembersField: grp.Members,
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

// ProcessItem runs Unary over the group's full member list. As with
// MapBuilder, a failure is converted into the failed-state output shape
// rather than returned, so it is still persisted by UpdateTargets.
func (g *GroupBuilder) ProcessItem(ctx context.Context, item builder.WorkItem) (builder.ProcessedItem, error) {
	key, _ := item[groupKeyField].(map[string]any)
	members, _ := item[groupMembersField].([]store.Document)

	start := time.Now()
	payload, err := g.Unary(ctx, members)
	elapsed := time.Since(start)

	out := builder.ProcessedItem{}
	if err != nil {
		g.Logger().WithField("group", key).WithError(err).Warn("group failed")
		out["error"] = err.Error()
		out["state"] = "failed"
	} else {
		for k, v := range payload {
			out[k] = v
		}
		if g.StoreProcessTime {
			out["process_time"] = elapsed
		}
	}
	for f, v := range key {
		out[f] = v
	}
	out[pluralKeyField(g.source().KeyField())] = memberKeys(members, g.source().KeyField())
	out[g.target().LastUpdatedField()] = time.Now()
	out["_bt"] = g.BuildTag
	return out, nil
}

func pluralKeyField(keyField string) string { return keyField + "s" }

func memberKeys(members []store.Document, keyField string) []any {
	keys := make([]any, 0, len(members))
	for _, m := range members {
		keys = append(keys, m[keyField])
	}
	return keys
}

// UpdateTargets upserts batch into the target Store keyed by the group
// tuple (GroupingProperties), not the source's single key field.
func (g *GroupBuilder) UpdateTargets(ctx context.Context, batch []builder.ProcessedItem) error {
	target := g.target()
	docs := make([]store.Document, len(batch))
	for i, p := range batch {
		docs[i] = store.Document(p)
	}
	return target.Update(ctx, docs, g.GroupingProperties)
}

// Total is unavailable for GroupBuilder: the group count is only known
// after a full GroupBy pass, which GetItems already performs lazily.
func (g *GroupBuilder) Total(ctx context.Context) (int, bool) { return 0, false }

// ItemTimeout satisfies builder.TimeoutProvider.
func (g *GroupBuilder) ItemTimeout() time.Duration { return g.Timeout }
