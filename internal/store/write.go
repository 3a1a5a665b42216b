package store

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// SavePlan upserts the plan record and all of its steps in one transaction.
func (s *Store) SavePlan(ctx context.Context, ep *plan.ExecutionPlan) error {
	data, steps, err := marshalPlan(ep)
	if err != nil {
		return &PersistenceError{Op: "save plan", Err: err}
	}
	stepData := make([]string, len(steps))
	for i, step := range steps {
		b, err := plan.EncodeStep(step)
		if err != nil {
			return &PersistenceError{Op: "save plan", Err: err}
		}
		stepData[i] = string(b)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO execution_plans (id, label, state, result, started_at, ended_at, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				label = excluded.label,
				state = excluded.state,
				result = excluded.result,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				data = excluded.data
		`,
			ep.ID,
			ep.Label,
			string(ep.State),
			string(ep.Result),
			nanos(ep.StartedAt),
			nanos(ep.EndedAt),
			data,
		)
		if err != nil {
			return err
		}

		// Replanning may shrink the step set.
		if _, err := s.exec(ctx, tx, `DELETE FROM steps WHERE plan_id = ?`, ep.ID); err != nil {
			return err
		}
		for i, step := range steps {
			if err := s.writeStep(ctx, tx, step, stepData[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(fmt.Sprintf("save plan %s", ep.ID), err)
}

// SaveStep upserts a single step row.
func (s *Store) SaveStep(ctx context.Context, step *plan.Step) error {
	data, err := plan.EncodeStep(step)
	if err != nil {
		return &PersistenceError{Op: "save step", Err: err}
	}
	err = s.writeStep(ctx, s.db, step, string(data))
	return wrap(fmt.Sprintf("save step %s/%d", step.PlanID, step.ID), err)
}

func (s *Store) writeStep(ctx context.Context, q queryer, step *plan.Step, data string) error {
	_, err := s.exec(ctx, q, `
		INSERT INTO steps (plan_id, id, phase, state, action_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id, id) DO UPDATE SET
			phase = excluded.phase,
			state = excluded.state,
			action_id = excluded.action_id,
			data = excluded.data
	`,
		step.PlanID,
		step.ID,
		string(step.Phase),
		string(step.State),
		step.ActionID,
		data,
	)
	return err
}

// SaveActionInputs stores the input payload of each action, keyed by action
// id. Outputs already stored are kept.
func (s *Store) SaveActionInputs(ctx context.Context, planID string, inputs map[int]value.Value) error {
	encoded := make(map[int]string, len(inputs))
	for id, in := range inputs {
		data, err := marshalValue(in)
		if err != nil {
			return &PersistenceError{Op: "save action inputs", Err: err}
		}
		encoded[id] = data
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range slices.Sorted(maps.Keys(encoded)) {
			_, err := s.exec(ctx, tx, `
				INSERT INTO actions (plan_id, id, input)
				VALUES (?, ?, ?)
				ON CONFLICT(plan_id, id) DO UPDATE SET input = excluded.input
			`, planID, id, encoded[id])
			if err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(fmt.Sprintf("save action inputs %s", planID), err)
}

// SaveActionOutput replaces the output payload of an action.
func (s *Store) SaveActionOutput(ctx context.Context, planID string, actionID int, out value.Object) error {
	if out == nil {
		out = value.Object{}
	}
	data, err := marshalValue(out)
	if err != nil {
		return &PersistenceError{Op: "save action output", Err: err}
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO actions (plan_id, id, output)
		VALUES (?, ?, ?)
		ON CONFLICT(plan_id, id) DO UPDATE SET output = excluded.output
	`, planID, actionID, data)
	return wrap(fmt.Sprintf("save action output %s/%d", planID, actionID), err)
}

// DeleteExecutionPlans removes plans with their steps, actions and
// allocations. It returns the number of plans deleted.
func (s *Store) DeleteExecutionPlans(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			for _, table := range []string{"steps", "actions"} {
				if _, err := s.exec(ctx, tx, "DELETE FROM "+table+" WHERE plan_id = ?", id); err != nil {
					return err
				}
			}
			if _, err := s.exec(ctx, tx, `DELETE FROM executor_allocations WHERE plan_id = ?`, id); err != nil {
				return err
			}
			res, err := s.exec(ctx, tx, `DELETE FROM execution_plans WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, wrap("delete execution plans", err)
	}
	return deleted, nil
}

// SaveAllocation upserts the executor allocation of a plan.
func (s *Store) SaveAllocation(ctx context.Context, a Allocation) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO executor_allocations (plan_id, world_id, client_world_id, request_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			world_id = excluded.world_id,
			client_world_id = excluded.client_world_id,
			request_id = excluded.request_id
	`, a.PlanID, a.WorldID, a.ClientWorldID, a.RequestID)
	return wrap(fmt.Sprintf("save allocation %s", a.PlanID), err)
}

// DeleteAllocation removes the executor allocation of a plan. Deleting a
// missing allocation is not an error.
func (s *Store) DeleteAllocation(ctx context.Context, planID string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM executor_allocations WHERE plan_id = ?`, planID)
	return wrap(fmt.Sprintf("delete allocation %s", planID), err)
}

// PushEnvelope queues an encoded envelope for receiverID.
func (s *Store) PushEnvelope(ctx context.Context, receiverID string, data []byte) error {
	id, err := uuid.NewV7()
	if err != nil {
		return &PersistenceError{Op: "push envelope", Err: err}
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO envelopes (id, receiver_id, data) VALUES (?, ?, ?)
	`, id.String(), receiverID, string(data))
	return wrap(fmt.Sprintf("push envelope for %s", receiverID), err)
}

// PruneEnvelopes drops every envelope queued for receiverID.
func (s *Store) PruneEnvelopes(ctx context.Context, receiverID string) (int, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM envelopes WHERE receiver_id = ?`, receiverID)
	if err != nil {
		return 0, wrap("prune envelopes", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("prune envelopes", err)
	}
	return int(n), nil
}

// SaveSemaphore upserts the ticket counts of a semaphore.
func (s *Store) SaveSemaphore(ctx context.Context, name string, tickets, free int) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO semaphores (name, tickets, free) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET tickets = excluded.tickets, free = excluded.free
	`, name, tickets, free)
	return wrap(fmt.Sprintf("save semaphore %s", name), err)
}

// DeleteSemaphores removes every semaphore whose name starts with prefix
// and returns how many were removed.
func (s *Store) DeleteSemaphores(ctx context.Context, prefix string) (int, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM semaphores WHERE substr(name, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return 0, wrap("delete semaphores", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("delete semaphores", err)
	}
	return int(n), nil
}

// CreateRecord inserts a coordinator record. It fails with ErrDuplicate
// when a record with the same class and id exists.
func (s *Store) CreateRecord(ctx context.Context, r CoordinatorRecord) error {
	res, err := s.exec(ctx, s.db, `
		INSERT INTO coordinator_records (class, id, owner_id, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(class, id) DO NOTHING
	`, r.Class, r.ID, r.OwnerID, string(r.Data))
	if err != nil {
		return wrap("create record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("create record", err)
	}
	if n == 0 {
		return fmt.Errorf("create record %s/%s: %w", r.Class, r.ID, ErrDuplicate)
	}
	return nil
}

// UpdateRecord replaces the owner and data of an existing record.
func (s *Store) UpdateRecord(ctx context.Context, r CoordinatorRecord) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE coordinator_records SET owner_id = ?, data = ? WHERE class = ? AND id = ?
	`, r.OwnerID, string(r.Data), r.Class, r.ID)
	if err != nil {
		return wrap("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update record", err)
	}
	if n == 0 {
		return &PersistenceError{Op: fmt.Sprintf("update record %s/%s", r.Class, r.ID), Err: ErrNotFound}
	}
	return nil
}

// DeleteRecord removes a coordinator record. It reports whether a record
// was deleted.
func (s *Store) DeleteRecord(ctx context.Context, class, id string) (bool, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM coordinator_records WHERE class = ? AND id = ?`, class, id)
	if err != nil {
		return false, wrap("delete record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("delete record", err)
	}
	return n > 0, nil
}
