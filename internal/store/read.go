package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/queryir"
	"github.com/roach88/conductor/internal/querysql"
	"github.com/roach88/conductor/internal/value"
)

// LoadPlan returns the plan with all of its steps.
func (s *Store) LoadPlan(ctx context.Context, id string) (*plan.ExecutionPlan, error) {
	var data string
	err := s.queryRow(ctx, s.db, `SELECT data FROM execution_plans WHERE id = ?`, id).Scan(&data)
	if err != nil {
		return nil, wrap(fmt.Sprintf("load plan %s", id), err)
	}
	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	ep, err := unmarshalPlan(data, steps)
	if err != nil {
		return nil, &PersistenceError{Op: fmt.Sprintf("load plan %s", id), Err: err}
	}
	return ep, nil
}

// loadSteps returns the steps of a plan ordered by id.
func (s *Store) loadSteps(ctx context.Context, planID string) ([]*plan.Step, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT data FROM steps WHERE plan_id = ? ORDER BY id ASC
	`, planID)
	if err != nil {
		return nil, wrap("query steps", err)
	}
	defer rows.Close()

	steps := []*plan.Step{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("scan step", err)
		}
		step, err := plan.DecodeStep([]byte(data))
		if err != nil {
			return nil, &PersistenceError{Op: "load step", Err: err}
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate steps", err)
	}
	return steps, nil
}

// LoadStep returns one step of a plan.
func (s *Store) LoadStep(ctx context.Context, planID string, id int) (*plan.Step, error) {
	var data string
	err := s.queryRow(ctx, s.db, `SELECT data FROM steps WHERE plan_id = ? AND id = ?`, planID, id).Scan(&data)
	if err != nil {
		return nil, wrap(fmt.Sprintf("load step %s/%d", planID, id), err)
	}
	step, err := plan.DecodeStep([]byte(data))
	if err != nil {
		return nil, &PersistenceError{Op: "load step", Err: err}
	}
	return step, nil
}

// LoadActionInput returns the stored input of an action, or Null when the
// action has no input.
func (s *Store) LoadActionInput(ctx context.Context, planID string, actionID int) (value.Value, error) {
	var input sql.NullString
	err := s.queryRow(ctx, s.db, `SELECT input FROM actions WHERE plan_id = ? AND id = ?`, planID, actionID).Scan(&input)
	if errors.Is(err, sql.ErrNoRows) {
		return value.Null{}, nil
	}
	if err != nil {
		return nil, wrap(fmt.Sprintf("load action input %s/%d", planID, actionID), err)
	}
	v, err := unmarshalValue(input)
	if err != nil {
		return nil, &PersistenceError{Op: "load action input", Err: err}
	}
	return v, nil
}

// LoadActionOutput returns the stored output of an action. An action that
// has not produced output yet has an empty object.
func (s *Store) LoadActionOutput(ctx context.Context, planID string, actionID int) (value.Object, error) {
	var output sql.NullString
	err := s.queryRow(ctx, s.db, `SELECT output FROM actions WHERE plan_id = ? AND id = ?`, planID, actionID).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return value.Object{}, nil
	}
	if err != nil {
		return nil, wrap(fmt.Sprintf("load action output %s/%d", planID, actionID), err)
	}
	v, err := unmarshalValue(output)
	if err != nil {
		return nil, &PersistenceError{Op: "load action output", Err: err}
	}
	switch out := v.(type) {
	case value.Object:
		return out, nil
	case value.Null:
		return value.Object{}, nil
	default:
		return nil, &PersistenceError{Op: "load action output",
			Err: fmt.Errorf("output of action %d is %T, not an object", actionID, v)}
	}
}

// FindExecutionPlans returns the plans matching filter, ordered by id.
func (s *Store) FindExecutionPlans(ctx context.Context, filter PlanFilter) ([]*plan.ExecutionPlan, error) {
	var preds []queryir.Predicate
	if len(filter.IDs) > 0 {
		preds = append(preds, queryir.In{Field: "id", Values: queryir.Strings(filter.IDs)})
	}
	if len(filter.States) > 0 {
		preds = append(preds, queryir.In{Field: "state", Values: queryir.Strings(filter.States)})
	}
	if filter.Label != "" {
		preds = append(preds, queryir.Equals{Field: "label", Value: value.String(filter.Label)})
	}
	if !filter.EndedBefore.IsZero() {
		preds = append(preds,
			queryir.Greater{Field: "ended_at", Value: value.Int(0)},
			queryir.Less{Field: "ended_at", Value: value.Int(filter.EndedBefore.UnixNano())},
		)
	}
	query, args, err := querysql.Compile(queryir.Select{
		From:    "execution_plans",
		Columns: []string{"id"},
		Filter:  queryir.Where(preds...),
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("find execution plans: %w", err)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, wrap("find execution plans", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrap("scan execution plan", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, wrap("iterate execution plans", err)
	}

	plans := make([]*plan.ExecutionPlan, 0, len(ids))
	for _, id := range ids {
		ep, err := s.LoadPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, ep)
	}
	return plans, nil
}

// LoadAllocation returns the executor allocation of a plan.
func (s *Store) LoadAllocation(ctx context.Context, planID string) (Allocation, error) {
	a := Allocation{PlanID: planID}
	err := s.queryRow(ctx, s.db, `
		SELECT world_id, client_world_id, request_id FROM executor_allocations WHERE plan_id = ?
	`, planID).Scan(&a.WorldID, &a.ClientWorldID, &a.RequestID)
	if err != nil {
		return Allocation{}, wrap(fmt.Sprintf("load allocation %s", planID), err)
	}
	return a, nil
}

// FindAllocations returns the allocations held by worldID, ordered by plan.
func (s *Store) FindAllocations(ctx context.Context, worldID string) ([]Allocation, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT plan_id, world_id, client_world_id, request_id
		FROM executor_allocations
		WHERE world_id = ?
		ORDER BY plan_id ASC
	`, worldID)
	if err != nil {
		return nil, wrap("find allocations", err)
	}
	defer rows.Close()

	out := []Allocation{}
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.PlanID, &a.WorldID, &a.ClientWorldID, &a.RequestID); err != nil {
			return nil, wrap("scan allocation", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate allocations", err)
	}
	return out, nil
}

// PullEnvelopes removes and returns the envelopes queued for receiverID in
// the order they were pushed.
func (s *Store) PullEnvelopes(ctx context.Context, receiverID string) ([][]byte, error) {
	var out [][]byte
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `
			SELECT id, data FROM envelopes WHERE receiver_id = ? ORDER BY id ASC
		`, receiverID)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id, data string
			if err := rows.Scan(&id, &data); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			out = append(out, []byte(data))
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.exec(ctx, tx, `DELETE FROM envelopes WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(fmt.Sprintf("pull envelopes for %s", receiverID), err)
	}
	return out, nil
}

// LoadSemaphore returns the persisted ticket counts of a semaphore.
func (s *Store) LoadSemaphore(ctx context.Context, name string) (tickets, free int, err error) {
	err = s.queryRow(ctx, s.db, `SELECT tickets, free FROM semaphores WHERE name = ?`, name).Scan(&tickets, &free)
	if err != nil {
		return 0, 0, wrap(fmt.Sprintf("load semaphore %s", name), err)
	}
	return tickets, free, nil
}

// LoadRecord returns one coordinator record.
func (s *Store) LoadRecord(ctx context.Context, class, id string) (CoordinatorRecord, error) {
	r := CoordinatorRecord{Class: class, ID: id}
	var data string
	err := s.queryRow(ctx, s.db, `
		SELECT owner_id, data FROM coordinator_records WHERE class = ? AND id = ?
	`, class, id).Scan(&r.OwnerID, &data)
	if err != nil {
		return CoordinatorRecord{}, wrap(fmt.Sprintf("load record %s/%s", class, id), err)
	}
	r.Data = []byte(data)
	return r, nil
}

// FindRecords returns the records of class matching filter, ordered by id.
func (s *Store) FindRecords(ctx context.Context, class string, filter RecordFilter) ([]CoordinatorRecord, error) {
	preds := []queryir.Predicate{queryir.Equals{Field: "class", Value: value.String(class)}}
	if filter.OwnerID != "" {
		preds = append(preds, queryir.Equals{Field: "owner_id", Value: value.String(filter.OwnerID)})
	}
	if len(filter.IDs) > 0 {
		preds = append(preds, queryir.In{Field: "id", Values: queryir.Strings(filter.IDs)})
	}
	query, args, err := querysql.Compile(queryir.Select{
		From:    "coordinator_records",
		Columns: []string{"id", "owner_id", "data"},
		Filter:  queryir.Where(preds...),
	})
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, wrap("find records", err)
	}
	defer rows.Close()

	out := []CoordinatorRecord{}
	for rows.Next() {
		r := CoordinatorRecord{Class: class}
		var data string
		if err := rows.Scan(&r.ID, &r.OwnerID, &data); err != nil {
			return nil, wrap("scan record", err)
		}
		r.Data = []byte(data)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate records", err)
	}
	return out, nil
}
