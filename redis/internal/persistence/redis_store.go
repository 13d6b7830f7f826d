// Package persistence implements a Redis-backed persistence.Gateway.
//
// Each entity is stored as a JSON blob under its own key, with secondary
// sets for ListWorkflowInstances filtering. The four atomic compound
// operations that persistence.Gateway requires (CancelIfNotTerminal,
// FailStepInstanceAndWorkflow, StartSleep, CompleteSleep) are implemented
// as Lua scripts run with EVAL, since they each need a conditional
// read-then-write that a plain TxPipeline can't express.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	core "github.com/mofax/durolow/internal/persistence"
	"github.com/mofax/durolow/pkg/api"
)

// RedisGateway is a persistence.Gateway backed by Redis.
type RedisGateway struct {
	client *redis.Client
	prefix string
}

var _ core.Gateway = (*RedisGateway)(nil)

// NewRedisGateway creates a RedisGateway. prefix namespaces all keys; it
// defaults to "durolow:" when empty.
func NewRedisGateway(client *redis.Client, prefix string) *RedisGateway {
	if prefix == "" {
		prefix = "durolow:"
	}
	return &RedisGateway{client: client, prefix: prefix}
}

func (g *RedisGateway) keyWorkflow(id string) string      { return g.prefix + "wf:" + id }
func (g *RedisGateway) keyWorkflowAll() string            { return g.prefix + "wf:idx:all" }
func (g *RedisGateway) keyWorkflowByName(n string) string { return g.prefix + "wf:idx:name:" + n }
func (g *RedisGateway) keyWorkflowByStatus(s api.Status) string {
	return g.prefix + "wf:idx:status:" + string(s)
}

func (g *RedisGateway) keyStepByName(workflowInstanceID, name string) string {
	return g.prefix + "step:byname:" + workflowInstanceID + "\x00" + name
}
func (g *RedisGateway) keyStep(id string) string { return g.prefix + "step:" + id }

func (g *RedisGateway) keyStepInstances(stepID string) string {
	return g.prefix + "stepinst:list:" + stepID
}
func (g *RedisGateway) keyStepInstance(id string) string { return g.prefix + "stepinst:" + id }

func (g *RedisGateway) keySleepByName(workflowInstanceID, name string) string {
	return g.prefix + "sleep:byname:" + workflowInstanceID + "\x00" + name
}
func (g *RedisGateway) keySleep(id string) string { return g.prefix + "sleep:" + id }

func (g *RedisGateway) CreateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, g.keyWorkflow(inst.ID), data, 0)
	pipe.SAdd(ctx, g.keyWorkflowAll(), inst.ID)
	pipe.SAdd(ctx, g.keyWorkflowByName(inst.Name), inst.ID)
	pipe.SAdd(ctx, g.keyWorkflowByStatus(inst.Status), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (g *RedisGateway) UpdateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	if g.client.Exists(ctx, g.keyWorkflow(inst.ID)).Val() == 0 {
		return core.ErrWorkflowNotFound
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, g.keyWorkflow(inst.ID), data, 0)
	pipe.SAdd(ctx, g.keyWorkflowByName(inst.Name), inst.ID)
	pipe.SAdd(ctx, g.keyWorkflowByStatus(inst.Status), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (g *RedisGateway) GetWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := g.client.Get(ctx, g.keyWorkflow(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrWorkflowNotFound
		}
		return nil, err
	}
	var inst api.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (g *RedisGateway) ListWorkflowInstances(ctx context.Context, filter core.InstanceFilter) ([]*api.WorkflowInstance, error) {
	var ids []string
	var err error
	switch {
	case filter.WorkflowName != "" && filter.Status != "":
		ids, err = g.client.SInter(ctx, g.keyWorkflowByName(filter.WorkflowName), g.keyWorkflowByStatus(filter.Status)).Result()
	case filter.WorkflowName != "":
		ids, err = g.client.SMembers(ctx, g.keyWorkflowByName(filter.WorkflowName)).Result()
	case filter.Status != "":
		ids, err = g.client.SMembers(ctx, g.keyWorkflowByStatus(filter.Status)).Result()
	default:
		ids, err = g.client.SMembers(ctx, g.keyWorkflowAll()).Result()
	}
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowInstance
	for _, id := range ids {
		inst, err := g.GetWorkflowInstance(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrWorkflowNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// cancelIfNotTerminalScript atomically reads the instance's status field
// and, if not terminal, overwrites the stored JSON with status CANCELED.
var cancelIfNotTerminalScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return {err = 'not_found'}
end
local inst = cjson.decode(data)
local terminal = {COMPLETED=true, FAILED=true, CANCELED=true}
if terminal[inst.Status] then
	return {err = 'already_terminal'}
end
inst.Status = ARGV[1]
inst.UpdatedAt = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(inst))
return 'OK'
`)

func (g *RedisGateway) CancelIfNotTerminal(ctx context.Context, id string) error {
	_, err := cancelIfNotTerminalScript.Run(ctx, g.client, []string{g.keyWorkflow(id)},
		string(api.StatusCanceled), nowFunc().Format(rfc3339Nano)).Result()
	return translateScriptErr(err)
}

func translateScriptErr(err error) error {
	if err == nil {
		return nil
	}
	switch err.Error() {
	case "not_found":
		return core.ErrWorkflowNotFound
	case "already_terminal":
		return core.ErrAlreadyTerminal
	default:
		return err
	}
}

func (g *RedisGateway) GetWorkflowState(ctx context.Context, id string) (*api.WorkflowState, error) {
	inst, err := g.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	state := &api.WorkflowState{Instance: *inst}

	stepIDs, err := g.client.SMembers(ctx, g.prefix+"wf:steps:"+id).Result()
	if err != nil {
		return nil, err
	}
	for _, stepID := range stepIDs {
		data, err := g.client.Get(ctx, g.keyStep(stepID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var step api.StepRecord
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, err
		}

		instanceIDs, err := g.client.LRange(ctx, g.keyStepInstances(stepID), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		var instances []api.StepInstance
		for _, siID := range instanceIDs {
			siData, err := g.client.Get(ctx, g.keyStepInstance(siID)).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}
			var si api.StepInstance
			if err := json.Unmarshal(siData, &si); err != nil {
				return nil, err
			}
			instances = append(instances, si)
		}
		state.Steps = append(state.Steps, api.StepWithInstances{Step: step, Instances: instances})
	}

	sleepIDs, err := g.client.SMembers(ctx, g.prefix+"wf:sleeps:"+id).Result()
	if err != nil {
		return nil, err
	}
	for _, sleepID := range sleepIDs {
		data, err := g.client.Get(ctx, g.keySleep(sleepID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var s api.SleepInstance
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		state.Sleeps = append(state.Sleeps, s)
	}

	return state, nil
}

func (g *RedisGateway) FindOrCreateStep(ctx context.Context, workflowInstanceID, name string) (*api.StepRecord, error) {
	id, err := g.client.Get(ctx, g.keyStepByName(workflowInstanceID, name)).Result()
	if err == nil {
		data, err := g.client.Get(ctx, g.keyStep(id)).Bytes()
		if err != nil {
			return nil, err
		}
		var step api.StepRecord
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, err
		}
		return &step, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	step := &api.StepRecord{ID: newID(), WorkflowInstanceID: workflowInstanceID, Name: name}
	data, err := json.Marshal(step)
	if err != nil {
		return nil, err
	}

	pipe := g.client.TxPipeline()
	// SetNX guards against a concurrent creator racing on the same name.
	setCmd := pipe.SetNX(ctx, g.keyStepByName(workflowInstanceID, name), step.ID, 0)
	pipe.Set(ctx, g.keyStep(step.ID), data, 0)
	pipe.SAdd(ctx, g.prefix+"wf:steps:"+workflowInstanceID, step.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	if !setCmd.Val() {
		// Lost the race: re-read the winner's step.
		return g.FindOrCreateStep(ctx, workflowInstanceID, name)
	}
	return step, nil
}

func (g *RedisGateway) FindCompletedStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error) {
	ids, err := g.client.LRange(ctx, g.keyStepInstances(stepID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		si, err := g.getStepInstance(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if si.Status == api.StepCompleted {
			return si, nil
		}
	}
	return nil, core.ErrStepInstanceNotFound
}

func (g *RedisGateway) FindActiveStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error) {
	ids, err := g.client.LRange(ctx, g.keyStepInstances(stepID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		si, err := g.getStepInstance(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if si.Status != api.StepCompleted && si.Status != api.StepFailed {
			return si, nil
		}
	}
	return nil, core.ErrStepInstanceNotFound
}

func (g *RedisGateway) getStepInstance(ctx context.Context, id string) (*api.StepInstance, error) {
	data, err := g.client.Get(ctx, g.keyStepInstance(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var si api.StepInstance
	if err := json.Unmarshal(data, &si); err != nil {
		return nil, err
	}
	return &si, nil
}

func (g *RedisGateway) CreateStepInstance(ctx context.Context, si *api.StepInstance) error {
	data, err := json.Marshal(si)
	if err != nil {
		return err
	}
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, g.keyStepInstance(si.ID), data, 0)
	pipe.RPush(ctx, g.keyStepInstances(si.StepID), si.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (g *RedisGateway) UpdateStepInstance(ctx context.Context, si *api.StepInstance) error {
	if g.client.Exists(ctx, g.keyStepInstance(si.ID)).Val() == 0 {
		return core.ErrStepInstanceNotFound
	}
	data, err := json.Marshal(si)
	if err != nil {
		return err
	}
	return g.client.Set(ctx, g.keyStepInstance(si.ID), data, 0).Err()
}

func (g *RedisGateway) CompleteStepInstance(ctx context.Context, si *api.StepInstance) error {
	return g.UpdateStepInstance(ctx, si)
}

// failStepAndWorkflowScript atomically overwrites the StepInstance and
// WorkflowInstance JSON blobs together.
var failStepAndWorkflowScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
local wfData = redis.call('GET', KEYS[2])
if not wfData then
	return {err = 'wf_not_found'}
end
local wf = cjson.decode(wfData)
wf.Status = 'FAILED'
wf.FailedReason = ARGV[2]
wf.UpdatedAt = ARGV[3]
redis.call('SET', KEYS[2], cjson.encode(wf))
return 'OK'
`)

func (g *RedisGateway) FailStepInstanceAndWorkflow(ctx context.Context, si *api.StepInstance, workflowInstanceID, workflowFailedReason string) error {
	siData, err := json.Marshal(si)
	if err != nil {
		return err
	}
	_, err = failStepAndWorkflowScript.Run(ctx, g.client,
		[]string{g.keyStepInstance(si.ID), g.keyWorkflow(workflowInstanceID)},
		string(siData), workflowFailedReason, nowFunc().Format(rfc3339Nano)).Result()
	return translateFailScriptErr(err)
}

func translateFailScriptErr(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == "wf_not_found" {
		return core.ErrWorkflowNotFound
	}
	return err
}

func (g *RedisGateway) FindSleepInstance(ctx context.Context, workflowInstanceID, name string) (*api.SleepInstance, error) {
	id, err := g.client.Get(ctx, g.keySleepByName(workflowInstanceID, name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSleepInstanceNotFound
		}
		return nil, err
	}
	data, err := g.client.Get(ctx, g.keySleep(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var s api.SleepInstance
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// startSleepScript atomically creates the sleep-instance row and flips the
// owning workflow to SLEEPING.
var startSleepScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SETNX', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
local wfData = redis.call('GET', KEYS[4])
if not wfData then
	return {err = 'wf_not_found'}
end
local wf = cjson.decode(wfData)
wf.Status = 'SLEEPING'
wf.UpdatedAt = ARGV[3]
redis.call('SET', KEYS[4], cjson.encode(wf))
return 'OK'
`)

func (g *RedisGateway) StartSleep(ctx context.Context, s *api.SleepInstance, workflowInstanceID string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = startSleepScript.Run(ctx, g.client,
		[]string{g.keySleep(s.ID), g.keySleepByName(workflowInstanceID, s.Name), g.prefix + "wf:sleeps:" + workflowInstanceID, g.keyWorkflow(workflowInstanceID)},
		string(data), s.ID, nowFunc().Format(rfc3339Nano)).Result()
	return translateFailScriptErr(err)
}

// completeSleepScript atomically sets completedAt on the sleep instance
// and flips the owning workflow back to RUNNING.
var completeSleepScript = redis.NewScript(`
local sleepData = redis.call('GET', KEYS[1])
if not sleepData then
	return {err = 'sleep_not_found'}
end
local sleep = cjson.decode(sleepData)
sleep.CompletedAt = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(sleep))

local wfData = redis.call('GET', KEYS[2])
if not wfData then
	return {err = 'wf_not_found'}
end
local wf = cjson.decode(wfData)
wf.Status = 'RUNNING'
wf.UpdatedAt = ARGV[1]
redis.call('SET', KEYS[2], cjson.encode(wf))
return 'OK'
`)

func (g *RedisGateway) CompleteSleep(ctx context.Context, sleepInstanceID, workflowInstanceID string) error {
	_, err := completeSleepScript.Run(ctx, g.client,
		[]string{g.keySleep(sleepInstanceID), g.keyWorkflow(workflowInstanceID)},
		nowFunc().Format(rfc3339Nano)).Result()
	if err != nil {
		switch err.Error() {
		case "sleep_not_found":
			return core.ErrSleepInstanceNotFound
		case "wf_not_found":
			return core.ErrWorkflowNotFound
		}
	}
	return err
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

func newID() string {
	return uuid.NewString()
}

// nowFunc is a seam for tests; production code always uses the real clock.
var nowFunc = func() time.Time { return time.Now().UTC() }
