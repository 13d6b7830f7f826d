// Package persistence implements a MongoDB-backed persistence.Gateway,
// one collection per entity, using a client session transaction for each
// of the compound atomic operations persistence.Gateway requires.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	core "github.com/mofax/durolow/internal/persistence"
	"github.com/mofax/durolow/pkg/api"
)

// MongoGateway is a persistence.Gateway backed by MongoDB.
type MongoGateway struct {
	client        *mongo.Client
	workflows     *mongo.Collection
	steps         *mongo.Collection
	stepInstances *mongo.Collection
	sleeps        *mongo.Collection
}

var _ core.Gateway = (*MongoGateway)(nil)

// NewMongoGateway creates a MongoGateway. dbName defaults to "durolow" if
// empty.
func NewMongoGateway(client *mongo.Client, dbName string) *MongoGateway {
	if dbName == "" {
		dbName = "durolow"
	}
	db := client.Database(dbName)
	return &MongoGateway{
		client:        client,
		workflows:     db.Collection("workflow_instances"),
		steps:         db.Collection("steps"),
		stepInstances: db.Collection("step_instances"),
		sleeps:        db.Collection("sleep_instances"),
	}
}

type workflowInstanceDoc struct {
	ID           string     `bson:"_id"`
	Name         string     `bson:"name"`
	Status       string     `bson:"status"`
	Input        any        `bson:"input,omitempty"`
	Output       any        `bson:"output,omitempty"`
	FailedReason string     `bson:"failed_reason,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty"`
}

func toWorkflowDoc(inst *api.WorkflowInstance) workflowInstanceDoc {
	return workflowInstanceDoc{
		ID:           inst.ID,
		Name:         inst.Name,
		Status:       string(inst.Status),
		Input:        inst.Input,
		Output:       inst.Output,
		FailedReason: inst.FailedReason,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		CompletedAt:  inst.CompletedAt,
	}
}

func fromWorkflowDoc(doc workflowInstanceDoc) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:           doc.ID,
		Name:         doc.Name,
		Status:       api.Status(doc.Status),
		Input:        doc.Input,
		Output:       doc.Output,
		FailedReason: doc.FailedReason,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		CompletedAt:  doc.CompletedAt,
	}
}

func (g *MongoGateway) CreateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	_, err := g.workflows.InsertOne(ctx, toWorkflowDoc(inst))
	return err
}

func (g *MongoGateway) UpdateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	res, err := g.workflows.ReplaceOne(ctx, bson.M{"_id": inst.ID}, toWorkflowDoc(inst))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return core.ErrWorkflowNotFound
	}
	return nil
}

func (g *MongoGateway) GetWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var doc workflowInstanceDoc
	if err := g.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrWorkflowNotFound
		}
		return nil, err
	}
	return fromWorkflowDoc(doc), nil
}

func (g *MongoGateway) ListWorkflowInstances(ctx context.Context, filter core.InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := bson.M{}
	if filter.WorkflowName != "" {
		query["name"] = filter.WorkflowName
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	cur, err := g.workflows.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc workflowInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromWorkflowDoc(doc))
	}
	return out, cur.Err()
}

func (g *MongoGateway) CancelIfNotTerminal(ctx context.Context, id string) error {
	res, err := g.workflows.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$nin": bson.A{"COMPLETED", "FAILED", "CANCELED"}}},
		bson.M{"$set": bson.M{"status": "CANCELED", "updated_at": nowFunc()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	if _, err := g.GetWorkflowInstance(ctx, id); err != nil {
		return err
	}
	return core.ErrAlreadyTerminal
}

type stepDoc struct {
	ID                 string `bson:"_id"`
	WorkflowInstanceID string `bson:"workflow_instance_id"`
	Name               string `bson:"name"`
}

type stepInstanceDoc struct {
	ID           string     `bson:"_id"`
	StepID       string     `bson:"step_id"`
	Status       string     `bson:"status"`
	Output       any        `bson:"output,omitempty"`
	Retries      int        `bson:"retries"`
	FailedReason string     `bson:"failed_reason,omitempty"`
	StartedAt    time.Time  `bson:"started_at"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty"`
}

func fromStepInstanceDoc(doc stepInstanceDoc) *api.StepInstance {
	return &api.StepInstance{
		ID:           doc.ID,
		StepID:       doc.StepID,
		Status:       api.StepStatus(doc.Status),
		Output:       doc.Output,
		Retries:      doc.Retries,
		FailedReason: doc.FailedReason,
		StartedAt:    doc.StartedAt,
		CompletedAt:  doc.CompletedAt,
	}
}

func toStepInstanceDoc(si *api.StepInstance) stepInstanceDoc {
	return stepInstanceDoc{
		ID:           si.ID,
		StepID:       si.StepID,
		Status:       string(si.Status),
		Output:       si.Output,
		Retries:      si.Retries,
		FailedReason: si.FailedReason,
		StartedAt:    si.StartedAt,
		CompletedAt:  si.CompletedAt,
	}
}

type sleepInstanceDoc struct {
	ID                 string     `bson:"_id"`
	WorkflowInstanceID string     `bson:"workflow_instance_id"`
	Name               string     `bson:"name"`
	DurationMillis     int64      `bson:"duration_millis"`
	StartedAt          time.Time  `bson:"started_at"`
	CompletedAt        *time.Time `bson:"completed_at,omitempty"`
}

func fromSleepDoc(doc sleepInstanceDoc) *api.SleepInstance {
	return &api.SleepInstance{
		ID:                 doc.ID,
		WorkflowInstanceID: doc.WorkflowInstanceID,
		Name:               doc.Name,
		DurationMillis:     doc.DurationMillis,
		StartedAt:          doc.StartedAt,
		CompletedAt:        doc.CompletedAt,
	}
}

func (g *MongoGateway) GetWorkflowState(ctx context.Context, id string) (*api.WorkflowState, error) {
	inst, err := g.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	state := &api.WorkflowState{Instance: *inst}

	cur, err := g.steps.Find(ctx, bson.M{"workflow_instance_id": id})
	if err != nil {
		return nil, err
	}
	var stepDocs []stepDoc
	if err := cur.All(ctx, &stepDocs); err != nil {
		return nil, err
	}

	for _, sd := range stepDocs {
		siCur, err := g.stepInstances.Find(ctx, bson.M{"step_id": sd.ID}, options.Find().SetSort(bson.M{"started_at": 1}))
		if err != nil {
			return nil, err
		}
		var siDocs []stepInstanceDoc
		if err := siCur.All(ctx, &siDocs); err != nil {
			return nil, err
		}
		var instances []api.StepInstance
		for _, siDoc := range siDocs {
			instances = append(instances, *fromStepInstanceDoc(siDoc))
		}
		state.Steps = append(state.Steps, api.StepWithInstances{
			Step:      api.StepRecord{ID: sd.ID, WorkflowInstanceID: sd.WorkflowInstanceID, Name: sd.Name},
			Instances: instances,
		})
	}

	sleepCur, err := g.sleeps.Find(ctx, bson.M{"workflow_instance_id": id})
	if err != nil {
		return nil, err
	}
	var sleepDocs []sleepInstanceDoc
	if err := sleepCur.All(ctx, &sleepDocs); err != nil {
		return nil, err
	}
	for _, sd := range sleepDocs {
		state.Sleeps = append(state.Sleeps, *fromSleepDoc(sd))
	}

	return state, nil
}

func (g *MongoGateway) FindOrCreateStep(ctx context.Context, workflowInstanceID, name string) (*api.StepRecord, error) {
	var doc stepDoc
	err := g.steps.FindOne(ctx, bson.M{"workflow_instance_id": workflowInstanceID, "name": name}).Decode(&doc)
	if err == nil {
		return &api.StepRecord{ID: doc.ID, WorkflowInstanceID: doc.WorkflowInstanceID, Name: doc.Name}, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	step := &api.StepRecord{ID: uuid.NewString(), WorkflowInstanceID: workflowInstanceID, Name: name}
	_, err = g.steps.InsertOne(ctx, stepDoc{ID: step.ID, WorkflowInstanceID: workflowInstanceID, Name: name})
	if mongo.IsDuplicateKeyError(err) {
		// Lost the race to another concurrent creator; read the winner.
		return g.FindOrCreateStep(ctx, workflowInstanceID, name)
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

func (g *MongoGateway) FindCompletedStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error) {
	var doc stepInstanceDoc
	err := g.stepInstances.FindOne(ctx,
		bson.M{"step_id": stepID, "status": string(api.StepCompleted)},
		options.FindOne().SetSort(bson.M{"started_at": -1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrStepInstanceNotFound
		}
		return nil, err
	}
	return fromStepInstanceDoc(doc), nil
}

func (g *MongoGateway) FindActiveStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error) {
	var doc stepInstanceDoc
	err := g.stepInstances.FindOne(ctx,
		bson.M{"step_id": stepID, "status": bson.M{"$nin": bson.A{string(api.StepCompleted), string(api.StepFailed)}}},
		options.FindOne().SetSort(bson.M{"started_at": -1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrStepInstanceNotFound
		}
		return nil, err
	}
	return fromStepInstanceDoc(doc), nil
}

func (g *MongoGateway) CreateStepInstance(ctx context.Context, si *api.StepInstance) error {
	_, err := g.stepInstances.InsertOne(ctx, toStepInstanceDoc(si))
	return err
}

func (g *MongoGateway) UpdateStepInstance(ctx context.Context, si *api.StepInstance) error {
	res, err := g.stepInstances.ReplaceOne(ctx, bson.M{"_id": si.ID}, toStepInstanceDoc(si))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return core.ErrStepInstanceNotFound
	}
	return nil
}

func (g *MongoGateway) CompleteStepInstance(ctx context.Context, si *api.StepInstance) error {
	return g.UpdateStepInstance(ctx, si)
}

func (g *MongoGateway) FailStepInstanceAndWorkflow(ctx context.Context, si *api.StepInstance, workflowInstanceID, workflowFailedReason string) error {
	session, err := g.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		res, err := g.stepInstances.ReplaceOne(sc, bson.M{"_id": si.ID}, toStepInstanceDoc(si))
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, core.ErrStepInstanceNotFound
		}

		wfRes, err := g.workflows.UpdateOne(sc,
			bson.M{"_id": workflowInstanceID},
			bson.M{"$set": bson.M{"status": "FAILED", "failed_reason": workflowFailedReason, "updated_at": nowFunc()}},
		)
		if err != nil {
			return nil, err
		}
		if wfRes.MatchedCount == 0 {
			return nil, core.ErrWorkflowNotFound
		}
		return nil, nil
	})
	return err
}

func (g *MongoGateway) FindSleepInstance(ctx context.Context, workflowInstanceID, name string) (*api.SleepInstance, error) {
	var doc sleepInstanceDoc
	err := g.sleeps.FindOne(ctx, bson.M{"workflow_instance_id": workflowInstanceID, "name": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrSleepInstanceNotFound
		}
		return nil, err
	}
	return fromSleepDoc(doc), nil
}

func (g *MongoGateway) StartSleep(ctx context.Context, s *api.SleepInstance, workflowInstanceID string) error {
	session, err := g.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		if _, err := g.sleeps.InsertOne(sc, sleepInstanceDoc{
			ID:                 s.ID,
			WorkflowInstanceID: s.WorkflowInstanceID,
			Name:               s.Name,
			DurationMillis:     s.DurationMillis,
			StartedAt:          s.StartedAt,
		}); err != nil {
			return nil, err
		}

		res, err := g.workflows.UpdateOne(sc,
			bson.M{"_id": workflowInstanceID},
			bson.M{"$set": bson.M{"status": "SLEEPING", "updated_at": nowFunc()}},
		)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, core.ErrWorkflowNotFound
		}
		return nil, nil
	})
	return err
}

func (g *MongoGateway) CompleteSleep(ctx context.Context, sleepInstanceID, workflowInstanceID string) error {
	session, err := g.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		now := nowFunc()
		res, err := g.sleeps.UpdateOne(sc, bson.M{"_id": sleepInstanceID}, bson.M{"$set": bson.M{"completed_at": now}})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, core.ErrSleepInstanceNotFound
		}

		wfRes, err := g.workflows.UpdateOne(sc,
			bson.M{"_id": workflowInstanceID},
			bson.M{"$set": bson.M{"status": "RUNNING", "updated_at": now}},
		)
		if err != nil {
			return nil, err
		}
		if wfRes.MatchedCount == 0 {
			return nil, core.ErrWorkflowNotFound
		}
		return nil, nil
	})
	return err
}

// nowFunc is a seam for tests; production code always uses the real clock.
var nowFunc = func() time.Time { return time.Now().UTC() }
