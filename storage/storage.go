package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"pov-board/domain"
)

// maxBatchSize is the Table service limit on actions per transaction.
const maxBatchSize = 100

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

// Storage persists phase boards in Azure Table storage. Stages and tasks live
// in separate tables, both partitioned by phase id, so every reorder of a
// phase is a single-partition transaction.
type Storage struct {
	stageTable       *aztables.Client
	taskTable        *aztables.Client
	eventQueue       queueClient
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, stagesTable, tasksTable, eventsQueue string, queueConcurrency int) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	if queueConcurrency <= 0 {
		queueConcurrency = defaultQueueConcurrency
	}
	return &Storage{
		stageTable:       svc.NewClient(stagesTable),
		taskTable:        svc.NewClient(tasksTable),
		eventQueue:       eq,
		queueConcurrency: queueConcurrency,
	}, nil
}

type stageEntity struct {
	aztables.Entity
	Name        string `json:"Name"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Order       int    `json:"Order"`
}

type taskEntity struct {
	aztables.Entity
	StageID       string `json:"StageID"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Priority      string `json:"Priority"`
	AssigneeID    string `json:"AssigneeID,omitempty"`
	AssigneeName  string `json:"AssigneeName,omitempty"`
	AssigneeEmail string `json:"AssigneeEmail,omitempty"`
	DueDate       string `json:"DueDate,omitempty"`
	Order         int    `json:"Order"`
}

type stageOrderUpdate struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Order        int    `json:"Order"`
}

type taskPlacementUpdate struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	StageID      string `json:"StageID"`
	Order        int    `json:"Order"`
}

// FetchStages retrieves every stage of the phase with its tasks, both sorted
// by their stored order.
func (s *Storage) FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error) {
	filter := partitionFilter(phaseID)

	stages := []domain.Stage{}
	pager := s.stageTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, e := range resp.Entities {
			st, err := decodeStageEntity(e)
			if err != nil {
				return nil, err
			}
			stages = append(stages, st)
		}
	}

	var tasks []domain.Task
	pager = s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return assemble(stages, tasks), nil
}

// ApplyStageOrder writes the order of each listed stage. Up to 100 stages are
// written in one atomic transaction.
func (s *Storage) ApplyStageOrder(ctx context.Context, phaseID string, orders []domain.StageOrder) error {
	actions, err := stageOrderActions(phaseID, orders)
	if err != nil {
		return err
	}
	return s.submit(ctx, s.stageTable, actions)
}

// ApplyTaskPlacements writes the stage and order of each listed task.
func (s *Storage) ApplyTaskPlacements(ctx context.Context, phaseID string, placements []domain.TaskPlacement) error {
	actions, err := taskPlacementActions(phaseID, placements)
	if err != nil {
		return err
	}
	return s.submit(ctx, s.taskTable, actions)
}

// CreateStage inserts a new stage. An existing id yields ErrConcurrencyConflict.
func (s *Storage) CreateStage(ctx context.Context, phaseID string, st domain.Stage) error {
	payload, err := sonic.Marshal(stageEntity{
		Entity:      aztables.Entity{PartitionKey: phaseID, RowKey: st.ID},
		Name:        st.Name,
		Description: st.Description,
		Status:      string(st.Status),
		Order:       st.Order,
	})
	if err != nil {
		return err
	}
	_, err = s.stageTable.AddEntity(ctx, payload, nil)
	return classify(err)
}

// CreateTask inserts a new task.
func (s *Storage) CreateTask(ctx context.Context, phaseID string, t domain.Task) error {
	payload, err := sonic.Marshal(encodeTaskEntity(phaseID, t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return classify(err)
}

// Ping checks that the events queue is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.eventQueue.GetProperties(ctx, nil)
	return err
}

func (s *Storage) submit(ctx context.Context, table *aztables.Client, actions []aztables.TransactionAction) error {
	for start := 0; start < len(actions); start += maxBatchSize {
		end := min(start+maxBatchSize, len(actions))
		if _, err := table.SubmitTransaction(ctx, actions[start:end], nil); err != nil {
			return classify(err)
		}
	}
	return nil
}

func stageOrderActions(phaseID string, orders []domain.StageOrder) ([]aztables.TransactionAction, error) {
	etag := azcore.ETagAny
	actions := make([]aztables.TransactionAction, 0, len(orders))
	for _, o := range orders {
		payload, err := sonic.Marshal(stageOrderUpdate{PartitionKey: phaseID, RowKey: o.StageID, Order: o.Order})
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
			IfMatch:    &etag,
		})
	}
	return actions, nil
}

func taskPlacementActions(phaseID string, placements []domain.TaskPlacement) ([]aztables.TransactionAction, error) {
	etag := azcore.ETagAny
	actions := make([]aztables.TransactionAction, 0, len(placements))
	for _, p := range placements {
		payload, err := sonic.Marshal(taskPlacementUpdate{PartitionKey: phaseID, RowKey: p.TaskID, StageID: p.StageID, Order: p.Order})
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
			IfMatch:    &etag,
		})
	}
	return actions, nil
}

func decodeStageEntity(data []byte) (domain.Stage, error) {
	var ent stageEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Stage{}, err
	}
	return domain.Stage{
		ID:          ent.RowKey,
		PhaseID:     ent.PartitionKey,
		Name:        ent.Name,
		Description: ent.Description,
		Status:      domain.StageStatus(ent.Status),
		Order:       ent.Order,
		Tasks:       []domain.Task{},
	}, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		StageID:     ent.StageID,
		Title:       ent.Title,
		Description: ent.Description,
		Priority:    domain.Priority(ent.Priority),
		Order:       ent.Order,
		Assignee:    domain.NewAssignee(ent.AssigneeID, ent.AssigneeName, ent.AssigneeEmail),
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339, ent.DueDate)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s due date: %w", ent.RowKey, err)
		}
		t.DueDate = &due
	}
	return t, nil
}

func encodeTaskEntity(phaseID string, t domain.Task) taskEntity {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: phaseID, RowKey: t.ID},
		StageID:     t.StageID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Order:       t.Order,
	}
	if t.Assignee != nil {
		ent.AssigneeID = t.Assignee.ID
		ent.AssigneeName = t.Assignee.Name
		ent.AssigneeEmail = t.Assignee.Email
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339)
	}
	return ent
}

// assemble groups tasks under their stages and sorts both levels by stored
// order, ties broken by id. Tasks whose stage no longer exists are dropped.
func assemble(stages []domain.Stage, tasks []domain.Task) []domain.Stage {
	sort.SliceStable(stages, func(i, j int) bool {
		if stages[i].Order != stages[j].Order {
			return stages[i].Order < stages[j].Order
		}
		return stages[i].ID < stages[j].ID
	})
	idx := make(map[string]int, len(stages))
	for i := range stages {
		if stages[i].Tasks == nil {
			stages[i].Tasks = []domain.Task{}
		}
		idx[stages[i].ID] = i
	}
	for _, t := range tasks {
		if i, ok := idx[t.StageID]; ok {
			stages[i].Tasks = append(stages[i].Tasks, t)
		}
	}
	for i := range stages {
		ts := stages[i].Tasks
		sort.SliceStable(ts, func(a, b int) bool {
			if ts[a].Order != ts[b].Order {
				return ts[a].Order < ts[b].Order
			}
			return ts[a].ID < ts[b].ID
		})
	}
	return stages
}

func partitionFilter(phaseID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(phaseID, "'", "''") + "'"
}

// classify maps Table service status codes onto domain errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		case 409, 412:
			return fmt.Errorf("%w: %w", domain.ErrConcurrencyConflict, err)
		}
	}
	return err
}
