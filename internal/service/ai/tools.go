package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"taskflow/internal/service/tasks"
)

// Tool names form the closed dispatch set presented to the model.
const (
	ToolListTasks    = "list_tasks"
	ToolCreateTask   = "create_task"
	ToolGetTask      = "get_task"
	ToolUpdateTask   = "update_task"
	ToolDeleteTask   = "delete_task"
	ToolMarkComplete = "mark_complete"
)

// ErrUnknownTool is returned when the model requests a name outside the dispatch set.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Dispatcher is the per-request tool table. The authenticated owner id is
// captured in the tool closures at construction; nothing the model sends can
// change which user's tasks the tools operate on.
type Dispatcher struct {
	order []string
	tools map[string]tool.InvokableTool
}

type boundTools struct {
	svc     *tasks.Service
	ownerID int64
}

// NewTaskDispatcher builds the dispatch table bound to one owner.
func NewTaskDispatcher(svc *tasks.Service, ownerID int64) *Dispatcher {
	b := &boundTools{svc: svc, ownerID: ownerID}
	d := &Dispatcher{
		order: []string{ToolListTasks, ToolCreateTask, ToolGetTask, ToolUpdateTask, ToolDeleteTask, ToolMarkComplete},
		tools: map[string]tool.InvokableTool{
			ToolListTasks:    utils.NewTool(listTasksInfo(), b.listTasks),
			ToolCreateTask:   utils.NewTool(createTaskInfo(), b.createTask),
			ToolGetTask:      utils.NewTool(getTaskInfo(), b.getTask),
			ToolUpdateTask:   utils.NewTool(updateTaskInfo(), b.updateTask),
			ToolDeleteTask:   utils.NewTool(deleteTaskInfo(), b.deleteTask),
			ToolMarkComplete: utils.NewTool(markCompleteInfo(), b.markComplete),
		},
	}
	return d
}

// ToolInfos returns the schemas for every tool, in stable order.
func (d *Dispatcher) ToolInfos(ctx context.Context) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(d.order))
	for _, name := range d.order {
		info, err := d.tools[name].Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info %s: %w", name, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Dispatch executes one named tool with the model-supplied JSON arguments.
func (d *Dispatcher) Dispatch(ctx context.Context, name, arguments string) (string, error) {
	t, ok := d.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if arguments == "" {
		arguments = "{}"
	}
	return t.InvokableRun(ctx, arguments)
}

type listTasksParams struct{}

type createTaskParams struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type taskIDParams struct {
	TaskID int64 `json:"task_id"`
}

type updateTaskParams struct {
	TaskID      int64   `json:"task_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (b *boundTools) listTasks(ctx context.Context, _ *listTasksParams) (string, error) {
	list, err := b.svc.List(ctx, b.ownerID)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"tasks": list, "count": len(list)})
}

func (b *boundTools) createTask(ctx context.Context, params *createTaskParams) (string, error) {
	if params == nil {
		return "", &tasks.ValidationError{Message: "title is required"}
	}
	task, err := b.svc.Create(ctx, b.ownerID, params.Title, params.Description)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"task": task})
}

func (b *boundTools) getTask(ctx context.Context, params *taskIDParams) (string, error) {
	if params == nil {
		return "", tasks.ErrNotFound
	}
	task, err := b.svc.Get(ctx, b.ownerID, params.TaskID)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"task": task})
}

func (b *boundTools) updateTask(ctx context.Context, params *updateTaskParams) (string, error) {
	if params == nil {
		return "", &tasks.ValidationError{Message: "task_id is required"}
	}
	task, err := b.svc.Update(ctx, b.ownerID, params.TaskID, params.Title, params.Description)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"task": task})
}

func (b *boundTools) deleteTask(ctx context.Context, params *taskIDParams) (string, error) {
	if params == nil {
		return "", tasks.ErrNotFound
	}
	if err := b.svc.Delete(ctx, b.ownerID, params.TaskID); err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"deleted": true, "task_id": params.TaskID})
}

func (b *boundTools) markComplete(ctx context.Context, params *taskIDParams) (string, error) {
	if params == nil {
		return "", tasks.ErrNotFound
	}
	task, err := b.svc.ToggleComplete(ctx, b.ownerID, params.TaskID)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"task": task})
}

func marshalResult(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(data), nil
}

func listTasksInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        ToolListTasks,
		Desc:        "List every task on the user's task list, including completed ones.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}
}

func createTaskInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolCreateTask,
		Desc: "Create a new task with a title and an optional description.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title": {
				Desc:     "Short task title, at most 200 characters.",
				Type:     schema.String,
				Required: true,
			},
			"description": {
				Desc:     "Optional longer description, at most 2000 characters.",
				Type:     schema.String,
				Required: false,
			},
		}),
	}
}

func getTaskInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolGetTask,
		Desc: "Fetch a single task by its id.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "Numeric id of the task.",
				Type:     schema.Integer,
				Required: true,
			},
		}),
	}
}

func updateTaskInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolUpdateTask,
		Desc: "Update the title and/or description of an existing task. Supply at least one field.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "Numeric id of the task.",
				Type:     schema.Integer,
				Required: true,
			},
			"title": {
				Desc:     "New task title, at most 200 characters.",
				Type:     schema.String,
				Required: false,
			},
			"description": {
				Desc:     "New description, at most 2000 characters.",
				Type:     schema.String,
				Required: false,
			},
		}),
	}
}

func deleteTaskInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolDeleteTask,
		Desc: "Permanently delete a task by its id. This cannot be undone.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "Numeric id of the task.",
				Type:     schema.Integer,
				Required: true,
			},
		}),
	}
}

func markCompleteInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolMarkComplete,
		Desc: "Toggle a task's completion flag: open tasks become done, done tasks become open again.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "Numeric id of the task.",
				Type:     schema.Integer,
				Required: true,
			},
		}),
	}
}

// Used by tool results fed back to the model when a call fails.
func ErrorResult(err error) string {
	payload := map[string]string{"error": err.Error()}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(data)
}
