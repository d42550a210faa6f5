package board

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harrisonrobin/taskboard/pkg/gateway"
	"github.com/harrisonrobin/taskboard/pkg/model"
)

const tasksPath = "/tasks"

// Service is the remote side of the task collection.
type Service interface {
	List(ctx context.Context) ([]model.Task, error)
	Create(ctx context.Context, payload model.CreateTaskPayload) (model.Task, error)
	Update(ctx context.Context, id string, payload model.UpdateTaskPayload) (model.Task, error)
	Delete(ctx context.Context, id string) error
}

// API is the task REST client. Every call goes through the request gateway,
// so expired credentials are refreshed transparently.
type API struct {
	gw *gateway.Gateway
}

func NewAPI(gw *gateway.Gateway) *API {
	return &API{gw: gw}
}

func (a *API) List(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	if err := a.gw.Do(ctx, http.MethodGet, tasksPath, nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (a *API) Create(ctx context.Context, payload model.CreateTaskPayload) (model.Task, error) {
	var task model.Task
	if err := a.gw.Do(ctx, http.MethodPost, tasksPath, payload, &task); err != nil {
		return model.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

func (a *API) Update(ctx context.Context, id string, payload model.UpdateTaskPayload) (model.Task, error) {
	var task model.Task
	if err := a.gw.Do(ctx, http.MethodPut, taskPath(id), payload, &task); err != nil {
		return model.Task{}, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return task, nil
}

func (a *API) Delete(ctx context.Context, id string) error {
	var out struct {
		Message       string `json:"message"`
		DeletedTaskID string `json:"deletedTaskId"`
	}
	if err := a.gw.Do(ctx, http.MethodDelete, taskPath(id), nil, &out); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

func taskPath(id string) string {
	return tasksPath + "/" + url.PathEscape(id)
}

// userMessage prefers the server's own explanation of a failed request.
func userMessage(err error) string {
	var re *gateway.RequestError
	if errors.As(err, &re) {
		return re.UserMessage()
	}
	return err.Error()
}
