package ai

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/service/tasks"
	"taskflow/internal/storage"
)

func TestDispatcherExposesAllTools(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ownerID := insertUser(t, db, "owner")

	d := NewTaskDispatcher(tasks.NewService(db), ownerID)
	infos, err := d.ToolInfos(context.Background())
	if err != nil {
		t.Fatalf("ToolInfos error: %v", err)
	}
	want := []string{ToolListTasks, ToolCreateTask, ToolGetTask, ToolUpdateTask, ToolDeleteTask, ToolMarkComplete}
	if len(infos) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(infos))
	}
	seen := make(map[string]bool)
	for _, info := range infos {
		seen[info.Name] = true
	}
	for _, name := range want {
		if !seen[name] {
			t.Fatalf("tool %s missing from schema list", name)
		}
	}
}

func TestDispatchCreateListRoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ownerID := insertUser(t, db, "owner")

	d := NewTaskDispatcher(tasks.NewService(db), ownerID)
	ctx := context.Background()

	result, err := d.Dispatch(ctx, ToolCreateTask, `{"title":"Buy milk","description":"two liters"}`)
	if err != nil {
		t.Fatalf("create dispatch error: %v", err)
	}
	var created struct {
		Task struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"task"`
	}
	if err := json.Unmarshal([]byte(result), &created); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	if created.Task.ID <= 0 || created.Task.Title != "Buy milk" {
		t.Fatalf("unexpected create result: %s", result)
	}

	// empty argument payloads are tolerated
	result, err = d.Dispatch(ctx, ToolListTasks, "")
	if err != nil {
		t.Fatalf("list dispatch error: %v", err)
	}
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(result), &listed); err != nil {
		t.Fatalf("decode list result: %v", err)
	}
	if listed.Count != 1 {
		t.Fatalf("expected count 1, got %d", listed.Count)
	}

	result, err = d.Dispatch(ctx, ToolMarkComplete, jsonTaskID(created.Task.ID))
	if err != nil {
		t.Fatalf("mark complete error: %v", err)
	}
	var completed struct {
		Task struct {
			Completed bool `json:"completed"`
		} `json:"task"`
	}
	if err := json.Unmarshal([]byte(result), &completed); err != nil {
		t.Fatalf("decode toggle result: %v", err)
	}
	if !completed.Task.Completed {
		t.Fatalf("expected completed task, got %s", result)
	}

	if _, err := d.Dispatch(ctx, ToolDeleteTask, jsonTaskID(created.Task.ID)); err != nil {
		t.Fatalf("delete dispatch error: %v", err)
	}
	if _, err := d.Dispatch(ctx, ToolGetTask, jsonTaskID(created.Task.ID)); err == nil {
		t.Fatalf("expected error getting deleted task")
	}
}

func TestDispatcherBindsOwner(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	alice := insertUser(t, db, "alice")
	bob := insertUser(t, db, "bob")

	svc := tasks.NewService(db)
	ctx := context.Background()

	aliceDispatch := NewTaskDispatcher(svc, alice)
	bobDispatch := NewTaskDispatcher(svc, bob)

	result, err := aliceDispatch.Dispatch(ctx, ToolCreateTask, `{"title":"Alice's task"}`)
	if err != nil {
		t.Fatalf("create dispatch error: %v", err)
	}
	var created struct {
		Task struct {
			ID int64 `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal([]byte(result), &created); err != nil {
		t.Fatalf("decode create result: %v", err)
	}

	// bob's dispatcher cannot see or touch alice's task, whatever ids the
	// model asks for
	if _, err := bobDispatch.Dispatch(ctx, ToolGetTask, jsonTaskID(created.Task.ID)); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign get, got %v", err)
	}
	if _, err := bobDispatch.Dispatch(ctx, ToolDeleteTask, jsonTaskID(created.Task.ID)); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign delete, got %v", err)
	}

	listResult, err := bobDispatch.Dispatch(ctx, ToolListTasks, "{}")
	if err != nil {
		t.Fatalf("list dispatch error: %v", err)
	}
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(listResult), &listed); err != nil {
		t.Fatalf("decode list result: %v", err)
	}
	if listed.Count != 0 {
		t.Fatalf("bob sees %d foreign tasks", listed.Count)
	}
}

func TestDispatchUnknownToolAndBadArguments(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	ownerID := insertUser(t, db, "owner")

	d := NewTaskDispatcher(tasks.NewService(db), ownerID)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, "drop_database", "{}"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := d.Dispatch(ctx, ToolCreateTask, `{"title":""}`); err == nil {
		t.Fatalf("expected validation error for empty title")
	}
	if _, err := d.Dispatch(ctx, ToolCreateTask, `not json`); err == nil {
		t.Fatalf("expected error for malformed arguments")
	}
}

func TestErrorResultIsJSON(t *testing.T) {
	result := ErrorResult(errors.New(`boom "quoted"`))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		t.Fatalf("error result not valid JSON: %v", err)
	}
	if payload.Error == "" {
		t.Fatalf("expected error text, got %s", result)
	}
}

func jsonTaskID(id int64) string {
	return fmt.Sprintf(`{"task_id":%d}`, id)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, '', ?)`,
		username, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}
