package state

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/models"
)

func TestMemoryStoreMirrorsSQLiteSemantics(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	if root, _ := store.GetRootTask(ctx); root != nil {
		t.Errorf("GetRootTask() on empty store = %+v, want nil", root)
	}

	root := store.Add(&models.TaskNode{Description: "parent"})
	if root.ID == "" || root.Status != models.TaskStatusPending {
		t.Errorf("Add() did not fill defaults: %+v", root)
	}

	child, err := store.CreateSubtask(ctx, root.ID, &models.TaskNode{Description: "child"})
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}

	got, _ := store.GetRootTask(ctx)
	if got == nil || got.ID != root.ID {
		t.Fatalf("GetRootTask() = %+v, want the parentless node", got)
	}
	if len(got.ChildIDs) != 1 || got.ChildIDs[0] != child.ID {
		t.Errorf("parent child ids = %v", got.ChildIDs)
	}

	subtasks, _ := store.GetSubtasks(ctx, root.ID)
	if len(subtasks) != 1 || subtasks[0].ID != child.ID {
		t.Errorf("GetSubtasks() = %v", subtasks)
	}

	if err := store.UpdateTaskStatus(ctx, child.ID, models.TaskStatusCompleted); err != nil {
		t.Fatalf("UpdateTaskStatus() error = %v", err)
	}
	updated, _ := store.GetTask(ctx, child.ID)
	if updated.Status != models.TaskStatusCompleted || updated.CompletedAt == nil {
		t.Errorf("terminal update = %+v", updated)
	}

	if err := store.UpdateTaskStatus(ctx, "missing", models.TaskStatusRunning); err == nil {
		t.Error("UpdateTaskStatus() for missing task expected error")
	}
	if err := store.UpdateTaskStatus(ctx, child.ID, models.TaskStatus("bogus")); err == nil {
		t.Error("UpdateTaskStatus() with invalid status expected error")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	root := store.Add(&models.TaskNode{Description: "parent"})

	got, _ := store.GetTask(ctx, root.ID)
	got.Description = "mutated"
	got.ChildIDs = append(got.ChildIDs, "phantom")

	fresh, _ := store.GetTask(ctx, root.ID)
	if fresh.Description != "parent" || len(fresh.ChildIDs) != 0 {
		t.Errorf("mutating a returned node changed the store: %+v", fresh)
	}
}
