package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/state"
	"github.com/loomworks/loom/pkg/models"
)

var statusWorkspace string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the task tree for the current workspace",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusWorkspace, "workspace", ".", "Workspace directory to inspect")
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := state.OpenWorkspace(statusWorkspace)
	if err != nil {
		return fmt.Errorf("opening workspace state: %w", err)
	}
	defer db.Close()

	store := state.NewTaskStore(db)
	tasks, err := store.GetAllTasks(cmd.Context())
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks recorded in this workspace.")
		return nil
	}

	byID := make(map[string]*models.TaskNode, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.ParentID != "" {
			continue
		}
		printTree(byID, t, 0)
	}
	return nil
}

// printTree renders one node and its children, indented by depth.
func printTree(byID map[string]*models.TaskNode, node *models.TaskNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s %s %s\n", indent, statusSymbol(node.Status), shortID(node.ID), node.Description)

	for _, childID := range node.ChildIDs {
		if child, ok := byID[childID]; ok {
			printTree(byID, child, depth+1)
		}
	}
	if node.SubGraphRootID != "" {
		if sub, ok := byID[node.SubGraphRootID]; ok {
			printTree(byID, sub, depth+1)
		}
	}
}

func statusSymbol(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCompleted:
		return color.GreenString("✓")
	case models.TaskStatusFailed:
		return color.RedString("✗")
	case models.TaskStatusAborted:
		return color.YellowString("⚠")
	case models.TaskStatusRunning:
		return color.CyanString("▶")
	default:
		return color.New(color.Faint).Sprint("·")
	}
}
