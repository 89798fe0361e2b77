package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a Loom workspace",
	Long: `Initialize a directory for use with Loom.

This command creates the .loom directory structure, the workspace state
database location, and a .loom.yaml configuration template.

The directory argument is optional and defaults to the current directory.

Examples:
  loom init              # Initialize current directory
  loom init ./myproject  # Initialize specific directory
  loom init --force      # Reinitialize even if already set up`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing Loom in %s...\n\n", absPath)

	loomDir := filepath.Join(absPath, ".loom")
	if _, err := os.Stat(loomDir); err == nil && !initForce {
		fmt.Println("Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	if err := os.MkdirAll(filepath.Join(loomDir, "logs"), 0755); err != nil {
		return fmt.Errorf("creating .loom directory: %w", err)
	}
	printStatus("✓", "Created .loom directory structure", color.FgGreen)

	if err := writeProjectConfig(absPath); err != nil {
		return fmt.Errorf("creating project config: %w", err)
	}
	printStatus("✓", "Created .loom.yaml template", color.FgGreen)

	fmt.Printf("\n%s Loom initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  loom run \"your task here\"")
	fmt.Println("  loom --help")

	return nil
}

// writeProjectConfig renders the default configuration as a .loom.yaml
// template. An existing file is never overwritten.
func writeProjectConfig(repoPath string) error {
	configPath := filepath.Join(repoPath, ".loom.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	defaults := config.Default()
	rendered, err := yaml.Marshal(map[string]any{
		"engine": map[string]any{
			"parallelism":      defaults.Engine.Parallelism,
			"iteration_cap":    defaults.Engine.IterationCap,
			"retry_base_delay": defaults.Engine.RetryBaseDelay.String(),
		},
		"timeouts": map[string]any{
			"model":  "0s",
			"tool":   "0s",
			"answer": defaults.Timeouts.Answer.String(),
		},
	})
	if err != nil {
		return err
	}

	header := "# Loom project configuration.\n# Overrides defaults from ~/.config/loom/config.yaml.\n\n"
	return os.WriteFile(configPath, append([]byte(header), rendered...), 0644)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
