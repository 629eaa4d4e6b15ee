package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system dependencies and data layout",
	Long:  "Verify that git is available, the configuration is valid, and the data/projects/worktree roots exist and are writable.",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	fmt.Println("Checking dependencies...")
	fmt.Println()

	requiredOk := true
	if checkCommand("git", []string{"--version"}) {
		fmt.Println("  ✓ git")
	} else {
		fmt.Println("  ✗ git")
		requiredOk = false
	}

	fmt.Println()
	fmt.Println("Validating configuration...")
	fmt.Println()

	allOk := true
	configIssues := validateSwarmopsConfig()
	if len(configIssues) > 0 {
		for _, issue := range configIssues {
			fmt.Printf("  ✗ %s\n", issue)
		}
		fmt.Println()
		fmt.Println("Configuration errors must be fixed before starting runs.")
		fmt.Println("Edit .swarmops/config.yaml to fix the issues above.")
		fmt.Println()
		allOk = false
	} else {
		fmt.Println("  ✓ config valid")
		fmt.Println()
	}

	fmt.Println("Checking data layout...")
	fmt.Println()

	if cfg != nil {
		for _, root := range []struct {
			label string
			path  string
		}{
			{"data root", cfg.Paths.DataRoot},
			{"projects root", cfg.Paths.ProjectsRoot},
			{"worktree root", cfg.Paths.WorktreeRoot},
		} {
			if err := checkWritableDir(root.path); err != nil {
				fmt.Printf("  ✗ %s (%s): %v\n", root.label, root.path, err)
				allOk = false
			} else {
				fmt.Printf("  ✓ %s (%s)\n", root.label, root.path)
			}
		}
	}
	fmt.Println()

	if !requiredOk {
		fmt.Println("Required dependencies are missing")
		return fmt.Errorf("dependency check failed")
	}
	if !allOk {
		fmt.Println("Some configuration or data-layout issues were found")
		return fmt.Errorf("doctor check failed")
	}

	fmt.Println("All dependencies available and configuration valid")
	return nil
}

func checkCommand(name string, args []string) bool {
	cmd := exec.Command(name, args...)
	return cmd.Run() == nil
}

// validateSwarmopsConfig re-loads and validates the config rather than
// reusing the root command's already-loaded cfg, so doctor catches errors
// even when the parent Execute() short-circuited before a full load.
func validateSwarmopsConfig() []string {
	var issues []string

	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	loaded, err := loader.Load()
	if err != nil {
		issues = append(issues, fmt.Sprintf("cannot load config: %v", err))
		return issues
	}

	if err := config.ValidateConfig(loaded); err != nil {
		if verrs, ok := err.(config.ValidationErrors); ok {
			for _, verr := range verrs {
				issues = append(issues, verr.Error())
			}
		} else {
			issues = append(issues, err.Error())
		}
	}
	return issues
}

// checkWritableDir creates dir if missing and probes it with a throwaway
// file, since os.Stat alone won't catch a read-only mount.
func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".swarmops-doctor-probe")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
