package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/wsexport/internal/breaker"
	"github.com/nfrund/wsexport/internal/controlplane"
	"github.com/nfrund/wsexport/internal/workspace"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the control plane and circuit breaker status",
	Long: `Builds the control plane the way the export command would and
prints its composition and health. Useful as a wiring smoke test
before running a long export.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plane := controlplane.New()
		defer plane.Destroy(context.Background())

		// The workspace breaker shows up in health output even before
		// any call was made.
		plane.CircuitBreaker(workspace.BreakerName, breaker.DefaultConfig())

		if err := plane.Initialize(cmd.Context()); err != nil {
			return err
		}

		status := plane.Status()
		health := plane.Health()

		if statusJSON {
			out, err := json.MarshalIndent(map[string]any{
				"status": status,
				"health": health,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("initialized:  %v\n", status.Initialized)
		fmt.Printf("started:      %v\n", status.Started)
		fmt.Printf("components:   %d\n", status.Components)
		fmt.Printf("plugins:      %d (%d installed)\n", status.Plugins, status.InstalledPlugins)
		fmt.Printf("hooks:        %d\n", status.Hooks)
		fmt.Printf("state keys:   %d\n", status.StateContainers)
		fmt.Printf("goroutines:   %d\n", health.Goroutines)
		fmt.Printf("heap:         %d bytes\n", health.AllocBytes)
		fmt.Println("breakers:")
		for name, stats := range health.BreakerStats {
			fmt.Printf("  %-20s %s (failures=%d successes=%d)\n", name, stats.State, stats.FailureCount, stats.SuccessCount)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}
