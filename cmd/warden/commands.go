package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwhitt/warden/internal/api"
	"github.com/mwhitt/warden/internal/item"
	"github.com/mwhitt/warden/internal/watchdog"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a work item for triage",
	Long: `Submit a work item for triage.

Examples:
  warden submit --kind email --body "Reply to the vendor about renewal"
  warden submit --kind task --file ./request.txt --priority high --risk medium
  warden submit --kind alert --body "disk at 92%" --source nagios --meta host=db-3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		body, _ := cmd.Flags().GetString("body")
		file, _ := cmd.Flags().GetString("file")
		priority, _ := cmd.Flags().GetString("priority")
		risk, _ := cmd.Flags().GetString("risk")
		source, _ := cmd.Flags().GetString("source")
		metaPairs, _ := cmd.Flags().GetStringSlice("meta")

		if kind == "" {
			return fmt.Errorf("--kind is required")
		}
		if body == "" && file == "" {
			return fmt.Errorf("one of --body or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			body = string(data)
		}

		meta := make(map[string]string)
		for _, pair := range metaPairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid --meta %q (want key=value)", pair)
			}
			meta[k] = v
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/items", api.CreateItemRequest{
			Kind:     kind,
			Body:     body,
			Priority: priority,
			Risk:     risk,
			SourceID: source,
			Meta:     meta,
		})
		if err != nil {
			return err
		}

		var created api.ItemResponse
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Submitted %s (%s)", created.ID, created.State)
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list [state]",
	Short: "List work items in a state (default: pending_approval)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/items"
		if len(args) > 0 {
			path += "?state=" + args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var items []api.ItemResponse
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("no items")
			return nil
		}
		for _, it := range items {
			line := fmt.Sprintf("%s  %-16s %-8s %-6s %s",
				it.ID, it.State, it.Priority, it.Risk, summarize(it.Body))
			if it.Connector != "" {
				line += fmt.Sprintf("  [%s]", it.Connector)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func summarize(body string) string {
	body = strings.ReplaceAll(body, "\n", " ")
	if len(body) > 60 {
		return body[:57] + "..."
	}
	return body
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/items/"+args[0])
		if err != nil {
			return err
		}

		var it api.ItemResponse
		if err := decodeJSON(resp, &it); err != nil {
			return err
		}

		printStatus("ID", "%s", it.ID)
		printStatus("Kind", "%s", it.Kind)
		printStatus("State", "%s", it.State)
		printStatus("Priority", "%s", it.Priority)
		printStatus("Risk", "%s", it.Risk)
		printStatus("Created", "%s", it.CreatedAt.Local().Format(time.RFC1123))
		printStatus("Moved", "%s", it.TransitionedAt.Local().Format(time.RFC1123))
		if it.Connector != "" {
			printStatus("Connector", "%s", it.Connector)
		}
		if it.Result != "" {
			printStatus("Result", "%s", it.Result)
		}
		if it.LastError != "" {
			printStatus("Last error", "%s", it.LastError)
		}
		for k, v := range it.Meta {
			printStatus("meta."+k, "%s", v)
		}
		if it.Body != "" {
			fmt.Printf("\n%s\n", it.Body)
		}
		return nil
	},
}

// --- approve / reject ---

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending work item for execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], "reject")
	},
}

func decide(cmd *cobra.Command, id, verb string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.post(cmd.Context(), "/items/"+id+"/"+verb, nil)
	if err != nil {
		return err
	}

	var it api.ItemResponse
	if err := decodeJSON(resp, &it); err != nil {
		return err
	}

	printSuccess("%s is now %s", it.ID, it.State)
	return nil
}

// --- attempts ---

var attemptsCmd = &cobra.Command{
	Use:   "attempts <id>",
	Short: "Show execution attempts for a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/items/"+args[0]+"/attempts")
		if err != nil {
			return err
		}

		var attempts []item.ExecutionAttempt
		if err := decodeJSON(resp, &attempts); err != nil {
			return err
		}

		if len(attempts) == 0 {
			fmt.Println("no attempts")
			return nil
		}
		for _, a := range attempts {
			line := fmt.Sprintf("#%d  %s  %-15s %s",
				a.Number, a.StartedAt.Local().Format(time.RFC3339), a.Outcome, a.Duration.Round(time.Millisecond))
			if a.Error != "" {
				line += "  " + a.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

// --- watchdog ---

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Inspect supervised components",
}

var watchdogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health records for all supervised components",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/watchdog")
		if err != nil {
			return err
		}

		var records []watchdog.HealthRecord
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("no supervised components")
			return nil
		}
		for _, rec := range records {
			switch {
			case rec.Alerted:
				printError("%s: crash loop, restarts suspended since %s (lifetime restarts: %d)",
					rec.Name, rec.AlertedAt.Local().Format(time.RFC1123), rec.RestartCount)
			case !rec.ExpectedRunning:
				printWarning("%s: disabled", rec.Name)
			case rec.LastSeenAlive.IsZero():
				printWarning("%s: never seen alive", rec.Name)
			default:
				printSuccess("%s: alive as of %s (lifetime restarts: %d)",
					rec.Name, rec.LastSeenAlive.Local().Format(time.RFC1123), rec.RestartCount)
			}
		}
		return nil
	},
}

var watchdogClearCmd = &cobra.Command{
	Use:   "clear <component>",
	Short: "Clear a crash-loop alert and resume restarts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/watchdog/"+args[0]+"/clear", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared alert for %s, restarts resumed", result["component"])
		return nil
	},
}

// --- loop ---

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Manage autonomous work loops",
}

var loopStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a bounded autonomous loop on a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxIter, _ := cmd.Flags().GetInt("max-iterations")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/loops/"+args[0], api.LoopStartRequest{
			MaxIterations: maxIter,
		})
		if err != nil {
			return err
		}

		var st loopState
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printSuccess("Loop %s started on %s (%d/%d iterations)",
			st.RunID, st.TargetID, st.Iterations, st.MaxIterations)
		return nil
	},
}

// loopStep is intended for host runtimes that wrap a reasoning process:
// call it before each invocation and keep going only while it exits with
// code 2. Exit code 0 means the loop is finished (completed, exhausted,
// or stopped).
var loopStepCmd = &cobra.Command{
	Use:   "step <id>",
	Short: "Consume one loop iteration; exits 2 to continue, 0 to stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/loops/"+args[0]+"/step", nil)
		if err != nil {
			return err
		}

		var step api.LoopStepResponse
		if err := decodeJSON(resp, &step); err != nil {
			return err
		}

		if step.Continue {
			fmt.Println("continue")
			os.Exit(2)
		}
		fmt.Println(step.Outcome)
		return nil
	},
}

var loopStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the active loop for a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/loops/"+args[0])
		if err != nil {
			return err
		}

		var st loopState
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Run", "%s", st.RunID)
		printStatus("Target", "%s", st.TargetID)
		printStatus("Iterations", "%d of %d", st.Iterations, st.MaxIterations)
		printStatus("Started", "%s", st.StartedAt.Local().Format(time.RFC1123))
		return nil
	},
}

var loopStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop the active loop for a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/loops/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Loop on %s stopped (%s)", result["item_id"], result["outcome"])
		return nil
	},
}

// loopState mirrors the daemon's loop state wire form.
type loopState struct {
	RunID         string    `json:"run_id"`
	TargetID      string    `json:"target_id"`
	Iterations    int       `json:"iterations"`
	MaxIterations int       `json:"max_iterations"`
	StartedAt     time.Time `json:"started_at"`
}

func init() {
	submitCmd.Flags().String("kind", "", "item kind (email, task, alert, ...)")
	submitCmd.Flags().String("body", "", "item body text")
	submitCmd.Flags().String("file", "", "read the item body from a file")
	submitCmd.Flags().String("priority", "", "priority: low, normal, high")
	submitCmd.Flags().String("risk", "", "risk: low, medium, high")
	submitCmd.Flags().String("source", "", "upstream source identifier")
	submitCmd.Flags().StringSlice("meta", nil, "metadata key=value (repeatable)")

	watchdogCmd.AddCommand(watchdogStatusCmd)
	watchdogCmd.AddCommand(watchdogClearCmd)

	loopStartCmd.Flags().Int("max-iterations", 0, "iteration bound (0 = daemon default)")
	loopCmd.AddCommand(loopStartCmd)
	loopCmd.AddCommand(loopStepCmd)
	loopCmd.AddCommand(loopStatusCmd)
	loopCmd.AddCommand(loopStopCmd)
}
