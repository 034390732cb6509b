package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage sign tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a sign task that sends a text on schedule",
	Long: `Adds a task with one send-text action per chat. Tasks with richer
action pipelines are created through 'signet config import'.`,
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable [task-id]",
	Short: "Enable scheduling for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskEnabled(args[0], true) },
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable [task-id]",
	Short: "Disable scheduling for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskEnabled(args[0], false) },
}

var taskRunCmd = &cobra.Command{
	Use:   "run [task-id]",
	Short: "Fire a task now",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRun,
}

var taskRunsCmd = &cobra.Command{
	Use:   "runs [task-id]",
	Short: "Show recent runs for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRuns,
}

var taskAuditCmd = &cobra.Command{
	Use:   "audit [task-id]",
	Short: "Show a task's engine audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAudit,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task (run history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var (
	taskName    string
	taskAccount string
	taskCron    string
	taskJitter  int
	taskChats   []int64
	taskText    string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskEnableCmd, taskDisableCmd, taskRunCmd, taskRunsCmd, taskAuditCmd, taskDeleteCmd)

	taskAddCmd.Flags().StringVar(&taskName, "name", "", "Task name (required)")
	taskAddCmd.Flags().StringVar(&taskAccount, "account", "", "Account ID that owns the task (required)")
	taskAddCmd.Flags().StringVar(&taskCron, "cron", "0 9 * * *", "Five-field cron expression")
	taskAddCmd.Flags().IntVar(&taskJitter, "jitter", 0, "Random delay bound in seconds")
	taskAddCmd.Flags().Int64SliceVar(&taskChats, "chat", nil, "Chat ID to sign in (repeatable, required)")
	taskAddCmd.Flags().StringVar(&taskText, "text", "", "Text to send in each chat (required)")
	taskAddCmd.MarkFlagRequired("name")
	taskAddCmd.MarkFlagRequired("account")
	taskAddCmd.MarkFlagRequired("chat")
	taskAddCmd.MarkFlagRequired("text")

	taskListCmd.Flags().StringVar(&taskAccount, "account", "", "Filter by account name")
	taskRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	chats := make([]map[string]interface{}, 0, len(taskChats))
	for _, id := range taskChats {
		chats = append(chats, map[string]interface{}{
			"chat_id": id,
			"actions": []map[string]interface{}{
				{"action": 1, "text": taskText},
			},
		})
	}

	body := map[string]interface{}{
		"name":           taskName,
		"account_id":     taskAccount,
		"cron":           taskCron,
		"random_seconds": taskJitter,
		"enabled":        true,
		"chats":          chats,
	}

	resp, err := apiPost("/tasks", body)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", task["id"])
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	url := "/tasks"
	if taskAccount != "" {
		url += "?account=" + taskAccount
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var tasks []map[string]interface{}
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCRON\tJITTER\tENABLED\tCHATS")
	for _, t := range tasks {
		chats := 0
		if cs, ok := t["chats"].([]interface{}); ok {
			chats = len(cs)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0fs\t%v\t%d\n",
			truncateID(t["id"].(string)), t["name"], t["cron"],
			t["random_seconds"].(float64), t["enabled"], chats)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("ID:      %s\n", task["id"])
	fmt.Printf("Name:    %s\n", task["name"])
	fmt.Printf("Account: %s\n", task["account_id"])
	fmt.Printf("Cron:    %s\n", task["cron"])
	fmt.Printf("Jitter:  %.0fs\n", task["random_seconds"].(float64))
	fmt.Printf("Enabled: %v\n", task["enabled"])
	if cs, ok := task["chats"].([]interface{}); ok {
		fmt.Printf("Chats:   %d\n", len(cs))
		for _, c := range cs {
			chat := c.(map[string]interface{})
			actions := 0
			if as, ok := chat["actions"].([]interface{}); ok {
				actions = len(as)
			}
			fmt.Printf("  %.0f (%d actions)\n", chat["chat_id"].(float64), actions)
		}
	}
	return nil
}

func setTaskEnabled(taskID string, enabled bool) error {
	verb := "disable"
	if enabled {
		verb = "enable"
	}

	resp, err := apiPost("/tasks/"+taskID+"/"+verb, nil)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Task %s %sd\n", task["name"], verb)
	return nil
}

func runTaskRun(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks/"+args[0]+"/run", nil)
	if err != nil {
		return err
	}

	var run map[string]interface{}
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}

	fmt.Printf("Run:    %s\n", run["id"])
	fmt.Printf("Status: %s\n", run["status"])
	if e, ok := run["error"].(string); ok && e != "" {
		fmt.Printf("Error:  %s\n", e)
	}
	return nil
}

func runTaskRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/tasks/%s/runs?limit=%d", args[0], runsLimit))
	if err != nil {
		return err
	}
	return printRuns(resp)
}

func runTaskAudit(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0] + "/audit")
	if err != nil {
		return err
	}

	var events []map[string]interface{}
	if err := json.Unmarshal(resp, &events); err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, ev := range events {
		details := ""
		if d, ok := ev["details"].(string); ok {
			details = truncate(d, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev["timestamp"], ev["action"], ev["outcome"], details)
	}
	w.Flush()
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	if _, err := apiDo("DELETE", "/tasks/"+args[0], nil); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}

// --- Helpers ---

func printRuns(resp []byte) error {
	var runs []map[string]interface{}
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRIGGER\tSTATUS\tSTARTED\tERROR")
	for _, r := range runs {
		errMsg := ""
		if e, ok := r["error"].(string); ok {
			errMsg = truncate(e, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(r["id"].(string)), r["trigger"], r["status"], r["started_at"], errMsg)
	}
	w.Flush()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
