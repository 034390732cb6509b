package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountList,
}

var accountShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show account details",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountShow,
}

var accountStatusCmd = &cobra.Command{
	Use:   "status [name] [active|login-pending|disabled]",
	Short: "Change an account's lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountStatus,
}

var accountRunsCmd = &cobra.Command{
	Use:   "runs [name]",
	Short: "Show recent runs across the account's tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRuns,
}

var (
	accountSession string
	accountProxy   string
	runsLimit      int
)

func init() {
	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountShowCmd, accountStatusCmd, accountRunsCmd)

	accountAddCmd.Flags().StringVar(&accountSession, "session", "", "Session reference (leave empty to finish login later)")
	accountAddCmd.Flags().StringVar(&accountProxy, "proxy", "", "Proxy URL for this account's transport")

	accountRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"name":        args[0],
		"session_ref": accountSession,
		"proxy":       accountProxy,
	}

	resp, err := apiPost("/accounts", body)
	if err != nil {
		return err
	}

	var acct map[string]interface{}
	if err := json.Unmarshal(resp, &acct); err != nil {
		return err
	}

	fmt.Printf("Created account %s (status: %s)\n", acct["name"], acct["status"])
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/accounts")
	if err != nil {
		return err
	}

	var accounts []map[string]interface{}
	if err := json.Unmarshal(resp, &accounts); err != nil {
		return err
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tPROXY")
	for _, a := range accounts {
		proxy := ""
		if p, ok := a["proxy"].(string); ok {
			proxy = p
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a["name"], a["status"], proxy)
	}
	w.Flush()
	return nil
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/accounts/" + args[0])
	if err != nil {
		return err
	}

	var acct map[string]interface{}
	if err := json.Unmarshal(resp, &acct); err != nil {
		return err
	}

	fmt.Printf("ID:      %s\n", acct["id"])
	fmt.Printf("Name:    %s\n", acct["name"])
	fmt.Printf("Status:  %s\n", acct["status"])
	if p, ok := acct["proxy"].(string); ok && p != "" {
		fmt.Printf("Proxy:   %s\n", p)
	}
	fmt.Printf("Created: %s\n", acct["created_at"])
	return nil
}

func runAccountStatus(cmd *cobra.Command, args []string) error {
	body := map[string]string{"status": args[1]}

	resp, err := apiDo("PATCH", "/accounts/"+args[0], body)
	if err != nil {
		return err
	}

	var acct map[string]interface{}
	if err := json.Unmarshal(resp, &acct); err != nil {
		return err
	}

	fmt.Printf("Account %s is now %s\n", acct["name"], acct["status"])
	return nil
}

func runAccountRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/accounts/%s/runs?limit=%d", args[0], runsLimit))
	if err != nil {
		return err
	}
	return printRuns(resp)
}
