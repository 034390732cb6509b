package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Export and import task configuration",
}

var configExportCmd = &cobra.Command{
	Use:   "export [task-name...]",
	Short: "Export tasks as JSON (all tasks when no names given)",
	RunE:  runConfigExport,
}

var configImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import tasks from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigImport,
}

var (
	exportOut       string
	importOverwrite bool
)

func init() {
	configCmd.AddCommand(configExportCmd, configImportCmd)

	configExportCmd.Flags().StringVar(&exportOut, "out", "", "Write to file instead of stdout")
	configImportCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "Replace tasks whose names already exist")
}

func runConfigExport(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	for _, name := range args {
		q.Add("task", name)
	}
	path := "/config/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	data, err := apiGet(path)
	if err != nil {
		return err
	}

	if exportOut == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(exportOut, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Exported to %s\n", exportOut)
	return nil
}

func runConfigImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	path := "/config/import"
	if importOverwrite {
		path += "?overwrite=true"
	}

	resp, err := apiDo("POST", path, json.RawMessage(data))
	if err != nil {
		return err
	}

	var results []map[string]interface{}
	if err := json.Unmarshal(resp, &results); err != nil {
		return err
	}

	for _, res := range results {
		switch {
		case res["error"] != nil && res["error"] != "":
			fmt.Printf("%-30s error: %s\n", res["name"], res["error"])
		case res["updated"] == true:
			fmt.Printf("%-30s updated\n", res["name"])
		default:
			fmt.Printf("%-30s created\n", res["name"])
		}
	}
	return nil
}
