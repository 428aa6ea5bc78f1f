package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"SleepyTesting/internal/hub"
	"SleepyTesting/internal/presentation"
	"SleepyTesting/internal/step"
)

type runOptions struct {
	sessionID string
	asJSON    bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "拆分并执行一条自然语言测试任务，按顺序输出每个步骤的结果",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			defer syncLogger()

			out := cmd.OutOrStdout()
			console := presentation.NewConsole(out, cmd.InOrStdin())
			a, err := buildApp(cmd.Context(), cfg, console)
			if err != nil {
				return err
			}
			defer a.Close()

			report, execErr := a.hub.ExecuteTask(cmd.Context(), hub.TaskRequest{
				Description: strings.Join(args, " "),
				SessionID:   opts.sessionID,
			})
			if report != nil {
				if err := printReport(out, report, opts.asJSON); err != nil {
					return err
				}
			}
			if execErr != nil {
				console.Error(execErr.Error())
				return execErr
			}
			if !allPassed(report.Results) {
				return fmt.Errorf("任务 %s 存在未通过的步骤", report.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "复用的会话 ID")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "以 JSON 输出执行报告")
	return cmd
}

func printReport(out io.Writer, report *hub.TaskReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(out, "task %s (session %s)\n", report.TaskID, report.SessionID)
	for idx, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(out, "%3d. [%s] %s", idx+1, status, describe(result.Step))
		if result.Message != "" {
			fmt.Fprintf(out, " - %s", result.Message)
		}
		if result.EvidenceRef != "" {
			fmt.Fprintf(out, " (%s)", result.EvidenceRef)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func describe(st step.UIStep) string {
	if st.ToolName != "" {
		return "tool:" + st.ToolName
	}
	label := st.Action
	if st.Target != "" {
		label += " " + st.Target
	}
	if st.Platform != "" {
		label = fmt.Sprintf("%s@%s", label, st.Platform)
		if st.DeviceID != "" {
			label += "/" + st.DeviceID
		}
	}
	if st.Description != "" {
		label += " " + st.Description
	}
	return label
}

func allPassed(results []step.ExecutionResult) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}
	return true
}
