package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var approvalResolver string

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve pending approval requests",
	Long: `Talk to the admin API of a running Aegis instance to list pending
approval requests and approve or deny them.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminGet("/api/v1/approvals")
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost("/api/v1/approvals/" + args[0] + "/approve?resolver=" + approvalResolver)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost("/api/v1/approvals/" + args[0] + "/deny?resolver=" + approvalResolver)
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalResolver, "resolver", "cli", "identity recorded as the resolver")
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsDenyCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func adminGet(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp, err := http.Get("http://" + cfg.AdminAddr + path)
	if err != nil {
		return fmt.Errorf("reaching admin api: %w", err)
	}
	defer resp.Body.Close()
	return printAdminResponse(resp)
}

func adminPost(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp, err := http.Post("http://"+cfg.AdminAddr+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("reaching admin api: %w", err)
	}
	defer resp.Body.Close()
	return printAdminResponse(resp)
}

func printAdminResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin api: %s: %s", resp.Status, string(body))
	}

	// Re-indent for humans.
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
