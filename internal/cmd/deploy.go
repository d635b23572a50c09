package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaylabs/batchrelay/internal/observability"
	"github.com/relaylabs/batchrelay/pkg/stack"
)

var (
	deployName     string
	deployUpdate   bool
	deployTemplate string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Provision the hosting stack and wait for a terminal state",
	Long: `Provision the CloudFormation stack hosting the orchestration engine.

Creates the stack when it does not exist, updates it with --update, and polls
its status at a fixed interval until it settles. On success the stack outputs
(including the deployed entry point's address) are printed as JSON.`,
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVarP(&deployName, "name", "n", "batch", "Stack name")
	deployCmd.Flags().BoolVarP(&deployUpdate, "update", "u", false, "Update the stack if it already exists")
	deployCmd.Flags().StringVarP(&deployTemplate, "template", "t", "cf.json", "Path to the stack template body")
	_ = deployCmd.MarkFlagFilename("template", "json", "yaml", "yml")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	templateBody, err := os.ReadFile(deployTemplate)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}

	client := stack.New(cloudformation.NewFromConfig(awsCfg), observability.CLILogger)

	status, err := client.Deploy(ctx, deployName, string(templateBody), deployUpdate)
	if err != nil {
		observability.CLILogger.Error("Deploy failed", zap.String("stack", deployName), zap.Error(err))
		return err
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))

	if status.State != stack.StateSuccess {
		return fmt.Errorf("stack %s finished in state %s", deployName, status.State)
	}
	return nil
}
