package main

import (
	"fmt"

	"github.com/koscakluka/voicelink/core/speechclient/wsclient"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	EnvFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "voicelinkd",
		Short:         "voicelink device daemon",
		Long:          "Runs a voicelink engine against a speech service, an MQTT channel broker and the local audio devices.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "voicelink.yaml", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading VOICELINK_* variables")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSchemaCommand())

	return cmd
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of session frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := wsclient.FrameSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}
}
