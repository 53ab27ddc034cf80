package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/emfacilities/emfac/am"
	"github.com/emfacilities/emfac/errors"
)

// ConfigCmd manages node configuration files.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or inspect the node configuration",
	Long: `config — Write or inspect the node configuration

Configuration sources (later overrides earlier):
  1. [DEFAULT]   Built-in defaults
  2. [SYSTEM]    /etc/emfac/emfac.toml
  3. [USER]      ~/.emfac/emfac.toml
  4. [PROJECT]   ./emfac.toml (searches up directories)
  5. [EXPLICIT]  --config <file>
  6. [ENV]       EMFAC_<SECTION>_<KEY> environment variables

Credentials for InfluxDB and SFTP are kept apart in
$EMFACILITIES_HOME/secrets.ini.

Examples:
  emfac config init -o counter.toml
  emfac config show --config counter.toml
  emfac config validate --config counter.toml --node counter
  emfac config encode-secret s3cret`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default filled in",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration and where each value comes from",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for one node kind",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configEncodeCmd = &cobra.Command{
	Use:   "encode-secret <value>",
	Short: "Encode a user name or password for secrets.ini",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), am.EncodeSecret(args[0]))
	},
}

var (
	configOutput string
	configFile   string
	configNode   string
)

func init() {
	configInitCmd.Flags().StringVarP(&configOutput, "output", "o", am.DefaultConfigName, "File to write; an existing file is rotated to .back1")
	configShowCmd.Flags().StringVarP(&configFile, "config", "c", "", "Explicit configuration file")
	configValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Explicit configuration file")
	configValidateCmd.Flags().StringVar(&configNode, "node", "", "Node kind (counter, sampler, launcher, probe-ctf, probe-gain, probe-system, report, influx)")
	configValidateCmd.MarkFlagRequired("node")

	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configEncodeCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := am.WriteConfig(configOutput, am.Defaults()); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", configOutput)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	v, err := am.NewViper(configFile)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range am.Settings(v) {
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.ValidateNode(configNode); err != nil {
		for _, h := range errors.GetAllHints(err) {
			pterm.Warning.Println(h)
		}
		return err
	}
	pterm.Success.Printf("Configuration is valid for %s\n", configNode)
	return nil
}
