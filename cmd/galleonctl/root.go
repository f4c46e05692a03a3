package main

import (
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/galleonfs/galleon/pkg/elog"
	"github.com/galleonfs/galleon/pkg/galleon/alloc"
)

// log is the view every subcommand reports progress and leveled output
// through, wired up in rootCmd's PersistentPreRunE once flags are parsed.
var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagCfgFile string
)

const configFileName = "config"

var rootCmd = &cobra.Command{
	Use:   "galleonctl",
	Short: "Inspect and manipulate galleon volume images",
	Long: `galleonctl formats, mounts, and edits galleon volume images on the
host filesystem: the same on-disk format the kernel's galleon filesystem and
AHCI driver read at boot, manipulable offline for testing and recovery.`,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&flagCfgFile, "config", "", "config file (default ~/.galleonctl/config.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cli := elog.NewCLI(flagVerbose, flagDebug)
		logrus.SetFormatter(cli)
		logrus.SetLevel(logrus.TraceLevel)
		log = cli

		initConfig()
		return nil
	}

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(defragCmd)
	rootCmd.AddCommand(cpCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(journalCmd)
}

// initConfig loads ~/.galleonctl/config.yaml (or --config's path) via
// viper, falling back to built-in defaults when no config file is present —
// the same pattern the teacher CLI uses for its own per-user config.
func initConfig() {
	if flagCfgFile != "" {
		viper.SetConfigFile(flagCfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Debugf("could not resolve home directory: %v", err)
			viper.SetDefault("default-strategy", "firstfit")
			return
		}
		viper.AddConfigPath(home + "/.galleonctl")
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file: %s", viper.ConfigFileUsed())
	} else {
		log.Debugf("no config file found, using defaults: %v", err)
	}
	viper.SetDefault("default-strategy", "firstfit")
}

// strategyFlag adapts alloc.Strategy to pflag.Value so `--strategy` accepts
// the human-readable names used in config files and on the command line
// instead of a raw integer.
type strategyFlag struct {
	value *alloc.Strategy
}

func newStrategyFlag(v *alloc.Strategy) *strategyFlag {
	*v = alloc.FirstFit
	return &strategyFlag{value: v}
}

func (s *strategyFlag) String() string {
	switch *s.value {
	case alloc.BestFit:
		return "bestfit"
	case alloc.NextFit:
		return "nextfit"
	default:
		return "firstfit"
	}
}

func (s *strategyFlag) Set(raw string) error {
	switch raw {
	case "firstfit", "":
		*s.value = alloc.FirstFit
	case "bestfit":
		*s.value = alloc.BestFit
	case "nextfit":
		*s.value = alloc.NextFit
	default:
		return fmt.Errorf("unknown allocation strategy %q (want firstfit, bestfit, or nextfit)", raw)
	}
	return nil
}

func (s *strategyFlag) Type() string { return "strategy" }

var _ pflag.Value = (*strategyFlag)(nil)
