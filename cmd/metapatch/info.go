package main

import (
	"github.com/ZacharyZcR/MetaPatch/internal/cli"
	"github.com/ZacharyZcR/MetaPatch/internal/image"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/spf13/cobra"
)

// InfoCmd holds the info cmd flags.
type InfoCmd struct {
	*GlobalFlags

	Verbose bool
}

func newInfoCmd(g *GlobalFlags) *cobra.Command {
	cmd := &InfoCmd{GlobalFlags: g}
	infoCmd := &cobra.Command{
		Use:   "info <file>",
		Short: "显示 PE 与元数据信息",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c, args[0])
		},
	}
	infoCmd.Flags().BoolVarP(&cmd.Verbose, "verbose", "v", false, "详细模式：列出所有元数据表")
	return infoCmd
}

// Run prints the report of path.
func (cmd *InfoCmd) Run(c *cobra.Command, path string) error {
	r, err := pe.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	opts := &image.ReadOptions{Logger: cmd.Logger(c.ErrOrStderr()), RawValueReading: image.RawValuesSkip}
	m, err := image.Read(r, opts)
	if err != nil {
		return err
	}
	summary := pe.NewAnalyzer(r, opts.Info.Headers(), r.FileSize()).Analyze()

	reporter := cli.NewReporter(&cli.Report{FilePath: path, Summary: summary, Info: opts.Info, Module: m})
	reporter.SetOutput(c.OutOrStdout())
	reporter.SetVerbose(cmd.Verbose)
	reporter.Print()
	return nil
}
