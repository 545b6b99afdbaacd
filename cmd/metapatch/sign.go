package main

import (
	"github.com/ZacharyZcR/MetaPatch/internal/image"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// SignCmd holds the sign cmd flags.
type SignCmd struct {
	*GlobalFlags
	keyFlags

	Backup      bool
	UpdateCksum bool
}

func newSignCmd(g *GlobalFlags) *cobra.Command {
	cmd := &SignCmd{GlobalFlags: g}
	signCmd := &cobra.Command{
		Use:   "sign <file>",
		Short: "为延迟签名的程序集补全强名称签名",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c, args[0])
		},
	}
	cmd.keyFlags.register(signCmd.Flags())
	signCmd.Flags().BoolVar(&cmd.Backup, "backup", true, "修改前创建备份文件")
	signCmd.Flags().BoolVar(&cmd.UpdateCksum, "update-checksum", false, "更新 PE 校验和")
	return signCmd
}

// Run signs path in place.
func (cmd *SignCmd) Run(c *cobra.Command, path string) error {
	key, err := cmd.load()
	if err != nil {
		return err
	}
	if key == nil {
		return errors.New("需要 --key 或 --key-container")
	}
	alg, err := cmd.hashAlgorithm()
	if err != nil {
		return err
	}

	if cmd.Backup {
		if err := createBackup(path); err != nil {
			return err
		}
	}

	opts := &image.WriteOptions{HashAlgorithm: alg, Logger: cmd.Logger(c.ErrOrStderr())}
	opts.PE.UpdateChecksum = cmd.UpdateCksum
	if err := image.SignFile(path, key, opts); err != nil {
		return err
	}
	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(c.OutOrStdout(), "✓ 已签名 %s\n", path)
	return nil
}

func newVerifyCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "校验强名称签名",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := image.VerifyFile(args[0], nil); err != nil {
				_, _ = color.New(color.FgRed, color.Bold).Fprintf(c.OutOrStdout(), "✗ 签名无效: %s\n", args[0])
				return err
			}
			_, _ = color.New(color.FgGreen, color.Bold).Fprintf(c.OutOrStdout(), "✓ 签名有效: %s\n", args[0])
			return nil
		},
	}
}
