package main

import (
	"os"

	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// KeygenCmd holds the keygen cmd flags.
type KeygenCmd struct {
	*GlobalFlags

	Bits      int
	PublicOut string
	Hash      string
}

func newKeygenCmd(g *GlobalFlags) *cobra.Command {
	cmd := &KeygenCmd{GlobalFlags: g}
	keygenCmd := &cobra.Command{
		Use:   "keygen <out.snk>",
		Short: "生成强名称密钥对",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c, args[0])
		},
	}
	keygenCmd.Flags().IntVar(&cmd.Bits, "bits", 2048, "RSA 密钥长度")
	keygenCmd.Flags().StringVar(&cmd.PublicOut, "public", "", "同时导出公钥 blob")
	keygenCmd.Flags().StringVar(&cmd.Hash, "hash", "sha1", "公钥记录的哈希算法")
	return keygenCmd
}

// Run generates a key pair and writes it as an SNK file.
func (cmd *KeygenCmd) Run(c *cobra.Command, path string) error {
	alg, err := strongname.ParseHashAlgorithm(cmd.Hash)
	if err != nil {
		return err
	}
	key, err := strongname.GenerateKey(cmd.Bits)
	if err != nil {
		return err
	}
	key.HashAlgorithm = alg

	snk, err := key.SNK()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, snk, 0o600); err != nil {
		return errors.Wrap(err, "写入密钥失败")
	}
	if cmd.PublicOut != "" {
		if err := os.WriteFile(cmd.PublicOut, key.PublicKeyBlob(), 0o644); err != nil {
			return errors.Wrap(err, "写入公钥失败")
		}
	}

	cmd.Logger(c.ErrOrStderr()).WithField("bits", cmd.Bits).Debug("key generated")
	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(c.OutOrStdout(), "✓ 已生成 %d 位密钥: %s\n", cmd.Bits, path)
	return nil
}
