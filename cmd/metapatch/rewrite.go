package main

import (
	"debug/pe"
	"strings"

	"github.com/ZacharyZcR/MetaPatch/internal/image"
	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RewriteCmd holds the rewrite cmd flags.
type RewriteCmd struct {
	*GlobalFlags
	keyFlags

	Output          string
	PublicKey       string
	DelaySign       bool
	PEConfig        string
	Machine         string
	Strict          bool
	Backup          bool
	UpdateCksum     bool
	ResetHeaders    bool
	MetadataVersion string
}

func newRewriteCmd(g *GlobalFlags) *cobra.Command {
	cmd := &RewriteCmd{GlobalFlags: g}
	rewriteCmd := &cobra.Command{
		Use:   "rewrite <file>",
		Short: "读取程序集并重新生成 PE 映像，可选强名称签名",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c, args[0])
		},
	}

	flags := rewriteCmd.Flags()
	cmd.keyFlags.register(flags)
	flags.StringVarP(&cmd.Output, "output", "o", "", "输出文件（默认覆盖输入文件）")
	flags.StringVar(&cmd.PublicKey, "public-key", "", "延迟签名使用的公钥文件")
	flags.BoolVar(&cmd.DelaySign, "delay-sign", false, "仅预留签名空间，不签名")
	flags.StringVar(&cmd.PEConfig, "pe-config", "", "PE 头覆盖配置 (TOML)")
	flags.StringVar(&cmd.Machine, "machine", "", "目标机器类型 (i386, amd64, arm64)")
	flags.BoolVar(&cmd.Strict, "strict", false, "遇到损坏的元数据时失败而不是继续")
	flags.BoolVar(&cmd.Backup, "backup", true, "覆盖前创建备份文件")
	flags.BoolVar(&cmd.UpdateCksum, "update-checksum", false, "更新 PE 校验和")
	flags.BoolVar(&cmd.ResetHeaders, "reset-headers", false, "使用默认 PE 头而不是保留原值")
	flags.StringVar(&cmd.MetadataVersion, "metadata-version", "", "覆盖元数据版本字符串")
	return rewriteCmd
}

var machines = map[string]uint16{
	"i386":  pe.IMAGE_FILE_MACHINE_I386,
	"amd64": pe.IMAGE_FILE_MACHINE_AMD64,
	"arm64": pe.IMAGE_FILE_MACHINE_ARM64,
}

// Run reads path and writes the rebuilt image.
func (cmd *RewriteCmd) Run(c *cobra.Command, path string) error {
	log := cmd.Logger(c.ErrOrStderr())

	readOpts := &image.ReadOptions{Logger: log}
	if cmd.Strict {
		readOpts.ErrorHandler = metadata.FailOnError
	}
	m, err := image.ReadFile(path, readOpts)
	if err != nil {
		return err
	}

	opts, err := cmd.writeOptions(readOpts.Info, log)
	if err != nil {
		return err
	}

	out := cmd.Output
	if out == "" {
		out = path
		if cmd.Backup {
			if err := createBackup(path); err != nil {
				return err
			}
		}
	}

	info, err := image.WriteFile(m, out, opts)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(c.OutOrStdout(), "✓ 已写入 %s (%d 字节)\n", out, info.FileSize())
	if sig := info.CLIHeader().StrongNameSignature; sig.Size != 0 {
		state := "已签名"
		if !info.StrongNamed() {
			state = "延迟签名"
		}
		_, _ = green.Fprintf(c.OutOrStdout(), "✓ 强名称: %s (%d 字节)\n", state, sig.Size)
	}
	return nil
}

func (cmd *RewriteCmd) writeOptions(info *image.Info, log logrus.FieldLogger) (*image.WriteOptions, error) {
	opts := &image.WriteOptions{}
	if !cmd.ResetHeaders {
		opts = image.WriteOptionsFromInfo(info)
	}
	opts.Logger = log
	if cmd.Strict {
		opts.ErrorHandler = metadata.FailOnError
	}

	if cmd.PEConfig != "" {
		peOpts, err := image.LoadPEOptions(cmd.PEConfig)
		if err != nil {
			return nil, err
		}
		opts.PE = peOpts
	}
	if cmd.UpdateCksum {
		opts.PE.UpdateChecksum = true
	}
	if cmd.Machine != "" {
		machine, ok := machines[strings.ToLower(cmd.Machine)]
		if !ok {
			return nil, errors.Errorf("未知机器类型 %q", cmd.Machine)
		}
		opts.Machine = machine
	}
	opts.CLI.MetadataVersion = cmd.MetadataVersion

	alg, err := cmd.hashAlgorithm()
	if err != nil {
		return nil, err
	}
	opts.HashAlgorithm = alg
	opts.DelaySign = cmd.DelaySign

	if opts.Key, err = cmd.load(); err != nil {
		return nil, err
	}
	if cmd.PublicKey != "" {
		key, err := strongname.LoadKey(cmd.PublicKey)
		if err != nil {
			return nil, err
		}
		opts.PublicKey = key.PublicKeyBlob()
	}
	return opts, nil
}
