package main

import (
	"io"
	"os"

	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	Debug  bool
	Silent bool
}

func setGlobalFlags(flags *flag.FlagSet) *GlobalFlags {
	g := &GlobalFlags{}
	flags.BoolVar(&g.Debug, "debug", false, "输出调试日志")
	flags.BoolVar(&g.Silent, "silent", false, "仅输出错误")
	return g
}

// Logger builds the logger the flags select.
func (g *GlobalFlags) Logger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	switch {
	case g.Debug:
		l.SetLevel(logrus.DebugLevel)
	case g.Silent:
		l.SetLevel(logrus.ErrorLevel)
	}
	return l
}

// BuildRoot creates the root command with every subcommand.
func BuildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "metapatch",
		Short:         "读取、重写并强名称签名 .NET 程序集",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g := setGlobalFlags(root.PersistentFlags())

	root.AddCommand(newInfoCmd(g))
	root.AddCommand(newRewriteCmd(g))
	root.AddCommand(newSignCmd(g))
	root.AddCommand(newVerifyCmd(g))
	root.AddCommand(newKeygenCmd(g))
	return root
}

// keyFlags select a strong-name key.
type keyFlags struct {
	KeyFile      string
	KeyContainer string
	KeyDir       string
	Hash         string
}

func (k *keyFlags) register(flags *flag.FlagSet) {
	flags.StringVar(&k.KeyFile, "key", "", "强名称密钥文件 (.snk, 公钥 blob 或 PEM)")
	flags.StringVar(&k.KeyContainer, "key-container", "", "密钥容器名称")
	flags.StringVar(&k.KeyDir, "key-dir", ".", "密钥容器所在目录")
	flags.StringVar(&k.Hash, "hash", "", "签名哈希算法 (sha1, sha256, sha384, sha512)")
}

func (k *keyFlags) hashAlgorithm() (strongname.HashAlgorithm, error) {
	if k.Hash == "" {
		return 0, nil
	}
	return strongname.ParseHashAlgorithm(k.Hash)
}

// load returns the selected key, or nil when none was given.
func (k *keyFlags) load() (*strongname.Key, error) {
	switch {
	case k.KeyFile != "":
		return strongname.LoadKey(k.KeyFile)
	case k.KeyContainer != "":
		return strongname.DirectoryContainers(k.KeyDir).Resolve(k.KeyContainer)
	}
	return nil, nil
}

func createBackup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "创建备份失败")
	}
	backupPath := path + ".bak"
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return errors.Wrap(err, "创建备份失败")
	}
	green := color.New(color.FgGreen)
	_, _ = green.Printf("✓ 已创建备份: %s\n", backupPath)
	return nil
}
