// Package cli provides command-line interface utilities.
package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ZacharyZcR/MetaPatch/internal/image"
	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	"github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/fatih/color"
)

// Report is everything the info command shows about one image.
type Report struct {
	FilePath string
	Summary  *pe.Summary
	Info     *image.Info
	Module   *metadata.Module
}

// Reporter formats and prints a Report.
type Reporter struct {
	report  *Report
	out     io.Writer
	verbose bool
}

// NewReporter creates a new reporter writing to color.Output.
func NewReporter(report *Report) *Reporter {
	return &Reporter{report: report, out: color.Output}
}

// SetOutput redirects the report.
func (r *Reporter) SetOutput(w io.Writer) {
	r.out = w
}

// SetVerbose enables verbose mode (list every table, not only non-empty ones).
func (r *Reporter) SetVerbose(verbose bool) {
	r.verbose = verbose
}

// Print outputs the complete report.
func (r *Reporter) Print() {
	r.printHeader()
	r.printBasicInfo()
	r.printSections()
	r.printRelocations()
	r.printResources()
	r.printCLIHeader()
	r.printStreams()
	r.printTables()
	r.printStrongName()
	r.printDebug()
	fmt.Fprintln(r.out)
}

func (r *Reporter) title(format string, args ...interface{}) {
	yellow := color.New(color.FgYellow, color.Bold)
	yellow.Fprintf(r.out, "\n"+format+"\n", args...)
}

func (r *Reporter) field(name, format string, args ...interface{}) {
	fmt.Fprintf(r.out, "  %-20s: %s\n", name, fmt.Sprintf(format, args...))
}

func (r *Reporter) printHeader() {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprintln(r.out, "\n╔════════════════════════════════════════╗")
	cyan.Fprintln(r.out, "║          MetaPatch 分析报告            ║")
	cyan.Fprintln(r.out, "╚════════════════════════════════════════╝")
}

func (r *Reporter) printBasicInfo() {
	s := r.report.Summary
	r.title("【基本信息】")

	r.field("文件路径", "%s", r.report.FilePath)
	r.field("文件大小", "%s", formatSize(r.report.Info.FileSize()))
	r.field("架构", "%s", s.Architecture)
	r.field("子系统", "%s", s.Subsystem)
	r.field("入口点", "0x%X", s.EntryPoint)
	r.field("镜像基址", "0x%X", s.ImageBase)

	if s.Checksum != nil {
		fmt.Fprintf(r.out, "  %-20s: ", "校验和")
		switch {
		case s.Checksum.Stored == 0:
			color.New(color.FgHiBlack).Fprint(r.out, "未设置")
		case s.Checksum.Valid:
			color.New(color.FgGreen).Fprintf(r.out, "✓ 有效 (0x%08X)", s.Checksum.Stored)
		default:
			color.New(color.FgRed, color.Bold).Fprintf(r.out, "✗ 无效 (存储: 0x%08X, 计算: 0x%08X)",
				s.Checksum.Stored, s.Checksum.Computed)
		}
		fmt.Fprintln(r.out)
	}

	if sig := s.Signature; sig != nil && sig.IsSigned {
		r.field("Authenticode", "%s, %d 个证书", sig.DigestAlgorithm, len(sig.Certificates))
	}
}

func (r *Reporter) printSections() {
	sections := r.report.Summary.Sections
	r.title("【节区信息】(共 %d 个)", len(sections))
	if len(sections) == 0 {
		fmt.Fprintln(r.out, "  未发现节区")
		return
	}

	fmt.Fprintln(r.out, strings.Repeat("-", 100))
	fmt.Fprintf(r.out, "  %-10s %-12s %-15s %-15s %-8s %-10s\n",
		"名称", "虚拟地址", "虚拟大小", "原始大小", "权限", "熵")
	fmt.Fprintln(r.out, strings.Repeat("-", 100))

	for _, section := range sections {
		permColor := color.New(color.FgWhite)
		if section.Permissions == "RWX" {
			permColor = color.New(color.FgRed, color.Bold)
		} else if strings.Contains(section.Permissions, "X") {
			permColor = color.New(color.FgYellow)
		}

		fmt.Fprintf(r.out, "  %-10s 0x%08X   %-15s %-15s ",
			section.Name,
			section.VirtualAddress,
			formatSize(int64(section.VirtualSize)),
			formatSize(int64(section.Size)),
		)
		permColor.Fprintf(r.out, "%-8s", section.Permissions)
		fmt.Fprintf(r.out, " %.2f\n", section.Entropy)
	}
	fmt.Fprintln(r.out, strings.Repeat("-", 100))
}

func (r *Reporter) printRelocations() {
	relocs := r.report.Summary.Relocations
	if relocs == nil || !relocs.HasRelocations {
		return
	}
	r.title("【重定位】(%d 个块, %d 项)", relocs.BlockCount, relocs.TotalEntries)
	names := make([]string, 0, len(relocs.Types))
	for name := range relocs.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(r.out, "  %-12s %d\n", name, relocs.Types[name])
	}
}

func (r *Reporter) printResources() {
	res := r.report.Summary.Resources
	if res == nil {
		return
	}
	r.title("【Win32 资源】")
	if res.HasIcon {
		r.field("图标", "%d 个", res.IconCount)
	}
	if res.StringCount > 0 {
		r.field("字符串表", "%d 个", res.StringCount)
	}
	if v := res.VersionInfo; v != nil {
		r.field("文件版本", "%s", v.FileVersion)
		r.field("产品版本", "%s", v.ProductVersion)
		if v.CompanyName != "" {
			r.field("公司", "%s", v.CompanyName)
		}
		if v.ProductName != "" {
			r.field("产品", "%s", v.ProductName)
		}
	}
}

func (r *Reporter) printCLIHeader() {
	cli := r.report.Info.CLIHeader()
	r.title("【CLI 头】")
	r.field("运行时版本", "%d.%d", cli.MajorRuntimeVersion, cli.MinorRuntimeVersion)
	r.field("标志", "0x%08X (%s)", cli.Flags, cliFlagNames(cli.Flags))
	r.field("入口点令牌", "0x%08X", cli.EntryPointToken)
	r.field("元数据", "RVA 0x%08X, %s", cli.MetaData.VirtualAddress, formatSize(int64(cli.MetaData.Size)))
	if cli.Resources.Size != 0 {
		r.field("托管资源", "RVA 0x%08X, %s", cli.Resources.VirtualAddress, formatSize(int64(cli.Resources.Size)))
	}
}

func (r *Reporter) printStreams() {
	root := r.report.Info.Root()
	r.title("【元数据流】(版本 %s, 共 %d 个)", root.Version, len(root.Streams))
	for _, sh := range root.Streams {
		fmt.Fprintf(r.out, "  %-12s 偏移 0x%08X  %s\n", sh.Name, sh.Offset, formatSize(int64(sh.Size)))
	}
}

func (r *Reporter) printTables() {
	if r.report.Module == nil || r.report.Module.Tables() == nil {
		return
	}
	tables := r.report.Module.Tables()
	ids := tables.PresentTables()
	if r.verbose {
		ids = ids[:0]
		for id := metadata.TableModule; id <= metadata.TableGenericParamConstraint; id++ {
			if tables.Schema()[id] != nil {
				ids = append(ids, id)
			}
		}
	}

	r.title("【元数据表】(共 %d 个)", len(ids))
	green := color.New(color.FgGreen)
	for _, id := range ids {
		green.Fprintf(r.out, "  0x%02X %-24s", uint8(id), id)
		fmt.Fprintf(r.out, " %d 行\n", tables.RowCount(id))
	}
}

func (r *Reporter) printStrongName() {
	info := r.report.Info
	r.title("【强名称】")
	sn := info.CLIHeader().StrongNameSignature
	switch {
	case sn.Size == 0:
		color.New(color.FgHiBlack).Fprintln(r.out, "  未签名")
	case info.StrongNamed():
		color.New(color.FgGreen).Fprintf(r.out, "  ✓ 已签名 (签名 %d 字节, RVA 0x%08X)\n", sn.Size, sn.VirtualAddress)
	default:
		color.New(color.FgYellow).Fprintf(r.out, "  延迟签名 (预留 %d 字节)\n", sn.Size)
	}
}

func (r *Reporter) printDebug() {
	entries := r.report.Info.Debug()
	if len(entries) == 0 {
		return
	}
	r.title("【调试目录】(共 %d 项)", len(entries))
	for _, e := range entries {
		if g, age, path, ok := e.CodeView(); ok {
			fmt.Fprintf(r.out, "  CodeView  %s  age %d  %s\n", g, age, path)
			continue
		}
		fmt.Fprintf(r.out, "  类型 %-4d %s\n", e.Directory.Type, formatSize(int64(len(e.Data))))
	}
}

var cliFlags = []struct {
	flag uint32
	name string
}{
	{metadata.FlagILOnly, "ILONLY"},
	{metadata.Flag32BitRequired, "32BITREQUIRED"},
	{metadata.FlagILLibrary, "IL_LIBRARY"},
	{metadata.FlagStrongNameSigned, "STRONGNAMESIGNED"},
	{metadata.FlagNativeEntryPoint, "NATIVE_ENTRYPOINT"},
	{metadata.FlagTrackDebugData, "TRACKDEBUGDATA"},
	{metadata.Flag32BitPreferred, "32BITPREFERRED"},
}

func cliFlagNames(flags uint32) string {
	var names []string
	for _, f := range cliFlags {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "无"
	}
	return strings.Join(names, " | ")
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
