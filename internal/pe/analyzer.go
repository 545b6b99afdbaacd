package pe

import (
	"debug/pe"
	"fmt"
	"io"
)

// Summary contains the PE-level description of an image.
type Summary struct {
	Architecture string
	Subsystem    string
	EntryPoint   uint64
	ImageBase    uint64
	Checksum     *ChecksumInfo
	Signature    *SignatureInfo
	Relocations  *RelocationInfo
	Resources    *ResourceInfo
	Sections     []SectionInfo
}

// SectionInfo contains information about a PE section.
type SectionInfo struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Size            uint32
	Characteristics uint32
	Permissions     string
	Entropy         float64
}

// Analyzer extracts a Summary from parsed headers.
type Analyzer struct {
	r        io.ReaderAt
	headers  *Headers
	fileSize int64
}

// NewAnalyzer creates a new analyzer for the given image.
func NewAnalyzer(r io.ReaderAt, h *Headers, fileSize int64) *Analyzer {
	return &Analyzer{r: r, headers: h, fileSize: fileSize}
}

// Analyze extracts the summary. Failures of the optional parts are not fatal.
func (a *Analyzer) Analyze() *Summary {
	s := &Summary{
		Architecture: MachineName(a.headers.File.Machine),
		ImageBase:    a.headers.ImageBase(),
	}

	switch opt := a.headers.Optional.(type) {
	case *pe.OptionalHeader32:
		s.EntryPoint = uint64(opt.AddressOfEntryPoint)
		s.Subsystem = getSubsystem(opt.Subsystem)
	case *pe.OptionalHeader64:
		s.EntryPoint = uint64(opt.AddressOfEntryPoint)
		s.Subsystem = getSubsystem(opt.Subsystem)
	}

	for _, section := range a.headers.Sections {
		entropy, err := SectionEntropy(a.r, section)
		if err != nil {
			entropy = 0.0
		}
		s.Sections = append(s.Sections, SectionInfo{
			Name:            SectionName(section),
			VirtualAddress:  section.VirtualAddress,
			VirtualSize:     section.VirtualSize,
			Size:            section.SizeOfRawData,
			Characteristics: section.Characteristics,
			Permissions:     getSectionPermissions(section.Characteristics),
			Entropy:         entropy,
		})
	}

	if checksum, err := VerifyChecksum(a.headers, a.r, a.fileSize); err == nil {
		s.Checksum = checksum
	}
	if signature, err := ReadAuthenticode(a.headers, a.r); err == nil {
		s.Signature = signature
	}
	if relocs, err := ParseRelocations(a.headers, NewSectionMap(a.headers.Sections), a.r); err == nil {
		s.Relocations = relocs
	}
	if res, err := ReadWin32Resources(a.r, a.headers); err == nil && res != nil {
		s.Resources = res.Describe()
	}
	return s
}

// MachineName returns a display name for a COFF machine value.
func MachineName(machine uint16) string {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "x86 (32位)"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "x64 (64位)"
	case pe.IMAGE_FILE_MACHINE_ARM:
		return "ARM"
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return "ARM Thumb-2"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "ARM64"
	case pe.IMAGE_FILE_MACHINE_IA64:
		return "IA64"
	default:
		return fmt.Sprintf("未知 (0x%X)", machine)
	}
}

func getSubsystem(subsystem uint16) string {
	switch subsystem {
	case pe.IMAGE_SUBSYSTEM_WINDOWS_GUI:
		return "Windows GUI"
	case pe.IMAGE_SUBSYSTEM_WINDOWS_CUI:
		return "Windows 控制台"
	case pe.IMAGE_SUBSYSTEM_NATIVE:
		return "Native"
	case pe.IMAGE_SUBSYSTEM_WINDOWS_CE_GUI:
		return "Windows CE GUI"
	default:
		return fmt.Sprintf("未知 (0x%X)", subsystem)
	}
}

func getSectionPermissions(c uint32) string {
	perms := [3]rune{'-', '-', '-'}

	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		perms[0] = 'R'
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		perms[1] = 'W'
	}
	if c&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		perms[2] = 'X'
	}

	return string(perms[:])
}
