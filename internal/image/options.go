package image

import (
	"debug/pe"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ZacharyZcR/MetaPatch/internal/metadata"
	ipe "github.com/ZacharyZcR/MetaPatch/internal/pe"
	"github.com/ZacharyZcR/MetaPatch/internal/strongname"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RawValueReading selects whether Read resolves raw values.
type RawValueReading int

const (
	// RawValuesToRow materializes method bodies, field data and resources.
	RawValuesToRow RawValueReading = iota
	// RawValuesSkip leaves placeholders for ResolveRawValues.
	RawValuesSkip
)

// ReadOptions configures Read. The zero value uses the defaults.
type ReadOptions struct {
	Registry        *metadata.Registry
	Tables          metadata.TableInfoProvider
	Signatures      metadata.SignatureCodec
	Converter       func(h *ipe.Headers) ipe.RVAConverter
	ErrorHandler    metadata.ErrorHandler
	RawValueReading RawValueReading
	Logger          logrus.FieldLogger

	// Info is set by Read.
	Info *Info
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (o *ReadOptions) withDefaults() ReadOptions {
	var c ReadOptions
	if o != nil {
		c = *o
	}
	if c.Registry == nil {
		c.Registry = metadata.DefaultRegistry()
	}
	if c.Tables == nil {
		c.Tables = metadata.ECMAProvider{}
	}
	if c.Signatures == nil {
		c.Signatures = metadata.DefaultSignatureCodec{}
	}
	if c.Converter == nil {
		c.Converter = func(h *ipe.Headers) ipe.RVAConverter { return ipe.NewSectionMap(h.Sections) }
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = metadata.LogErrors(c.Logger)
	}
	return c
}

// PE header defaults, matching common managed toolchains.
const (
	DefaultMajorLinkerVersion    = 48
	DefaultMinorLinkerVersion    = 0
	DefaultMajorOSVersion        = 4
	DefaultMinorOSVersion        = 0
	DefaultMajorSubsystemVersion = 4
	DefaultMinorSubsystemVersion = 0
	DefaultSubsystem             = pe.IMAGE_SUBSYSTEM_WINDOWS_CUI
	DefaultDllCharacteristics    = pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE | pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT |
		pe.IMAGE_DLLCHARACTERISTICS_NO_SEH | pe.IMAGE_DLLCHARACTERISTICS_TERMINAL_SERVER_AWARE
	DefaultStackReserve     = 0x100000
	DefaultStackCommit      = 0x1000
	DefaultHeapReserve      = 0x100000
	DefaultHeapCommit       = 0x1000
	DefaultFileAlignment    = 0x200
	DefaultSectionAlignment = 0x2000
	DefaultImageBase        = 0x400000
	DefaultDLLImageBase     = 0x10000000
	DefaultCharacteristics  = pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE
)

// PEOptions overrides PE header fields. Nil fields take the defaults.
type PEOptions struct {
	MajorLinkerVersion          *uint8  `toml:"major_linker_version"`
	MinorLinkerVersion          *uint8  `toml:"minor_linker_version"`
	MajorOperatingSystemVersion *uint16 `toml:"major_os_version"`
	MinorOperatingSystemVersion *uint16 `toml:"minor_os_version"`
	MajorImageVersion           *uint16 `toml:"major_image_version"`
	MinorImageVersion           *uint16 `toml:"minor_image_version"`
	MajorSubsystemVersion       *uint16 `toml:"major_subsystem_version"`
	MinorSubsystemVersion       *uint16 `toml:"minor_subsystem_version"`
	Subsystem                   *uint16 `toml:"subsystem"`
	DllCharacteristics          *uint16 `toml:"dll_characteristics"`
	SizeOfStackReserve          *uint64 `toml:"stack_reserve"`
	SizeOfStackCommit           *uint64 `toml:"stack_commit"`
	SizeOfHeapReserve           *uint64 `toml:"heap_reserve"`
	SizeOfHeapCommit            *uint64 `toml:"heap_commit"`
	FileAlignment               *uint32 `toml:"file_alignment"`
	SectionAlignment            *uint32 `toml:"section_alignment"`
	ImageBase                   *uint64 `toml:"image_base"`
	TimeDateStamp               *uint32 `toml:"timestamp"`
	Characteristics             *uint16 `toml:"characteristics"`
	// DLL marks a library image; it changes the default image base.
	DLL bool `toml:"dll"`
	// UpdateChecksum stores the PE checksum after signing.
	UpdateChecksum bool `toml:"update_checksum"`
}

// LoadPEOptions reads overrides from a TOML file.
func LoadPEOptions(path string) (PEOptions, error) {
	var o PEOptions
	data, err := os.ReadFile(path)
	if err != nil {
		return o, errors.Wrap(err, "read PE options")
	}
	if _, err := toml.Decode(string(data), &o); err != nil {
		return o, errors.Wrapf(err, "parse %s", path)
	}
	return o, nil
}

// peValues are the resolved header values.
type peValues struct {
	majorLinker, minorLinker       uint8
	majorOS, minorOS               uint16
	majorImage, minorImage         uint16
	majorSubsystem, minorSubsystem uint16
	subsystem                      uint16
	dllCharacteristics             uint16
	stackReserve, stackCommit      uint64
	heapReserve, heapCommit        uint64
	fileAlignment                  uint32
	sectionAlignment               uint32
	imageBase                      uint64
	timestamp                      uint32
	characteristics                uint16
}

func or8(v *uint8, d uint8) uint8 {
	if v != nil {
		return *v
	}
	return d
}

func or16(v *uint16, d uint16) uint16 {
	if v != nil {
		return *v
	}
	return d
}

func or32(v *uint32, d uint32) uint32 {
	if v != nil {
		return *v
	}
	return d
}

func or64(v *uint64, d uint64) uint64 {
	if v != nil {
		return *v
	}
	return d
}

func (o PEOptions) resolve() peValues {
	imageBase := uint64(DefaultImageBase)
	characteristics := uint16(DefaultCharacteristics)
	if o.DLL {
		imageBase = DefaultDLLImageBase
		characteristics |= pe.IMAGE_FILE_DLL
	}
	return peValues{
		majorLinker:        or8(o.MajorLinkerVersion, DefaultMajorLinkerVersion),
		minorLinker:        or8(o.MinorLinkerVersion, DefaultMinorLinkerVersion),
		majorOS:            or16(o.MajorOperatingSystemVersion, DefaultMajorOSVersion),
		minorOS:            or16(o.MinorOperatingSystemVersion, DefaultMinorOSVersion),
		majorImage:         or16(o.MajorImageVersion, 0),
		minorImage:         or16(o.MinorImageVersion, 0),
		majorSubsystem:     or16(o.MajorSubsystemVersion, DefaultMajorSubsystemVersion),
		minorSubsystem:     or16(o.MinorSubsystemVersion, DefaultMinorSubsystemVersion),
		subsystem:          or16(o.Subsystem, DefaultSubsystem),
		dllCharacteristics: or16(o.DllCharacteristics, DefaultDllCharacteristics),
		stackReserve:       or64(o.SizeOfStackReserve, DefaultStackReserve),
		stackCommit:        or64(o.SizeOfStackCommit, DefaultStackCommit),
		heapReserve:        or64(o.SizeOfHeapReserve, DefaultHeapReserve),
		heapCommit:         or64(o.SizeOfHeapCommit, DefaultHeapCommit),
		fileAlignment:      or32(o.FileAlignment, DefaultFileAlignment),
		sectionAlignment:   or32(o.SectionAlignment, DefaultSectionAlignment),
		imageBase:          or64(o.ImageBase, imageBase),
		timestamp:          or32(o.TimeDateStamp, 0),
		characteristics:    or16(o.Characteristics, characteristics),
	}
}

// CLIOptions overrides CLI header and metadata root values and the table
// codec.
type CLIOptions struct {
	MetadataVersion string
	RuntimeMajor    *uint16
	RuntimeMinor    *uint16
	Flags           *uint32
	EntryPoint      *uint32
	// Tables re-selects the table schema before encoding.
	Tables metadata.TableInfoProvider
}

// WriteOptions configures Write. The zero value writes an unsigned I386
// executable with the default strategy.
type WriteOptions struct {
	Strategy WriteStrategy
	PE       PEOptions
	CLI      CLIOptions
	Machine  uint16

	// Strong naming: a key pair, a key container name, or a public key
	// alone for delay signing.
	Key           *strongname.Key
	KeyContainer  string
	KeyContainers strongname.KeyContainerResolver
	PublicKey     []byte
	DelaySign     bool
	Crypto        strongname.Provider
	HashAlgorithm strongname.HashAlgorithm

	ErrorHandler metadata.ErrorHandler
	Logger       logrus.FieldLogger
}

func (o *WriteOptions) withDefaults() WriteOptions {
	var c WriteOptions
	if o != nil {
		c = *o
	}
	if c.Strategy == nil {
		c.Strategy = DefaultStrategy{}
	}
	if c.Machine == 0 {
		c.Machine = pe.IMAGE_FILE_MACHINE_I386
	}
	if c.Crypto == nil {
		c.Crypto = strongname.RSAProvider{}
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = metadata.LogErrors(c.Logger)
	}
	return c
}

// WriteOptionsFromInfo returns options that reproduce the PE and CLI
// header values recorded in info.
func WriteOptionsFromInfo(info *Info) *WriteOptions {
	h := info.Headers()
	o := &WriteOptions{Machine: h.File.Machine}

	ts := h.File.TimeDateStamp
	chars := h.File.Characteristics
	o.PE.TimeDateStamp = &ts
	o.PE.Characteristics = &chars
	o.PE.DLL = chars&pe.IMAGE_FILE_DLL != 0

	switch oh := h.Optional.(type) {
	case *pe.OptionalHeader32:
		o.PE.MajorLinkerVersion, o.PE.MinorLinkerVersion = &oh.MajorLinkerVersion, &oh.MinorLinkerVersion
		o.PE.MajorOperatingSystemVersion, o.PE.MinorOperatingSystemVersion = &oh.MajorOperatingSystemVersion, &oh.MinorOperatingSystemVersion
		o.PE.MajorImageVersion, o.PE.MinorImageVersion = &oh.MajorImageVersion, &oh.MinorImageVersion
		o.PE.MajorSubsystemVersion, o.PE.MinorSubsystemVersion = &oh.MajorSubsystemVersion, &oh.MinorSubsystemVersion
		o.PE.Subsystem, o.PE.DllCharacteristics = &oh.Subsystem, &oh.DllCharacteristics
		o.PE.FileAlignment, o.PE.SectionAlignment = &oh.FileAlignment, &oh.SectionAlignment
		base := uint64(oh.ImageBase)
		sr, sc := uint64(oh.SizeOfStackReserve), uint64(oh.SizeOfStackCommit)
		hr, hc := uint64(oh.SizeOfHeapReserve), uint64(oh.SizeOfHeapCommit)
		o.PE.ImageBase = &base
		o.PE.SizeOfStackReserve, o.PE.SizeOfStackCommit = &sr, &sc
		o.PE.SizeOfHeapReserve, o.PE.SizeOfHeapCommit = &hr, &hc
	case *pe.OptionalHeader64:
		o.PE.MajorLinkerVersion, o.PE.MinorLinkerVersion = &oh.MajorLinkerVersion, &oh.MinorLinkerVersion
		o.PE.MajorOperatingSystemVersion, o.PE.MinorOperatingSystemVersion = &oh.MajorOperatingSystemVersion, &oh.MinorOperatingSystemVersion
		o.PE.MajorImageVersion, o.PE.MinorImageVersion = &oh.MajorImageVersion, &oh.MinorImageVersion
		o.PE.MajorSubsystemVersion, o.PE.MinorSubsystemVersion = &oh.MajorSubsystemVersion, &oh.MinorSubsystemVersion
		o.PE.Subsystem, o.PE.DllCharacteristics = &oh.Subsystem, &oh.DllCharacteristics
		o.PE.FileAlignment, o.PE.SectionAlignment = &oh.FileAlignment, &oh.SectionAlignment
		o.PE.ImageBase = &oh.ImageBase
		o.PE.SizeOfStackReserve, o.PE.SizeOfStackCommit = &oh.SizeOfStackReserve, &oh.SizeOfStackCommit
		o.PE.SizeOfHeapReserve, o.PE.SizeOfHeapCommit = &oh.SizeOfHeapReserve, &oh.SizeOfHeapCommit
	}

	cli := info.CLIHeader()
	o.CLI.RuntimeMajor, o.CLI.RuntimeMinor = &cli.MajorRuntimeVersion, &cli.MinorRuntimeVersion
	o.PE.UpdateChecksum = h.CheckSum() != 0
	return o
}
