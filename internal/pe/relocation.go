package pe

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// RelocationInfo contains base relocation information.
type RelocationInfo struct {
	HasRelocations bool
	BlockCount     int
	TotalEntries   int
	Types          map[string]int
}

// IMAGE_BASE_RELOCATION structure.
type baseRelocationBlock struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

// Relocation types.
//
//nolint:revive // ALL_CAPS matches Windows SDK naming
const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_DIR64    = 10
)

const relocationPageSize = 0x1000

// BuildRelocations encodes base relocation blocks for the given RVAs, one
// block per 4K page, each padded to a 4-byte boundary.
func BuildRelocations(rvas []uint32, relocType uint16) []byte {
	if len(rvas) == 0 {
		return nil
	}

	sorted := append([]uint32(nil), rvas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []byte
	for i := 0; i < len(sorted); {
		page := sorted[i] &^ (relocationPageSize - 1)
		j := i
		for j < len(sorted) && sorted[j]&^(relocationPageSize-1) == page {
			j++
		}

		entries := j - i
		if entries%2 != 0 {
			entries++ // ABSOLUTE padding entry
		}
		block := make([]byte, 8+entries*2)
		binary.LittleEndian.PutUint32(block[0:], page)
		binary.LittleEndian.PutUint32(block[4:], uint32(len(block)))
		for k, rva := range sorted[i:j] {
			binary.LittleEndian.PutUint16(block[8+k*2:], relocType<<12|uint16(rva&(relocationPageSize-1)))
		}
		out = append(out, block...)
		i = j
	}
	return out
}

// ParseRelocations counts relocation blocks and entries of an image.
func ParseRelocations(h *Headers, conv RVAConverter, r io.ReaderAt) (*RelocationInfo, error) {
	info := &RelocationInfo{Types: make(map[string]int)}

	dir := h.DataDirectory(DirectoryBaseReloc)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return info, nil
	}
	info.HasRelocations = true

	relocOffset, err := conv.ToOffset(dir.VirtualAddress)
	if err != nil {
		return info, err
	}

	currentOffset := int64(relocOffset)
	endOffset := currentOffset + int64(dir.Size)
	for currentOffset < endOffset {
		var block baseRelocationBlock
		err := binary.Read(io.NewSectionReader(r, currentOffset, 8), binary.LittleEndian, &block)
		if err != nil {
			return info, errors.Wrapf(err, "read relocation block at 0x%X", currentOffset)
		}
		if block.SizeOfBlock < 8 || block.SizeOfBlock > 0x10000 {
			break
		}

		entries := make([]uint16, (block.SizeOfBlock-8)/2)
		err = binary.Read(io.NewSectionReader(r, currentOffset+8, int64(len(entries))*2), binary.LittleEndian, entries)
		if err != nil {
			return info, errors.Wrapf(err, "read relocation entries at 0x%X", currentOffset+8)
		}
		for _, e := range entries {
			info.Types[GetRelocationTypeName(e>>12)]++
		}

		info.TotalEntries += len(entries)
		info.BlockCount++
		currentOffset += int64(block.SizeOfBlock)
	}
	return info, nil
}

// GetRelocationTypeName returns the name of a relocation type.
func GetRelocationTypeName(relocType uint16) string {
	switch relocType {
	case IMAGE_REL_BASED_ABSOLUTE:
		return "ABSOLUTE"
	case IMAGE_REL_BASED_HIGHLOW:
		return "HIGHLOW"
	case IMAGE_REL_BASED_DIR64:
		return "DIR64"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", relocType)
	}
}
