// Package profile loads the kernel-structure profile: a read-only mapping
// from symbolic field names (process descriptor, VAD node, control area,
// file object) to byte offsets, plus the bit-ranges of the packed VAD flags
// word. Profiles are produced offline for the exact guest kernel build and
// loaded once at startup; everything here is immutable after Load.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Well-known keys of the VAD flags word bit-range table.
const (
	FieldVadType   = "vad_type"
	FieldIsPrivate = "is_private"
	FieldProt      = "protection"
)

// Profile is the decoded profile file. All offsets are byte offsets into
// the named kernel structure.
type Profile struct {
	Kernel struct {
		// ProcessListHead is the kernel virtual address of the
		// active-process list head.
		ProcessListHead uint64 `yaml:"process_list_head"`
	} `yaml:"kernel"`

	Process struct {
		UniqueProcessID    uint64 `yaml:"unique_process_id"`
		ActiveProcessLinks uint64 `yaml:"active_process_links"`
		DirectoryTableBase uint64 `yaml:"directory_table_base"`
		VadRoot            uint64 `yaml:"vad_root"`
		ImageFileName      uint64 `yaml:"image_file_name"`
	} `yaml:"process"`

	Vad struct {
		LeftChild   uint64 `yaml:"left_child"`
		RightChild  uint64 `yaml:"right_child"`
		StartingVPN uint64 `yaml:"starting_vpn"`
		EndingVPN   uint64 `yaml:"ending_vpn"`
		Flags       uint64 `yaml:"flags"`
		ControlArea uint64 `yaml:"control_area"`
	} `yaml:"vad"`

	ControlArea struct {
		FileObject uint64 `yaml:"file_object"`
	} `yaml:"control_area"`

	FileObject struct {
		FileName uint64 `yaml:"file_name"`
	} `yaml:"file_object"`

	// FlagsBits maps symbolic field names to bit-ranges inside the VAD
	// flags word (vad_type, is_private, protection).
	FlagsBits map[string]BitRange `yaml:"flags_bits"`
}

// Load reads and validates a profile file.
func Load(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return Parse(b)
}

// Parse decodes and validates profile YAML.
func Parse(b []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.Kernel.ProcessListHead == 0 {
		return fmt.Errorf("%w: kernel.process_list_head", ErrMissingField)
	}
	// Offsets may legitimately be zero only for the first member of a
	// structure; the link fields never are in any supported kernel.
	if p.Process.ActiveProcessLinks == 0 {
		return fmt.Errorf("%w: process.active_process_links", ErrMissingField)
	}
	if p.Process.DirectoryTableBase == 0 {
		return fmt.Errorf("%w: process.directory_table_base", ErrMissingField)
	}
	if p.Process.VadRoot == 0 {
		return fmt.Errorf("%w: process.vad_root", ErrMissingField)
	}
	for _, key := range []string{FieldVadType, FieldIsPrivate, FieldProt} {
		r, ok := p.FlagsBits[key]
		if !ok {
			return fmt.Errorf("%w: flags_bits.%s", ErrMissingField, key)
		}
		if r.End < r.Start || r.End > 63 {
			return fmt.Errorf("%w: flags_bits.%s [%d..%d]", ErrBadRange, key, r.Start, r.End)
		}
	}
	return nil
}

// VadFlags wraps a raw VAD flags word with this profile's bit-range table.
func (p *Profile) VadFlags(word uint64) Flags {
	return Flags{word: word, ranges: p.FlagsBits}
}
