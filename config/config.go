// Package config provides the optional YAML convenience loader for
// Win32Offsets (spec.md §6, expanded in SPEC_FULL.md §8.3), in the
// read-and-parse style of the teacher's cmd/ccapp/site_config.go.
//
// Unlike that function, a malformed file here is a hard error rather
// than a logged fallback to the zero value: offsets silently defaulting
// to zero would make every subsequent translation and struct-offset read
// wrong in a way that is very hard to diagnose, whereas a missing file
// is the caller simply not using the YAML convenience loader at all.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/vaterr"
	"github.com/memtrace/vat/winproc"
)

// yamlOffsets mirrors winproc.Win32Offsets field-for-field with
// snake_case tags; kept separate so winproc itself carries no YAML
// dependency.
type yamlOffsets struct {
	EprocPid   uint64 `yaml:"eproc_pid"`
	EprocName  uint64 `yaml:"eproc_name"`
	EprocWow64 uint64 `yaml:"eproc_wow64"`
	EprocPeb   uint64 `yaml:"eproc_peb"`
	EprocLinks uint64 `yaml:"eproc_links"`
	KprocDtb   uint64 `yaml:"kproc_dtb"`

	PebLdrX64  uint64 `yaml:"peb_ldr_x64"`
	PebLdrX86  uint64 `yaml:"peb_ldr_x86"`
	LdrListX64 uint64 `yaml:"ldr_list_x64"`
	LdrListX86 uint64 `yaml:"ldr_list_x86"`

	ModLinks          uint64 `yaml:"mod_links"`
	ModDllBaseX64     uint64 `yaml:"mod_dll_base_x64"`
	ModDllBaseX86     uint64 `yaml:"mod_dll_base_x86"`
	ModSizeOfImageX64 uint64 `yaml:"mod_size_of_image_x64"`
	ModSizeOfImageX86 uint64 `yaml:"mod_size_of_image_x86"`
	ModFullDllNameX64 uint64 `yaml:"mod_full_dll_name_x64"`
	ModFullDllNameX86 uint64 `yaml:"mod_full_dll_name_x86"`
	ModBaseDllNameX64 uint64 `yaml:"mod_base_dll_name_x64"`
	ModBaseDllNameX86 uint64 `yaml:"mod_base_dll_name_x86"`
}

// LoadWin32Offsets reads and parses a YAML offsets file at path. A
// missing file returns the zero-value Win32Offsets and a nil error,
// logged at debug level — this loader is an optional convenience, not
// the only way to populate offsets. A file that exists but fails to
// parse is a hard KindInitialization error.
func LoadWin32Offsets(path string, log *slog.Logger) (winproc.Win32Offsets, error) {
	if log == nil {
		log = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("config: offsets file not present, using zero value", "path", path)
			return winproc.Win32Offsets{}, nil
		}
		return winproc.Win32Offsets{}, vaterr.Wrap(vaterr.KindInitialization, fmt.Sprintf("config: read %q", path), err)
	}

	var y yamlOffsets
	if err := yaml.Unmarshal(data, &y); err != nil {
		return winproc.Win32Offsets{}, vaterr.Wrap(vaterr.KindInitialization, fmt.Sprintf("config: parse %q", path), err)
	}

	return winproc.Win32Offsets{
		EprocPid:   addr.Length(y.EprocPid),
		EprocName:  addr.Length(y.EprocName),
		EprocWow64: addr.Length(y.EprocWow64),
		EprocPeb:   addr.Length(y.EprocPeb),
		EprocLinks: addr.Length(y.EprocLinks),
		KprocDtb:   addr.Length(y.KprocDtb),

		PebLdrX64:  addr.Length(y.PebLdrX64),
		PebLdrX86:  addr.Length(y.PebLdrX86),
		LdrListX64: addr.Length(y.LdrListX64),
		LdrListX86: addr.Length(y.LdrListX86),

		ModLinks:          addr.Length(y.ModLinks),
		ModDllBaseX64:     addr.Length(y.ModDllBaseX64),
		ModDllBaseX86:     addr.Length(y.ModDllBaseX86),
		ModSizeOfImageX64: addr.Length(y.ModSizeOfImageX64),
		ModSizeOfImageX86: addr.Length(y.ModSizeOfImageX86),
		ModFullDllNameX64: addr.Length(y.ModFullDllNameX64),
		ModFullDllNameX86: addr.Length(y.ModFullDllNameX86),
		ModBaseDllNameX64: addr.Length(y.ModBaseDllNameX64),
		ModBaseDllNameX86: addr.Length(y.ModBaseDllNameX86),
	}, nil
}
