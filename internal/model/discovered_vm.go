package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type VMSource string

const (
	VMSourceWorkstation VMSource = "workstation"
	VMSourceESXi        VMSource = "esxi"
)

func (s VMSource) Valid() bool {
	return s == VMSourceWorkstation || s == VMSourceESXi
}

// DiscoveredVM is a catalogued source VM. The discovery collaborator owns
// these rows; the migration engine only reads them.
type DiscoveredVM struct {
	Id         int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Name       string         `json:"name" gorm:"column:name;size:255;not null;uniqueIndex:uq_discovered_vm_name_source"`
	Source     VMSource       `json:"source" gorm:"column:source;size:20;not null;uniqueIndex:uq_discovered_vm_name_source;index"`
	CPU        int            `json:"cpu" gorm:"column:cpu"`
	RAM        int            `json:"ram" gorm:"column:ram"` // MiB
	Disks      datatypes.JSON `json:"disks" gorm:"column:disks"`
	Metadata   datatypes.JSON `json:"metadata" gorm:"column:metadata"`
	PowerState string         `json:"power_state" gorm:"column:power_state;size:64"`
	LastSeen   time.Time      `json:"last_seen" gorm:"column:last_seen;index"`
	CreateTime time.Time      `json:"create_time" gorm:"column:gmt_create;autoCreateTime"`
	UpdateTime time.Time      `json:"update_time" gorm:"column:gmt_modified;autoUpdateTime"`
}

func (DiscoveredVM) TableName() string {
	return "discovered_vm"
}

// DiskPaths returns the disk paths in discovery order. Entries may be plain
// strings or objects with a "path" key; blanks and repeats are dropped.
func (vm *DiscoveredVM) DiskPaths() []string {
	var raw []json.RawMessage
	if len(vm.Disks) == 0 || json.Unmarshal(vm.Disks, &raw) != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	paths := make([]string, 0, len(raw))
	for _, item := range raw {
		var p string
		if err := json.Unmarshal(item, &p); err != nil {
			var obj struct {
				Path string `json:"path"`
			}
			if json.Unmarshal(item, &obj) != nil {
				continue
			}
			p = obj.Path
		}
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths
}

func (vm *DiscoveredVM) MetadataMap() map[string]interface{} {
	m := map[string]interface{}{}
	if len(vm.Metadata) > 0 {
		_ = json.Unmarshal(vm.Metadata, &m)
	}
	return m
}

func (vm *DiscoveredVM) VMXPath() string {
	if v, ok := vm.MetadataMap()["vmx_path"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func (vm *DiscoveredVM) HasSnapshots() bool {
	v, _ := vm.MetadataMap()["has_snapshots"].(bool)
	return v
}

// PoweredOff accepts the spellings reported by the different VMware APIs.
func (vm *DiscoveredVM) PoweredOff() bool {
	switch strings.ToLower(strings.TrimSpace(vm.PowerState)) {
	case "poweredoff", "powered_off", "poweroff", "off":
		return true
	}
	return false
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeName maps a VM name onto the characters allowed in artifact and
// cloud resource names.
func SanitizeName(name string) string {
	clean := strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-._")
	if clean == "" {
		return "vm"
	}
	return clean
}
