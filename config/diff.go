package config

import (
	"reflect"
	"strings"
)

// ConfigChange 配置变更（按配置段）
type ConfigChange struct {
	Section         string `json:"section"`          // 配置段，如 "risk"
	RequiresRestart bool   `json:"requires_restart"` // 是否需要重启
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"` // 是否有需要重启的变更
}

// 运行期可以直接生效的配置段
var hotReloadableSections = map[string]bool{
	"risk":          true,
	"sizing":        true,
	"pipeline":      true,
	"order":         true,
	"notifications": true,
}

// DiffConfig 对比两个配置，按配置段生成差异
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	if oldConfig == nil || newConfig == nil {
		return diff
	}

	oldVal := reflect.ValueOf(oldConfig).Elem()
	newVal := reflect.ValueOf(newConfig).Elem()
	t := oldVal.Type()

	for i := 0; i < t.NumField(); i++ {
		section := sectionName(t.Field(i))
		if reflect.DeepEqual(oldVal.Field(i).Interface(), newVal.Field(i).Interface()) {
			continue
		}
		change := ConfigChange{
			Section:         section,
			RequiresRestart: !hotReloadableSections[section],
		}
		if change.RequiresRestart {
			diff.RequiresRestart = true
		}
		diff.Changes = append(diff.Changes, change)
	}
	return diff
}

// Has 是否包含指定配置段的变更
func (d *ConfigDiff) Has(section string) bool {
	for _, c := range d.Changes {
		if c.Section == section {
			return true
		}
	}
	return false
}

func sectionName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	return strings.Split(tag, ",")[0]
}
