package config

import (
	"fmt"
	"strings"
	"sync"
)

// HotReloader 配置热更新器
type HotReloader struct {
	mu              sync.RWMutex
	currentConfig   *Config
	updateCallbacks []ConfigUpdateCallback
}

// ConfigUpdateCallback 配置更新回调函数类型
type ConfigUpdateCallback func(oldConfig, newConfig *Config, diff *ConfigDiff) error

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// Current 当前生效的配置
func (hr *HotReloader) Current() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}

// UpdateConfig 更新配置（热更新）
// 需要重启的配置段不会生效，仍保留旧值，由调用方决定是否提示重启
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)
	if len(diff.Changes) == 0 {
		return diff, nil
	}

	merged := *hr.currentConfig
	for _, change := range diff.Changes {
		if change.RequiresRestart {
			// 这两段里只有个别字段可以运行期生效
			switch change.Section {
			case "web":
				merged.Web.APIKey = newConfig.Web.APIKey
			case "paper":
				merged.Paper.MinBacktestScore = newConfig.Paper.MinBacktestScore
			}
			continue
		}
		switch change.Section {
		case "risk":
			merged.Risk = newConfig.Risk
		case "sizing":
			merged.Sizing = newConfig.Sizing
		case "pipeline":
			merged.Pipeline = newConfig.Pipeline
		case "order":
			merged.Order = newConfig.Order
		case "notifications":
			merged.Notifications = newConfig.Notifications
		}
	}

	var errs []string
	for _, cb := range hr.updateCallbacks {
		if err := cb(hr.currentConfig, &merged, diff); err != nil {
			errs = append(errs, err.Error())
		}
	}
	hr.currentConfig = &merged

	if len(errs) > 0 {
		return diff, fmt.Errorf("部分回调执行失败: %s", strings.Join(errs, "; "))
	}
	return diff, nil
}
