package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
pipeline:
  symbols: [AAPL, MSFT]
sizing:
  default_shares: 50
  strategies:
    momentum:
      max_position_size: "10000"
    meanrev:
      risk_per_trade: 2
      stop_loss_percent: "5"
risk:
  max_position_percent: 15
  strategies:
    momentum:
      stop_loss_percent: 3
`

func TestLoadConfigFromBytesAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "./data/smartalpaca.db", cfg.Database.DSN)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase())
	assert.Equal(t, 24*time.Hour, cfg.Retention())
	assert.Equal(t, int64(50), cfg.Sizing.DefaultShares)
	assert.Equal(t, 15.0, cfg.Risk.MaxPositionPercent)
	assert.Equal(t, 80.0, cfg.Risk.MaxExposurePercent)
	assert.Equal(t, 2.0, cfg.Risk.DefaultStopLossPercent)
	assert.Equal(t, 8080, cfg.Web.Port)
}

func TestPolicyForAcceptsNumbersAndStrings(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "10000", cfg.PolicyFor("momentum").MaxPositionSize)
	meanrev := cfg.PolicyFor("meanrev")
	assert.Equal(t, "2", meanrev.RiskPerTrade)
	assert.Equal(t, "5", meanrev.StopLossPercent)
	assert.Equal(t, PolicyConfig{}, cfg.PolicyFor("unknown"))
}

func TestConfigValidate(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	bad := *cfg
	bad.Pipeline.Symbols = nil
	assert.Error(t, bad.Validate(), "没有交易标的应该报错")

	bad = *cfg
	bad.Database.Type = "oracle"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Notifications.Webhook.Enabled = true
	bad.Notifications.Webhook.URL = ""
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.System.Timezone = "Mars/Olympus"
	assert.Error(t, bad.Validate())

	_, err = LoadConfigFromBytes([]byte("pipeline: [oops"))
	assert.Error(t, err)
}

func TestDiffConfigClassifiesSections(t *testing.T) {
	oldCfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)
	newCfg := *oldCfg
	newCfg.Risk.MaxExposurePercent = 50
	newCfg.Web.Port = 9090

	diff := DiffConfig(oldCfg, &newCfg)
	assert.True(t, diff.Has("risk"))
	assert.True(t, diff.Has("web"))
	assert.False(t, diff.Has("queue"))
	assert.True(t, diff.RequiresRestart)
}

func TestHotReloaderAppliesOnlyReloadableSections(t *testing.T) {
	oldCfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)
	hr := NewHotReloader(oldCfg)

	var seen *Config
	hr.RegisterCallback(func(_, newConfig *Config, diff *ConfigDiff) error {
		seen = newConfig
		return nil
	})

	newCfg := *oldCfg
	newCfg.Risk.MaxExposurePercent = 50
	newCfg.Web.Port = 9090
	newCfg.Web.APIKey = "rotated"

	diff, err := hr.UpdateConfig(&newCfg)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.True(t, diff.RequiresRestart)
	assert.Equal(t, 50.0, hr.Current().Risk.MaxExposurePercent)
	assert.Equal(t, 8080, hr.Current().Web.Port, "web 配置需要重启才能生效")
	assert.Equal(t, "rotated", seen.Web.APIKey)
}

func TestConfigWatcherReloadsRiskLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	hr := NewHotReloader(cfg)
	updated := make(chan float64, 1)
	hr.RegisterCallback(func(_, newConfig *Config, diff *ConfigDiff) error {
		if diff.Has("risk") {
			select {
			case updated <- newConfig.Risk.MaxExposurePercent:
			default:
			}
		}
		return nil
	})

	cw, err := NewConfigWatcher(path, hr)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cw.Start(ctx))
	defer cw.Stop()

	// 保证修改时间变化
	time.Sleep(20 * time.Millisecond)
	changed := sampleYAML + "\n  max_exposure_percent: 40\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case v := <-updated:
		assert.Equal(t, 40.0, v)
	case <-time.After(5 * time.Second):
		t.Fatal("配置热更新超时")
	}
}
