package utils

import (
	"time"
)

// DefaultTimezone 美股交易所时区
const DefaultTimezone = "America/New_York"

var (
	// GlobalLocation 全局配置的时区
	GlobalLocation *time.Location
)

func init() {
	SetLocation(DefaultTimezone)
}

// SetLocation 设置全局时区，name 为空时使用纽约时区
func SetLocation(name string) error {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 系统缺少时区数据时，纽约时区退化为固定的 UTC-5
		if name == DefaultTimezone {
			GlobalLocation = time.FixedZone("EST", -5*60*60)
			return nil
		}
		if GlobalLocation == nil {
			GlobalLocation = time.UTC
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}

// NowUTC 获取当前UTC时间
func NowUTC() time.Time {
	return time.Now().UTC()
}

// NowConfiguredTimezone 获取当前配置时区的时间
func NowConfiguredTimezone() time.Time {
	return time.Now().In(GlobalLocation)
}
