package capacity

import (
	"github.com/pkg/errors"
)

// ConfigKeyTotal 是本包读取的唯一配置键：io_capacity.total，单位
// 字节/秒。
const ConfigKeyTotal = "io_capacity.total"

// ThrottleMin 是 io_capacity.total 非零时允许的最小吞吐量，对应原始
// 引擎里由引擎定义的 WT_THROTTLE_MIN 常量。
const ThrottleMin = 500 * 1024 // 500 KiB/s

// ErrCapacityBelowMinimum 在 io_capacity.total 非零但低于 ThrottleMin
// 时返回；配置保持不变。
var ErrCapacityBelowMinimum = errors.Errorf(
	"io_capacity.total below minimum %d bytes/sec", ThrottleMin)

// ConfigSource 是配置读取的外部协作者：一个暴露 io_capacity.total 的
// 键值读取器。spec §6 把完整的配置解析/校验框架列为外部协作者，本包
// 只消费这一个键。
type ConfigSource interface {
	GetInt64(key string) (value int64, ok bool)
}

// StaticConfig 是 ConfigSource 最简单的实现：一个只读的 map，测试和
// 简单调用方都可以直接构造。
type StaticConfig map[string]int64

func (c StaticConfig) GetInt64(key string) (int64, bool) {
	v, ok := c[key]
	return v, ok
}

// classCapacities 是 §4.E 对 io_capacity.total 的拆分结果。
type classCapacities struct {
	total, ckpt, evict, log, read, threshold uint64
}

// bindConfig 实现 §4.E：把 io_capacity.total 映射成按类别拆分的容量，
// 并派生出触发异步刷盘的阈值。total == 0（或缺失）表示不设聚合上限，
// 所有类别也随之不设上限。
func bindConfig(cfg ConfigSource) (classCapacities, error) {
	total, ok := cfg.GetInt64(ConfigKeyTotal)
	if !ok || total < 0 {
		total = 0
	}
	if total != 0 && uint64(total) < ThrottleMin {
		return classCapacities{}, ErrCapacityBelowMinimum
	}

	cc := classCapacities{total: uint64(total)}
	if total > 0 {
		// 四个类别的份额加起来是 150%，这是故意的：它们很少同时
		// 打满，真正的天花板由聚合时钟强制执行。
		cc.ckpt = cc.total * 10 / 100
		cc.evict = cc.total * 60 / 100
		cc.log = cc.total * 20 / 100
		cc.read = cc.total * 60 / 100
		cc.threshold = (cc.ckpt + cc.evict + cc.log) * 10 / 100
	}
	return cc, nil
}
