package capacity

import "sync/atomic"

// nanosPerSecond 是一秒对应的纳秒数，贯穿本包用于把字节/秒的容量换算成
// 纳秒时间片长度。
const nanosPerSecond = uint64(1_000_000_000)

// driftWindowNanos 是漂移校正允许预留时钟落后挂钟时间的最大跨度。
const driftWindowNanos = nanosPerSecond // 1s

// reservationClock 是一个类别（或聚合）的预留时钟：一个纳秒级单调计数器，
// 表示"下一个空闲时间片"的末端。除漂移校正和窃取阶段的回退（sub）外
// 只增不减。
type reservationClock struct {
	v atomic.Uint64
}

// slotNanos 计算写入 bytes 字节、容量为 capacityPerSec 字节/秒时对应的
// 时间片长度（纳秒）。调用方必须保证 bytes < 16 GiB，否则这里的乘法会在
// 64 位下溢出（§9 open question：更宽的中间类型可以放宽这个限制）。
func slotNanos(bytes, capacityPerSec uint64) uint64 {
	return bytes * nanosPerSecond / capacityPerSec
}

// reserve 实现 §4.A：为 bytes 字节的写入预留一个时间片，返回该时间片的
// 末端（调用方应当等待到这个纳秒时间点）。
//
// capacityPerSec == 0 表示该类别不设上限，直接返回 nowNanos 且不触碰时钟。
func (c *reservationClock) reserve(bytes, capacityPerSec, nowNanos uint64) uint64 {
	if capacityPerSec == 0 {
		return nowNanos
	}

	slot := slotNanos(bytes, capacityPerSec)
	v := c.v.Add(slot)

	// 漂移校正：如果时钟落后挂钟时间超过一秒，把它拉回到
	// nowNanos - 1s + slot。这是一次普通的原子 store 而非 CAS——
	// 并发下最坏情况只是多做一次冗余写入，语义上仍然安全。
	if v < nowNanos-driftWindowNanos {
		c.v.Store(nowNanos - driftWindowNanos + slot)
	}

	return v
}

// load 返回时钟当前值，用于窃取阶段挑选兄弟类别中最空闲的一个。
func (c *reservationClock) load() uint64 {
	return c.v.Load()
}

// add 原子地把 delta 加到时钟上，返回加后的新值（用于撤销/重试路径）。
func (c *reservationClock) add(delta uint64) uint64 {
	return c.v.Add(delta)
}

// sub 原子地从时钟减去 delta，返回减后的新值。
func (c *reservationClock) sub(delta uint64) uint64 {
	return c.v.Add(^(delta - 1))
}

// compareAndSwap 是窃取阶段里唯一的一次 CAS：把时钟从 old 换成 new。
func (c *reservationClock) compareAndSwap(old, new uint64) bool {
	return c.v.CompareAndSwap(old, new)
}
