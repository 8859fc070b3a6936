package capacity

import "time"

// wakeCause 记录了条件变量等待结束的原因，对应 spec §4.C 步骤 1 要求的
// "wake-cause output"。
type wakeCause int

const (
	wakeTimeout wakeCause = iota
	wakeSignal
)

// condVar 是一个用 channel 实现的条件变量：支持带超时的等待并报告
// 唤醒原因。JadeDB 在别处没有现成的条件变量抽象，这里按照
// utils.Throttle 用带缓冲 channel 做非阻塞信号的方式来搭，而不是引入
// sync.Cond——对"超时等待 + 唤醒原因"这个形状，channel 是更地道的写法。
type condVar struct {
	ch chan struct{}
}

func newCondVar() *condVar {
	return &condVar{ch: make(chan struct{}, 1)}
}

// signal 唤醒一个等待者；如果已经有一个未被消费的信号在途，则是个
// no-op（信号会合并，这正是 §8 "Signal coalescing" 法则要求的行为）。
// 返回 true 当且仅当这次调用真正排入了一个新的唤醒。
func (c *condVar) signal() bool {
	select {
	case c.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// wait 阻塞直到被 signal 唤醒或者 timeout 到期，返回对应的 wakeCause。
func (c *condVar) wait(timeout time.Duration) wakeCause {
	select {
	case <-c.ch:
		return wakeSignal
	case <-time.After(timeout):
		return wakeTimeout
	}
}
