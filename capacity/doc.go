// Copyright 2021 hardcore-os Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License")
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package capacity 实现了 JadeDB 存储引擎的 I/O 容量节流与后台刷盘模块。

它把磁盘 I/O 按每秒字节数预算切分到四个工作负载类别（检查点、淘汰、
日志、读），并允许各类别在彼此空闲时互相"借用"尚未用完的预算。当累计
写入量超过阈值时，模块还会驱动一个后台任务发起异步 fsync。

核心组件：
- 预留时钟（reservationClock）：每个类别一个纳秒级单调计数器，表示
  "下一个空闲时间片"的位置。
- 节流操作（Server.Throttle）：调用方在磁盘 I/O 之前或之后调用的热路径
  接口，预留时间片、必要时窃取兄弟类别的配额、并在需要时睡眠等待。
- 后台刷盘任务：等待在一个条件变量上，周期性或被信号唤醒时检查累计
  写入量，超过阈值就触发一次异步 fsync。
- 生命周期管理：配置 / 启动 / 信号 / 停止刷盘任务；重新配置通过完整的
  停止再启动实现。

这是存储引擎里不加互斥锁的并发协调核心：每条写路径都会在热路径上
调用 Throttle，它靠原子操作在多线程下协调。唯一的例外是 Signal 真正
唤醒刷盘任务时会短暂持有 Server.mu 以读取条件变量。
*/
package capacity
